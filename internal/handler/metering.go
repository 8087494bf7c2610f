// Package handler contains the HTTP handlers for the metering service.
//
// This file implements the credit and session metering API.
//
// Routes handled:
//   - POST /v1/credits/check    -> CheckCredits
//   - GET  /v1/credits/balance  -> Balance
//   - POST /v1/sessions/start   -> StartSession
//   - POST /v1/sessions/stop    -> StopSession
//   - GET  /v1/sessions/{id}    -> CheckSession
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/metrics"
	"github.com/quillchat/metering/internal/service"
)

// maxBodyBytes bounds request bodies; every payload here is tiny.
const maxBodyBytes = 1 << 16

// MeteringHandler handles credit check and session metering requests.
type MeteringHandler struct {
	balance  service.BalanceService
	sessions service.SessionService
	logger   *slog.Logger
}

// NewMeteringHandler creates a new MeteringHandler.
func NewMeteringHandler(balance service.BalanceService, sessions service.SessionService, logger *slog.Logger) *MeteringHandler {
	return &MeteringHandler{
		balance:  balance,
		sessions: sessions,
		logger:   logger,
	}
}

// RegisterRoutes registers metering routes on the provided mux. Every
// route runs behind the subject-resolution middleware.
func (h *MeteringHandler) RegisterRoutes(mux *http.ServeMux, withSubject func(http.Handler) http.Handler) {
	mux.Handle("POST /v1/credits/check", withSubject(http.HandlerFunc(h.CheckCredits)))
	mux.Handle("GET /v1/credits/balance", withSubject(http.HandlerFunc(h.Balance)))
	mux.Handle("POST /v1/sessions/start", withSubject(http.HandlerFunc(h.StartSession)))
	mux.Handle("POST /v1/sessions/stop", withSubject(http.HandlerFunc(h.StopSession)))
	mux.Handle("GET /v1/sessions/{id}", withSubject(http.HandlerFunc(h.CheckSession)))
}

// =============================================================================
// Request / Response Types
// =============================================================================

type checkCreditsRequest struct {
	Operation string `json:"operation"`
}

type decisionResponse struct {
	Allowed        bool   `json:"allowed"`
	Remaining      int64  `json:"remaining"`
	CreditCost     int64  `json:"credit_cost"`
	Unlimited      bool   `json:"unlimited"`
	SoftCapReached bool   `json:"soft_cap_reached,omitempty"`
	SuggestedTier  string `json:"suggested_tier,omitempty"`
}

type balanceResponse struct {
	Remaining  int64 `json:"remaining"`
	DailyLimit int64 `json:"daily_limit,omitempty"`
	Unlimited  bool  `json:"unlimited"`
}

type startSessionRequest struct {
	SessionID string `json:"session_id"`
	Route     string `json:"route"`
}

type stopSessionRequest struct {
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	SessionID        string    `json:"session_id"`
	IsActive         bool      `json:"is_active"`
	StartedAt        time.Time `json:"started_at"`
	ElapsedSeconds   int64     `json:"elapsed_seconds"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	RemainingCredits int64     `json:"remaining_credits"`
	CreditsDeducted  int64     `json:"credits_deducted"`
	Unlimited        bool      `json:"unlimited,omitempty"`
}

// =============================================================================
// Credit Handlers
// =============================================================================

// CheckCredits atomically checks and deducts the cost of one operation.
// Denials come back as HTTP 402 with the remaining balance in the body so
// clients can render state without a follow-up call.
func (h *MeteringHandler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if subject == nil {
		ErrorResponse(w, r, h.logger, domain.Unauthorized("handler.check_credits", "no billing subject resolved"))
		return
	}

	var req checkCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Operation == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.check_credits", "operation is required"))
		return
	}

	decision, err := h.balance.CheckAndDeduct(r.Context(), subject, req.Operation)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	kind := string(subject.Kind())
	resp := decisionResponse{
		Allowed:        decision.Allowed,
		Remaining:      decision.Remaining,
		CreditCost:     decision.CreditCost,
		Unlimited:      decision.Unlimited,
		SoftCapReached: decision.SoftCapReached,
		SuggestedTier:  string(decision.SuggestedTier),
	}
	if !decision.Allowed {
		metrics.CreditChecksTotal.WithLabelValues(kind, "denied").Inc()
		if decision.SoftCapReached {
			metrics.CreditDenialsTotal.WithLabelValues("soft_cap").Inc()
		} else {
			metrics.CreditDenialsTotal.WithLabelValues("insufficient").Inc()
		}
		writeJSON(w, http.StatusPaymentRequired, resp)
		return
	}

	metrics.CreditChecksTotal.WithLabelValues(kind, "allowed").Inc()
	metrics.CreditsDeductedTotal.WithLabelValues(kind).Add(float64(decision.CreditCost))
	writeJSON(w, http.StatusOK, resp)
}

// Balance reports the subject's remaining allowance without deducting.
func (h *MeteringHandler) Balance(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if subject == nil {
		ErrorResponse(w, r, h.logger, domain.Unauthorized("handler.balance", "no billing subject resolved"))
		return
	}

	allowance, err := h.balance.Allowance(r.Context(), subject)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Remaining:  allowance.Remaining,
		DailyLimit: allowance.DailyLimit,
		Unlimited:  allowance.Unlimited,
	})
}

// =============================================================================
// Session Handlers
// =============================================================================

// StartSession opens a metered session. Nothing is billed until stop.
func (h *MeteringHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if subject == nil {
		ErrorResponse(w, r, h.logger, domain.Unauthorized("handler.start_session", "no billing subject resolved"))
		return
	}

	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	receipt, err := h.sessions.Start(r.Context(), subject, service.StartSessionParams{
		SessionID: req.SessionID,
		Route:     req.Route,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	metrics.ActiveSessions.Inc()
	writeJSON(w, http.StatusCreated, sessionReceiptResponse(receipt))
}

// StopSession closes a session and bills the elapsed time.
func (h *MeteringHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	receipt, err := h.sessions.Stop(r.Context(), req.SessionID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	metrics.ActiveSessions.Dec()
	metrics.SessionsTotal.WithLabelValues("stopped").Inc()
	metrics.SessionSecondsTotal.Add(float64(receipt.ElapsedSeconds))
	writeJSON(w, http.StatusOK, sessionReceiptResponse(receipt))
}

// CheckSession reports session state without billing.
func (h *MeteringHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.sessions.Check(r.Context(), r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionReceiptResponse(receipt))
}

// =============================================================================
// Helpers
// =============================================================================

func sessionReceiptResponse(receipt *service.SessionReceipt) sessionResponse {
	return sessionResponse{
		SessionID:        receipt.SessionID,
		IsActive:         receipt.IsActive,
		StartedAt:        receipt.StartedAt,
		ElapsedSeconds:   receipt.ElapsedSeconds,
		RemainingSeconds: receipt.RemainingSeconds,
		RemainingCredits: receipt.RemainingCredits,
		CreditsDeducted:  receipt.CreditsDeducted,
		Unlimited:        receipt.Unlimited,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalid("handler.decode", "request body is required")
		}
		return domain.Invalid("handler.decode", "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
