package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/service"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeBalance struct {
	decision  *domain.Decision
	allowance *domain.Allowance
	err       error

	lastOperation string
}

func (f *fakeBalance) CheckAndDeduct(ctx context.Context, subject domain.Subject, operation string) (*domain.Decision, error) {
	f.lastOperation = operation
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func (f *fakeBalance) Allowance(ctx context.Context, subject domain.Subject) (*domain.Allowance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.allowance, nil
}

func (f *fakeBalance) DeductClamped(ctx context.Context, subject domain.Subject, cost int64, operation string, metadata []byte) (int64, int64, error) {
	return 0, 0, nil
}

type fakeSessions struct {
	receipt *service.SessionReceipt
	err     error

	startedID string
	stoppedID string
	checkedID string
}

func (f *fakeSessions) Start(ctx context.Context, subject domain.Subject, arg service.StartSessionParams) (*service.SessionReceipt, error) {
	f.startedID = arg.SessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func (f *fakeSessions) Stop(ctx context.Context, sessionID string) (*service.SessionReceipt, error) {
	f.stoppedID = sessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func (f *fakeSessions) Check(ctx context.Context, sessionID string) (*service.SessionReceipt, error) {
	f.checkedID = sessionID
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func (f *fakeSessions) ReconcileStale(ctx context.Context) (int, error) {
	return 0, nil
}

// =============================================================================
// Helpers
// =============================================================================

func testHandlerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMeteringMux registers the handler behind a middleware that injects a
// fixed subject, mirroring production wiring.
func newMeteringMux(balance *fakeBalance, sessions *fakeSessions, subject domain.Subject) *http.ServeMux {
	h := NewMeteringHandler(balance, sessions, testHandlerLogger())
	mux := http.NewServeMux()
	withSubject := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subject != nil {
				r = r.WithContext(ContextWithSubject(r.Context(), subject))
			}
			next.ServeHTTP(w, r)
		})
	}
	h.RegisterRoutes(mux, withSubject)
	return mux
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// =============================================================================
// Credit Endpoint Tests
// =============================================================================

func TestCheckCreditsAllowed(t *testing.T) {
	balance := &fakeBalance{decision: &domain.Decision{
		Allowed:    true,
		Remaining:  299,
		CreditCost: 1,
	}}
	mux := newMeteringMux(balance, &fakeSessions{}, domain.Subscriber{
		UserID: uuid.New(),
		Tier:   domain.SubscriptionTierStarter,
	})

	req := httptest.NewRequest("POST", "/v1/credits/check", strings.NewReader(`{"operation":"chat_message"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if balance.lastOperation != "chat_message" {
		t.Errorf("operation = %q, want chat_message", balance.lastOperation)
	}

	var resp decisionResponse
	decodeBody(t, rec, &resp)
	if !resp.Allowed {
		t.Error("expected allowed decision")
	}
	if resp.Remaining != 299 {
		t.Errorf("remaining = %d, want 299", resp.Remaining)
	}
}

func TestCheckCreditsDeniedReturns402(t *testing.T) {
	balance := &fakeBalance{decision: &domain.Decision{
		Allowed:       false,
		Remaining:     0,
		CreditCost:    1,
		SuggestedTier: domain.SubscriptionTierPlus,
	}}
	mux := newMeteringMux(balance, &fakeSessions{}, domain.Subscriber{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/credits/check", strings.NewReader(`{"operation":"chat_message"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}

	var resp decisionResponse
	decodeBody(t, rec, &resp)
	if resp.Allowed {
		t.Error("expected denied decision")
	}
	if resp.SuggestedTier != "plus" {
		t.Errorf("suggested tier = %q, want plus", resp.SuggestedTier)
	}
}

func TestCheckCreditsWithoutSubject(t *testing.T) {
	mux := newMeteringMux(&fakeBalance{}, &fakeSessions{}, nil)

	req := httptest.NewRequest("POST", "/v1/credits/check", strings.NewReader(`{"operation":"chat_message"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCheckCreditsRejectsMalformedBody(t *testing.T) {
	mux := newMeteringMux(&fakeBalance{}, &fakeSessions{}, domain.FreeAuthenticated{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/credits/check", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCheckCreditsRequiresOperation(t *testing.T) {
	mux := newMeteringMux(&fakeBalance{}, &fakeSessions{}, domain.FreeAuthenticated{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/credits/check", strings.NewReader(`{"operation":""}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	balance := &fakeBalance{allowance: &domain.Allowance{
		Remaining:  7,
		DailyLimit: 10,
	}}
	mux := newMeteringMux(balance, &fakeSessions{}, domain.AnonymousVisitor{IPHash: "abc"})

	req := httptest.NewRequest("GET", "/v1/credits/balance", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp balanceResponse
	decodeBody(t, rec, &resp)
	if resp.Remaining != 7 || resp.DailyLimit != 10 {
		t.Errorf("balance = %+v, want remaining 7 limit 10", resp)
	}
}

// =============================================================================
// Session Endpoint Tests
// =============================================================================

func TestStartSessionReturns201(t *testing.T) {
	started := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{receipt: &service.SessionReceipt{
		SessionID:        "sess-1",
		IsActive:         true,
		StartedAt:        started,
		RemainingSeconds: 3000,
		RemainingCredits: 10,
	}}
	mux := newMeteringMux(&fakeBalance{}, sessions, domain.Subscriber{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/sessions/start", strings.NewReader(`{"session_id":"sess-1","route":"/voice"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if sessions.startedID != "sess-1" {
		t.Errorf("started session = %q, want sess-1", sessions.startedID)
	}

	var resp sessionResponse
	decodeBody(t, rec, &resp)
	if !resp.IsActive || resp.RemainingSeconds != 3000 {
		t.Errorf("receipt = %+v, want active with 3000s runway", resp)
	}
}

func TestStartSessionInsufficientCredits(t *testing.T) {
	sessions := &fakeSessions{err: domain.InsufficientCredits("session.start", 0)}
	mux := newMeteringMux(&fakeBalance{}, sessions, domain.AnonymousVisitor{IPHash: "abc"})

	req := httptest.NewRequest("POST", "/v1/sessions/start", strings.NewReader(`{"session_id":"sess-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}
}

func TestStopSessionBillsAndReturnsReceipt(t *testing.T) {
	sessions := &fakeSessions{receipt: &service.SessionReceipt{
		SessionID:       "sess-1",
		IsActive:        false,
		ElapsedSeconds:  301,
		CreditsDeducted: 2,
	}}
	mux := newMeteringMux(&fakeBalance{}, sessions, domain.Subscriber{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/sessions/stop", strings.NewReader(`{"session_id":"sess-1"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if sessions.stoppedID != "sess-1" {
		t.Errorf("stopped session = %q, want sess-1", sessions.stoppedID)
	}

	var resp sessionResponse
	decodeBody(t, rec, &resp)
	if resp.IsActive || resp.CreditsDeducted != 2 {
		t.Errorf("receipt = %+v, want stopped with 2 credits deducted", resp)
	}
}

func TestStopUnknownSessionReturns404(t *testing.T) {
	sessions := &fakeSessions{err: domain.SessionNotFound("session.stop", "ghost")}
	mux := newMeteringMux(&fakeBalance{}, sessions, domain.Subscriber{UserID: uuid.New()})

	req := httptest.NewRequest("POST", "/v1/sessions/stop", strings.NewReader(`{"session_id":"ghost"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCheckSessionUsesPathValue(t *testing.T) {
	sessions := &fakeSessions{receipt: &service.SessionReceipt{
		SessionID:      "sess-42",
		IsActive:       true,
		ElapsedSeconds: 600,
	}}
	mux := newMeteringMux(&fakeBalance{}, sessions, domain.Subscriber{UserID: uuid.New()})

	req := httptest.NewRequest("GET", "/v1/sessions/sess-42", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if sessions.checkedID != "sess-42" {
		t.Errorf("checked session = %q, want sess-42", sessions.checkedID)
	}
}
