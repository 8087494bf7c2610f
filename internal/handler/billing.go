// Package handler contains the HTTP handlers for the metering service.
//
// This file implements subscription management handlers backed by Stripe.
//
// Routes handled:
//   - POST /v1/billing/checkout -> CreateCheckout
//   - POST /v1/billing/portal   -> OpenPortal
//   - POST /v1/billing/cancel   -> CancelSubscription
package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/billing"
	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/service"
)

// BillingHandler handles subscription management requests.
type BillingHandler struct {
	billing billing.Service
	sync    service.BillingSyncService
	baseURL string
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// billingService may be nil when Stripe is not configured (development mode).
func NewBillingHandler(billingService billing.Service, sync service.BillingSyncService, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: billingService,
		sync:    sync,
		baseURL: baseURL,
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, withSubject func(http.Handler) http.Handler) {
	mux.Handle("POST /v1/billing/checkout", withSubject(http.HandlerFunc(h.CreateCheckout)))
	mux.Handle("POST /v1/billing/portal", withSubject(http.HandlerFunc(h.OpenPortal)))
	mux.Handle("POST /v1/billing/cancel", withSubject(http.HandlerFunc(h.CancelSubscription)))
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

// CreateCheckout creates a Stripe Checkout session and returns its URL.
// Only authenticated users can subscribe; the webhook applies the result.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.requireUser(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.checkout", "billing is not configured"))
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.PriceID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.checkout", "price_id is required"))
		return
	}

	// Reuse the existing Stripe customer when the user already subscribed
	// once; first-time subscribers get a customer created by Checkout.
	customerID := ""
	if sub, err := h.sync.ActiveSubscription(r.Context(), userID); err == nil {
		customerID = sub.StripeCustomerID
	}

	successURL := fmt.Sprintf("%s/billing/success?session_id={CHECKOUT_SESSION_ID}", h.baseURL)
	cancelURL := fmt.Sprintf("%s/billing", h.baseURL)

	checkoutURL, err := h.billing.CreateCheckoutSession(customerID, userID.String(), req.PriceID, successURL, cancelURL)
	if err != nil {
		h.logger.Error("failed to create checkout session", "error", err, "user_id", userID)
		ErrorResponse(w, r, h.logger, domain.Internal(err, "handler.checkout", "failed to create checkout session"))
		return
	}

	writeJSON(w, http.StatusOK, redirectResponse{URL: checkoutURL})
}

// OpenPortal creates a Stripe Customer Portal session and returns its URL.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	userID, err := h.requireUser(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.portal", "billing is not configured"))
		return
	}

	sub, err := h.sync.ActiveSubscription(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if sub.StripeCustomerID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.portal", "subscription has no billing customer"))
		return
	}

	portalURL, err := h.billing.CreatePortalSession(sub.StripeCustomerID, fmt.Sprintf("%s/billing", h.baseURL))
	if err != nil {
		h.logger.Error("failed to create portal session", "error", err, "user_id", userID)
		ErrorResponse(w, r, h.logger, domain.Internal(err, "handler.portal", "failed to open billing portal"))
		return
	}

	writeJSON(w, http.StatusOK, redirectResponse{URL: portalURL})
}

// CancelSubscription sets the subscription to cancel at period end. The
// status change lands through the subscription-updated webhook.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := h.requireUser(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if h.billing == nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.cancel", "billing is not configured"))
		return
	}

	sub, err := h.sync.ActiveSubscription(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if sub.StripeSubscriptionID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("handler.cancel", "no billing subscription to cancel"))
		return
	}

	if err := h.billing.CancelSubscription(sub.StripeSubscriptionID); err != nil {
		h.logger.Error("failed to cancel subscription", "error", err, "user_id", userID)
		ErrorResponse(w, r, h.logger, domain.Internal(err, "handler.cancel", "failed to cancel subscription"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// requireUser extracts the authenticated user behind the resolved subject.
// Visitors cannot manage subscriptions.
func (h *BillingHandler) requireUser(r *http.Request) (uuid.UUID, error) {
	subject := SubjectFromContext(r.Context())
	if subject == nil {
		return uuid.Nil, domain.Unauthorized("handler.billing", "no billing subject resolved")
	}
	switch s := subject.(type) {
	case domain.SuperAdmin:
		return s.UserID, nil
	case domain.Subscriber:
		return s.UserID, nil
	case domain.FreeAuthenticated:
		return s.UserID, nil
	case domain.AnonymousVisitor:
		return uuid.Nil, domain.Unauthorized("handler.billing", "sign in to manage billing")
	default:
		return uuid.Nil, domain.Unauthorized("handler.billing", "no billing subject resolved")
	}
}
