// Package handler contains the HTTP handlers for the metering service.
//
// This file implements the Stripe webhook handler for processing billing events.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no subject middleware) because Stripe calls it
// directly. Authentication is via the Stripe webhook signature.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/quillchat/metering/internal/billing"
	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/metrics"
	"github.com/quillchat/metering/internal/service"
)

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing billing.Service
	sync    service.BillingSyncService
	logger  *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured.
func NewWebhookHandler(billingService billing.Service, sync service.BillingSyncService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		billing: billingService,
		sync:    sync,
		logger:  logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are PUBLIC — no subject middleware.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook processes incoming Stripe webhook events.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Read body (limit to 64KB)
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Verify signature
	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		metrics.StripeWebhooksTotal.WithLabelValues("unknown", "rejected").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	// Route to event-specific handler. Failures are logged and answered
	// with 200 anyway: Stripe retries on non-2xx, and most failures here
	// (unknown customer, missing subscription) do not heal on retry.
	ctx := r.Context()
	var handleErr error
	switch event.Type {
	case "checkout.session.completed":
		handleErr = h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		handleErr = h.handleSubscriptionEvent(ctx, event)
	case "customer.subscription.deleted":
		handleErr = h.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		handleErr = h.handleInvoiceStatus(ctx, event, domain.SubscriptionStatusActive)
	case "invoice.payment_failed":
		handleErr = h.handleInvoiceStatus(ctx, event, domain.SubscriptionStatusPastDue)
	default:
		h.logger.Debug("unhandled webhook event type", "type", event.Type)
		metrics.StripeWebhooksTotal.WithLabelValues(string(event.Type), "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if handleErr != nil {
		h.logger.Error("webhook event processing failed",
			"type", event.Type, "id", event.ID, "error", handleErr)
		metrics.StripeWebhooksTotal.WithLabelValues(string(event.Type), "failed").Inc()
	} else {
		metrics.StripeWebhooksTotal.WithLabelValues(string(event.Type), "processed").Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted handles one-time credit-pack purchases. The
// checkout session carries the pack size in its metadata; subscription
// checkouts are applied by the customer.subscription events instead.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return err
	}

	packCredits, ok := creditPackSize(session.Metadata)
	if !ok {
		h.logger.Debug("checkout session without credit pack metadata", "session_id", session.ID)
		return nil
	}

	userID, err := h.resolveUser(ctx, session.ClientReferenceID, session.Customer)
	if err != nil {
		return err
	}

	return h.sync.GrantCreditPack(ctx, service.GrantCreditPackParams{
		UserID:            userID,
		Credits:           packCredits,
		CheckoutSessionID: session.ID,
	})
}

func (h *WebhookHandler) handleSubscriptionEvent(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}
	if sub.Customer == nil {
		h.logger.Warn("subscription event missing customer", "subscription_id", sub.ID)
		return nil
	}

	userID, err := h.sync.UserIDForCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return err
	}

	if len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		h.logger.Warn("subscription event missing price", "subscription_id", sub.ID)
		return nil
	}
	priceID := sub.Items.Data[0].Price.ID
	plan, ok := h.billing.PlanForPriceID(priceID)
	if !ok {
		h.logger.Warn("subscription event with unmapped price", "price_id", priceID)
		return nil
	}

	return h.sync.ApplyPlan(ctx, service.ApplyPlanParams{
		UserID:               userID,
		Tier:                 plan.Tier,
		Cycle:                plan.Cycle,
		Status:               subscriptionStatus(sub.Status),
		RenewsAt:             time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		StripeCustomerID:     sub.Customer.ID,
		StripeSubscriptionID: sub.ID,
	})
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}
	return h.sync.MarkStatus(ctx, sub.ID, domain.SubscriptionStatusCanceled)
}

func (h *WebhookHandler) handleInvoiceStatus(ctx context.Context, event stripe.Event, status domain.SubscriptionStatus) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == nil {
		return nil
	}
	return h.sync.MarkStatus(ctx, invoice.Subscription.ID, status)
}

// resolveUser prefers the checkout client reference (our user UUID) and
// falls back to the Stripe customer mapping.
func (h *WebhookHandler) resolveUser(ctx context.Context, clientReference string, customer *stripe.Customer) (uuid.UUID, error) {
	if clientReference != "" {
		if id, err := uuid.Parse(clientReference); err == nil {
			return id, nil
		}
		h.logger.Warn("checkout client reference is not a user id", "client_reference_id", clientReference)
	}
	if customer == nil {
		return uuid.Nil, domain.Invalid("handler.stripe_webhook", "checkout session has no resolvable user")
	}
	return h.sync.UserIDForCustomer(ctx, customer.ID)
}

// creditPackSize extracts the pack size from checkout session metadata.
func creditPackSize(metadata map[string]string) (int64, bool) {
	raw, ok := metadata["credits"]
	if !ok {
		return 0, false
	}
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		return 0, false
	}
	return credits, true
}

// subscriptionStatus maps Stripe subscription statuses onto local ones.
// Anything terminal or unbillable lands on expired so the balance service
// stops honoring it.
func subscriptionStatus(status stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue:
		return domain.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return domain.SubscriptionStatusCanceled
	default:
		return domain.SubscriptionStatusExpired
	}
}
