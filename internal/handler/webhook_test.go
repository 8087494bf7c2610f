package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/quillchat/metering/internal/billing"
	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/service"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeBillingService returns a pre-built event for any payload carrying
// the magic signature, standing in for Stripe's signature scheme.
type fakeBillingService struct {
	event stripe.Event
	plans map[string]billing.Plan
}

func (f *fakeBillingService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	if signature != "valid" {
		return stripe.Event{}, errors.New("signature mismatch")
	}
	return f.event, nil
}

func (f *fakeBillingService) PlanForPriceID(priceID string) (billing.Plan, bool) {
	plan, ok := f.plans[priceID]
	return plan, ok
}

func (f *fakeBillingService) CreateCheckoutSession(customerID, clientReferenceID, priceID, successURL, cancelURL string) (string, error) {
	return "https://checkout.example/" + priceID, nil
}

func (f *fakeBillingService) CreatePortalSession(customerID, returnURL string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func (f *fakeBillingService) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBillingService) CancelSubscription(subscriptionID string) error {
	return nil
}

type appliedStatus struct {
	stripeSubscriptionID string
	status               domain.SubscriptionStatus
}

type fakeSync struct {
	usersByCustomer map[string]uuid.UUID
	subscription    *domain.Subscription

	appliedPlans   []service.ApplyPlanParams
	markedStatuses []appliedStatus
	grantedPacks   []service.GrantCreditPackParams
}

func (f *fakeSync) ApplyPlan(ctx context.Context, arg service.ApplyPlanParams) error {
	f.appliedPlans = append(f.appliedPlans, arg)
	return nil
}

func (f *fakeSync) MarkStatus(ctx context.Context, stripeSubscriptionID string, status domain.SubscriptionStatus) error {
	f.markedStatuses = append(f.markedStatuses, appliedStatus{stripeSubscriptionID, status})
	return nil
}

func (f *fakeSync) GrantCreditPack(ctx context.Context, arg service.GrantCreditPackParams) error {
	f.grantedPacks = append(f.grantedPacks, arg)
	return nil
}

func (f *fakeSync) UserIDForCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	id, ok := f.usersByCustomer[customerID]
	if !ok {
		return uuid.Nil, domain.Errorf(domain.ENOTFOUND, "billingsync.user_for_customer", "no user for billing customer %q", customerID)
	}
	return id, nil
}

func (f *fakeSync) ActiveSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if f.subscription == nil {
		return nil, domain.Errorf(domain.ENOTFOUND, "billingsync.active_subscription", "no active subscription")
	}
	return f.subscription, nil
}

// =============================================================================
// Helpers
// =============================================================================

func postWebhook(t *testing.T, h *WebhookHandler, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)
	return rec
}

func eventWithRaw(eventType string, raw string) stripe.Event {
	return stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := NewWebhookHandler(&fakeBillingService{}, &fakeSync{}, testHandlerLogger())

	rec := postWebhook(t, h, "forged")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookWithoutBillingConfigured(t *testing.T) {
	h := NewWebhookHandler(nil, &fakeSync{}, testHandlerLogger())

	rec := postWebhook(t, h, "anything")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestWebhookSubscriptionUpdatedAppliesPlan(t *testing.T) {
	userID := uuid.New()
	periodEnd := time.Date(2026, 4, 14, 12, 0, 0, 0, time.UTC)
	raw := fmt.Sprintf(`{
		"id": "sub_123",
		"status": "active",
		"current_period_end": %d,
		"customer": {"id": "cus_abc"},
		"items": {"data": [{"price": {"id": "price_plus_monthly"}}]}
	}`, periodEnd.Unix())

	sync := &fakeSync{usersByCustomer: map[string]uuid.UUID{"cus_abc": userID}}
	svc := &fakeBillingService{
		event: eventWithRaw("customer.subscription.updated", raw),
		plans: map[string]billing.Plan{
			"price_plus_monthly": {Tier: domain.SubscriptionTierPlus, Cycle: domain.BillingCycleMonthly},
		},
	}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	rec := postWebhook(t, h, "valid")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(sync.appliedPlans) != 1 {
		t.Fatalf("applied plans = %d, want 1", len(sync.appliedPlans))
	}

	applied := sync.appliedPlans[0]
	if applied.UserID != userID {
		t.Errorf("user = %s, want %s", applied.UserID, userID)
	}
	if applied.Tier != domain.SubscriptionTierPlus || applied.Cycle != domain.BillingCycleMonthly {
		t.Errorf("plan = %s/%s, want plus/monthly", applied.Tier, applied.Cycle)
	}
	if applied.Status != domain.SubscriptionStatusActive {
		t.Errorf("status = %s, want active", applied.Status)
	}
	if !applied.RenewsAt.Equal(periodEnd) {
		t.Errorf("renews at = %s, want %s", applied.RenewsAt, periodEnd)
	}
	if applied.StripeSubscriptionID != "sub_123" || applied.StripeCustomerID != "cus_abc" {
		t.Errorf("stripe ids = %s/%s", applied.StripeSubscriptionID, applied.StripeCustomerID)
	}
}

func TestWebhookSubscriptionUnmappedPriceIgnored(t *testing.T) {
	sync := &fakeSync{usersByCustomer: map[string]uuid.UUID{"cus_abc": uuid.New()}}
	svc := &fakeBillingService{
		event: eventWithRaw("customer.subscription.updated", `{
			"id": "sub_123",
			"status": "active",
			"customer": {"id": "cus_abc"},
			"items": {"data": [{"price": {"id": "price_unknown"}}]}
		}`),
		plans: map[string]billing.Plan{},
	}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	rec := postWebhook(t, h, "valid")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(sync.appliedPlans) != 0 {
		t.Errorf("applied plans = %d, want 0", len(sync.appliedPlans))
	}
}

func TestWebhookSubscriptionDeletedMarksCanceled(t *testing.T) {
	sync := &fakeSync{}
	svc := &fakeBillingService{
		event: eventWithRaw("customer.subscription.deleted", `{"id": "sub_123"}`),
	}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	postWebhook(t, h, "valid")
	if len(sync.markedStatuses) != 1 {
		t.Fatalf("marked statuses = %d, want 1", len(sync.markedStatuses))
	}
	got := sync.markedStatuses[0]
	if got.stripeSubscriptionID != "sub_123" || got.status != domain.SubscriptionStatusCanceled {
		t.Errorf("marked %s as %s, want sub_123 canceled", got.stripeSubscriptionID, got.status)
	}
}

func TestWebhookPaymentFailedMarksPastDue(t *testing.T) {
	sync := &fakeSync{}
	svc := &fakeBillingService{
		event: eventWithRaw("invoice.payment_failed", `{"subscription": {"id": "sub_123"}}`),
	}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	postWebhook(t, h, "valid")
	if len(sync.markedStatuses) != 1 {
		t.Fatalf("marked statuses = %d, want 1", len(sync.markedStatuses))
	}
	if sync.markedStatuses[0].status != domain.SubscriptionStatusPastDue {
		t.Errorf("status = %s, want past_due", sync.markedStatuses[0].status)
	}
}

func TestWebhookCheckoutGrantsCreditPack(t *testing.T) {
	userID := uuid.New()
	raw := fmt.Sprintf(`{
		"id": "cs_123",
		"client_reference_id": %q,
		"metadata": {"credits": "500"}
	}`, userID)

	sync := &fakeSync{}
	svc := &fakeBillingService{event: eventWithRaw("checkout.session.completed", raw)}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	postWebhook(t, h, "valid")
	if len(sync.grantedPacks) != 1 {
		t.Fatalf("granted packs = %d, want 1", len(sync.grantedPacks))
	}
	pack := sync.grantedPacks[0]
	if pack.UserID != userID || pack.Credits != 500 || pack.CheckoutSessionID != "cs_123" {
		t.Errorf("pack = %+v, want 500 credits for %s from cs_123", pack, userID)
	}
}

func TestWebhookCheckoutWithoutPackMetadataIgnored(t *testing.T) {
	sync := &fakeSync{}
	svc := &fakeBillingService{
		event: eventWithRaw("checkout.session.completed", `{"id": "cs_123", "metadata": {}}`),
	}
	h := NewWebhookHandler(svc, sync, testHandlerLogger())

	rec := postWebhook(t, h, "valid")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(sync.grantedPacks) != 0 {
		t.Errorf("granted packs = %d, want 0", len(sync.grantedPacks))
	}
}
