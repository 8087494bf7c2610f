package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Fake Store (billing sync surface)
// =============================================================================

func (f *fakeStore) GetUserByStripeCustomerID(_ context.Context, customerID string) (repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.usersByToken {
		if user.StripeCustomerID.Valid && user.StripeCustomerID.String == customerID {
			return user, nil
		}
	}
	return repository.User{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertSubscriptionFromBilling(_ context.Context, arg repository.UpsertSubscriptionFromBillingParams) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, exists := f.subscriptions[arg.UserID]
	if !exists {
		sub = repository.Subscription{
			ID:               uuid.New(),
			UserID:           arg.UserID,
			CreditsRemaining: arg.CreditsTotal,
		}
	}
	sub.Tier = arg.Tier
	sub.Status = arg.Status
	sub.BillingCycle = arg.BillingCycle
	sub.CreditsTotal = arg.CreditsTotal
	sub.RenewsAt = arg.RenewsAt
	sub.StripeCustomerID = arg.StripeCustomerID
	sub.StripeSubscriptionID = arg.StripeSubscriptionID
	f.subscriptions[arg.UserID] = sub
	return sub, nil
}

func (f *fakeStore) UpdateSubscriptionStatusByStripeID(_ context.Context, arg repository.UpdateSubscriptionStatusByStripeIDParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, sub := range f.subscriptions {
		if sub.StripeSubscriptionID.Valid && sub.StripeSubscriptionID.String == arg.StripeSubscriptionID {
			sub.Status = arg.Status
			f.subscriptions[userID] = sub
		}
	}
	return nil
}

func (f *fakeStore) TopUpSubscriptionWithLedger(_ context.Context, arg repository.TopUpWithLedgerParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[arg.UserID]
	if !ok || sub.Status != "active" {
		return 0, sql.ErrNoRows
	}
	remaining := sub.CreditsRemaining + arg.Amount
	if remaining > arg.Cap {
		remaining = arg.Cap
	}
	sub.CreditsRemaining = remaining
	f.subscriptions[arg.UserID] = sub
	f.appendTx(repository.Transaction{
		SubjectKind:   "subscriber",
		SubjectKey:    arg.UserID.String(),
		Type:          string(domain.TransactionPurchase),
		Amount:        arg.Amount,
		BalanceAfter:  remaining,
		OperationType: "credit_pack",
		Metadata:      arg.Metadata,
	})
	return remaining, nil
}

// =============================================================================
// Helpers
// =============================================================================

func seedCustomerUser(f *fakeStore, customerID string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.usersByToken["customer-"+customerID] = repository.User{
		ID:               id,
		Email:            "user@example.com",
		Role:             "user",
		StripeCustomerID: sql.NullString{String: customerID, Valid: true},
	}
	return id
}

func purchaseRows(f *fakeStore, subjectKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for i := range f.transactions {
		if f.transactions[i].SubjectKey == subjectKey && f.transactions[i].Type == string(domain.TransactionPurchase) {
			count++
		}
	}
	return count
}

// =============================================================================
// Tests
// =============================================================================

func TestApplyPlanCreatesSubscription(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := uuid.New()
	renews := time.Date(2026, 4, 14, 0, 0, 0, 0, time.UTC)

	err := svc.ApplyPlan(context.Background(), ApplyPlanParams{
		UserID:               userID,
		Tier:                 domain.SubscriptionTierPlus,
		Cycle:                domain.BillingCycleMonthly,
		Status:               domain.SubscriptionStatusActive,
		RenewsAt:             renews,
		StripeCustomerID:     "cus_abc",
		StripeSubscriptionID: "sub_123",
	})
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}

	sub, ok := f.subscriptions[userID]
	if !ok {
		t.Fatal("subscription not created")
	}
	if sub.Tier != "plus" || sub.BillingCycle != "monthly" || sub.Status != "active" {
		t.Errorf("subscription = %+v, want active plus/monthly", sub)
	}
	if sub.CreditsTotal != 1000 || sub.CreditsRemaining != 1000 {
		t.Errorf("credits = %d/%d, want a full 1000 balance", sub.CreditsRemaining, sub.CreditsTotal)
	}
	if !sub.RenewsAt.Equal(renews) {
		t.Errorf("renews at = %s, want %s", sub.RenewsAt, renews)
	}
}

func TestApplyPlanKeepsRemainingCreditsOnUpdate(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := uuid.New()
	seedSubscription(f, userID, "starter", 120)

	err := svc.ApplyPlan(context.Background(), ApplyPlanParams{
		UserID:   userID,
		Tier:     domain.SubscriptionTierPlus,
		Cycle:    domain.BillingCycleMonthly,
		Status:   domain.SubscriptionStatusActive,
		RenewsAt: time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}

	sub := f.subscriptions[userID]
	if sub.Tier != "plus" {
		t.Errorf("tier = %q, want plus", sub.Tier)
	}
	// The balance is untouched until the next rollover refill.
	if sub.CreditsRemaining != 120 {
		t.Errorf("remaining = %d, want the pre-upgrade 120", sub.CreditsRemaining)
	}
	if sub.CreditsTotal != 1000 {
		t.Errorf("total = %d, want the new plan's 1000", sub.CreditsTotal)
	}
}

func TestApplyPlanRequiresUser(t *testing.T) {
	svc := NewBillingSyncService(newFakeStore(), testLogger())
	err := svc.ApplyPlan(context.Background(), ApplyPlanParams{})
	if domain.ErrorCode(err) != domain.EINVALID {
		t.Fatalf("error code = %q, want %q", domain.ErrorCode(err), domain.EINVALID)
	}
}

func TestMarkStatusUpdatesByStripeID(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := uuid.New()
	seedSubscription(f, userID, "plus", 500)

	f.mu.Lock()
	sub := f.subscriptions[userID]
	sub.StripeSubscriptionID = sql.NullString{String: "sub_123", Valid: true}
	f.subscriptions[userID] = sub
	f.mu.Unlock()

	if err := svc.MarkStatus(context.Background(), "sub_123", domain.SubscriptionStatusPastDue); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if got := f.subscriptions[userID].Status; got != "past_due" {
		t.Errorf("status = %q, want past_due", got)
	}
}

func TestUserIDForCustomer(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := seedCustomerUser(f, "cus_abc")

	got, err := svc.UserIDForCustomer(context.Background(), "cus_abc")
	if err != nil {
		t.Fatalf("UserIDForCustomer: %v", err)
	}
	if got != userID {
		t.Errorf("user = %s, want %s", got, userID)
	}

	_, err = svc.UserIDForCustomer(context.Background(), "cus_unknown")
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		t.Errorf("error code = %q, want %q", domain.ErrorCode(err), domain.ENOTFOUND)
	}
}

func TestGrantCreditPackTopsUpAndLedgers(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := uuid.New()
	seedSubscription(f, userID, "starter", 100)

	err := svc.GrantCreditPack(context.Background(), GrantCreditPackParams{
		UserID:            userID,
		Credits:           50,
		CheckoutSessionID: "cs_123",
	})
	if err != nil {
		t.Fatalf("GrantCreditPack: %v", err)
	}

	if got := f.subscriptions[userID].CreditsRemaining; got != 150 {
		t.Errorf("remaining = %d, want 150", got)
	}
	if rows := purchaseRows(f, userID.String()); rows != 1 {
		t.Errorf("purchase rows = %d, want 1", rows)
	}
}

func TestGrantCreditPackCapsAtTotalPlusPack(t *testing.T) {
	f := newFakeStore()
	svc := NewBillingSyncService(f, testLogger())
	userID := uuid.New()
	// Nearly full balance: total 100, remaining 90.
	seedSubscription(f, userID, "starter", 100)
	f.mu.Lock()
	sub := f.subscriptions[userID]
	sub.CreditsRemaining = 90
	f.subscriptions[userID] = sub
	f.mu.Unlock()

	// Two deliveries of the same 50-credit pack: the cap (total + pack)
	// bounds what duplicated webhooks can stack.
	for i := 0; i < 2; i++ {
		if err := svc.GrantCreditPack(context.Background(), GrantCreditPackParams{
			UserID:  userID,
			Credits: 50,
		}); err != nil {
			t.Fatalf("GrantCreditPack: %v", err)
		}
	}

	if got := f.subscriptions[userID].CreditsRemaining; got != 150 {
		t.Errorf("remaining = %d, want capped 150", got)
	}
}

func TestGrantCreditPackWithoutSubscription(t *testing.T) {
	svc := NewBillingSyncService(newFakeStore(), testLogger())
	err := svc.GrantCreditPack(context.Background(), GrantCreditPackParams{
		UserID:  uuid.New(),
		Credits: 50,
	})
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		t.Fatalf("error code = %q, want %q", domain.ErrorCode(err), domain.ENOTFOUND)
	}
}
