// Package service contains the business logic layer.
//
// This file implements billing synchronization: applying Stripe webhook
// events to the subscriptions table the balance service reads, and
// crediting purchased credit packs onto the ledger.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Interface Definitions
// =============================================================================

// BillingSyncService applies billing-provider events to local subscription
// state. It is the only writer of plan, status, and renewal fields; credit
// balances remain owned by the balance service and the rollover jobs.
type BillingSyncService interface {
	// ApplyPlan upserts the subscription for the user behind a Stripe
	// customer. A brand-new subscription starts with a full balance; an
	// existing one keeps its remaining credits until the next refill.
	ApplyPlan(ctx context.Context, arg ApplyPlanParams) error

	// MarkStatus updates the status of the subscription behind a Stripe
	// subscription ID. Unknown IDs are a no-op.
	MarkStatus(ctx context.Context, stripeSubscriptionID string, status domain.SubscriptionStatus) error

	// GrantCreditPack credits a one-time credit-pack purchase onto the
	// user's active subscription, capped at credits_total plus the pack
	// size, and appends the purchase transaction.
	GrantCreditPack(ctx context.Context, arg GrantCreditPackParams) error

	// UserIDForCustomer resolves a Stripe customer ID to the local user.
	UserIDForCustomer(ctx context.Context, customerID string) (uuid.UUID, error)

	// ActiveSubscription returns the user's active subscription, or a
	// not-found error when there is none.
	ActiveSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
}

// BillingSyncStore is the persistence surface billing sync needs.
// *repository.Store satisfies it.
type BillingSyncStore interface {
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (repository.User, error)
	GetActiveSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (repository.Subscription, error)
	UpsertSubscriptionFromBilling(ctx context.Context, arg repository.UpsertSubscriptionFromBillingParams) (repository.Subscription, error)
	UpdateSubscriptionStatusByStripeID(ctx context.Context, arg repository.UpdateSubscriptionStatusByStripeIDParams) error
	TopUpSubscriptionWithLedger(ctx context.Context, arg repository.TopUpWithLedgerParams) (int64, error)
}

// ApplyPlanParams carries the plan state extracted from a billing event.
type ApplyPlanParams struct {
	UserID               uuid.UUID // resolved from the event; required
	Tier                 domain.SubscriptionTier
	Cycle                domain.BillingCycle
	Status               domain.SubscriptionStatus
	RenewsAt             time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
}

// GrantCreditPackParams describes a completed credit-pack purchase.
type GrantCreditPackParams struct {
	UserID            uuid.UUID
	Credits           int64
	CheckoutSessionID string
}

// =============================================================================
// Service Implementation
// =============================================================================

type billingSyncService struct {
	store  BillingSyncStore
	logger *slog.Logger
}

// NewBillingSyncService creates the billing synchronization service.
func NewBillingSyncService(store BillingSyncStore, logger *slog.Logger) BillingSyncService {
	return &billingSyncService{store: store, logger: logger}
}

func (s *billingSyncService) UserIDForCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	const op = "billingsync.user_for_customer"
	var user repository.User
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.store.GetUserByStripeCustomerID(ctx, customerID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, domain.Errorf(domain.ENOTFOUND, op, "no user for billing customer %q", customerID)
	}
	if err != nil {
		return uuid.Nil, domain.Unavailable(err, op)
	}
	return user.ID, nil
}

func (s *billingSyncService) ActiveSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	const op = "billingsync.active_subscription"
	var row repository.Subscription
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		row, err = s.store.GetActiveSubscriptionByUserID(ctx, userID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ENOTFOUND, op, "no active subscription")
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return &domain.Subscription{
		ID:                   row.ID,
		UserID:               row.UserID,
		Tier:                 domain.SubscriptionTier(row.Tier),
		Status:               domain.SubscriptionStatus(row.Status),
		BillingCycle:         domain.BillingCycle(row.BillingCycle),
		CreditsRemaining:     row.CreditsRemaining,
		CreditsTotal:         row.CreditsTotal,
		RenewsAt:             row.RenewsAt,
		StripeCustomerID:     row.StripeCustomerID.String,
		StripeSubscriptionID: row.StripeSubscriptionID.String,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}, nil
}

func (s *billingSyncService) ApplyPlan(ctx context.Context, arg ApplyPlanParams) error {
	const op = "billingsync.apply_plan"
	if arg.UserID == uuid.Nil {
		return domain.Invalid(op, "user id is required")
	}

	plan := domain.GetTierPlan(arg.Tier)
	params := repository.UpsertSubscriptionFromBillingParams{
		UserID:       arg.UserID,
		Tier:         string(arg.Tier),
		Status:       string(arg.Status),
		BillingCycle: string(arg.Cycle),
		CreditsTotal: plan.CreditsPerCycle,
		RenewsAt:     arg.RenewsAt,
	}
	if arg.StripeCustomerID != "" {
		params.StripeCustomerID = sql.NullString{String: arg.StripeCustomerID, Valid: true}
	}
	if arg.StripeSubscriptionID != "" {
		params.StripeSubscriptionID = sql.NullString{String: arg.StripeSubscriptionID, Valid: true}
	}

	err := withStoreRetry(ctx, func(ctx context.Context) error {
		_, err := s.store.UpsertSubscriptionFromBilling(ctx, params)
		return err
	})
	if err != nil {
		return domain.Unavailable(err, op)
	}

	s.logger.Info("subscription plan applied",
		"user_id", arg.UserID,
		"tier", arg.Tier,
		"cycle", arg.Cycle,
		"status", arg.Status)
	return nil
}

func (s *billingSyncService) MarkStatus(ctx context.Context, stripeSubscriptionID string, status domain.SubscriptionStatus) error {
	const op = "billingsync.mark_status"
	if stripeSubscriptionID == "" {
		return domain.Invalid(op, "stripe subscription id is required")
	}
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		return s.store.UpdateSubscriptionStatusByStripeID(ctx, repository.UpdateSubscriptionStatusByStripeIDParams{
			StripeSubscriptionID: stripeSubscriptionID,
			Status:               string(status),
		})
	})
	if err != nil {
		return domain.Unavailable(err, op)
	}
	return nil
}

func (s *billingSyncService) GrantCreditPack(ctx context.Context, arg GrantCreditPackParams) error {
	const op = "billingsync.grant_credit_pack"
	if arg.Credits <= 0 {
		return domain.Invalid(op, "pack credits must be positive")
	}

	// The cap leaves room for exactly one pack above the cycle allowance,
	// so duplicated webhook deliveries cannot stack grants unbounded.
	sub, err := s.store.GetActiveSubscriptionByUserID(ctx, arg.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Errorf(domain.ENOTFOUND, op, "no active subscription to credit")
	}
	if err != nil {
		return domain.Unavailable(err, op)
	}

	metadata, _ := json.Marshal(map[string]any{
		"checkout_session_id": arg.CheckoutSessionID,
		"pack_credits":        arg.Credits,
	})

	var remaining int64
	err = withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		remaining, err = s.store.TopUpSubscriptionWithLedger(ctx, repository.TopUpWithLedgerParams{
			UserID:   arg.UserID,
			Amount:   arg.Credits,
			Cap:      sub.CreditsTotal + arg.Credits,
			Metadata: pqtype.NullRawMessage{RawMessage: metadata, Valid: true},
		})
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Errorf(domain.ENOTFOUND, op, "no active subscription to credit")
	}
	if err != nil {
		return domain.Unavailable(err, op)
	}

	s.logger.Info("credit pack granted",
		"user_id", arg.UserID,
		"credits", arg.Credits,
		"remaining", remaining)
	return nil
}
