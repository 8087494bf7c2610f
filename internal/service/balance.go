// Package service contains the business logic layer.
//
// This file implements the balance store service: the single place every
// billable action is checked and deducted, exhaustively over all four
// Subject variants.
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

// BalanceService decides, for every billable action, whether a subject may
// proceed, and performs the deduction with its ledger write.
type BalanceService interface {
	// CheckAndDeduct atomically checks and deducts the fixed cost of the
	// named operation. Quota denials come back as a Decision with
	// Allowed=false, not an error; errors are reserved for invalid input
	// and store failures.
	CheckAndDeduct(ctx context.Context, subject domain.Subject, operation string) (*domain.Decision, error)

	// Allowance returns the subject's remaining allowance without
	// deducting anything.
	Allowance(ctx context.Context, subject domain.Subject) (*domain.Allowance, error)

	// DeductClamped deducts up to cost credits, clamping at the
	// subject's remaining allowance so balances never go negative. Used
	// by the session meter at stop time. Returns the credits actually
	// deducted and the remaining balance.
	DeductClamped(ctx context.Context, subject domain.Subject, cost int64, operation string, metadata []byte) (int64, int64, error)
}

// BalanceStore is the persistence surface the balance service needs.
// *repository.Store satisfies it; tests substitute an in-memory fake.
type BalanceStore interface {
	GetActiveSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (repository.Subscription, error)
	DeductSubscriptionWithLedger(ctx context.Context, arg repository.DeductWithLedgerParams) (int64, error)
	DeductVisitorWithLedger(ctx context.Context, arg repository.DeductVisitorWithLedgerParams) (int64, error)
	DeductFreeUserWithLedger(ctx context.Context, arg repository.DeductFreeWithLedgerParams) (int64, int64, error)
	UpsertVisitorVisit(ctx context.Context, arg repository.UpsertVisitorVisitParams) (repository.VisitorRecord, error)
	GetVisitorRecord(ctx context.Context, ipHash string) (repository.VisitorRecord, error)
	CountUsageTransactionsSince(ctx context.Context, arg repository.CountUsageTransactionsSinceParams) (int64, error)
	SumUsageTransactionsSince(ctx context.Context, arg repository.SumUsageTransactionsSinceParams) (int64, error)
	CreateTransaction(ctx context.Context, arg repository.CreateTransactionParams) (repository.Transaction, error)
}

// =============================================================================
// Implementation
// =============================================================================

type balanceService struct {
	store  BalanceStore
	logger *slog.Logger
	now    func() time.Time
}

// NewBalanceService creates a new BalanceService.
func NewBalanceService(store BalanceStore, logger *slog.Logger) BalanceService {
	return &balanceService{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// CheckAndDeduct applies the per-variant billing policy. The switch is
// exhaustive over the closed Subject sum; adding a variant without a
// policy here fails the default branch loudly.
func (s *balanceService) CheckAndDeduct(ctx context.Context, subject domain.Subject, operation string) (*domain.Decision, error) {
	const op = "balance.check_and_deduct"

	if subject == nil {
		return nil, domain.Invalid(op, "subject is required")
	}
	cost := domain.OperationCost(operation)

	switch sub := subject.(type) {
	case domain.SuperAdmin:
		return s.deductSuperAdmin(ctx, op, sub, operation)
	case domain.Subscriber:
		return s.deductSubscriber(ctx, op, sub, operation, cost)
	case domain.FreeAuthenticated:
		return s.deductFreeUser(ctx, op, sub, operation, cost)
	case domain.AnonymousVisitor:
		return s.deductVisitor(ctx, op, sub, operation, cost)
	default:
		return nil, domain.Internal(nil, op, "unhandled subject variant")
	}
}

// deductSuperAdmin always allows and never deducts, but still appends a
// zero-amount usage row so privileged usage stays auditable.
func (s *balanceService) deductSuperAdmin(ctx context.Context, op string, sub domain.SuperAdmin, operation string) (*domain.Decision, error) {
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
			SubjectKind:   string(sub.Kind()),
			SubjectKey:    sub.Identifier(),
			Type:          string(domain.TransactionUsage),
			Amount:        0,
			BalanceAfter:  0,
			OperationType: operation,
		})
		return err
	})
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return &domain.Decision{Allowed: true, CreditCost: 0, Unlimited: true}, nil
}

func (s *balanceService) deductSubscriber(ctx context.Context, op string, sub domain.Subscriber, operation string, cost int64) (*domain.Decision, error) {
	plan := domain.GetTierPlan(sub.Tier)
	if plan.Unlimited {
		return s.deductUnlimited(ctx, op, sub, operation)
	}

	var remaining int64
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		remaining, err = s.store.DeductSubscriptionWithLedger(ctx, repository.DeductWithLedgerParams{
			UserID:        sub.UserID,
			SubjectKind:   string(sub.Kind()),
			Cost:          cost,
			OperationType: operation,
		})
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		// Insufficient balance: report the current remainder so the
		// client can render state without a follow-up call.
		record, lookupErr := s.store.GetActiveSubscriptionByUserID(ctx, sub.UserID)
		if lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, domain.Unavailable(lookupErr, op)
		}
		decision := &domain.Decision{
			Allowed:       false,
			Remaining:     record.CreditsRemaining,
			CreditCost:    cost,
			SuggestedTier: plan.NextTier,
		}
		s.logger.Info("credit deduction denied",
			"user_id", sub.UserID,
			"tier", sub.Tier,
			"cost", cost,
			"remaining", record.CreditsRemaining,
		)
		return decision, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}

	decision := &domain.Decision{Allowed: true, Remaining: remaining, CreditCost: cost}
	if plan.CreditsPerCycle > 0 && float64(remaining) < domain.LowBalanceFraction*float64(plan.CreditsPerCycle) {
		decision.SuggestedTier = plan.NextTier
	}
	return decision, nil
}

// deductUnlimited enforces the daily soft cap by counting usage rows since
// UTC midnight instead of decrementing a balance.
func (s *balanceService) deductUnlimited(ctx context.Context, op string, sub domain.Subscriber, operation string) (*domain.Decision, error) {
	midnight := domain.UTCDate(s.now())

	count, err := s.store.CountUsageTransactionsSince(ctx, repository.CountUsageTransactionsSinceParams{
		SubjectKey: sub.UserID,
		Since:      midnight,
	})
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	if count >= domain.UnlimitedDailySoftCap {
		s.logger.Info("soft cap reached",
			"user_id", sub.UserID,
			"tier", sub.Tier,
			"count", count,
		)
		return &domain.Decision{
			Allowed:        false,
			SoftCapReached: true,
			Unlimited:      true,
			Remaining:      0,
		}, nil
	}

	err = withStoreRetry(ctx, func(ctx context.Context) error {
		_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
			SubjectKind:   string(sub.Kind()),
			SubjectKey:    sub.Identifier(),
			Type:          string(domain.TransactionUsage),
			Amount:        0,
			BalanceAfter:  0,
			OperationType: operation,
		})
		return err
	})
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return &domain.Decision{
		Allowed:   true,
		Unlimited: true,
		Remaining: domain.UnlimitedDailySoftCap - count - 1,
	}, nil
}

// deductFreeUser derives the allowance from today's ledger instead of a
// balance row, trading a per-request aggregation for not needing a
// rollover path for free users. The sum and the usage insert run in one
// store transaction so concurrent calls cannot all pass the same check.
func (s *balanceService) deductFreeUser(ctx context.Context, op string, sub domain.FreeAuthenticated, operation string, cost int64) (*domain.Decision, error) {
	var remaining int64
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		_, remaining, err = s.store.DeductFreeUserWithLedger(ctx, repository.DeductFreeWithLedgerParams{
			UserID:        sub.UserID,
			Cost:          cost,
			DailyLimit:    domain.FreeDailyCredits,
			Since:         domain.UTCDate(s.now()),
			OperationType: operation,
		})
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Decision{
			Allowed:    false,
			Remaining:  remaining,
			CreditCost: cost,
		}, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return &domain.Decision{Allowed: true, Remaining: remaining, CreditCost: cost}, nil
}

func (s *balanceService) deductVisitor(ctx context.Context, op string, sub domain.AnonymousVisitor, operation string, cost int64) (*domain.Decision, error) {
	record, err := s.touchVisitor(ctx, sub)
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}

	var remaining int64
	err = withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		remaining, err = s.store.DeductVisitorWithLedger(ctx, repository.DeductVisitorWithLedgerParams{
			IPHash:        sub.IPHash,
			Cost:          cost,
			OperationType: operation,
		})
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		current, lookupErr := s.store.GetVisitorRecord(ctx, sub.IPHash)
		if lookupErr != nil {
			current = record
		}
		left := current.DailyCredits - current.CreditsUsedToday
		if left < 0 {
			left = 0
		}
		return &domain.Decision{
			Allowed:     false,
			Remaining:   left,
			CreditCost:  cost,
			IsAnonymous: true,
		}, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, op)
	}
	return &domain.Decision{
		Allowed:     true,
		Remaining:   remaining,
		CreditCost:  cost,
		IsAnonymous: true,
	}, nil
}

// touchVisitor lazily creates the visitor record on first contact and
// stamps today's visit date.
func (s *balanceService) touchVisitor(ctx context.Context, sub domain.AnonymousVisitor) (repository.VisitorRecord, error) {
	var record repository.VisitorRecord
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.store.UpsertVisitorVisit(ctx, repository.UpsertVisitorVisitParams{
			IPHash:       sub.IPHash,
			IPEncrypted:  sub.IPEncrypted,
			DailyCredits: domain.VisitorDailyCredits,
			VisitDate:    domain.UTCDate(s.now()),
		})
		return err
	})
	return record, err
}

// Allowance is the shared read path: session starts and the
// check-credits-only endpoint both use it.
func (s *balanceService) Allowance(ctx context.Context, subject domain.Subject) (*domain.Allowance, error) {
	const op = "balance.allowance"

	if subject == nil {
		return nil, domain.Invalid(op, "subject is required")
	}
	midnight := domain.UTCDate(s.now())

	switch sub := subject.(type) {
	case domain.SuperAdmin:
		return &domain.Allowance{Unlimited: true}, nil

	case domain.Subscriber:
		plan := domain.GetTierPlan(sub.Tier)
		if plan.Unlimited {
			count, err := s.store.CountUsageTransactionsSince(ctx, repository.CountUsageTransactionsSinceParams{
				SubjectKey: sub.UserID,
				Since:      midnight,
			})
			if err != nil {
				return nil, domain.Unavailable(err, op)
			}
			remaining := int64(domain.UnlimitedDailySoftCap) - count
			if remaining < 0 {
				remaining = 0
			}
			return &domain.Allowance{
				Remaining:  remaining,
				DailyLimit: domain.UnlimitedDailySoftCap,
				Unlimited:  true,
			}, nil
		}
		record, err := s.store.GetActiveSubscriptionByUserID(ctx, sub.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.Allowance{Remaining: 0}, nil
		}
		if err != nil {
			return nil, domain.Unavailable(err, op)
		}
		return &domain.Allowance{Remaining: record.CreditsRemaining}, nil

	case domain.FreeAuthenticated:
		spent, err := s.store.SumUsageTransactionsSince(ctx, repository.SumUsageTransactionsSinceParams{
			SubjectKey: sub.UserID,
			Since:      midnight,
		})
		if err != nil {
			return nil, domain.Unavailable(err, op)
		}
		remaining := int64(domain.FreeDailyCredits) - spent
		if remaining < 0 {
			remaining = 0
		}
		return &domain.Allowance{Remaining: remaining, DailyLimit: domain.FreeDailyCredits}, nil

	case domain.AnonymousVisitor:
		record, err := s.touchVisitor(ctx, sub)
		if err != nil {
			return nil, domain.Unavailable(err, op)
		}
		remaining := record.DailyCredits - record.CreditsUsedToday
		if remaining < 0 {
			remaining = 0
		}
		return &domain.Allowance{Remaining: remaining, DailyLimit: record.DailyCredits}, nil

	default:
		return nil, domain.Internal(nil, op, "unhandled subject variant")
	}
}

// DeductClamped bills elapsed session time. The clamp guarantees a
// visitor's used credits never exceed their daily allowance and a
// subscriber balance never crosses zero; the conditional update still
// guards against concurrent writers shrinking the allowance mid-flight.
func (s *balanceService) DeductClamped(ctx context.Context, subject domain.Subject, cost int64, operation string, metadata []byte) (int64, int64, error) {
	const op = "balance.deduct_clamped"

	if subject == nil {
		return 0, 0, domain.Invalid(op, "subject is required")
	}
	if cost < 0 {
		cost = 0
	}
	meta := rawMetadata(metadata)

	switch sub := subject.(type) {
	case domain.SuperAdmin:
		_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
			SubjectKind:   string(sub.Kind()),
			SubjectKey:    sub.Identifier(),
			Type:          string(domain.TransactionUsage),
			Amount:        0,
			BalanceAfter:  0,
			OperationType: operation,
			Metadata:      meta,
		})
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		return 0, 0, nil

	case domain.Subscriber:
		plan := domain.GetTierPlan(sub.Tier)
		if plan.Unlimited {
			_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
				SubjectKind:   string(sub.Kind()),
				SubjectKey:    sub.Identifier(),
				Type:          string(domain.TransactionUsage),
				Amount:        0,
				BalanceAfter:  0,
				OperationType: operation,
				Metadata:      meta,
			})
			if err != nil {
				return 0, 0, domain.Unavailable(err, op)
			}
			return 0, 0, nil
		}
		return s.deductSubscriberClamped(ctx, op, sub, cost, operation, meta)

	case domain.FreeAuthenticated:
		deducted, remaining, err := s.store.DeductFreeUserWithLedger(ctx, repository.DeductFreeWithLedgerParams{
			UserID:        sub.UserID,
			Cost:          cost,
			DailyLimit:    domain.FreeDailyCredits,
			Since:         domain.UTCDate(s.now()),
			Clamp:         true,
			OperationType: operation,
			Metadata:      meta,
		})
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		return deducted, remaining, nil

	case domain.AnonymousVisitor:
		return s.deductVisitorClamped(ctx, op, sub, cost, operation, meta)

	default:
		return 0, 0, domain.Internal(nil, op, "unhandled subject variant")
	}
}

// deductSubscriberClamped retries the conditional deduct with a shrinking
// cost: a concurrent deduction may reduce the balance between the read and
// the write, in which case the clamp is recomputed.
func (s *balanceService) deductSubscriberClamped(ctx context.Context, op string, sub domain.Subscriber, cost int64, operation string, meta pqtype.NullRawMessage) (int64, int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		record, err := s.store.GetActiveSubscriptionByUserID(ctx, sub.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		deduct := min64(cost, record.CreditsRemaining)
		if deduct == 0 {
			_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
				SubjectKind:   string(sub.Kind()),
				SubjectKey:    sub.Identifier(),
				Type:          string(domain.TransactionUsage),
				Amount:        0,
				BalanceAfter:  record.CreditsRemaining,
				OperationType: operation,
				Metadata:      meta,
			})
			if err != nil {
				return 0, 0, domain.Unavailable(err, op)
			}
			return 0, record.CreditsRemaining, nil
		}
		remaining, err := s.store.DeductSubscriptionWithLedger(ctx, repository.DeductWithLedgerParams{
			UserID:        sub.UserID,
			SubjectKind:   string(sub.Kind()),
			Cost:          deduct,
			OperationType: operation,
			Metadata:      meta,
		})
		if errors.Is(err, sql.ErrNoRows) {
			continue // balance shrank underneath us; recompute the clamp
		}
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		return deduct, remaining, nil
	}
	return 0, 0, domain.Unavailable(nil, op)
}

func (s *balanceService) deductVisitorClamped(ctx context.Context, op string, sub domain.AnonymousVisitor, cost int64, operation string, meta pqtype.NullRawMessage) (int64, int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		record, err := s.store.GetVisitorRecord(ctx, sub.IPHash)
		if errors.Is(err, sql.ErrNoRows) {
			record, err = s.touchVisitor(ctx, sub)
		}
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		left := record.DailyCredits - record.CreditsUsedToday
		if left < 0 {
			left = 0
		}
		deduct := min64(cost, left)
		if deduct == 0 {
			return 0, left, nil
		}
		remaining, err := s.store.DeductVisitorWithLedger(ctx, repository.DeductVisitorWithLedgerParams{
			IPHash:        sub.IPHash,
			Cost:          deduct,
			OperationType: operation,
			Metadata:      meta,
		})
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, 0, domain.Unavailable(err, op)
		}
		return deduct, remaining, nil
	}
	return 0, 0, domain.Unavailable(nil, op)
}

// =============================================================================
// Helpers
// =============================================================================

func rawMetadata(metadata []byte) pqtype.NullRawMessage {
	if len(metadata) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: json.RawMessage(metadata), Valid: true}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
