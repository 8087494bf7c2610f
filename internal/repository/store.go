package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Store combines the query methods with transactional composites. The
// composites exist because a balance mutation and its ledger row are one
// atomic unit: no orphaned balance change may exist without a matching
// transaction row, and vice versa.
type Store struct {
	*Queries
	db *sql.DB
}

// NewStore creates a Store over a database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		Queries: New(db),
		db:      db,
	}
}

// ExecTx runs fn inside a database transaction, rolling back on error.
func (s *Store) ExecTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(s.Queries.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// DeductWithLedgerParams describes one atomic deduction against a
// subscriber balance.
type DeductWithLedgerParams struct {
	UserID        uuid.UUID
	SubjectKind   string
	Cost          int64
	OperationType string
	Metadata      pqtype.NullRawMessage
}

// DeductSubscriptionWithLedger atomically decrements a subscriber balance
// and appends the matching usage transaction. Returns sql.ErrNoRows, with
// nothing written, when the balance is insufficient.
func (s *Store) DeductSubscriptionWithLedger(ctx context.Context, arg DeductWithLedgerParams) (int64, error) {
	var remaining int64
	err := s.ExecTx(ctx, func(q *Queries) error {
		var err error
		remaining, err = q.DeductSubscriptionCredits(ctx, DeductSubscriptionCreditsParams{
			UserID: arg.UserID,
			Cost:   arg.Cost,
		})
		if err != nil {
			return err
		}
		_, err = q.CreateTransaction(ctx, CreateTransactionParams{
			SubjectKind:   arg.SubjectKind,
			SubjectKey:    arg.UserID.String(),
			Type:          "usage",
			Amount:        -arg.Cost,
			BalanceAfter:  remaining,
			OperationType: arg.OperationType,
			Metadata:      arg.Metadata,
		})
		return err
	})
	return remaining, err
}

// DeductVisitorWithLedgerParams describes one atomic deduction against a
// visitor's daily allowance.
type DeductVisitorWithLedgerParams struct {
	IPHash        string
	Cost          int64
	OperationType string
	Metadata      pqtype.NullRawMessage
}

// DeductVisitorWithLedger atomically consumes visitor daily credits and
// appends the matching usage transaction.
func (s *Store) DeductVisitorWithLedger(ctx context.Context, arg DeductVisitorWithLedgerParams) (int64, error) {
	var remaining int64
	err := s.ExecTx(ctx, func(q *Queries) error {
		var err error
		remaining, err = q.DeductVisitorCredits(ctx, DeductVisitorCreditsParams{
			IPHash: arg.IPHash,
			Cost:   arg.Cost,
		})
		if err != nil {
			return err
		}
		_, err = q.CreateTransaction(ctx, CreateTransactionParams{
			SubjectKind:   "anonymous_visitor",
			SubjectKey:    arg.IPHash,
			Type:          "usage",
			Amount:        -arg.Cost,
			BalanceAfter:  remaining,
			OperationType: arg.OperationType,
			Metadata:      arg.Metadata,
		})
		return err
	})
	return remaining, err
}

// DeductFreeWithLedgerParams describes one deduction against a free
// user's ledger-derived daily allowance.
type DeductFreeWithLedgerParams struct {
	UserID        uuid.UUID
	Cost          int64
	DailyLimit    int64
	Since         time.Time
	Clamp         bool
	OperationType string
	Metadata      pqtype.NullRawMessage
}

// DeductFreeUserWithLedger consumes free daily allowance. The allowance is
// the day's usage sum, so there is no row a conditional UPDATE could
// guard; instead the sum and the insert run in one transaction serialized
// per user by an advisory lock, which keeps concurrent calls from all
// passing the same check. Returns the credits deducted and the remaining
// allowance. Without Clamp, an insufficient allowance returns
// sql.ErrNoRows with the pre-deduction remainder and nothing written;
// with Clamp, the deduction shrinks to whatever allowance is left.
func (s *Store) DeductFreeUserWithLedger(ctx context.Context, arg DeductFreeWithLedgerParams) (int64, int64, error) {
	var deducted, remaining int64
	err := s.ExecTx(ctx, func(q *Queries) error {
		if err := q.LockSubjectKey(ctx, arg.UserID.String()); err != nil {
			return err
		}
		spent, err := q.SumUsageTransactionsSince(ctx, SumUsageTransactionsSinceParams{
			SubjectKey: arg.UserID,
			Since:      arg.Since,
		})
		if err != nil {
			return err
		}
		remaining = arg.DailyLimit - spent
		if remaining < 0 {
			remaining = 0
		}
		deducted = arg.Cost
		if arg.Clamp {
			if deducted > remaining {
				deducted = remaining
			}
		} else if remaining < arg.Cost {
			deducted = 0
			return sql.ErrNoRows
		}
		remaining -= deducted
		_, err = q.CreateTransaction(ctx, CreateTransactionParams{
			SubjectKind:   "free_user",
			SubjectKey:    arg.UserID.String(),
			Type:          "usage",
			Amount:        -deducted,
			BalanceAfter:  remaining,
			OperationType: arg.OperationType,
			Metadata:      arg.Metadata,
		})
		return err
	})
	return deducted, remaining, err
}

// RefillWithLedgerParams describes a rollover refill of one subscription.
type RefillWithLedgerParams struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	RenewsAt       time.Time
}

// RefillSubscriptionWithLedger resets a subscription balance to its total
// at a renewal boundary and appends the refill transaction.
func (s *Store) RefillSubscriptionWithLedger(ctx context.Context, arg RefillWithLedgerParams) (Subscription, error) {
	var sub Subscription
	err := s.ExecTx(ctx, func(q *Queries) error {
		var err error
		sub, err = q.RefillSubscription(ctx, RefillSubscriptionParams{
			ID:       arg.SubscriptionID,
			RenewsAt: arg.RenewsAt,
		})
		if err != nil {
			return err
		}
		_, err = q.CreateTransaction(ctx, CreateTransactionParams{
			SubjectKind:   "subscriber",
			SubjectKey:    arg.UserID.String(),
			Type:          "refill",
			Amount:        sub.CreditsRemaining,
			BalanceAfter:  sub.CreditsRemaining,
			OperationType: "rollover",
		})
		return err
	})
	return sub, err
}

// TopUpWithLedgerParams describes a purchased credit-pack top-up.
type TopUpWithLedgerParams struct {
	UserID   uuid.UUID
	Amount   int64
	Cap      int64
	Metadata pqtype.NullRawMessage
}

// TopUpSubscriptionWithLedger credits purchased credits onto an active
// subscription, capped, and appends the purchase transaction.
func (s *Store) TopUpSubscriptionWithLedger(ctx context.Context, arg TopUpWithLedgerParams) (int64, error) {
	var remaining int64
	err := s.ExecTx(ctx, func(q *Queries) error {
		var err error
		remaining, err = q.TopUpSubscriptionCredits(ctx, TopUpSubscriptionCreditsParams{
			UserID: arg.UserID,
			Amount: arg.Amount,
			Cap:    arg.Cap,
		})
		if err != nil {
			return err
		}
		_, err = q.CreateTransaction(ctx, CreateTransactionParams{
			SubjectKind:   "subscriber",
			SubjectKey:    arg.UserID.String(),
			Type:          "purchase",
			Amount:        arg.Amount,
			BalanceAfter:  remaining,
			OperationType: "credit_pack",
			Metadata:      arg.Metadata,
		})
		return err
	})
	return remaining, err
}

// PurgeVisitorsBefore deletes visitor records idle past the retention
// cutoff, after the caller has exported them for compliance.
func (s *Store) PurgeVisitorsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.Queries.DeleteVisitorRecordsBefore(ctx, cutoff)
}
