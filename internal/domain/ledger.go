// Package domain contains core business types and interfaces.
//
// This file defines the persisted metering records: subscriptions with
// their credit balances, visitor records, usage sessions, ledger
// transactions, rate windows, and scheduler job-run summaries.
package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Subscription is a subscriber's plan plus its credit balance. The balance
// is mutated only through the store's conditional-update primitives and
// the rollover scheduler.
type Subscription struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	Tier                 SubscriptionTier
	Status               SubscriptionStatus
	BillingCycle         BillingCycle
	CreditsRemaining     int64
	CreditsTotal         int64
	RenewsAt             time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// LowBalance reports whether the remaining balance has crossed below the
// advisory upgrade threshold.
func (s *Subscription) LowBalance() bool {
	if s.CreditsTotal <= 0 {
		return false
	}
	return float64(s.CreditsRemaining) < LowBalanceFraction*float64(s.CreditsTotal)
}

// NextRenewal advances a renewal timestamp by one billing-cycle unit.
func (s *Subscription) NextRenewal() time.Time {
	if s.BillingCycle == BillingCycleYearly {
		return s.RenewsAt.AddDate(1, 0, 0)
	}
	return s.RenewsAt.AddDate(0, 1, 0)
}

// VisitorRecord tracks an anonymous visitor's daily allowance and streak.
// It is keyed by the salted IP hash and never tied to an authenticated
// identity. IPEncrypted exists solely for compliance export.
type VisitorRecord struct {
	IPHash           string
	IPEncrypted      string
	DailyCredits     int64
	CreditsUsedToday int64
	LastVisitDate    time.Time // UTC calendar date
	ConsecutiveDays  int32
	LastResetDate    time.Time // UTC date the daily rollover last touched this record
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RemainingToday returns the visitor's remaining allowance for the day.
func (v *VisitorRecord) RemainingToday() int64 {
	remaining := v.DailyCredits - v.CreditsUsedToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// UsageSession is an open-ended time-metered billing unit bounded by a
// start and a stop call. Stopped is terminal; a session is closed exactly
// once.
type UsageSession struct {
	ID              string
	SubjectKind     SubjectKind
	SubjectKey      string
	Route           string
	StartedAt       time.Time
	EndedAt         *time.Time
	ElapsedSeconds  *int64
	CreditsDeducted *int64
	IsActive        bool
}

// Elapsed returns the wall-clock session duration as of now, capped at max.
func (s *UsageSession) Elapsed(now time.Time, max time.Duration) time.Duration {
	elapsed := now.Sub(s.StartedAt)
	if elapsed < 0 {
		return 0
	}
	if max > 0 && elapsed > max {
		return max
	}
	return elapsed
}

// CreditsForDuration converts elapsed session time to credits, always
// rounding up so any partial credit's worth of usage bills as a full
// credit.
func CreditsForDuration(elapsed time.Duration) int64 {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}
	return int64(math.Ceil(seconds / SecondsPerCredit))
}

// TransactionType is the business reason for a ledger entry.
type TransactionType string

const (
	TransactionUsage    TransactionType = "usage"
	TransactionPurchase TransactionType = "purchase"
	TransactionRefill   TransactionType = "refill"
	TransactionBonus    TransactionType = "bonus"
	TransactionReward   TransactionType = "reward"
)

// Transaction is a single append-only ledger row. Rows are never updated;
// they are deleted only by the retention/archive job, which stays clear of
// the current accounting period.
type Transaction struct {
	ID            uuid.UUID
	SubjectKind   SubjectKind
	SubjectKey    string
	Type          TransactionType
	Amount        int64 // signed: negative for usage, positive for grants
	BalanceAfter  int64
	OperationType string
	Metadata      []byte // raw JSON, optional
	CreatedAt     time.Time
}

// RateWindow is one fixed rate-limit window for an identifier. Ephemeral:
// windows expire by wall-clock comparison and are swept opportunistically.
type RateWindow struct {
	Identifier  string
	WindowStart time.Time
	Count       int32
}

// JobRun summarizes one scheduler job execution.
type JobRun struct {
	ID         uuid.UUID
	JobName    string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int64
	Failed     int64
	Details    []byte // raw JSON, optional
}

// UTCDate truncates a time to its UTC calendar date.
func UTCDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
