package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const subscriptionColumns = `id, user_id, tier, status, billing_cycle,
credits_remaining, credits_total, renews_at, stripe_customer_id,
stripe_subscription_id, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.Tier, &s.Status, &s.BillingCycle,
		&s.CreditsRemaining, &s.CreditsTotal, &s.RenewsAt,
		&s.StripeCustomerID, &s.StripeSubscriptionID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

const getActiveSubscriptionByUserID = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE user_id = $1 AND status = 'active'
`

func (q *Queries) GetActiveSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	return scanSubscription(q.db.QueryRowContext(ctx, getActiveSubscriptionByUserID, userID))
}

const deductSubscriptionCredits = `
UPDATE subscriptions
SET credits_remaining = credits_remaining - $2, updated_at = now()
WHERE user_id = $1 AND status = 'active' AND credits_remaining >= $2
RETURNING credits_remaining
`

type DeductSubscriptionCreditsParams struct {
	UserID uuid.UUID
	Cost   int64
}

// DeductSubscriptionCredits performs the atomic check-and-deduct: the
// balance read, the comparison and the decrement are one conditional
// UPDATE, so concurrent calls can never jointly overdraw. Returns
// sql.ErrNoRows when the balance is insufficient.
func (q *Queries) DeductSubscriptionCredits(ctx context.Context, arg DeductSubscriptionCreditsParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, deductSubscriptionCredits, arg.UserID, arg.Cost)
	var remaining int64
	err := row.Scan(&remaining)
	return remaining, err
}

const topUpSubscriptionCredits = `
UPDATE subscriptions
SET credits_remaining = LEAST(credits_remaining + $2, $3), updated_at = now()
WHERE user_id = $1 AND status = 'active'
RETURNING credits_remaining
`

type TopUpSubscriptionCreditsParams struct {
	UserID uuid.UUID
	Amount int64
	Cap    int64
}

func (q *Queries) TopUpSubscriptionCredits(ctx context.Context, arg TopUpSubscriptionCreditsParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, topUpSubscriptionCredits, arg.UserID, arg.Amount, arg.Cap)
	var remaining int64
	err := row.Scan(&remaining)
	return remaining, err
}

const listDueSubscriptions = `
SELECT ` + subscriptionColumns + `
FROM subscriptions
WHERE status = 'active' AND renews_at <= $1
ORDER BY renews_at
LIMIT $2
`

type ListDueSubscriptionsParams struct {
	Now   time.Time
	Limit int32
}

func (q *Queries) ListDueSubscriptions(ctx context.Context, arg ListDueSubscriptionsParams) ([]Subscription, error) {
	rows, err := q.db.QueryContext(ctx, listDueSubscriptions, arg.Now, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

const refillSubscription = `
UPDATE subscriptions
SET credits_remaining = credits_total, renews_at = $2, updated_at = now()
WHERE id = $1 AND status = 'active'
RETURNING ` + subscriptionColumns + `

`

type RefillSubscriptionParams struct {
	ID       uuid.UUID
	RenewsAt time.Time
}

func (q *Queries) RefillSubscription(ctx context.Context, arg RefillSubscriptionParams) (Subscription, error) {
	return scanSubscription(q.db.QueryRowContext(ctx, refillSubscription, arg.ID, arg.RenewsAt))
}

const markSubscriptionExpired = `
UPDATE subscriptions
SET status = 'expired', updated_at = now()
WHERE id = $1
`

func (q *Queries) MarkSubscriptionExpired(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, markSubscriptionExpired, id)
	return err
}

const upsertSubscriptionFromBilling = `
INSERT INTO subscriptions (user_id, tier, status, billing_cycle,
	credits_remaining, credits_total, renews_at,
	stripe_customer_id, stripe_subscription_id)
VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
	tier = EXCLUDED.tier,
	status = EXCLUDED.status,
	billing_cycle = EXCLUDED.billing_cycle,
	credits_total = EXCLUDED.credits_total,
	renews_at = EXCLUDED.renews_at,
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	stripe_subscription_id = EXCLUDED.stripe_subscription_id,
	updated_at = now()
RETURNING ` + subscriptionColumns + `

`

type UpsertSubscriptionFromBillingParams struct {
	UserID               uuid.UUID
	Tier                 string
	Status               string
	BillingCycle         string
	CreditsTotal         int64
	RenewsAt             time.Time
	StripeCustomerID     sql.NullString
	StripeSubscriptionID sql.NullString
}

// UpsertSubscriptionFromBilling applies a billing-webhook update. A new
// subscription starts with a full balance; an existing one keeps its
// current remaining credits until the next rollover refill.
func (q *Queries) UpsertSubscriptionFromBilling(ctx context.Context, arg UpsertSubscriptionFromBillingParams) (Subscription, error) {
	return scanSubscription(q.db.QueryRowContext(ctx, upsertSubscriptionFromBilling,
		arg.UserID, arg.Tier, arg.Status, arg.BillingCycle,
		arg.CreditsTotal, arg.RenewsAt, arg.StripeCustomerID, arg.StripeSubscriptionID))
}

const updateSubscriptionStatusByStripeID = `
UPDATE subscriptions
SET status = $2, updated_at = now()
WHERE stripe_subscription_id = $1
`

type UpdateSubscriptionStatusByStripeIDParams struct {
	StripeSubscriptionID string
	Status               string
}

func (q *Queries) UpdateSubscriptionStatusByStripeID(ctx context.Context, arg UpdateSubscriptionStatusByStripeIDParams) error {
	_, err := q.db.ExecContext(ctx, updateSubscriptionStatusByStripeID, arg.StripeSubscriptionID, arg.Status)
	return err
}
