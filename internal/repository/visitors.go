package repository

import (
	"context"
	"time"
)

const visitorColumns = `ip_hash, ip_encrypted, daily_credits, credits_used_today,
last_visit_date, consecutive_days, last_reset_date, created_at, updated_at`

func scanVisitor(row interface{ Scan(...interface{}) error }) (VisitorRecord, error) {
	var v VisitorRecord
	err := row.Scan(
		&v.IPHash, &v.IPEncrypted, &v.DailyCredits, &v.CreditsUsedToday,
		&v.LastVisitDate, &v.ConsecutiveDays, &v.LastResetDate,
		&v.CreatedAt, &v.UpdatedAt,
	)
	return v, err
}

const upsertVisitorVisit = `
INSERT INTO visitor_records (ip_hash, ip_encrypted, daily_credits, credits_used_today,
	last_visit_date, consecutive_days)
VALUES ($1, $2, $3, 0, $4, 1)
ON CONFLICT (ip_hash) DO UPDATE SET
	credits_used_today = CASE
		WHEN EXCLUDED.last_visit_date > visitor_records.last_visit_date THEN 0
		ELSE visitor_records.credits_used_today
	END,
	consecutive_days = CASE
		WHEN EXCLUDED.last_visit_date <= visitor_records.last_visit_date THEN visitor_records.consecutive_days
		WHEN visitor_records.last_visit_date = EXCLUDED.last_visit_date - 1 THEN visitor_records.consecutive_days + 1
		ELSE 1
	END,
	last_reset_date = CASE
		WHEN EXCLUDED.last_visit_date > visitor_records.last_visit_date THEN EXCLUDED.last_visit_date
		ELSE visitor_records.last_reset_date
	END,
	last_visit_date = GREATEST(visitor_records.last_visit_date, EXCLUDED.last_visit_date),
	updated_at = now()
RETURNING ` + visitorColumns

type UpsertVisitorVisitParams struct {
	IPHash       string
	IPEncrypted  string
	DailyCredits int64
	VisitDate    time.Time
}

// UpsertVisitorVisit lazily creates the record on first contact and, on
// the first contact of a new UTC date, performs the daily reset inline:
// zeroes the used counter, advances the streak if the prior visit was
// yesterday (restarts it otherwise), and stamps last_reset_date so the
// scheduled reset skips the record. Without the inline reset, a visit
// landing between midnight and the day's first scheduled run would stamp
// today's date and hide the record from both reset predicates, leaving
// yesterday's usage charged against today.
func (q *Queries) UpsertVisitorVisit(ctx context.Context, arg UpsertVisitorVisitParams) (VisitorRecord, error) {
	return scanVisitor(q.db.QueryRowContext(ctx, upsertVisitorVisit,
		arg.IPHash, arg.IPEncrypted, arg.DailyCredits, arg.VisitDate))
}

const getVisitorRecord = `
SELECT ` + visitorColumns + `
FROM visitor_records
WHERE ip_hash = $1
`

func (q *Queries) GetVisitorRecord(ctx context.Context, ipHash string) (VisitorRecord, error) {
	return scanVisitor(q.db.QueryRowContext(ctx, getVisitorRecord, ipHash))
}

const deductVisitorCredits = `
UPDATE visitor_records
SET credits_used_today = credits_used_today + $2, updated_at = now()
WHERE ip_hash = $1 AND credits_used_today + $2 <= daily_credits
RETURNING daily_credits - credits_used_today
`

type DeductVisitorCreditsParams struct {
	IPHash string
	Cost   int64
}

// DeductVisitorCredits is the visitor mirror of the subscription
// conditional deduct. Returns sql.ErrNoRows when today's allowance cannot
// cover the cost.
func (q *Queries) DeductVisitorCredits(ctx context.Context, arg DeductVisitorCreditsParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, deductVisitorCredits, arg.IPHash, arg.Cost)
	var remaining int64
	err := row.Scan(&remaining)
	return remaining, err
}

const advanceVisitorStreaks = `
UPDATE visitor_records
SET consecutive_days = consecutive_days + 1,
	credits_used_today = 0,
	last_reset_date = $1,
	updated_at = now()
WHERE last_visit_date = $1::date - 1
	AND (last_reset_date IS NULL OR last_reset_date < $1)
`

// AdvanceVisitorStreaks advances every visitor last seen "yesterday"
// relative to the given UTC date. The last_reset_date guard makes a
// second run on the same date a no-op.
func (q *Queries) AdvanceVisitorStreaks(ctx context.Context, today time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, advanceVisitorStreaks, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const breakVisitorStreaks = `
UPDATE visitor_records
SET consecutive_days = 1,
	credits_used_today = 0,
	last_reset_date = $1,
	updated_at = now()
WHERE last_visit_date < $1::date - 1
	AND (last_reset_date IS NULL OR last_reset_date < $1)
`

// BreakVisitorStreaks resets visitors whose last visit predates yesterday.
// A broken streak restarts at one: the day the visitor was last seen still
// counts as a streak of length one.
func (q *Queries) BreakVisitorStreaks(ctx context.Context, today time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, breakVisitorStreaks, today)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const grantVisitorStreakBonuses = `
UPDATE visitor_records
SET daily_credits = daily_credits + 1, updated_at = now()
WHERE last_reset_date = $1
	AND consecutive_days > 0
	AND consecutive_days % $2 = 0
	AND daily_credits < $3
RETURNING ip_hash, daily_credits
`

type GrantVisitorStreakBonusesParams struct {
	Today    time.Time
	Interval int32
	Cap      int64
}

type VisitorBonus struct {
	IPHash       string
	DailyCredits int64
}

// GrantVisitorStreakBonuses rewards visitors whose streak hit a multiple
// of the bonus interval during today's reset, capped so allowances cannot
// grow without bound.
func (q *Queries) GrantVisitorStreakBonuses(ctx context.Context, arg GrantVisitorStreakBonusesParams) ([]VisitorBonus, error) {
	rows, err := q.db.QueryContext(ctx, grantVisitorStreakBonuses, arg.Today, arg.Interval, arg.Cap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bonuses []VisitorBonus
	for rows.Next() {
		var b VisitorBonus
		if err := rows.Scan(&b.IPHash, &b.DailyCredits); err != nil {
			return nil, err
		}
		bonuses = append(bonuses, b)
	}
	return bonuses, rows.Err()
}

const listVisitorRecordsBefore = `
SELECT ` + visitorColumns + `
FROM visitor_records
WHERE last_visit_date < $1
ORDER BY last_visit_date
LIMIT $2
`

type ListVisitorRecordsBeforeParams struct {
	Cutoff time.Time
	Limit  int32
}

func (q *Queries) ListVisitorRecordsBefore(ctx context.Context, arg ListVisitorRecordsBeforeParams) ([]VisitorRecord, error) {
	rows, err := q.db.QueryContext(ctx, listVisitorRecordsBefore, arg.Cutoff, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []VisitorRecord
	for rows.Next() {
		v, err := scanVisitor(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, v)
	}
	return records, rows.Err()
}

const deleteVisitorRecordsBefore = `
DELETE FROM visitor_records
WHERE last_visit_date < $1
`

func (q *Queries) DeleteVisitorRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteVisitorRecordsBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
