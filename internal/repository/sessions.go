package repository

import (
	"context"
	"time"
)

const usageSessionColumns = `id, subject_kind, subject_key, route, started_at,
ended_at, elapsed_seconds, credits_deducted, is_active`

func scanUsageSession(row interface{ Scan(...interface{}) error }) (UsageSession, error) {
	var s UsageSession
	err := row.Scan(
		&s.ID, &s.SubjectKind, &s.SubjectKey, &s.Route, &s.StartedAt,
		&s.EndedAt, &s.ElapsedSeconds, &s.CreditsDeducted, &s.IsActive,
	)
	return s, err
}

const createUsageSession = `
INSERT INTO usage_sessions (id, subject_kind, subject_key, route, started_at, is_active)
VALUES ($1, $2, $3, $4, $5, true)
RETURNING ` + usageSessionColumns

type CreateUsageSessionParams struct {
	ID          string
	SubjectKind string
	SubjectKey  string
	Route       string
	StartedAt   time.Time
}

func (q *Queries) CreateUsageSession(ctx context.Context, arg CreateUsageSessionParams) (UsageSession, error) {
	return scanUsageSession(q.db.QueryRowContext(ctx, createUsageSession,
		arg.ID, arg.SubjectKind, arg.SubjectKey, arg.Route, arg.StartedAt))
}

const getUsageSession = `
SELECT ` + usageSessionColumns + `
FROM usage_sessions
WHERE id = $1
`

func (q *Queries) GetUsageSession(ctx context.Context, id string) (UsageSession, error) {
	return scanUsageSession(q.db.QueryRowContext(ctx, getUsageSession, id))
}

const closeUsageSession = `
UPDATE usage_sessions
SET is_active = false,
	ended_at = $2,
	elapsed_seconds = $3,
	credits_deducted = $4
WHERE id = $1 AND is_active
RETURNING ` + usageSessionColumns

type CloseUsageSessionParams struct {
	ID              string
	EndedAt         time.Time
	ElapsedSeconds  int64
	CreditsDeducted int64
}

// CloseUsageSession transitions a session to its terminal state. The
// is_active predicate means a session closes exactly once; a replayed stop
// gets sql.ErrNoRows instead of a second billing.
func (q *Queries) CloseUsageSession(ctx context.Context, arg CloseUsageSessionParams) (UsageSession, error) {
	return scanUsageSession(q.db.QueryRowContext(ctx, closeUsageSession,
		arg.ID, arg.EndedAt, arg.ElapsedSeconds, arg.CreditsDeducted))
}

const updateUsageSessionCredits = `
UPDATE usage_sessions
SET credits_deducted = $2
WHERE id = $1
`

type UpdateUsageSessionCreditsParams struct {
	ID              string
	CreditsDeducted int64
}

// UpdateUsageSessionCredits corrects the recorded deduction when the
// billed amount was clamped below the elapsed-time cost.
func (q *Queries) UpdateUsageSessionCredits(ctx context.Context, arg UpdateUsageSessionCreditsParams) error {
	_, err := q.db.ExecContext(ctx, updateUsageSessionCredits, arg.ID, arg.CreditsDeducted)
	return err
}

const listStaleUsageSessions = `
SELECT ` + usageSessionColumns + `
FROM usage_sessions
WHERE is_active AND started_at < $1
ORDER BY started_at
LIMIT $2
`

type ListStaleUsageSessionsParams struct {
	Cutoff time.Time
	Limit  int32
}

func (q *Queries) ListStaleUsageSessions(ctx context.Context, arg ListStaleUsageSessionsParams) ([]UsageSession, error) {
	rows, err := q.db.QueryContext(ctx, listStaleUsageSessions, arg.Cutoff, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []UsageSession
	for rows.Next() {
		s, err := scanUsageSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
