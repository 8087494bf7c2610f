package repository

import (
	"context"
	"time"
)

const incrementRateWindow = `
INSERT INTO rate_windows (identifier, window_start, count)
VALUES ($1, $2, 1)
ON CONFLICT (identifier, window_start)
DO UPDATE SET count = rate_windows.count + 1
RETURNING count
`

type IncrementRateWindowParams struct {
	Identifier  string
	WindowStart time.Time
}

// IncrementRateWindow opens or bumps the fixed window for an identifier
// with a single atomic upsert — the same conditional-write primitive that
// protects balances, so a fleet of stateless instances shares one counter.
func (q *Queries) IncrementRateWindow(ctx context.Context, arg IncrementRateWindowParams) (int32, error) {
	row := q.db.QueryRowContext(ctx, incrementRateWindow, arg.Identifier, arg.WindowStart)
	var count int32
	err := row.Scan(&count)
	return count, err
}

const deleteExpiredRateWindows = `
DELETE FROM rate_windows
WHERE window_start < $1
`

// DeleteExpiredRateWindows is an opportunistic sweep. Expiry itself is a
// wall-clock comparison at read time; this only reclaims storage.
func (q *Queries) DeleteExpiredRateWindows(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteExpiredRateWindows, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
