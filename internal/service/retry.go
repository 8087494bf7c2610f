package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

const (
	storeRetryAttempts = 3
	storeRetryBase     = 50 * time.Millisecond
)

// withStoreRetry runs a store operation, retrying transient failures with
// backoff. Non-transient errors surface immediately; a transient error
// that survives all attempts is returned to the caller, who wraps it as
// domain.Unavailable.
func withStoreRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(storeRetryAttempts, retry.NewFibonacci(storeRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isTransientStoreError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// isTransientStoreError classifies failures worth retrying: dropped
// connections, serialization failures, and deadlocks. Constraint and
// not-found errors are never transient.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57P03", // cannot_connect_now
			"53300": // too_many_connections
			return true
		}
		// Class 08: connection exceptions
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}
