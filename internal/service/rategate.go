package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Interface
// =============================================================================

// RateGate enforces a fixed-window request ceiling per subject before any
// billing logic runs. Windows live in the database, so every instance of
// the service shares one counter per subject.
type RateGate interface {
	// Allow counts the request against the subject's current window and
	// returns a rate-limit error when the window is over its ceiling.
	// The denial carries the time until the window resets.
	Allow(ctx context.Context, subject domain.Subject) error

	// Sweep deletes windows that ended before the retention cutoff and
	// returns the number removed.
	Sweep(ctx context.Context) (int64, error)
}

// RateGateStore is the slice of the repository the gate needs.
type RateGateStore interface {
	IncrementRateWindow(ctx context.Context, arg repository.IncrementRateWindowParams) (int32, error)
	DeleteExpiredRateWindows(ctx context.Context, before time.Time) (int64, error)
}

// =============================================================================
// Implementation
// =============================================================================

type rateGate struct {
	store  RateGateStore
	max    int32
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewRateGate(store RateGateStore, max int32, window time.Duration, logger *slog.Logger) RateGate {
	return &rateGate{
		store:  store,
		max:    max,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

func (g *rateGate) Allow(ctx context.Context, subject domain.Subject) error {
	const op = "rategate.allow"

	if subject == nil {
		return domain.Invalid(op, "subject is required")
	}
	// Super admins bypass the gate entirely.
	if subject.Kind() == domain.SubjectSuperAdmin {
		return nil
	}

	now := g.now().UTC()
	windowStart := now.Truncate(g.window)

	var count int32
	err := withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		count, err = g.store.IncrementRateWindow(ctx, repository.IncrementRateWindowParams{
			Identifier:  string(subject.Kind()) + ":" + subject.Identifier(),
			WindowStart: windowStart,
		})
		return err
	})
	if err != nil {
		// Fail open: a broken rate limiter should degrade to unlimited
		// throughput, not an outage.
		g.logger.Error("rate window increment failed",
			slog.String("subject_kind", string(subject.Kind())),
			slog.String("error", err.Error()))
		return nil
	}

	if count > g.max {
		retryAfter := windowStart.Add(g.window).Sub(now)
		g.logger.Warn("rate limit exceeded",
			slog.String("subject_kind", string(subject.Kind())),
			slog.Int("count", int(count)),
			slog.Duration("retry_after", retryAfter))
		return domain.RateLimited(op, retryAfter)
	}
	return nil
}

func (g *rateGate) Sweep(ctx context.Context) (int64, error) {
	const op = "rategate.sweep"

	// Keep one extra window of history so an in-flight read never races
	// the sweep.
	cutoff := g.now().UTC().Truncate(g.window).Add(-g.window)
	removed, err := g.store.DeleteExpiredRateWindows(ctx, cutoff)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to sweep rate windows")
	}
	return removed, nil
}
