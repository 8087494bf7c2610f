package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Interface
// =============================================================================

// SessionService meters open-ended usage sessions. A session is started
// against a subject's allowance, runs on the clock, and bills elapsed
// time at stop in whole credits, rounding up.
type SessionService interface {
	// Start opens a session for the subject. The subject needs at least
	// one credit remaining; nothing is deducted until Stop.
	Start(ctx context.Context, subject domain.Subject, arg StartSessionParams) (*SessionReceipt, error)

	// Stop closes the session, bills the elapsed time, and returns the
	// final receipt. A session closes exactly once; stopping an unknown
	// or already-stopped session returns a not-found error.
	Stop(ctx context.Context, sessionID string) (*SessionReceipt, error)

	// Check reports the session's current state without billing it.
	Check(ctx context.Context, sessionID string) (*SessionReceipt, error)

	// ReconcileStale force-closes sessions that have run past the
	// maximum duration, billing each at the cap. Returns the number of
	// sessions closed.
	ReconcileStale(ctx context.Context) (int, error)
}

// SessionStore is the slice of the repository the session meter needs.
type SessionStore interface {
	CreateUsageSession(ctx context.Context, arg repository.CreateUsageSessionParams) (repository.UsageSession, error)
	GetUsageSession(ctx context.Context, id string) (repository.UsageSession, error)
	CloseUsageSession(ctx context.Context, arg repository.CloseUsageSessionParams) (repository.UsageSession, error)
	UpdateUsageSessionCredits(ctx context.Context, arg repository.UpdateUsageSessionCreditsParams) error
	ListStaleUsageSessions(ctx context.Context, arg repository.ListStaleUsageSessionsParams) ([]repository.UsageSession, error)
	GetActiveSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (repository.Subscription, error)
}

// StartSessionParams carries the client-supplied session identity.
type StartSessionParams struct {
	SessionID string
	Route     string
}

// SessionReceipt is the client-facing view of a session at start, check,
// or stop time.
type SessionReceipt struct {
	SessionID        string
	IsActive         bool
	StartedAt        time.Time
	ElapsedSeconds   int64
	RemainingSeconds int64
	RemainingCredits int64
	CreditsDeducted  int64
	Unlimited        bool
}

// =============================================================================
// Implementation
// =============================================================================

type sessionService struct {
	store       SessionStore
	balance     BalanceService
	maxDuration time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewSessionService(store SessionStore, balance BalanceService, maxDuration time.Duration, logger *slog.Logger) SessionService {
	return &sessionService{
		store:       store,
		balance:     balance,
		maxDuration: maxDuration,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *sessionService) Start(ctx context.Context, subject domain.Subject, arg StartSessionParams) (*SessionReceipt, error) {
	const op = "session.start"

	if subject == nil {
		return nil, domain.Invalid(op, "subject is required")
	}
	if arg.SessionID == "" {
		return nil, domain.Invalid(op, "session id is required")
	}

	allowance, err := s.balance.Allowance(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !allowance.Unlimited && allowance.Remaining < 1 {
		return nil, domain.InsufficientCredits(op, allowance.Remaining)
	}

	var sess repository.UsageSession
	err = withStoreRetry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.store.CreateUsageSession(ctx, repository.CreateUsageSessionParams{
			ID:          arg.SessionID,
			SubjectKind: string(subject.Kind()),
			SubjectKey:  subject.Identifier(),
			Route:       arg.Route,
			StartedAt:   s.now().UTC(),
		})
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &domain.Error{Code: domain.ECONFLICT, Op: op, Message: "session already exists"}
		}
		return nil, domain.Internal(err, op, "failed to create session")
	}

	s.logger.Info("session started",
		slog.String("session_id", sess.ID),
		slog.String("subject_kind", sess.SubjectKind))

	return &SessionReceipt{
		SessionID:        sess.ID,
		IsActive:         true,
		StartedAt:        sess.StartedAt,
		RemainingSeconds: s.runway(allowance),
		RemainingCredits: allowance.Remaining,
		Unlimited:        allowance.Unlimited,
	}, nil
}

func (s *sessionService) Stop(ctx context.Context, sessionID string) (*SessionReceipt, error) {
	const op = "session.stop"

	if sessionID == "" {
		return nil, domain.Invalid(op, "session id is required")
	}

	sess, err := s.store.GetUsageSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.SessionNotFound(op, sessionID)
		}
		return nil, domain.Internal(err, op, "failed to load session")
	}

	now := s.now().UTC()
	return s.closeAndBill(ctx, op, sess, now)
}

// closeAndBill closes the session row first, then bills the elapsed time.
// The conditional close is the replay guard: of any concurrent stop calls
// exactly one wins the UPDATE, so a session bills exactly once.
func (s *sessionService) closeAndBill(ctx context.Context, op string, sess repository.UsageSession, now time.Time) (*SessionReceipt, error) {
	meter := domain.UsageSession{ID: sess.ID, StartedAt: sess.StartedAt}
	elapsed := meter.Elapsed(now, s.maxDuration)
	cost := domain.CreditsForDuration(elapsed)

	closed, err := s.store.CloseUsageSession(ctx, repository.CloseUsageSessionParams{
		ID:              sess.ID,
		EndedAt:         now,
		ElapsedSeconds:  int64(elapsed.Seconds()),
		CreditsDeducted: cost,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.SessionNotFound(op, sess.ID)
		}
		return nil, domain.Internal(err, op, "failed to close session")
	}

	subject, err := s.rebuildSubject(ctx, sess)
	if err != nil {
		return nil, err
	}

	meta, _ := json.Marshal(map[string]any{
		"session_id":      sess.ID,
		"route":           sess.Route,
		"elapsed_seconds": int64(elapsed.Seconds()),
	})
	deducted, remaining, err := s.balance.DeductClamped(ctx, subject, cost, "session", meta)
	if err != nil {
		// The session is already closed; surface the billing failure
		// loudly rather than leaving it silent.
		s.logger.Error("session billing failed after close",
			slog.String("session_id", sess.ID),
			slog.Int64("credits", cost),
			slog.String("error", err.Error()))
		return nil, err
	}
	if deducted != cost {
		if err := s.store.UpdateUsageSessionCredits(ctx, repository.UpdateUsageSessionCreditsParams{
			ID:              sess.ID,
			CreditsDeducted: deducted,
		}); err != nil {
			s.logger.Warn("failed to record clamped deduction",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Info("session stopped",
		slog.String("session_id", sess.ID),
		slog.Int64("elapsed_seconds", int64(elapsed.Seconds())),
		slog.Int64("credits_deducted", deducted))

	return &SessionReceipt{
		SessionID:        closed.ID,
		IsActive:         false,
		StartedAt:        closed.StartedAt,
		ElapsedSeconds:   int64(elapsed.Seconds()),
		RemainingCredits: remaining,
		CreditsDeducted:  deducted,
	}, nil
}

func (s *sessionService) Check(ctx context.Context, sessionID string) (*SessionReceipt, error) {
	const op = "session.check"

	if sessionID == "" {
		return nil, domain.Invalid(op, "session id is required")
	}

	sess, err := s.store.GetUsageSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.SessionNotFound(op, sessionID)
		}
		return nil, domain.Internal(err, op, "failed to load session")
	}

	if !sess.IsActive {
		receipt := &SessionReceipt{
			SessionID: sess.ID,
			IsActive:  false,
			StartedAt: sess.StartedAt,
		}
		if sess.ElapsedSeconds.Valid {
			receipt.ElapsedSeconds = sess.ElapsedSeconds.Int64
		}
		if sess.CreditsDeducted.Valid {
			receipt.CreditsDeducted = sess.CreditsDeducted.Int64
		}
		return receipt, nil
	}

	subject, err := s.rebuildSubject(ctx, sess)
	if err != nil {
		return nil, err
	}
	allowance, err := s.balance.Allowance(ctx, subject)
	if err != nil {
		return nil, err
	}

	meter := domain.UsageSession{ID: sess.ID, StartedAt: sess.StartedAt}
	elapsed := int64(meter.Elapsed(s.now().UTC(), s.maxDuration).Seconds())
	runway := s.runway(allowance) - elapsed
	if runway < 0 {
		runway = 0
	}

	return &SessionReceipt{
		SessionID:        sess.ID,
		IsActive:         true,
		StartedAt:        sess.StartedAt,
		ElapsedSeconds:   elapsed,
		RemainingSeconds: runway,
		RemainingCredits: allowance.Remaining,
		Unlimited:        allowance.Unlimited,
	}, nil
}

func (s *sessionService) ReconcileStale(ctx context.Context) (int, error) {
	const op = "session.reconcile_stale"

	now := s.now().UTC()
	stale, err := s.store.ListStaleUsageSessions(ctx, repository.ListStaleUsageSessionsParams{
		Cutoff: now.Add(-s.maxDuration),
		Limit:  100,
	})
	if err != nil {
		return 0, domain.Internal(err, op, "failed to list stale sessions")
	}

	closed := 0
	for _, sess := range stale {
		if _, err := s.closeAndBill(ctx, op, sess, now); err != nil {
			if domain.ErrorCode(err) == domain.ENOTFOUND {
				continue // lost the close race, nothing to do
			}
			s.logger.Error("failed to reconcile stale session",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			continue
		}
		closed++
	}
	return closed, nil
}

// runway converts an allowance into countdown seconds for clients.
func (s *sessionService) runway(allowance *domain.Allowance) int64 {
	if allowance.Unlimited {
		return int64(s.maxDuration.Seconds())
	}
	return allowance.Remaining * domain.SecondsPerCredit
}

// rebuildSubject reconstructs the billing subject recorded at start time.
// Subscribers are re-resolved against the live subscription so a tier
// change or expiry mid-session bills against current state.
func (s *sessionService) rebuildSubject(ctx context.Context, sess repository.UsageSession) (domain.Subject, error) {
	const op = "session.rebuild_subject"

	switch domain.SubjectKind(sess.SubjectKind) {
	case domain.SubjectAnonymousVisitor:
		return domain.AnonymousVisitor{IPHash: sess.SubjectKey}, nil

	case domain.SubjectSuperAdmin, domain.SubjectSubscriber, domain.SubjectFreeUser:
		userID, err := uuid.Parse(sess.SubjectKey)
		if err != nil {
			return nil, domain.Internal(err, op, "malformed subject key")
		}
		if domain.SubjectKind(sess.SubjectKind) == domain.SubjectSuperAdmin {
			return domain.SuperAdmin{UserID: userID}, nil
		}
		sub, err := s.store.GetActiveSubscriptionByUserID(ctx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.FreeAuthenticated{UserID: userID}, nil
			}
			return nil, domain.Internal(err, op, "failed to load subscription")
		}
		return domain.Subscriber{
			UserID:       userID,
			Tier:         domain.SubscriptionTier(sub.Tier),
			BillingCycle: domain.BillingCycle(sub.BillingCycle),
		}, nil

	default:
		return nil, domain.Internal(nil, op, "unknown subject kind")
	}
}
