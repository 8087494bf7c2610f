package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Interface
// =============================================================================

// RolloverService owns the scheduled lifecycle work: the daily UTC reset,
// subscription renewals, and the retention jobs that archive the ledger
// and purge idle visitor records.
type RolloverService interface {
	// DailyReset advances or breaks every visitor streak for the given
	// UTC date, refreshes daily allowances, and grants streak bonuses.
	// Safe to run more than once per date; replays are no-ops.
	DailyReset(ctx context.Context) (*RolloverSummary, error)

	// RenewSubscriptions refills every subscription whose renewal time
	// has passed. A refill that fails marks the subscription expired
	// rather than leaving a stale balance in play.
	RenewSubscriptions(ctx context.Context) (*RolloverSummary, error)

	// ArchiveLedger exports ledger rows older than the retention cutoff
	// to object storage, then deletes them. Rows are only deleted after
	// the export is durably written.
	ArchiveLedger(ctx context.Context) (*RolloverSummary, error)

	// PurgeVisitors exports and deletes visitor records idle past the
	// retention cutoff. The export carries the encrypted IP so the
	// compliance trail survives the purge.
	PurgeVisitors(ctx context.Context) (*RolloverSummary, error)
}

// RolloverStore is the slice of the repository the scheduled jobs need.
type RolloverStore interface {
	AdvanceVisitorStreaks(ctx context.Context, today time.Time) (int64, error)
	BreakVisitorStreaks(ctx context.Context, today time.Time) (int64, error)
	GrantVisitorStreakBonuses(ctx context.Context, arg repository.GrantVisitorStreakBonusesParams) ([]repository.VisitorBonus, error)
	CreateTransaction(ctx context.Context, arg repository.CreateTransactionParams) (repository.Transaction, error)
	ListDueSubscriptions(ctx context.Context, arg repository.ListDueSubscriptionsParams) ([]repository.Subscription, error)
	RefillSubscriptionWithLedger(ctx context.Context, arg repository.RefillWithLedgerParams) (repository.Subscription, error)
	MarkSubscriptionExpired(ctx context.Context, id uuid.UUID) error
	ListVisitorRecordsBefore(ctx context.Context, arg repository.ListVisitorRecordsBeforeParams) ([]repository.VisitorRecord, error)
	PurgeVisitorsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListTransactionsBefore(ctx context.Context, arg repository.ListTransactionsBeforeParams) ([]repository.Transaction, error)
	DeleteTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CreateJobRun(ctx context.Context, arg repository.CreateJobRunParams) (repository.JobRun, error)
}

// ArchiveWriter is the object-store sink for exports. Implemented by the
// storage package for both local disk and R2.
type ArchiveWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// RolloverSummary reports what a scheduled job touched.
type RolloverSummary struct {
	Job       string
	Processed int64
	Failed    int64
}

// =============================================================================
// Implementation
// =============================================================================

type rolloverService struct {
	store            RolloverStore
	archive          ArchiveWriter
	ledgerRetention  time.Duration
	visitorRetention time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

func NewRolloverService(store RolloverStore, archive ArchiveWriter, ledgerRetention, visitorRetention time.Duration, logger *slog.Logger) RolloverService {
	return &rolloverService{
		store:            store,
		archive:          archive,
		ledgerRetention:  ledgerRetention,
		visitorRetention: visitorRetention,
		logger:           logger,
		now:              time.Now,
	}
}

func (s *rolloverService) DailyReset(ctx context.Context) (*RolloverSummary, error) {
	const op = "rollover.daily_reset"
	started := s.now().UTC()
	today := domain.UTCDate(started)

	advanced, err := s.store.AdvanceVisitorStreaks(ctx, today)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to advance streaks")
	}
	broken, err := s.store.BreakVisitorStreaks(ctx, today)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to break streaks")
	}
	bonuses, err := s.store.GrantVisitorStreakBonuses(ctx, repository.GrantVisitorStreakBonusesParams{
		Today:    today,
		Interval: domain.StreakBonusInterval,
		Cap:      domain.VisitorDailyCreditsCap,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to grant streak bonuses")
	}

	var failed int64
	for _, b := range bonuses {
		_, err := s.store.CreateTransaction(ctx, repository.CreateTransactionParams{
			SubjectKind:   string(domain.SubjectAnonymousVisitor),
			SubjectKey:    b.IPHash,
			Type:          string(domain.TransactionReward),
			Amount:        1,
			BalanceAfter:  b.DailyCredits,
			OperationType: "streak_bonus",
		})
		if err != nil {
			failed++
			s.logger.Error("failed to record streak bonus", slog.String("error", err.Error()))
		}
	}

	summary := &RolloverSummary{Job: "daily_reset", Processed: advanced + broken, Failed: failed}
	s.recordJobRun(ctx, summary, started, map[string]any{
		"date":     today.Format("2006-01-02"),
		"advanced": advanced,
		"broken":   broken,
		"bonuses":  len(bonuses),
	})
	s.logger.Info("daily reset complete",
		slog.Int64("advanced", advanced),
		slog.Int64("broken", broken),
		slog.Int("bonuses", len(bonuses)))
	return summary, nil
}

func (s *rolloverService) RenewSubscriptions(ctx context.Context) (*RolloverSummary, error) {
	const op = "rollover.renew_subscriptions"
	started := s.now().UTC()

	due, err := s.store.ListDueSubscriptions(ctx, repository.ListDueSubscriptionsParams{
		Now:   started,
		Limit: 200,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list due subscriptions")
	}

	summary := &RolloverSummary{Job: "renew_subscriptions"}
	for _, sub := range due {
		cycle := domain.Subscription{
			BillingCycle: domain.BillingCycle(sub.BillingCycle),
			RenewsAt:     sub.RenewsAt,
		}
		next := cycle.NextRenewal()

		_, err := s.store.RefillSubscriptionWithLedger(ctx, repository.RefillWithLedgerParams{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			RenewsAt:       next,
		})
		if err != nil {
			summary.Failed++
			s.logger.Error("subscription refill failed, marking expired",
				slog.String("subscription_id", sub.ID.String()),
				slog.String("error", err.Error()))
			if err := s.store.MarkSubscriptionExpired(ctx, sub.ID); err != nil {
				s.logger.Error("failed to mark subscription expired",
					slog.String("subscription_id", sub.ID.String()),
					slog.String("error", err.Error()))
			}
			continue
		}
		summary.Processed++
	}

	s.recordJobRun(ctx, summary, started, nil)
	if summary.Processed > 0 || summary.Failed > 0 {
		s.logger.Info("subscription renewals complete",
			slog.Int64("renewed", summary.Processed),
			slog.Int64("failed", summary.Failed))
	}
	return summary, nil
}

func (s *rolloverService) ArchiveLedger(ctx context.Context) (*RolloverSummary, error) {
	const op = "rollover.archive_ledger"
	started := s.now().UTC()
	cutoff := started.Add(-s.ledgerRetention)

	// One bounded batch per run; the next tick picks up whatever is left.
	batch, err := s.store.ListTransactionsBefore(ctx, repository.ListTransactionsBeforeParams{
		Cutoff: cutoff,
		Limit:  5000,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list ledger rows")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range batch {
		if err := enc.Encode(archiveRow(&batch[i])); err != nil {
			return nil, domain.Internal(err, op, "failed to encode ledger row")
		}
	}
	exported := int64(len(batch))

	summary := &RolloverSummary{Job: "archive_ledger"}
	if exported == 0 {
		s.recordJobRun(ctx, summary, started, nil)
		return summary, nil
	}

	key := fmt.Sprintf("ledger/%s/transactions-%d.jsonl",
		started.Format("2006/01/02"), started.Unix())
	if err := s.archive.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return nil, domain.Internal(err, op, "failed to write ledger archive")
	}

	// Delete only after the export landed. On a full batch, tighten the
	// cutoff to the last exported row so unexported rows survive; rows at
	// the boundary timestamp get exported again next run, never lost.
	deleteCutoff := cutoff
	if exported == 5000 {
		deleteCutoff = batch[len(batch)-1].CreatedAt
	}
	deleted, err := s.store.DeleteTransactionsBefore(ctx, deleteCutoff)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to delete archived rows")
	}
	summary.Processed = deleted

	s.recordJobRun(ctx, summary, started, map[string]any{"key": key, "exported": exported})
	s.logger.Info("ledger archived",
		slog.String("key", key),
		slog.Int64("rows", deleted))
	return summary, nil
}

func (s *rolloverService) PurgeVisitors(ctx context.Context) (*RolloverSummary, error) {
	const op = "rollover.purge_visitors"
	started := s.now().UTC()
	cutoff := started.Add(-s.visitorRetention)

	records, err := s.store.ListVisitorRecordsBefore(ctx, repository.ListVisitorRecordsBeforeParams{
		Cutoff: cutoff,
		Limit:  1000,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list idle visitors")
	}

	summary := &RolloverSummary{Job: "purge_visitors"}
	if len(records) == 0 {
		s.recordJobRun(ctx, summary, started, nil)
		return summary, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		row := map[string]any{
			"ip_hash":          records[i].IPHash,
			"ip_encrypted":     records[i].IPEncrypted,
			"consecutive_days": records[i].ConsecutiveDays,
			"last_visit_date":  records[i].LastVisitDate.Format("2006-01-02"),
			"created_at":       records[i].CreatedAt.Format(time.RFC3339),
		}
		if err := enc.Encode(row); err != nil {
			return nil, domain.Internal(err, op, "failed to encode visitor record")
		}
	}

	key := fmt.Sprintf("compliance/visitors/%s/export-%d.jsonl",
		started.Format("2006/01/02"), started.Unix())
	if err := s.archive.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return nil, domain.Internal(err, op, "failed to write visitor export")
	}

	deleted, err := s.store.PurgeVisitorsBefore(ctx, cutoff)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to purge visitors")
	}
	summary.Processed = deleted

	s.recordJobRun(ctx, summary, started, map[string]any{"key": key})
	s.logger.Info("idle visitors purged",
		slog.String("key", key),
		slog.Int64("records", deleted))
	return summary, nil
}

// recordJobRun writes the audit row for a scheduled job. Failures here are
// logged and swallowed; the job itself already succeeded.
func (s *rolloverService) recordJobRun(ctx context.Context, summary *RolloverSummary, started time.Time, details map[string]any) {
	var meta []byte
	if details != nil {
		meta, _ = json.Marshal(details)
	}
	_, err := s.store.CreateJobRun(ctx, repository.CreateJobRunParams{
		JobName:    summary.Job,
		StartedAt:  started,
		FinishedAt: s.now().UTC(),
		Processed:  summary.Processed,
		Failed:     summary.Failed,
		Details:    rawMetadata(meta),
	})
	if err != nil {
		s.logger.Warn("failed to record job run",
			slog.String("job", summary.Job),
			slog.String("error", err.Error()))
	}
}

func archiveRow(t *repository.Transaction) map[string]any {
	row := map[string]any{
		"id":             t.ID.String(),
		"subject_kind":   t.SubjectKind,
		"subject_key":    t.SubjectKey,
		"type":           t.Type,
		"amount":         t.Amount,
		"balance_after":  t.BalanceAfter,
		"operation_type": t.OperationType,
		"created_at":     t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.Metadata.Valid {
		row["metadata"] = json.RawMessage(t.Metadata.RawMessage)
	}
	return row
}
