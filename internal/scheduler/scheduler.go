// Package scheduler runs the periodic maintenance jobs: daily visitor
// resets, subscription renewals, stale-session reconciliation, rate-window
// sweeps, and the retention/archive jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quillchat/metering/internal/metrics"
)

// Job is one periodically executed maintenance task. Run returns the
// number of records it processed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Scheduler drives registered jobs on their intervals, one goroutine per
// job so a slow archive run never delays the session sweep.
type Scheduler struct {
	jobs            []Job
	shutdownTimeout time.Duration
	logger          *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Scheduler. Register jobs before calling Start.
func New(shutdownTimeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Register adds a job to the scheduler. Call this before Start().
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
	s.logger.Debug("registered scheduled job", "job", job.Name, "interval", job.Interval)
}

// Start launches one goroutine per registered job. Every job runs once
// immediately so a restart never postpones overdue maintenance by a full
// interval.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop signals all job loops to stop and waits for in-flight runs to
// finish, up to the shutdown timeout.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler...")
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("scheduler shutdown timeout exceeded, a job may still be running")
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	logger := s.logger.With("job", job.Name)
	s.execute(ctx, job, logger)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			logger.Debug("job loop stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, job, logger)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job, logger *slog.Logger) {
	start := time.Now()
	processed, err := job.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		logger.Error("scheduled job failed", "error", err, "duration_ms", duration.Milliseconds())
		metrics.JobFailed(job.Name)
		return
	}

	logger.Info("scheduled job completed",
		"processed", processed,
		"duration_ms", duration.Milliseconds())
	metrics.JobCompleted(job.Name, duration, processed)
}
