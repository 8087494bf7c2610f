package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerRunsJobImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := New(time.Second, testLogger())
	s.Register(Job{
		Name:     "probe",
		Interval: time.Hour,
		Run: func(ctx context.Context) (int64, error) {
			ran <- struct{}{}
			return 1, nil
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := New(time.Second, testLogger())
	s.Register(Job{
		Name:     "ticker",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int64, error) {
			runs.Add(1)
			return 0, nil
		},
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := runs.Load(); got < 3 {
		t.Errorf("runs = %d, want at least 3", got)
	}
}

func TestSchedulerContinuesAfterJobFailure(t *testing.T) {
	var runs atomic.Int64
	s := New(time.Second, testLogger())
	s.Register(Job{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int64, error) {
			if runs.Add(1) == 1 {
				return 0, errors.New("transient failure")
			}
			return 1, nil
		},
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := runs.Load(); got < 2 {
		t.Errorf("runs = %d, want the loop to survive the failure", got)
	}
}

func TestSchedulerStopWaitsForInFlightRun(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})

	s := New(time.Second, testLogger())
	s.Register(Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(ctx context.Context) (int64, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return 1, nil
		},
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
}
