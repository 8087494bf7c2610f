package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/metrics"
	"github.com/quillchat/metering/internal/service"
)

type fakeSessions struct {
	closed int
}

func (f *fakeSessions) Start(context.Context, domain.Subject, service.StartSessionParams) (*service.SessionReceipt, error) {
	return nil, nil
}

func (f *fakeSessions) Stop(context.Context, string) (*service.SessionReceipt, error) {
	return nil, nil
}

func (f *fakeSessions) Check(context.Context, string) (*service.SessionReceipt, error) {
	return nil, nil
}

func (f *fakeSessions) ReconcileStale(context.Context) (int, error) {
	return f.closed, nil
}

func TestSessionSweepJobSettlesActiveGauge(t *testing.T) {
	metrics.ActiveSessions.Set(3)
	defer metrics.ActiveSessions.Set(0)

	job := sessionSweepJob(&fakeSessions{closed: 2}, time.Minute)
	processed, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 2 {
		t.Errorf("expected 2 sessions processed, got %d", processed)
	}
	// Force-closed sessions never reach the stop handler, so the sweep
	// must decrement the gauge for them.
	if got := testutil.ToFloat64(metrics.ActiveSessions); got != 1 {
		t.Errorf("expected active gauge 1 after sweep, got %v", got)
	}
}
