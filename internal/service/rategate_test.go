package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Fake Store: rate window methods
// =============================================================================

type rateKey struct {
	Identifier  string
	WindowStart int64
}

func (f *fakeStore) IncrementRateWindow(_ context.Context, arg repository.IncrementRateWindowParams) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := rateKey{arg.Identifier, arg.WindowStart.Unix()}
	f.rateWindows[key]++
	return f.rateWindows[key], nil
}

func (f *fakeStore) DeleteExpiredRateWindows(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for key := range f.rateWindows {
		if time.Unix(key.WindowStart, 0).Before(before) {
			delete(f.rateWindows, key)
			removed++
		}
	}
	return removed, nil
}

// =============================================================================
// Tests
// =============================================================================

func newGateFixture(store *fakeStore, max int32, window time.Duration) (*rateGate, *time.Time) {
	clock := time.Date(2026, 3, 14, 12, 0, 17, 0, time.UTC)
	gate := NewRateGate(store, max, window, testLogger()).(*rateGate)
	gate.now = func() time.Time { return clock }
	return gate, &clock
}

func TestRateGateAllowsUnderCeiling(t *testing.T) {
	gate, _ := newGateFixture(newFakeStore(), 3, time.Minute)
	subject := domain.AnonymousVisitor{IPHash: "hash-r"}

	for i := 0; i < 3; i++ {
		if err := gate.Allow(context.Background(), subject); err != nil {
			t.Fatalf("request %d unexpectedly limited: %v", i, err)
		}
	}
}

func TestRateGateDeniesOverCeiling(t *testing.T) {
	gate, _ := newGateFixture(newFakeStore(), 3, time.Minute)
	subject := domain.AnonymousVisitor{IPHash: "hash-r"}

	for i := 0; i < 3; i++ {
		if err := gate.Allow(context.Background(), subject); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	err := gate.Allow(context.Background(), subject)
	if domain.ErrorCode(err) != domain.ERATELIMIT {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	// The fixture clock sits 17s into the minute, so 43s remain in the
	// window.
	if got := domain.ErrorRetryAfter(err); got != 43*time.Second {
		t.Errorf("expected 43s retry-after, got %v", got)
	}
}

func TestRateGateFreshWindowResets(t *testing.T) {
	gate, clock := newGateFixture(newFakeStore(), 1, time.Minute)
	subject := domain.FreeAuthenticated{UserID: uuid.New()}

	if err := gate.Allow(context.Background(), subject); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.Allow(context.Background(), subject); domain.ErrorCode(err) != domain.ERATELIMIT {
		t.Fatalf("expected rate limit, got %v", err)
	}

	*clock = clock.Add(time.Minute)
	if err := gate.Allow(context.Background(), subject); err != nil {
		t.Errorf("expected fresh window to admit, got %v", err)
	}
}

func TestRateGateIsolatesSubjects(t *testing.T) {
	gate, _ := newGateFixture(newFakeStore(), 1, time.Minute)

	if err := gate.Allow(context.Background(), domain.AnonymousVisitor{IPHash: "hash-a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.Allow(context.Background(), domain.AnonymousVisitor{IPHash: "hash-b"}); err != nil {
		t.Errorf("one subject's window must not limit another: %v", err)
	}
}

func TestRateGateBypassesSuperAdmin(t *testing.T) {
	store := newFakeStore()
	gate, _ := newGateFixture(store, 1, time.Minute)
	subject := domain.SuperAdmin{UserID: uuid.New()}

	for i := 0; i < 5; i++ {
		if err := gate.Allow(context.Background(), subject); err != nil {
			t.Fatalf("super admin unexpectedly limited: %v", err)
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.rateWindows) != 0 {
		t.Error("super admin requests must not touch rate windows")
	}
}
