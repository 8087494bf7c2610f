package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"

	"github.com/quillchat/metering/internal/domain"
	"github.com/quillchat/metering/internal/repository"
)

// =============================================================================
// Fake Store: identity methods
// =============================================================================

func (f *fakeStore) GetUserBySessionTokenHash(_ context.Context, tokenHash string) (repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.usersByToken[tokenHash]
	if !ok {
		return repository.User{}, sql.ErrNoRows
	}
	return user, nil
}

func seedSessionUser(f *fakeStore, token, role string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID := uuid.New()
	f.usersByToken[HashToken(token)] = repository.User{
		ID:    userID,
		Email: "user@example.com",
		Role:  role,
	}
	return userID
}

// stubRisk returns a fixed risk level for every lookup.
type stubRisk struct{ level RiskLevel }

func (s stubRisk) Score(context.Context, string) RiskLevel { return s.level }

// =============================================================================
// Test Setup
// =============================================================================

var testSealKey = make([]byte, 32)

func newIdentityFixture(t *testing.T, store *fakeStore, risk RiskClient) IdentityService {
	t.Helper()
	svc, err := NewIdentityService(store, risk, "test-salt", testSealKey, testLogger())
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	return svc
}

// =============================================================================
// Authenticated Resolution Tests
// =============================================================================

func TestResolveSubscriber(t *testing.T) {
	store := newFakeStore()
	userID := seedSessionUser(store, "token-1", string(domain.RoleUser))
	store.mu.Lock()
	store.subscriptions[userID] = repository.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		Tier:             "plus",
		Status:           "active",
		BillingCycle:     "yearly",
		CreditsRemaining: 500,
	}
	store.mu.Unlock()
	svc := newIdentityFixture(t, store, nil)

	subject, err := svc.Resolve(context.Background(), ResolveParams{AuthToken: "token-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, ok := subject.(domain.Subscriber)
	if !ok {
		t.Fatalf("expected Subscriber, got %T", subject)
	}
	if sub.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, sub.UserID)
	}
	if sub.Tier != domain.SubscriptionTierPlus {
		t.Errorf("expected plus tier, got %q", sub.Tier)
	}
	if sub.BillingCycle != domain.BillingCycleYearly {
		t.Errorf("expected yearly cycle, got %q", sub.BillingCycle)
	}
}

func TestResolveFreeUserWithoutSubscription(t *testing.T) {
	store := newFakeStore()
	userID := seedSessionUser(store, "token-1", string(domain.RoleUser))
	svc := newIdentityFixture(t, store, nil)

	subject, err := svc.Resolve(context.Background(), ResolveParams{AuthToken: "token-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	free, ok := subject.(domain.FreeAuthenticated)
	if !ok {
		t.Fatalf("expected FreeAuthenticated, got %T", subject)
	}
	if free.UserID != userID {
		t.Errorf("expected user %s, got %s", userID, free.UserID)
	}
}

func TestResolveSuperAdmin(t *testing.T) {
	store := newFakeStore()
	seedSessionUser(store, "token-1", string(domain.RoleSuperAdmin))
	svc := newIdentityFixture(t, store, nil)

	subject, err := svc.Resolve(context.Background(), ResolveParams{AuthToken: "token-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := subject.(domain.SuperAdmin); !ok {
		t.Fatalf("expected SuperAdmin, got %T", subject)
	}
}

func TestResolveInvalidToken(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	_, err := svc.Resolve(context.Background(), ResolveParams{AuthToken: "bogus"})
	if domain.ErrorCode(err) != domain.EUNAUTHORIZED {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestResolveTokenTakesPrecedenceOverIP(t *testing.T) {
	// A request with both a token and an IP resolves by the token; an
	// invalid token is an error, never a silent downgrade to visitor.
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	_, err := svc.Resolve(context.Background(), ResolveParams{AuthToken: "bogus", ClientIP: "198.51.100.7"})
	if domain.ErrorCode(err) != domain.EUNAUTHORIZED {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

// =============================================================================
// Visitor Resolution Tests
// =============================================================================

func TestResolveVisitor(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	subject, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	visitor, ok := subject.(domain.AnonymousVisitor)
	if !ok {
		t.Fatalf("expected AnonymousVisitor, got %T", subject)
	}
	if visitor.IPHash == "" || visitor.IPHash == "198.51.100.7" {
		t.Errorf("expected salted hash, got %q", visitor.IPHash)
	}
	if visitor.IPEncrypted == "" {
		t.Error("expected sealed IP for compliance export")
	}
}

func TestResolveVisitorHashIsStable(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	first, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "198.51.100.7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Identifier() != second.Identifier() {
		t.Error("same IP must hash to the same subject identifier")
	}

	other, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "198.51.100.8"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Identifier() == first.Identifier() {
		t.Error("different IPs must hash to different identifiers")
	}
}

func TestResolveVisitorInvalidIP(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	_, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "not-an-ip"})
	if domain.ErrorCode(err) != domain.EINVALID {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestResolveVisitorHighRiskDenied(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, stubRisk{level: RiskHigh})

	_, err := svc.Resolve(context.Background(), ResolveParams{ClientIP: "198.51.100.7"})
	if domain.ErrorCode(err) != domain.EFORBIDDEN {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestResolveMissingIdentity(t *testing.T) {
	store := newFakeStore()
	svc := newIdentityFixture(t, store, nil)

	_, err := svc.Resolve(context.Background(), ResolveParams{})
	if domain.ErrorCode(err) != domain.EINVALID {
		t.Fatalf("expected invalid, got %v", err)
	}
}
