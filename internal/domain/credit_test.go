package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperationCost(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		want      int64
	}{
		{name: "chat", operation: "chat", want: 1},
		{name: "reasoning", operation: "reasoning", want: 2},
		{name: "knowledge graph", operation: "knowledge-graph", want: 3},
		{name: "image", operation: "image", want: 2},
		{name: "voice", operation: "voice", want: 2},
		{name: "unknown defaults to one", operation: "telepathy", want: 1},
		{name: "empty defaults to one", operation: "", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OperationCost(tt.operation))
		})
	}
}

func TestKnownOperation(t *testing.T) {
	assert.True(t, KnownOperation("chat"))
	assert.False(t, KnownOperation("telepathy"))
}

func TestGetTierPlan(t *testing.T) {
	assert.Equal(t, int64(300), GetTierPlan(SubscriptionTierStarter).CreditsPerCycle)
	assert.True(t, GetTierPlan(SubscriptionTierMax).Unlimited)

	// Unknown tiers fall back to starter rather than blocking the caller.
	assert.Equal(t, TierPlans[SubscriptionTierStarter], GetTierPlan("enterprise"))
}

func TestCreditsForDuration(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int64
	}{
		{name: "zero", elapsed: 0, want: 0},
		{name: "negative clamps to zero", elapsed: -time.Minute, want: 0},
		{name: "one second rounds up", elapsed: time.Second, want: 1},
		{name: "exactly one credit", elapsed: 300 * time.Second, want: 1},
		{name: "a second over rounds up", elapsed: 301 * time.Second, want: 2},
		{name: "ten minutes", elapsed: 600 * time.Second, want: 2},
		{name: "partial third credit", elapsed: 700 * time.Second, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CreditsForDuration(tt.elapsed))
		})
	}
}

func TestSubscriptionLowBalance(t *testing.T) {
	sub := Subscription{CreditsRemaining: 100, CreditsTotal: 1000}
	assert.True(t, sub.LowBalance())

	sub.CreditsRemaining = 200
	assert.False(t, sub.LowBalance(), "exactly 20% is not below the threshold")

	sub.CreditsRemaining = 199
	assert.True(t, sub.LowBalance())

	sub = Subscription{CreditsRemaining: 0, CreditsTotal: 0}
	assert.False(t, sub.LowBalance(), "unlimited plans carry no totals")
}

func TestSubscriptionNextRenewal(t *testing.T) {
	renews := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	monthly := Subscription{BillingCycle: BillingCycleMonthly, RenewsAt: renews}
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), monthly.NextRenewal(),
		"AddDate normalizes Jan 31 + 1 month")

	yearly := Subscription{BillingCycle: BillingCycleYearly, RenewsAt: renews}
	assert.Equal(t, renews.AddDate(1, 0, 0), yearly.NextRenewal())
}

func TestVisitorRecordRemainingToday(t *testing.T) {
	v := VisitorRecord{DailyCredits: 5, CreditsUsedToday: 2}
	assert.Equal(t, int64(3), v.RemainingToday())

	v.CreditsUsedToday = 5
	assert.Equal(t, int64(0), v.RemainingToday())

	// A shrunken allowance never reports negative remaining credits.
	v.CreditsUsedToday = 7
	assert.Equal(t, int64(0), v.RemainingToday())
}

func TestSubjectIdentifiers(t *testing.T) {
	var subjects = []Subject{
		SuperAdmin{},
		Subscriber{Tier: SubscriptionTierPlus},
		FreeAuthenticated{},
		AnonymousVisitor{IPHash: "abc123"},
	}

	kinds := make(map[SubjectKind]bool)
	for _, s := range subjects {
		kinds[s.Kind()] = true
	}
	assert.Len(t, kinds, 4, "each variant has a distinct kind")
	assert.Equal(t, "abc123", AnonymousVisitor{IPHash: "abc123"}.Identifier())
}
