// Package domain contains core business types and interfaces.
//
// This file defines the credit unit, the subscription tier catalog, and the
// operation pricing table.
package domain

// Metering constants. A credit is the atomic unit of billable allowance.
const (
	// SecondsPerCredit converts metered session time to credits: one
	// credit buys 300 seconds of session time.
	SecondsPerCredit = 300

	// FreeDailyCredits is the fixed daily allowance for authenticated
	// users without a subscription.
	FreeDailyCredits = 5

	// VisitorDailyCredits is the starting daily allowance for anonymous
	// visitors.
	VisitorDailyCredits = 5

	// VisitorDailyCreditsCap bounds streak-bonus growth of a visitor's
	// daily allowance.
	VisitorDailyCreditsCap = 10

	// UnlimitedDailySoftCap is the per-UTC-day interaction ceiling for
	// unlimited-tier subscribers.
	UnlimitedDailySoftCap = 1000

	// LowBalanceFraction is the fraction of a metered subscriber's total
	// below which an upgrade suggestion is attached to responses.
	LowBalanceFraction = 0.2

	// StreakBonusInterval is how many consecutive days earn a visitor a
	// +1 daily-credit reward.
	StreakBonusInterval = 7
)

// SubscriptionTier represents the pricing tier of a subscription.
type SubscriptionTier string

const (
	SubscriptionTierStarter SubscriptionTier = "starter"
	SubscriptionTierPlus    SubscriptionTier = "plus"
	SubscriptionTierMax     SubscriptionTier = "max"
)

// TierPlan defines the credit allowance for a subscription tier.
type TierPlan struct {
	CreditsPerCycle int64
	Unlimited       bool

	// NextTier is the advisory upgrade target suggested when a metered
	// balance runs low. Empty for the top tier.
	NextTier SubscriptionTier
}

// TierPlans maps subscription tiers to their allowances. Starter and Plus
// are metered; Max is unlimited behind the daily soft cap.
var TierPlans = map[SubscriptionTier]TierPlan{
	SubscriptionTierStarter: {
		CreditsPerCycle: 300,
		NextTier:        SubscriptionTierPlus,
	},
	SubscriptionTierPlus: {
		CreditsPerCycle: 1000,
		NextTier:        SubscriptionTierMax,
	},
	SubscriptionTierMax: {
		Unlimited: true,
	},
}

// GetTierPlan returns the plan for a tier, defaulting to starter for
// unknown tiers so a drifted tier name never blocks a paying customer.
func GetTierPlan(tier SubscriptionTier) TierPlan {
	if plan, ok := TierPlans[tier]; ok {
		return plan
	}
	return TierPlans[SubscriptionTierStarter]
}

// operationCosts is the static pricing table for fixed-cost operations.
var operationCosts = map[string]int64{
	"chat":            1,
	"reasoning":       2,
	"knowledge-graph": 3,
	"image":           2,
	"voice":           2,
}

// DefaultOperationCost is charged for operation names missing from the
// pricing table, so pricing-table drift degrades to the cheapest rate
// instead of failing requests.
const DefaultOperationCost = 1

// OperationCost returns the credit cost of a named operation.
func OperationCost(operation string) int64 {
	if cost, ok := operationCosts[operation]; ok {
		return cost
	}
	return DefaultOperationCost
}

// KnownOperation reports whether the operation has an explicit price.
// Callers wanting strict validation check this before pricing.
func KnownOperation(operation string) bool {
	_, ok := operationCosts[operation]
	return ok
}

// Decision is the outcome of a check-and-deduct call. Denials still carry
// the remaining balance so clients can render accurate state without a
// follow-up call.
type Decision struct {
	Allowed        bool
	Remaining      int64
	CreditCost     int64
	SuggestedTier  SubscriptionTier // advisory, set when a metered balance runs low
	SoftCapReached bool             // unlimited-tier daily ceiling hit
	Unlimited      bool
	IsAnonymous    bool
}

// Allowance is the read-only remaining allowance for a subject. For
// unlimited tiers, Remaining counts the interactions left under the daily
// soft cap.
type Allowance struct {
	Remaining  int64
	DailyLimit int64 // 0 when the allowance is cycle-based rather than daily
	Unlimited  bool
}
