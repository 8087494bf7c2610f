// Package domain contains core business types and interfaces.
//
// This file defines the Subject sum type: the billing identity every
// request is evaluated against. Exactly one variant applies per request,
// and balance policies must be exhaustive over all four.
package domain

import (
	"github.com/google/uuid"
)

// SubjectKind tags the variant of a Subject.
type SubjectKind string

const (
	SubjectSuperAdmin       SubjectKind = "super_admin"
	SubjectSubscriber       SubjectKind = "subscriber"
	SubjectFreeUser         SubjectKind = "free_user"
	SubjectAnonymousVisitor SubjectKind = "anonymous_visitor"
)

// Subject is a closed sum over the four billing identities. The sealed
// method keeps the set of variants fixed so switch statements over
// concrete types cover every policy path.
type Subject interface {
	Kind() SubjectKind

	// Identifier returns the stable key used for rate limiting and
	// ledger attribution: the user ID for authenticated variants, the
	// salted IP hash for visitors.
	Identifier() string

	sealed()
}

// SuperAdmin bypasses all accounting. Usage is still logged with a
// zero-amount transaction for audit.
type SuperAdmin struct {
	UserID uuid.UUID
}

func (s SuperAdmin) Kind() SubjectKind  { return SubjectSuperAdmin }
func (s SuperAdmin) Identifier() string { return s.UserID.String() }
func (SuperAdmin) sealed()              {}

// Subscriber is a user with an active subscription.
type Subscriber struct {
	UserID       uuid.UUID
	Tier         SubscriptionTier
	BillingCycle BillingCycle
}

func (s Subscriber) Kind() SubjectKind  { return SubjectSubscriber }
func (s Subscriber) Identifier() string { return s.UserID.String() }
func (Subscriber) sealed()              {}

// FreeAuthenticated is a signed-in user without a subscription. Their
// allowance is derived from the day's usage transactions rather than a
// persisted balance row.
type FreeAuthenticated struct {
	UserID uuid.UUID
}

func (s FreeAuthenticated) Kind() SubjectKind  { return SubjectFreeUser }
func (s FreeAuthenticated) Identifier() string { return s.UserID.String() }
func (FreeAuthenticated) sealed()              {}

// AnonymousVisitor is an unauthenticated caller identified by a salted
// one-way hash of their IP. The raw IP never reaches the ledger tables;
// IPEncrypted is the sealed form kept solely for compliance export.
type AnonymousVisitor struct {
	IPHash      string
	IPEncrypted string
}

func (s AnonymousVisitor) Kind() SubjectKind  { return SubjectAnonymousVisitor }
func (s AnonymousVisitor) Identifier() string { return s.IPHash }
func (AnonymousVisitor) sealed()              {}

// BillingCycle is the unit a subscription renews on.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// SubscriptionStatus represents the possible states of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// UserRole distinguishes privileged accounts from everyone else.
type UserRole string

const (
	RoleUser       UserRole = "user"
	RoleSuperAdmin UserRole = "super_admin"
)

// User is the minimal account record the metering service needs:
// enough to classify a verified identity into a Subject variant.
type User struct {
	ID               uuid.UUID
	Email            string
	Role             UserRole
	StripeCustomerID string
}

// IsSuperAdmin reports whether the account bypasses accounting.
func (u *User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}
