// Package billing provides Stripe billing integration for subscription management.
package billing

import (
	"fmt"

	"github.com/stripe/stripe-go/v79"
	billingportalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/quillchat/metering/internal/domain"
)

// Plan is the subscription plan a Stripe price resolves to.
type Plan struct {
	Tier  domain.SubscriptionTier
	Cycle domain.BillingCycle
}

// Service defines the interface for billing operations.
type Service interface {
	// CreateCheckoutSession creates a Stripe Checkout session for subscribing.
	// clientReferenceID carries our user ID so the webhook can attribute the
	// purchase; customerID may be empty for first-time customers. Returns the
	// checkout URL to redirect the user to.
	CreateCheckoutSession(customerID, clientReferenceID, priceID, successURL, cancelURL string) (string, error)

	// CreatePortalSession creates a Stripe Customer Portal session.
	// Returns the portal URL to redirect the user to.
	CreatePortalSession(customerID, returnURL string) (string, error)

	// GetSubscription retrieves a Stripe subscription by ID.
	GetSubscription(subscriptionID string) (*stripe.Subscription, error)

	// CancelSubscription sets a subscription to cancel at period end.
	CancelSubscription(subscriptionID string) error

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// PlanForPriceID resolves a Stripe price ID to a subscription plan.
	// The second return is false for prices outside the configured map,
	// including one-time credit-pack prices.
	PlanForPriceID(priceID string) (Plan, bool)
}

// PriceConfig holds the Stripe price IDs for each plan.
type PriceConfig struct {
	StarterMonthlyPriceID string
	StarterYearlyPriceID  string
	PlusMonthlyPriceID    string
	PlusYearlyPriceID     string
	MaxMonthlyPriceID     string
	MaxYearlyPriceID      string
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	priceToPlan   map[string]Plan
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey authenticates Stripe API calls, the webhookSecret verifies
// incoming webhook signatures, and the prices configure which Stripe price
// IDs map to which plans.
func NewStripeService(secretKey, webhookSecret string, prices PriceConfig) Service {
	stripe.Key = secretKey

	priceToPlan := make(map[string]Plan)
	add := func(priceID string, tier domain.SubscriptionTier, cycle domain.BillingCycle) {
		if priceID != "" {
			priceToPlan[priceID] = Plan{Tier: tier, Cycle: cycle}
		}
	}
	add(prices.StarterMonthlyPriceID, domain.SubscriptionTierStarter, domain.BillingCycleMonthly)
	add(prices.StarterYearlyPriceID, domain.SubscriptionTierStarter, domain.BillingCycleYearly)
	add(prices.PlusMonthlyPriceID, domain.SubscriptionTierPlus, domain.BillingCycleMonthly)
	add(prices.PlusYearlyPriceID, domain.SubscriptionTierPlus, domain.BillingCycleYearly)
	add(prices.MaxMonthlyPriceID, domain.SubscriptionTierMax, domain.BillingCycleMonthly)
	add(prices.MaxYearlyPriceID, domain.SubscriptionTierMax, domain.BillingCycleYearly)

	return &stripeService{
		webhookSecret: webhookSecret,
		priceToPlan:   priceToPlan,
	}
}

func (s *stripeService) CreateCheckoutSession(customerID, clientReferenceID, priceID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(clientReferenceID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) CancelSubscription(subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	_, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return fmt.Errorf("stripe cancel subscription: %w", err)
	}
	return nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) PlanForPriceID(priceID string) (Plan, bool) {
	plan, ok := s.priceToPlan[priceID]
	return plan, ok
}
