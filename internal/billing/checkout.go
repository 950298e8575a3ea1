package billing

import (
	"context"
	"fmt"
	"net/url"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/kuitang/gatehouse/internal/obs"
)

// CheckoutService starts a hosted payment for a signed-in user.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, userID, email string) (checkoutURL string, err error)
	IsMock() bool
}

// Config holds Stripe billing configuration.
type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	SuccessURL    string
	CancelURL     string
}

// StripeCheckout implements CheckoutService with real Stripe API calls.
type StripeCheckout struct {
	config Config
}

// NewStripeCheckout creates a real Stripe checkout service.
func NewStripeCheckout(cfg Config) *StripeCheckout {
	stripe.Key = cfg.SecretKey
	obs.Pkg("billing").Info("stripe checkout initialized")
	return &StripeCheckout{config: cfg}
}

// IsMock returns false for the real service.
func (s *StripeCheckout) IsMock() bool { return false }

// CreateCheckoutSession creates a hosted subscription checkout. The session
// and its subscription both carry the user id so webhooks can be attributed
// regardless of arrival order.
func (s *StripeCheckout) CreateCheckoutSession(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.config.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(userID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: userID},
		},
		SuccessURL: stripe.String(s.config.SuccessURL),
		CancelURL:  stripe.String(s.config.CancelURL),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	obs.From(ctx).Info("checkout session created", "user_id", userID, "session_id", sess.ID)
	return sess.URL, nil
}

// MockCheckout implements CheckoutService without calling Stripe.
type MockCheckout struct {
	baseURL string
}

// NewMockCheckout creates a mock checkout whose URLs point back at baseURL.
func NewMockCheckout(baseURL string) *MockCheckout {
	obs.Pkg("billing").Info("using mock billing service")
	return &MockCheckout{baseURL: baseURL}
}

// IsMock returns true for the mock service.
func (m *MockCheckout) IsMock() bool { return true }

// CreateCheckoutSession returns a local URL that identifies the user.
func (m *MockCheckout) CreateCheckoutSession(ctx context.Context, userID, email string) (string, error) {
	obs.From(ctx).Info("mock checkout session", "user_id", userID)
	return m.baseURL + "/billing/mock-checkout?client_reference_id=" + url.QueryEscape(userID), nil
}
