package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/kuitang/gatehouse/internal/redirect"
)

// Navigator answers "where should this route actually go" from the cached
// session and entitlement.
type Navigator struct {
	policy *redirect.Policy
	client *Client
}

// NewNavigator creates a Navigator. A nil policy selects redirect.Default().
func NewNavigator(c *Client, policy *redirect.Policy) *Navigator {
	if policy == nil {
		policy = redirect.Default()
	}
	return &Navigator{policy: policy, client: c}
}

// Resolve returns the route to render for route. The entitlement is consulted
// only when the decision depends on it.
func (n *Navigator) Resolve(ctx context.Context, route string) (string, error) {
	_, err := n.client.sessions.Get()
	if err != nil && !errors.Is(err, ErrNoSession) {
		return "", err
	}
	authenticated := err == nil
	if !authenticated || n.policy.Classify(route) == redirect.Open {
		return n.policy.Target(route, authenticated, false), nil
	}

	needsPayment, err := n.client.NeedsPayment(ctx)
	if StatusOf(err) == http.StatusUnauthorized {
		return n.policy.Target(route, false, false), nil
	}
	if err != nil {
		return "", err
	}
	return n.policy.Target(route, true, !needsPayment), nil
}
