package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/errs"
)

// Client is an identity provider that signs users in with the authorization
// code grant.
type Client interface {
	// GetAuthURL returns the provider URL that asks the user to consent. The
	// provider redirects back to callbackURL carrying code and state.
	GetAuthURL(state, callbackURL string) string

	// ExchangeCode trades an authorization code for the verified identity of
	// the user who consented.
	ExchangeCode(ctx context.Context, code, callbackURL string) (*auth.OAuthIdentity, error)
}

// exchangeFailed keeps ErrCodeExchangeFailed matchable with errors.Is while
// preserving the cause for logs.
func exchangeFailed(detail string, cause error) error {
	if cause != nil {
		cause = fmt.Errorf("%s: %w", detail, cause)
	} else {
		cause = errors.New(detail)
	}
	return errs.Wrap(errs.Unauthenticated, ErrCodeExchangeFailed.Error(), cause)
}
