// Package oauth implements browser sign-in through third-party identity
// providers: CSRF state, provider clients and the redirect handlers.
package oauth

import "github.com/kuitang/gatehouse/internal/errs"

var (
	ErrInvalidOrExpiredState = errs.New(errs.Unauthenticated, "invalid or expired oauth state")
	ErrCodeExchangeFailed    = errs.New(errs.Unauthenticated, "oauth code exchange failed")
	ErrEmailNotVerified      = errs.New(errs.Unauthenticated, "provider email is not verified")
	ErrUnknownProvider       = errs.New(errs.NotFound, "unknown oauth provider")
	ErrRedirectNotAllowed    = errs.New(errs.InvalidArgument, "redirect_uri is not allowed")
)
