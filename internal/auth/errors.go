// Package auth owns accounts, password hashing and the bearer session tokens
// every other package authenticates with.
package auth

import "github.com/kuitang/gatehouse/internal/errs"

// Errors. Every token failure is Unauthenticated; the middleware collapses
// them into one response so callers cannot tell which check failed.
var (
	ErrInvalidCredentials = errs.New(errs.Unauthenticated, "invalid email or password")
	ErrAccountExists      = errs.New(errs.Conflict, "an account with this email already exists")
	ErrUserNotFound       = errs.New(errs.NotFound, "user not found")
	ErrWeakPassword       = errs.New(errs.InvalidArgument, "password must be between 8 and 1024 characters")
	ErrInvalidEmail       = errs.New(errs.InvalidArgument, "a valid email is required")

	ErrNoToken        = errs.New(errs.Unauthenticated, "missing bearer token")
	ErrTokenExpired   = errs.New(errs.Unauthenticated, "token expired")
	ErrTokenMalformed = errs.New(errs.Unauthenticated, "token malformed")
	ErrBadSignature   = errs.New(errs.Unauthenticated, "token signature invalid")
	ErrInvalidToken   = errs.New(errs.Unauthenticated, "invalid or expired token")
	ErrWrongScope     = errs.New(errs.PermissionDenied, "token scope not allowed here")

	ErrInvalidResetToken = errs.New(errs.InvalidArgument, "invalid or expired reset token")
)
