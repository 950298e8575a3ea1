// Package cliauth pairs CLI and native installations with user accounts
// through a PKCE-protected device flow and keeps them signed in with
// rotating refresh tokens.
package cliauth

import "github.com/kuitang/gatehouse/internal/errs"

var (
	ErrPKCEMismatch        = errs.New(errs.Unauthenticated, "code_verifier does not match code_challenge")
	ErrDeviceRevoked       = errs.New(errs.Unauthenticated, "device revoked")
	ErrRefreshTokenReused  = errs.New(errs.Conflict, "refresh token already used")
	ErrRefreshTokenRevoked = errs.New(errs.Unauthenticated, "refresh token revoked")
	ErrRefreshTokenExpired = errs.New(errs.Unauthenticated, "refresh token expired")
	ErrInvalidRefreshToken = errs.New(errs.Unauthenticated, "invalid refresh token")
	ErrFlowExpired         = errs.New(errs.Expired, "authorization flow expired or already redeemed")
	ErrFlowNotFound        = errs.New(errs.NotFound, "authorization flow not found")
	ErrDeviceNotFound      = errs.New(errs.NotFound, "device not found")
	ErrDeviceNotOwned      = errs.New(errs.PermissionDenied, "device belongs to another account")
	ErrInvalidChallenge    = errs.New(errs.InvalidArgument, "code_challenge must be an S256 challenge")
	ErrInvalidDevice       = errs.New(errs.InvalidArgument, "device fingerprint is required")
)
