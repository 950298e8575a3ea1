package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a session token without verifying its
// signature. Only the server can verify; the client uses this to decide when
// to refresh.
func TokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("client: read token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("client: token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}
