// Package pkce implements the S256 method of Proof Key for Code Exchange
// (RFC 7636), shared by the CLI and the server.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
)

// MethodS256 is the only supported challenge method.
const MethodS256 = "S256"

var (
	// ErrMismatch is returned when a verifier does not hash to the challenge.
	ErrMismatch = errors.New("pkce: code_verifier does not match code_challenge")

	verifierPattern  = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
	challengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

// Challenge computes the S256 challenge of verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Generate returns a fresh verifier and its S256 challenge.
func Generate() (verifier, challenge string, err error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("pkce: failed to generate verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	return verifier, Challenge(verifier), nil
}

// ValidChallenge reports whether challenge looks like an S256 challenge.
func ValidChallenge(challenge string) bool {
	return challengePattern.MatchString(challenge)
}

// Verify checks verifier against challenge in constant time.
func Verify(challenge, verifier string) error {
	if !verifierPattern.MatchString(verifier) {
		return ErrMismatch
	}
	if subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}
