package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/errs"
)

// Scope distinguishes browser sessions from CLI access tokens.
type Scope string

const (
	ScopeWeb Scope = "web"
	ScopeCLI Scope = "cli"
)

// Default token lifetimes.
const (
	DefaultWebTokenTTL = time.Hour
	DefaultCLITokenTTL = 15 * time.Minute
)

// Claims is the verified content of a session token.
type Claims struct {
	UserID    string
	Scope     Scope
	DeviceID  string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.Claims
	Scope    Scope  `json:"scope"`
	DeviceID string `json:"device_id,omitempty"`
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
	SigningKey ed25519.PrivateKey
	KeyID      string
	Issuer     string
	WebTTL     time.Duration
	CLITTL     time.Duration
	Clock      Clock
}

// TokenIssuer mints and verifies EdDSA-signed JWT session tokens. It keeps
// no state; a token is valid until it expires.
type TokenIssuer struct {
	signer    jose.Signer
	publicKey ed25519.PublicKey
	issuer    string
	webTTL    time.Duration
	cliTTL    time.Duration
	clock     Clock
}

// NewTokenIssuer creates a TokenIssuer from cfg.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("auth: signing key must be an ed25519 private key")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.WebTTL <= 0 {
		cfg.WebTTL = DefaultWebTokenTTL
	}
	if cfg.CLITTL <= 0 {
		cfg.CLITTL = DefaultCLITokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	signerOpts := jose.SignerOptions{}
	signerOpts.WithType("JWT")
	if cfg.KeyID != "" {
		signerOpts.WithHeader("kid", cfg.KeyID)
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.EdDSA,
		Key:       cfg.SigningKey,
	}, &signerOpts)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create signer: %w", err)
	}

	return &TokenIssuer{
		signer:    signer,
		publicKey: cfg.SigningKey.Public().(ed25519.PublicKey),
		issuer:    cfg.Issuer,
		webTTL:    cfg.WebTTL,
		cliTTL:    cfg.CLITTL,
		clock:     cfg.Clock,
	}, nil
}

// TTL returns the lifetime of tokens issued for scope.
func (t *TokenIssuer) TTL(scope Scope) time.Duration {
	if scope == ScopeCLI {
		return t.cliTTL
	}
	return t.webTTL
}

// Issue signs a web-session token for userID.
func (t *TokenIssuer) Issue(userID string, scope Scope) (string, time.Time, error) {
	if scope == ScopeCLI {
		return "", time.Time{}, errors.New("auth: CLI tokens must be issued with IssueCLI")
	}
	return t.issue(userID, scope, "")
}

// IssueCLI signs a CLI access token bound to deviceID.
func (t *TokenIssuer) IssueCLI(userID, deviceID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, errors.New("auth: CLI tokens require a device id")
	}
	return t.issue(userID, ScopeCLI, deviceID)
}

func (t *TokenIssuer) issue(userID string, scope Scope, deviceID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := t.clock.Now()
	expiresAt := now.Add(t.TTL(scope))

	claims := tokenClaims{
		Claims: jwt.Claims{
			Issuer:    t.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(expiresAt),
		},
		Scope:    scope,
		DeviceID: deviceID,
	}
	token, err := jwt.Signed(t.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: failed to sign token: %w", err)
	}
	// NumericDate has second precision; report what the token actually says.
	return token, claims.Expiry.Time(), nil
}

// Verify checks signature, issuer and expiry. It has no side effects.
func (t *TokenIssuer) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, ErrTokenMalformed.Error(), err)
	}
	for _, h := range parsed.Headers {
		if h.Algorithm != string(jose.EdDSA) {
			return nil, ErrBadSignature
		}
	}

	var raw tokenClaims
	if err := parsed.Claims(t.publicKey, &raw); err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, ErrBadSignature.Error(), err)
	}
	if raw.Expiry == nil || raw.Subject == "" {
		return nil, ErrTokenMalformed
	}
	if raw.Scope != ScopeWeb && raw.Scope != ScopeCLI {
		return nil, ErrTokenMalformed
	}
	if raw.Scope == ScopeCLI && raw.DeviceID == "" {
		return nil, ErrTokenMalformed
	}

	err = raw.Claims.ValidateWithLeeway(jwt.Expected{
		Issuer: t.issuer,
		Time:   t.clock.Now(),
	}, 0)
	if errors.Is(err, jwt.ErrExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, ErrTokenMalformed.Error(), err)
	}

	c := &Claims{
		UserID:    raw.Subject,
		Scope:     raw.Scope,
		DeviceID:  raw.DeviceID,
		TokenID:   raw.ID,
		ExpiresAt: raw.Expiry.Time(),
	}
	if raw.IssuedAt != nil {
		c.IssuedAt = raw.IssuedAt.Time()
	}
	return c, nil
}
