package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/obs"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// DeviceChecker reports whether a CLI device may still authenticate.
type DeviceChecker interface {
	IsDeviceActive(ctx context.Context, deviceID string) (bool, error)
}

// Middleware authenticates bearer tokens.
type Middleware struct {
	issuer  *TokenIssuer
	devices DeviceChecker
}

// NewMiddleware creates auth middleware. devices may be nil until the CLI
// coordinator is wired; CLI tokens are then rejected.
func NewMiddleware(issuer *TokenIssuer, devices DeviceChecker) *Middleware {
	return &Middleware{issuer: issuer, devices: devices}
}

// SetDeviceChecker installs the device checker after construction.
func (m *Middleware) SetDeviceChecker(devices DeviceChecker) {
	m.devices = devices
}

// RequireAuth rejects requests without a valid bearer token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.authenticate(r)
		if err != nil {
			obs.From(r.Context()).Debug("bearer rejected", "error", err)
			errs.WriteError(w, r, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// OptionalAuth attaches claims when a valid token is present and otherwise
// passes the request through unauthenticated.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := m.authenticate(r); err == nil {
			r = r.WithContext(withClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope wraps RequireAuth and additionally demands scope.
func (m *Middleware) RequireScope(scope Scope, next http.Handler) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := ClaimsFromContext(r.Context()); c == nil || c.Scope != scope {
			errs.WriteError(w, r, ErrWrongScope)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := m.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Scope == ScopeCLI {
		if m.devices == nil {
			return nil, ErrInvalidToken
		}
		active, err := m.devices.IsDeviceActive(r.Context(), claims.DeviceID)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, ErrInvalidToken
		}
	}
	return claims, nil
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrNoToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func withClaims(ctx context.Context, c *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey, c)
	return obs.WithUser(ctx, c.UserID, c.DeviceID)
}

// ClaimsFromContext returns the verified claims, or nil when unauthenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// GetUserID returns the authenticated user ID from context.
func GetUserID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.UserID
	}
	return ""
}

// IsAuthenticated returns true if the request carries verified claims.
func IsAuthenticated(ctx context.Context) bool {
	return ClaimsFromContext(ctx) != nil
}

// ContextWithClaims attaches claims to ctx. Intended for tests of handlers
// that sit behind RequireAuth.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return withClaims(ctx, c)
}
