package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kuitang/gatehouse/internal/obs"
)

const (
	defaultGetAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
	maxErrorBodyBytes  = 4 << 10
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gatehouse: HTTP %d", e.Status)
	}
	return fmt.Sprintf("gatehouse: %s (HTTP %d)", e.Message, e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client talks to a gatehouse server on behalf of one signed-in user.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	sessions     SessionCache
	entitlements *EntitlementCache
	getAttempts  int
	backoff      time.Duration
	now          func() time.Time
	refreshGroup singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithGetRetry sets how many times an idempotent GET is attempted and the
// initial backoff between attempts.
func WithGetRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.getAttempts = max(attempts, 1)
		c.backoff = backoff
	}
}

// WithClock overrides time.Now for staleness and expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for the server at baseURL.
func New(baseURL string, sessions SessionCache, entitlementTTL time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
		sessions:    sessions,
		getAttempts: defaultGetAttempts,
		backoff:     defaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entitlements = NewEntitlementCache(c.fetchEntitlement, entitlementTTL, c.now)
	return c
}

// Sessions exposes the session cache.
func (c *Client) Sessions() SessionCache { return c.sessions }

// Entitlements exposes the entitlement cache.
func (c *Client) Entitlements() *EntitlementCache { return c.entitlements }

// NeedsPayment answers from the entitlement cache, refreshing it when stale.
func (c *Client) NeedsPayment(ctx context.Context) (bool, error) {
	return c.entitlements.NeedsPayment(ctx)
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// authed sends the session token and clears the session on 401.
	authed bool
	// keepSession skips the sign-out on 401 so the caller can refresh and
	// retry.
	keepSession bool
}

// do performs r and decodes a 2xx body into out. Only GETs are retried, and
// only on transport failures and 5xx answers.
func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	var token string
	if r.authed {
		s, err := c.sessions.Get()
		if err != nil {
			return err
		}
		token = s.Token
	}
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	attempts := 1
	if r.method == http.MethodGet {
		attempts = c.getAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff<<(attempt-1)); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, r.method, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s: %w", r.method, r.path, err)
			continue
		}
		err = c.handleResponse(resp, r, out)
		if StatusOf(err) >= http.StatusInternalServerError {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func (c *Client) handleResponse(resp *http.Response, r request, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", r.path, err)
		}
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodyBytes)).Decode(&body) == nil {
		apiErr.Message = body.Error
	}
	if resp.StatusCode == http.StatusUnauthorized && r.authed && !r.keepSession {
		c.signOutLocally()
	}
	return apiErr
}

// signOutLocally forgets the session after the server rejected it. A dead
// token is never retried.
func (c *Client) signOutLocally() {
	if err := c.sessions.Clear(); err != nil {
		obs.Pkg("client").Warn("clear session failed", "error", err)
	}
	c.entitlements.Invalidate()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// User is the account as the server reports it.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
}

// AuthResult is the unified sign-in payload.
type AuthResult struct {
	Token           string       `json:"token"`
	ExpiresAt       time.Time    `json:"expires_at"`
	User            User         `json:"user"`
	Entitlement     *Entitlement `json:"entitlement"`
	PaymentRequired bool         `json:"payment_required"`
	IsNewUser       bool         `json:"is_new_user"`
}

// Me is the payload of GET /users/me.
type Me struct {
	User            User         `json:"user"`
	Entitlement     *Entitlement `json:"entitlement"`
	PaymentRequired bool         `json:"payment_required"`
}

// VerifyResult is the payload of GET /auth/verify.
type VerifyResult struct {
	Valid     bool      `json:"valid"`
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	DeviceID  string    `json:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a password account and signs in.
func (c *Client) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.signIn(ctx, "/auth/register", email, password)
}

// Login signs in with a password.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.signIn(ctx, "/auth/login", email, password)
}

func (c *Client) signIn(ctx context.Context, path, email, password string) (*AuthResult, error) {
	var res AuthResult
	if err := c.do(ctx, request{method: http.MethodPost, path: path, body: credentials{email, password}}, &res); err != nil {
		return nil, err
	}
	if err := c.sessions.Set(&Session{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		UserID:    res.User.ID,
		Email:     res.User.Email,
	}); err != nil {
		return nil, err
	}
	c.entitlements.Set(res.Entitlement)
	return &res, nil
}

// AdoptOAuthRedirect stores the session carried by the URL the OAuth callback
// redirected the browser to, and returns that URL's path.
func (c *Client) AdoptOAuthRedirect(landing string) (string, error) {
	u, err := url.Parse(landing)
	if err != nil {
		return "", fmt.Errorf("parse landing url: %w", err)
	}
	q := u.Query()
	token := q.Get("token")
	if token == "" || q.Get("user_id") == "" {
		return "", errors.New("client: landing url carries no session")
	}
	expiresAt, err := TokenExpiry(token)
	if err != nil {
		return "", err
	}
	if err := c.sessions.Set(&Session{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    q.Get("user_id"),
		Email:     q.Get("email"),
	}); err != nil {
		return "", err
	}
	c.entitlements.Invalidate()
	return u.Path, nil
}

// Me fetches the account and entitlement, refreshing the entitlement cache.
func (c *Client) Me(ctx context.Context) (*Me, error) {
	var me Me
	if err := c.do(ctx, request{method: http.MethodGet, path: "/users/me", authed: true}, &me); err != nil {
		return nil, err
	}
	c.entitlements.Set(me.Entitlement)
	return &me, nil
}

func (c *Client) fetchEntitlement(ctx context.Context) (*Entitlement, error) {
	var me Me
	if err := c.do(ctx, request{method: http.MethodGet, path: "/users/me", authed: true}, &me); err != nil {
		return nil, err
	}
	if me.Entitlement == nil {
		return &Entitlement{PaymentRequired: me.PaymentRequired}, nil
	}
	return me.Entitlement, nil
}

// Verify asks the server whether the current token is still good.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var v VerifyResult
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/verify", authed: true}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Logout ends the session. For a CLI session the device's refresh tokens are
// revoked on the server first; the local session is cleared either way.
func (c *Client) Logout(ctx context.Context) error {
	s, err := c.sessions.Get()
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	var remote error
	if s.DeviceID != "" {
		remote = c.logoutDevice(ctx, s.RefreshToken != "")
	}
	c.signOutLocally()
	return remote
}

// logoutDevice revokes the device's refresh tokens. The server only accepts
// a live access token, so an expiring one is refreshed first and a rejected
// one is refreshed once and retried.
func (c *Client) logoutDevice(ctx context.Context, canRefresh bool) error {
	if canRefresh {
		if _, err := c.EnsureFresh(ctx); err != nil {
			return refreshTokenGone(err)
		}
	}
	logout := request{method: http.MethodPost, path: "/cli/auth/logout", authed: true, keepSession: true}
	err := c.do(ctx, logout, nil)
	if StatusOf(err) != http.StatusUnauthorized {
		return err
	}
	if !canRefresh {
		return nil
	}
	if _, err := c.Refresh(ctx); err != nil {
		return refreshTokenGone(err)
	}
	if err := c.do(ctx, logout, nil); StatusOf(err) != http.StatusUnauthorized {
		return err
	}
	return nil
}

// refreshTokenGone maps a rejected refresh to success: nothing is left to
// revoke.
func refreshTokenGone(err error) error {
	switch StatusOf(err) {
	case http.StatusUnauthorized, http.StatusConflict:
		return nil
	}
	return err
}
