package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kuitang/gatehouse/internal/pkce"
)

// RefreshSkew is how close to expiry an access token is refreshed.
const RefreshSkew = time.Minute

// ErrPairingExpired is returned when a pairing flow lapses or was already
// redeemed.
var ErrPairingExpired = errors.New("client: pairing expired before it was approved")

// Device is a CLI installation known to the server.
type Device struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id,omitempty"`
	Name        string     `json:"name"`
	Fingerprint string     `json:"fingerprint"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Flow is a started pairing.
type Flow struct {
	ID              string    `json:"flow_id"`
	DeviceID        string    `json:"device_id"`
	State           string    `json:"state"`
	VerificationURL string    `json:"verification_url"`
	ExpiresAt       time.Time `json:"expires_at"`
	Interval        int       `json:"interval"`
}

// Tokens is a CLI credential pair.
type Tokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	DeviceID         string    `json:"device_id"`
	UserID           string    `json:"user_id"`
}

// PollResult is one answer of the poll endpoint.
type PollResult struct {
	Status string `json:"status"`
	Tokens
}

// RegisterDevice registers this installation. When signed in the device is
// bound to the account at once.
func (c *Client) RegisterDevice(ctx context.Context, fingerprint, name string) (*Device, error) {
	_, err := c.sessions.Get()
	authed := err == nil
	var d Device
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   "/cli/devices",
		body:   map[string]string{"device_fingerprint": fingerprint, "device_name": name},
		authed: authed,
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// StartFlow opens a pairing flow for deviceID.
func (c *Client) StartFlow(ctx context.Context, deviceID, challenge string) (*Flow, error) {
	var f Flow
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/cli/auth/start",
		body: map[string]string{
			"device_id":             deviceID,
			"code_challenge":        challenge,
			"code_challenge_method": pkce.MethodS256,
		},
	}, &f)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Poll asks once whether the flow was approved.
func (c *Client) Poll(ctx context.Context, flowID, verifier string) (*PollResult, error) {
	var res PollResult
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/cli/auth/poll",
		query:  url.Values{"flow_id": {flowID}, "code_verifier": {verifier}},
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// PairOptions configures Pair.
type PairOptions struct {
	Fingerprint string
	DeviceName  string
	// OnVerificationURL is called once with the URL the human must open.
	OnVerificationURL func(verificationURL string)
	// Interval overrides the server's suggested poll interval.
	Interval time.Duration
	// MaxInterval caps the backoff. Defaults to 30s.
	MaxInterval time.Duration
}

// Pair runs the device flow: register, start, wait for approval, then store
// the issued tokens as the session.
func (c *Client) Pair(ctx context.Context, opts PairOptions) (*Session, error) {
	device, err := c.RegisterDevice(ctx, opts.Fingerprint, opts.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	verifier, challenge, err := pkce.Generate()
	if err != nil {
		return nil, err
	}
	flow, err := c.StartFlow(ctx, device.ID, challenge)
	if err != nil {
		return nil, fmt.Errorf("start pairing: %w", err)
	}
	if opts.OnVerificationURL != nil {
		opts.OnVerificationURL(flow.VerificationURL)
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(max(flow.Interval, 1)) * time.Second
	}
	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	ctx, cancel := context.WithDeadline(ctx, flow.ExpiresAt.Add(interval))
	defer cancel()

	for {
		if err := sleep(ctx, interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrPairingExpired
			}
			return nil, err
		}
		res, err := c.Poll(ctx, flow.ID, verifier)
		switch {
		case StatusOf(err) == http.StatusGone:
			return nil, ErrPairingExpired
		case StatusOf(err) == http.StatusTooManyRequests:
			// Polling too fast.
			interval = min(interval*2, maxInterval)
			continue
		case err != nil && StatusOf(err) != 0 && StatusOf(err) < http.StatusInternalServerError:
			return nil, err
		case err != nil:
			// Transient; back off harder.
			interval = min(interval*2, maxInterval)
			continue
		case res.Status == "pending":
			continue
		}

		s := sessionFromTokens(&res.Tokens)
		if err := c.sessions.Set(s); err != nil {
			return nil, err
		}
		c.entitlements.Invalidate()
		return s, nil
	}
}

func sessionFromTokens(t *Tokens) *Session {
	return &Session{
		Token:            t.AccessToken,
		ExpiresAt:        t.AccessExpiresAt,
		UserID:           t.UserID,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
		DeviceID:         t.DeviceID,
	}
}

// Refresh rotates the session's refresh token. Concurrent callers share one
// request, and it runs to completion even if the caller that started it gives
// up, so a rotated token is never lost. A rejected refresh token clears the
// session. Refresh is never retried automatically.
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	return shared(ctx, &c.refreshGroup, "refresh", func(ctx context.Context) (*Session, error) {
		s, err := c.sessions.Get()
		if err != nil {
			return nil, err
		}
		if s.RefreshToken == "" {
			return nil, errors.New("client: session has no refresh token; run login")
		}
		var t Tokens
		err = c.do(ctx, request{
			method: http.MethodPost,
			path:   "/cli/auth/refresh",
			body:   map[string]string{"refresh_token": s.RefreshToken, "device_id": s.DeviceID},
		}, &t)
		if st := StatusOf(err); st == http.StatusUnauthorized || st == http.StatusConflict {
			c.signOutLocally()
		}
		if err != nil {
			return nil, err
		}
		next := sessionFromTokens(&t)
		next.Email = s.Email
		if err := c.sessions.Set(next); err != nil {
			return nil, err
		}
		return next, nil
	})
}

// EnsureFresh refreshes a CLI session whose access token is within
// RefreshSkew of expiry.
func (c *Client) EnsureFresh(ctx context.Context) (*Session, error) {
	s, err := c.sessions.Get()
	if err != nil {
		return nil, err
	}
	if s.RefreshToken == "" {
		return s, nil
	}
	exp, err := TokenExpiry(s.Token)
	if err != nil || !c.now().Add(RefreshSkew).Before(exp) {
		return c.Refresh(ctx)
	}
	return s, nil
}

// ListDevices returns the caller's devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/cli/devices", authed: true}, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RevokeDevice revokes one of the caller's devices.
func (c *Client) RevokeDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/cli/devices/" + url.PathEscape(deviceID) + "/revoke",
		authed: true,
	}, nil)
}
