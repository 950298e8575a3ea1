package app

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/client"
	"github.com/kuitang/gatehouse/internal/config"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/oauth"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/ratelimit"
	"github.com/kuitang/gatehouse/internal/testdb"
)

const (
	testWebhookSecret = "whsec_gatehouse_app_test"
	testPassword      = "Str0ngPassw0rd!!"
)

func TestMain(m *testing.M) {
	restore := obs.SetOutputForTests(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

type server struct {
	app    *App
	srv    *httptest.Server
	mailer *email.MockEmailService
	google *oauth.LocalMockProvider
}

func newServer(t *testing.T) *server {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := &config.Config{
		BaseURL:             srv.URL,
		FrontendURL:         srv.URL,
		StripeWebhookSecret: testWebhookSecret,
		AdminAPIKey:         "admin-key",
		NoOIDC:              true,
		NoEmail:             true,
		NoBilling:           true,
	}
	limiter := ratelimit.NewRateLimiter(ratelimit.Config{
		CredentialRPS: 1000, CredentialBurst: 1000, PollRPS: 1000, PollBurst: 1000,
	})
	t.Cleanup(limiter.Stop)

	mailer := email.NewMockEmailService()
	google := oauth.NewLocalMockProvider(auth.ProviderGoogle, srv.URL, nil)
	a, err := New(cfg, Deps{
		Store:         testdb.New(t),
		SigningKey:    key,
		KeyID:         "v1",
		Hasher:        auth.FakeInsecureHasher{},
		Mailer:        mailer,
		Checkout:      billing.NewMockCheckout(srv.URL),
		Providers:     map[auth.Provider]oauth.Client{auth.ProviderGoogle: google},
		MockProviders: []*oauth.LocalMockProvider{google},
		Limiter:       limiter,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	handler = a.Handler()
	return &server{app: a, srv: srv, mailer: mailer, google: google}
}

func (s *server) client() *client.Client {
	return client.New(s.srv.URL, client.NewMemoryStore(), time.Minute, client.WithGetRetry(1, 0))
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	resp, err := http.Get(s.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(&config.Config{BaseURL: "http://x"}, Deps{})
	require.Error(t, err)
}

func TestNewAccountIsSentToPayment(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client()

	res, err := c.Register(ctx, "a@x.com", testPassword)
	require.NoError(t, err)
	assert.True(t, res.PaymentRequired)
	assert.True(t, res.IsNewUser)
	assert.Equal(t, 1, s.mailer.Count())

	nav := client.NewNavigator(c, nil)
	for route, want := range map[string]string{
		"/chat":    "/payment",
		"/login":   "/payment",
		"/":        "/payment",
		"/welcome": "/welcome",
		"/terms":   "/terms",
	} {
		got, err := nav.Resolve(ctx, route)
		require.NoError(t, err)
		assert.Equal(t, want, got, route)
	}

	require.NoError(t, c.Logout(ctx))
	got, err := nav.Resolve(ctx, "/chat")
	require.NoError(t, err)
	assert.Equal(t, "/login", got)
}

func TestInvitedAccountSkipsPayment(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	_, err := s.app.Invites().Create(ctx, "B@x.com", 0)
	require.NoError(t, err)

	c := s.client()
	res, err := c.Register(ctx, "b@x.com", testPassword)
	require.NoError(t, err)
	assert.False(t, res.PaymentRequired)

	needs, err := c.NeedsPayment(ctx)
	require.NoError(t, err)
	assert.False(t, needs)

	got, err := client.NewNavigator(c, nil).Resolve(ctx, "/payment")
	require.NoError(t, err)
	assert.Equal(t, "/chat", got)
}

func TestOAuthSignInLandsWithSession(t *testing.T) {
	s := newServer(t)
	hc := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := hc.Get(s.srv.URL + "/auth/oauth/google")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	consent, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	form := url.Values{"state": {consent.Query().Get("state")}, "email": {"oauth@x.com"}}
	resp, err = hc.Post(s.srv.URL+consent.Path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, err = hc.Get(resp.Header.Get("Location"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	c := s.client()
	path, err := c.AdoptOAuthRedirect(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/welcome", path)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oauth@x.com", me.User.Email)
	assert.Equal(t, "google", me.User.Provider)
}

func TestCLIPairingRefreshAndRevoke(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	web := s.client()
	_, err := web.Register(ctx, "dev@x.com", testPassword)
	require.NoError(t, err)
	webSession, err := web.Sessions().Get()
	require.NoError(t, err)

	approved := make(chan int, 1)
	cli := s.client()
	session, err := cli.Pair(ctx, client.PairOptions{
		Fingerprint: "fp-laptop",
		DeviceName:  "laptop",
		Interval:    20 * time.Millisecond,
		OnVerificationURL: func(verificationURL string) {
			u, err := url.Parse(verificationURL)
			if err != nil {
				approved <- 0
				return
			}
			// Approve after the CLI has started polling.
			go func() {
				time.Sleep(60 * time.Millisecond)
				body := strings.NewReader(`{"state":"` + u.Query().Get("state") + `"}`)
				req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/cli/auth/complete", body)
				req.Header.Set("Authorization", "Bearer "+webSession.Token)
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					approved <- 0
					return
				}
				resp.Body.Close()
				approved <- resp.StatusCode
			}()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, <-approved)
	assert.Equal(t, webSession.UserID, session.UserID)
	require.NotEmpty(t, session.RefreshToken)

	v, err := cli.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cli", v.Scope)
	assert.Equal(t, session.DeviceID, v.DeviceID)

	rotated, err := cli.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)

	// Replaying the superseded token is rejected as reuse.
	resp := postJSON(t, s.srv.URL+"/cli/auth/refresh", "",
		map[string]string{"refresh_token": session.RefreshToken, "device_id": session.DeviceID})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	devices, err := web.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "laptop", devices[0].Name)

	require.NoError(t, web.RevokeDevice(ctx, session.DeviceID))
	_, err = cli.Verify(ctx)
	assert.Equal(t, http.StatusUnauthorized, client.StatusOf(err))
	_, err = cli.Sessions().Get()
	assert.ErrorIs(t, err, client.ErrNoSession)
}

func deliver(t *testing.T, s *server, payload []byte) int {
	t.Helper()
	sig := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	}).Header
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/webhooks/payment-provider", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	c := s.client()
	res, err := c.Register(ctx, "payer@x.com", testPassword)
	require.NoError(t, err)
	require.True(t, res.PaymentRequired)

	payload, err := json.Marshal(map[string]any{
		"id":     "evt_app_1",
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_1",
			"object":              "checkout.session",
			"mode":                "subscription",
			"client_reference_id": res.User.ID,
			"customer":            "cus_app_1",
			"subscription":        "sub_app_1",
		}},
	})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, deliver(t, s, payload))
	first, err := c.Me(ctx)
	require.NoError(t, err)
	assert.False(t, first.PaymentRequired)
	assert.Equal(t, "active", first.Entitlement.PaymentStatus)

	require.Equal(t, http.StatusOK, deliver(t, s, payload))
	second, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Entitlement, second.Entitlement)

	c.Entitlements().Invalidate()
	got, err := client.NewNavigator(c, nil).Resolve(ctx, "/payment")
	require.NoError(t, err)
	assert.Equal(t, "/chat", got)
}

func TestSweep(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.app.Sweep(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.app.RunSweeper(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
