package oauth

import (
	"context"
	"crypto/ed25519"
	"io"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/testdb"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	restore := obs.SetOutputForTests(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

// fakeClient is an identity provider that answers every code with identity.
type fakeClient struct {
	mu        sync.Mutex
	identity  auth.OAuthIdentity
	err       error
	exchanges int
}

func (f *fakeClient) GetAuthURL(state, callbackURL string) string {
	return "https://idp.test/authorize?" + url.Values{"state": {state}, "redirect_uri": {callbackURL}}.Encode()
}

func (f *fakeClient) ExchangeCode(_ context.Context, _, _ string) (*auth.OAuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if f.err != nil {
		return nil, f.err
	}
	id := f.identity
	return &id, nil
}

func (f *fakeClient) Exchanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchanges
}

type env struct {
	store    *db.Store
	clock    *auth.FakeClock
	states   *StateLedger
	sessions *auth.SessionService
	mailer   *email.MockEmailService
}

func newEnv(t testing.TB) *env {
	t.Helper()
	return envFor(t, testdb.New(t))
}

func envFor(t require.TestingT, store *db.Store) *env {
	clock := auth.NewFakeClock(testEpoch)
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{SigningKey: key, Issuer: "https://gatehouse.test", Clock: clock})
	require.NoError(t, err)
	users := auth.NewUserStore(store, auth.FakeInsecureHasher{}, clock)
	mailer := email.NewMockEmailService()
	return &env{
		store:    store,
		clock:    clock,
		states:   NewStateLedger(store, clock, DefaultStateTTL),
		sessions: auth.NewSessionService(users, issuer, billing.NewResolver(store, clock), mailer),
		mailer:   mailer,
	}
}

func (e *env) flow(providers map[auth.Provider]Client) *Flow {
	return NewFlow(FlowConfig{
		BaseURL:                "https://api.gatehouse.test",
		FrontendURL:            "https://app.gatehouse.test",
		AllowedRedirectOrigins: []string{"http://localhost:3000"},
	}, e.states, e.sessions, providers)
}

func stateFromAuthURL(t require.TestingT, authURL string) string {
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// =============================================================================
// StateLedger
// =============================================================================

func TestStateLedger_ConsumeOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	state, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(state), 43)

	origin, err := e.states.Consume(ctx, auth.ProviderGoogle, state)
	require.NoError(t, err)
	assert.Equal(t, "https://app.gatehouse.test", origin)

	_, err = e.states.Consume(ctx, auth.ProviderGoogle, state)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestStateLedger_ExpiredAndWrongProvider(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	expired, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)
	other, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)

	_, err = e.states.Consume(ctx, auth.ProviderGitHub, other)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
	_, err = e.states.Consume(ctx, auth.ProviderGoogle, other)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState, "a mismatched attempt still spends the state")

	e.clock.Advance(DefaultStateTTL)
	_, err = e.states.Consume(ctx, auth.ProviderGoogle, expired)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)

	_, err = e.states.Consume(ctx, auth.ProviderGoogle, "")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
}

func TestStateLedger_DeleteExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)
	e.clock.Advance(DefaultStateTTL / 2)
	fresh, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)
	e.clock.Advance(DefaultStateTTL / 2)

	n, err := e.states.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.states.Consume(ctx, auth.ProviderGoogle, fresh)
	assert.NoError(t, err)
}

func TestStateLedger_ConcurrentConsumeSingleWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	state, err := e.states.Create(ctx, auth.ProviderGoogle, "https://app.gatehouse.test")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.states.Consume(ctx, auth.ProviderGoogle, state); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// =============================================================================
// Flow
// =============================================================================

func testFlow_ReplayedStateRejected(t *rapid.T) {
	store, err := testdb.NewInMemory()
	require.NoError(t, err)
	defer store.Close()
	e := envFor(t, store)
	ctx := context.Background()

	client := &fakeClient{identity: auth.OAuthIdentity{
		Provider: auth.ProviderGoogle,
		Subject:  rapid.StringMatching(`[0-9]{6,21}`).Draw(t, "sub"),
		Email:    rapid.StringMatching(`[a-z]{3,10}@example\.com`).Draw(t, "email"),
	}}
	flow := e.flow(map[auth.Provider]Client{auth.ProviderGoogle: client})

	authURL, err := flow.Initiate(ctx, auth.ProviderGoogle, "")
	require.NoError(t, err)
	state := stateFromAuthURL(t, authURL)

	_, err = flow.Callback(ctx, auth.ProviderGoogle, "code-1", state)
	require.NoError(t, err)

	replays := rapid.IntRange(1, 3).Draw(t, "replays")
	for i := 0; i < replays; i++ {
		_, err = flow.Callback(ctx, auth.ProviderGoogle, "code-1", state)
		require.ErrorIs(t, err, ErrInvalidOrExpiredState)
	}
	require.Equal(t, 1, client.Exchanges(), "replayed callbacks must not reach the provider")
}

func TestFlow_ReplayedStateRejected(t *testing.T) {
	rapid.Check(t, testFlow_ReplayedStateRejected)
}

func TestFlow_NewThenReturningUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := &fakeClient{identity: auth.OAuthIdentity{Provider: auth.ProviderGitHub, Subject: "42", Email: "octo@example.com", Name: "Octo"}}
	flow := e.flow(map[auth.Provider]Client{auth.ProviderGitHub: client})

	authURL, err := flow.Initiate(ctx, auth.ProviderGitHub, "http://localhost:3000/anything")
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "https://api.gatehouse.test/auth/oauth/github/callback", u.Query().Get("redirect_uri"))

	first, err := flow.Callback(ctx, auth.ProviderGitHub, "code", u.Query().Get("state"))
	require.NoError(t, err)
	assert.True(t, first.Session.IsNewUser)
	assert.True(t, first.Session.PaymentRequired)
	assert.Equal(t, "http://localhost:3000", first.RedirectOrigin)
	assert.Equal(t, email.TemplateWelcome, e.mailer.LastEmail().Template)

	authURL, err = flow.Initiate(ctx, auth.ProviderGitHub, "")
	require.NoError(t, err)
	second, err := flow.Callback(ctx, auth.ProviderGitHub, "code", stateFromAuthURL(t, authURL))
	require.NoError(t, err)
	assert.False(t, second.Session.IsNewUser)
	assert.Equal(t, first.Session.User.ID, second.Session.User.ID)
	assert.Equal(t, "https://app.gatehouse.test", second.RedirectOrigin)
	assert.Equal(t, 1, e.mailer.Count())
}

func TestFlow_RejectsUnknownProviderAndForeignRedirect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	flow := e.flow(map[auth.Provider]Client{auth.ProviderGoogle: &fakeClient{}})

	_, err := flow.Initiate(ctx, auth.ProviderGitHub, "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = flow.Initiate(ctx, "facebook", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	for _, target := range []string{
		"https://evil.test",
		"https://app.gatehouse.test.evil.test",
		"javascript:alert(1)",
		"/relative",
	} {
		_, err = flow.Initiate(ctx, auth.ProviderGoogle, target)
		assert.ErrorIs(t, err, ErrRedirectNotAllowed, target)
	}
}

func TestFlow_AccountExistsForPasswordUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.sessions.Register(ctx, "a@x.com", "Str0ngPassw0rd!!")
	require.NoError(t, err)

	client := &fakeClient{identity: auth.OAuthIdentity{Provider: auth.ProviderGoogle, Subject: "g-1", Email: "A@x.com"}}
	flow := e.flow(map[auth.Provider]Client{auth.ProviderGoogle: client})
	authURL, err := flow.Initiate(ctx, auth.ProviderGoogle, "")
	require.NoError(t, err)

	_, err = flow.Callback(ctx, auth.ProviderGoogle, "code", stateFromAuthURL(t, authURL))
	assert.ErrorIs(t, err, auth.ErrAccountExists)
}

func TestFlow_MissingCodeSpendsState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := &fakeClient{}
	flow := e.flow(map[auth.Provider]Client{auth.ProviderGoogle: client})
	authURL, err := flow.Initiate(ctx, auth.ProviderGoogle, "")
	require.NoError(t, err)
	state := stateFromAuthURL(t, authURL)

	_, err = flow.Callback(ctx, auth.ProviderGoogle, "", state)
	assert.ErrorIs(t, err, ErrCodeExchangeFailed)
	_, err = flow.Callback(ctx, auth.ProviderGoogle, "code", state)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredState)
	assert.Zero(t, client.Exchanges())
}
