package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/gatehouse/internal/obs"
)

type fakeServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu   sync.Mutex
	hits map[string]int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{mux: http.NewServeMux(), hits: map[string]int{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.Method+" "+r.URL.Path]++
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[route]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("client-test-key"))
	require.NoError(t, err)
	return tok
}

func newTestClient(f *fakeServer, sessions SessionCache, opts ...Option) *Client {
	opts = append([]Option{WithGetRetry(3, time.Millisecond)}, opts...)
	return New(f.URL, sessions, time.Minute, opts...)
}

func TestDo_RetriesGetOnServerError(t *testing.T) {
	f := newFakeServer(t)
	var calls atomic.Int32
	f.mux.HandleFunc("GET /auth/verify", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user_id": "user-1", "scope": "web"})
	})
	sessions := NewMemoryStore()
	require.NoError(t, sessions.Set(&Session{Token: "tok", UserID: "user-1"}))
	c := newTestClient(f, sessions)

	v, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 3, f.count("GET /auth/verify"))
}

func TestDo_GivesUpAfterAttempts(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("GET /auth/verify", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
	})
	sessions := NewMemoryStore()
	require.NoError(t, sessions.Set(&Session{Token: "tok"}))

	_, err := newTestClient(f, sessions).Verify(context.Background())
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.Equal(t, 3, f.count("GET /auth/verify"))
}

func TestDo_NeverRetriesPost(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
	})
	c := newTestClient(f, NewMemoryStore())

	_, err := c.Login(context.Background(), "a@x.com", "pw")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "busy", apiErr.Message)
	assert.Equal(t, 1, f.count("POST /auth/login"))
}

func TestDo_UnauthorizedClearsSession(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("GET /users/me", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
	})
	sessions := NewMemoryStore()
	require.NoError(t, sessions.Set(&Session{Token: "stale"}))
	c := newTestClient(f, sessions)
	c.Entitlements().Set(&Entitlement{PaymentStatus: "active"})

	_, err := c.Me(context.Background())
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.Equal(t, 1, f.count("GET /users/me"), "a rejected token is not retried")
	_, err = sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)

	// Without a session authed calls fail locally.
	_, err = c.Me(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, f.count("GET /users/me"))
}

func TestSignIn_StoresSessionAndSeedsEntitlement(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("POST /auth/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "a@x.com", body["email"])
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":            "tok",
			"expires_at":       time.Now().Add(time.Hour),
			"user":             map[string]any{"id": "user-1", "email": "a@x.com", "provider": "local"},
			"entitlement":      map[string]any{"payment_status": "pending", "payment_required": true},
			"payment_required": true,
			"is_new_user":      true,
		})
	})
	sessions := NewMemoryStore()
	c := newTestClient(f, sessions)

	res, err := c.Register(context.Background(), "a@x.com", "Str0ngPassw0rd!!")
	require.NoError(t, err)
	assert.True(t, res.IsNewUser)

	s, err := sessions.Get()
	require.NoError(t, err)
	assert.Equal(t, "tok", s.Token)
	assert.Equal(t, "user-1", s.UserID)

	// Served from the seeded cache: /users/me is never called.
	needs, err := c.NeedsPayment(context.Background())
	require.NoError(t, err)
	assert.True(t, needs)
	assert.Equal(t, 0, f.count("GET /users/me"))
}

func TestAdoptOAuthRedirect(t *testing.T) {
	f := newFakeServer(t)
	sessions := NewMemoryStore()
	c := newTestClient(f, sessions)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, exp)

	path, err := c.AdoptOAuthRedirect("https://app.test/welcome?token=" + token + "&user_id=user-9&email=o%40x.com")
	require.NoError(t, err)
	assert.Equal(t, "/welcome", path)
	s, err := sessions.Get()
	require.NoError(t, err)
	assert.Equal(t, "user-9", s.UserID)
	assert.Equal(t, "o@x.com", s.Email)
	assert.True(t, exp.Equal(s.ExpiresAt))

	_, err = c.AdoptOAuthRedirect("https://app.test/login?error=oauth_denied")
	require.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	got, err := TokenExpiry(signedToken(t, exp))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	_, err = TokenExpiry("not-a-jwt")
	require.Error(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = TokenExpiry(noExp)
	require.Error(t, err)
}

func TestLogout_DeviceSessionRevokesRemotely(t *testing.T) {
	f := newFakeServer(t)
	f.mux.HandleFunc("POST /cli/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	sessions := NewMemoryStore()
	require.NoError(t, sessions.Set(&Session{Token: "tok", DeviceID: "dev-1", RefreshToken: "ghr_x"}))
	c := newTestClient(f, sessions)

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, 1, f.count("POST /cli/auth/logout"))
	_, err := sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)

	// Already signed out is not an error.
	require.NoError(t, c.Logout(context.Background()))
}

func TestLogout_WebSessionIsLocalOnly(t *testing.T) {
	f := newFakeServer(t)
	sessions := NewMemoryStore()
	require.NoError(t, sessions.Set(&Session{Token: "tok"}))

	require.NoError(t, newTestClient(f, sessions).Logout(context.Background()))
	assert.Equal(t, 0, f.count("POST /cli/auth/logout"))
	_, err := sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout_ExpiredAccessTokenIsRefreshedFirst(t *testing.T) {
	f, refreshes := refreshServer(t, http.StatusOK)
	var bearer atomic.Value
	f.mux.HandleFunc("POST /cli/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		bearer.Store(tok)
		if exp, err := TokenExpiry(tok); err != nil || !exp.After(time.Now()) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	sessions := cliSession(t, time.Now().Add(-time.Minute))
	expired, err := sessions.Get()
	require.NoError(t, err)

	require.NoError(t, newTestClient(f, sessions).Logout(context.Background()))
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 1, f.count("POST /cli/auth/logout"))
	assert.NotEqual(t, expired.Token, bearer.Load(), "logout carries the refreshed token")
	_, err = sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout_RejectedTokenRefreshesAndRetries(t *testing.T) {
	f, refreshes := refreshServer(t, http.StatusOK)
	var calls atomic.Int32
	f.mux.HandleFunc("POST /cli/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	sessions := cliSession(t, time.Now().Add(10*time.Minute))

	require.NoError(t, newTestClient(f, sessions).Logout(context.Background()))
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(2), calls.Load())
	_, err := sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestLogout_DeadRefreshTokenSignsOutLocally(t *testing.T) {
	f, refreshes := refreshServer(t, http.StatusUnauthorized)
	sessions := cliSession(t, time.Now().Add(-time.Minute))

	require.NoError(t, newTestClient(f, sessions).Logout(context.Background()))
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 0, f.count("POST /cli/auth/logout"), "nothing left to revoke")
	_, err := sessions.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

type stuckSessions struct {
	*MemoryStore
}

func (stuckSessions) Clear() error { return errors.New("keychain locked") }

func TestSignOutLocally_LogsClearFailure(t *testing.T) {
	var logs bytes.Buffer
	restore := obs.SetOutputForTests(&logs)
	defer restore()

	f := newFakeServer(t)
	f.mux.HandleFunc("GET /auth/verify", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	})
	sessions := stuckSessions{NewMemoryStore()}
	require.NoError(t, sessions.Set(&Session{Token: "tok"}))

	_, err := newTestClient(f, sessions).Verify(context.Background())
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.Contains(t, logs.String(), "clear session failed")
	assert.Contains(t, logs.String(), "keychain locked")
}
