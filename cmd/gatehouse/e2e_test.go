package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/gatehouse/internal/app"
	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/client"
	"github.com/kuitang/gatehouse/internal/config"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/ratelimit"
	"github.com/kuitang/gatehouse/internal/testdb"
)

func TestMain(m *testing.M) {
	restore := obs.SetOutputForTests(io.Discard)
	code := m.Run()
	restore()
	os.Exit(code)
}

func startServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	limiter := ratelimit.NewRateLimiter(ratelimit.Config{
		CredentialRPS: 1000, CredentialBurst: 1000, PollRPS: 1000, PollBurst: 1000,
	})
	t.Cleanup(limiter.Stop)

	a, err := app.New(&config.Config{BaseURL: "http://gatehouse.test", FrontendURL: "http://gatehouse.test"}, app.Deps{
		Store:      testdb.New(t),
		SigningKey: key,
		Hasher:     auth.FakeInsecureHasher{},
		Mailer:     email.NewMockEmailService(),
		Limiter:    limiter,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func TestCLI_WhoamiDevicesLogout(t *testing.T) {
	a, srv := startServer(t)
	ctx := context.Background()
	dir := t.TempDir()
	sessionFile := filepath.Join(dir, "session.json")
	t.Setenv("GATEHOUSE_SESSION_FILE", sessionFile)
	t.Setenv("GATEHOUSE_SERVER", "")

	web := client.New(srv.URL, client.NewMemoryStore(), time.Minute)
	account, err := web.Register(ctx, "cli@x.com", "Str0ngPassw0rd!!")
	require.NoError(t, err)

	paired := client.New(srv.URL, client.NewFileStore(sessionFile), time.Minute)
	_, err = paired.Pair(ctx, client.PairOptions{
		Fingerprint: "fp-e2e",
		DeviceName:  "ci-runner",
		Interval:    10 * time.Millisecond,
		OnVerificationURL: func(verificationURL string) {
			u, err := url.Parse(verificationURL)
			if err == nil {
				_, err = a.Coordinator().CompleteFlow(ctx, account.User.ID, u.Query().Get("state"))
			}
			assert.NoError(t, err)
		},
	})
	require.NoError(t, err)

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		args = append(args, "--server", srv.URL, "--config", filepath.Join(dir, "absent.yaml"))
		err := rootCommand(&out).Execute(args)
		return out.String(), err
	}

	out, err := run("whoami", "--json")
	require.NoError(t, err)
	var who whoamiOutput
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	assert.Equal(t, "cli@x.com", who.Email)
	assert.NotEmpty(t, who.DeviceID)
	assert.True(t, who.PaymentRequired)

	out, err = run("devices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, who.DeviceID)
	assert.Contains(t, out, "ci-runner")

	out, err = run("refresh", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "ghr_")

	out, err = run("logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")
	_, err = os.Stat(sessionFile)
	assert.True(t, os.IsNotExist(err))

	_, err = run("whoami")
	assert.EqualError(t, err, "not signed in; run 'gatehouse login'")
}
