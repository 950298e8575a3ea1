package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleSession() *Session {
	return &Session{
		Token:            "access",
		ExpiresAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		UserID:           "user-1",
		Email:            "a@x.com",
		RefreshToken:     "ghr_refresh",
		RefreshExpiresAt: time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC),
		DeviceID:         "dev-1",
	}
}

func TestFileStore_RoundTripIsOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path)

	_, err := store.Get()
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, store.Set(sampleSession()))
	got, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, sampleSession(), got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = store.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileStore_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path).Get()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func TestDefaultSessionPath_EnvOverride(t *testing.T) {
	t.Setenv("GATEHOUSE_SESSION_FILE", "/tmp/custom-session.json")
	assert.Equal(t, "/tmp/custom-session.json", DefaultSessionPath())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get()
	assert.ErrorIs(t, err, ErrNoSession)

	s := sampleSession()
	require.NoError(t, m.Set(s))
	s.Token = "mutated"

	got, err := m.Get()
	require.NoError(t, err)
	assert.Equal(t, "access", got.Token)
	got.Token = "mutated again"

	again, err := m.Get()
	require.NoError(t, err)
	assert.Equal(t, "access", again.Token)

	require.NoError(t, m.Clear())
	_, err = m.Get()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCacheEntry_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, CacheEntry[int]{}.IsStale(time.Hour, now), "never fetched")

	rapid.Check(t, func(t *rapid.T) {
		ttl := time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(t, "ttl"))
		age := time.Duration(rapid.Int64Range(0, int64(2*time.Hour)).Draw(t, "age"))
		e := CacheEntry[int]{Value: 1, FetchedAt: now.Add(-age)}
		if got, want := e.IsStale(ttl, now), age >= ttl; got != want {
			t.Fatalf("age %v ttl %v: stale=%v want %v", age, ttl, got, want)
		}
	})
}
