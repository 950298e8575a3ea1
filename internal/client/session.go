// Package client is the Go SDK for gatehouse: it keeps the caller's session
// in an injectable SessionCache, caches the payment entitlement for a short
// staleness window and pairs CLI installations through the PKCE device flow.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSession is returned by a SessionCache that holds nothing.
var ErrNoSession = errors.New("client: not signed in")

// Session is the durable part of the client state: who is signed in and the
// credentials that prove it.
type Session struct {
	Token            string    `json:"token"`
	ExpiresAt        time.Time `json:"expires_at"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email,omitempty"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at,omitzero"`
	DeviceID         string    `json:"device_id,omitempty"`
}

// SessionCache stores the current Session. Get returns ErrNoSession when the
// cache is empty.
type SessionCache interface {
	Get() (*Session, error)
	Set(s *Session) error
	Clear() error
}

// CacheEntry is a cached value with the time it was fetched.
type CacheEntry[T any] struct {
	Value     T
	FetchedAt time.Time
}

// IsStale reports whether the entry is older than ttl at now. An entry that
// was never filled is stale.
func (e CacheEntry[T]) IsStale(ttl time.Duration, now time.Time) bool {
	return e.FetchedAt.IsZero() || now.Sub(e.FetchedAt) >= ttl
}

// MemoryStore is a SessionCache that lives as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
}

// NewMemoryStore returns an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoSession
	}
	s := *m.session
	return &s, nil
}

func (m *MemoryStore) Set(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.session = &cp
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// FileStore persists the session as JSON readable only by its owner.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a cache backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultSessionPath returns $GATEHOUSE_SESSION_FILE, or
// session.json under the user's config directory.
func DefaultSessionPath() string {
	if p := os.Getenv("GATEHOUSE_SESSION_FILE"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gatehouse-session.json")
	}
	return filepath.Join(dir, "gatehouse", "session.json")
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session file %s: %w", f.path, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", f.path, err)
	}
	if s.Token == "" && s.RefreshToken == "" {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Set writes s atomically: a reader never sees a half-written file.
func (f *FileStore) Set(s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
