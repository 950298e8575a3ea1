package oauth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/db"
)

// DefaultStateTTL bounds how long a user may sit on the provider's consent
// screen.
const DefaultStateTTL = 10 * time.Minute

// StateLedger stores the CSRF state of in-flight OAuth redirects. A state is
// accepted at most once.
type StateLedger struct {
	store *db.Store
	clock auth.Clock
	ttl   time.Duration
}

// NewStateLedger creates a StateLedger.
func NewStateLedger(store *db.Store, clock auth.Clock, ttl time.Duration) *StateLedger {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &StateLedger{store: store, clock: clock, ttl: ttl}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Create records a fresh random state for provider and returns it.
func (l *StateLedger) Create(ctx context.Context, provider auth.Provider, redirectURI string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	now := l.clock.Now()
	_, err := l.store.DB().ExecContext(ctx, `
		INSERT INTO oauth_states (state, provider, redirect_uri, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		state, string(provider), redirectURI, db.FormatTime(now), db.FormatTime(now.Add(l.ttl)),
	)
	if err != nil {
		return "", fmt.Errorf("insert oauth state: %w", err)
	}
	return state, nil
}

// Consume deletes state and returns the redirect URI recorded with it. The
// row is removed even when it turns out to be expired or bound to another
// provider, so every presented state is spent.
func (l *StateLedger) Consume(ctx context.Context, provider auth.Provider, state string) (string, error) {
	if state == "" {
		return "", ErrInvalidOrExpiredState
	}
	var (
		rowProvider string
		redirectURI string
		expiresAt   string
	)
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT provider, redirect_uri, expires_at FROM oauth_states WHERE state = ?`, state,
		).Scan(&rowProvider, &redirectURI, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidOrExpiredState
		}
		if err != nil {
			return fmt.Errorf("get oauth state: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state)
		if err != nil {
			return fmt.Errorf("delete oauth state: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrInvalidOrExpiredState
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	expires, err := db.ParseTime(expiresAt)
	if err != nil {
		return "", err
	}
	if !l.clock.Now().Before(expires) || rowProvider != string(provider) {
		return "", ErrInvalidOrExpiredState
	}
	return redirectURI, nil
}

// DeleteExpired removes states past their expiry.
func (l *StateLedger) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := l.store.DB().ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= ?`, db.FormatTime(l.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired oauth states: %w", err)
	}
	return res.RowsAffected()
}
