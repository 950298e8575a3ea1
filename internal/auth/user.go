package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/db"
)

// Provider identifies how an account authenticates.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// realClock implements Clock using the system time.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// User is an account as exposed to handlers and API responses.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name,omitempty"`
	Provider       Provider  `json:"provider"`
	ProviderUserID string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	passwordHash string
}

// OAuthIdentity is what a provider asserts about the person who signed in.
type OAuthIdentity struct {
	Provider Provider
	Subject  string
	Email    string
	Name     string
}

// NormalizeEmail is the case-insensitive form used for uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && len(email) <= 320 && !strings.ContainsAny(email, " \t\r\n")
}

// UserStore persists accounts.
type UserStore struct {
	store  *db.Store
	hasher PasswordHasher
	clock  Clock

	decoyOnce sync.Once
	decoyHash string
}

// NewUserStore creates a UserStore. A nil hasher uses Argon2id; a nil clock
// uses system time.
func NewUserStore(store *db.Store, hasher PasswordHasher, clock Clock) *UserStore {
	if hasher == nil {
		hasher = Argon2Hasher{}
	}
	if clock == nil {
		clock = realClock{}
	}
	return &UserStore{store: store, hasher: hasher, clock: clock}
}

const userColumns = `id, email, name, password_hash, provider, provider_user_id, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                    User
		provider             string
		passwordHash         sql.NullString
		providerUserID       sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &passwordHash, &provider, &providerUserID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Provider = Provider(provider)
	u.passwordHash = passwordHash.String
	u.ProviderUserID = providerUserID.String
	var err error
	if u.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Register creates a local account. Emails are unique case-insensitively.
func (s *UserStore) Register(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UTC()
	u := &User{
		ID:           "user-" + uuid.NewString(),
		Email:        email,
		Provider:     ProviderLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
		passwordHash: hash,
	}
	_, err = s.store.DB().ExecContext(ctx, `
		INSERT INTO users (id, email, email_normalized, password_hash, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'local', ?, ?)`,
		u.ID, u.Email, NormalizeEmail(email), hash, db.FormatTime(now), db.FormatTime(now),
	)
	if db.IsUniqueViolation(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// VerifyLogin checks email/password. Unknown emails, OAuth-only accounts and
// wrong passwords all return ErrInvalidCredentials.
func (s *UserStore) VerifyLogin(ctx context.Context, email, password string) (*User, error) {
	u, err := s.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		s.verifyDecoy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.Provider != ProviderLocal || u.passwordHash == "" {
		s.verifyDecoy(password)
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.VerifyPassword(password, u.passwordHash) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// verifyDecoy runs one verification against a throwaway hash so a login
// without a usable account costs the same as a wrong password.
func (s *UserStore) verifyDecoy(password string) {
	s.decoyOnce.Do(func() {
		s.decoyHash, _ = s.hasher.HashPassword(uuid.NewString())
	})
	if s.decoyHash != "" {
		s.hasher.VerifyPassword(password, s.decoyHash)
	}
}

// UpsertOAuthUser finds the account linked to the provider identity or creates
// one. created reports whether a new row was inserted. An email already owned
// by a different provider (or a password account) is ErrAccountExists.
func (s *UserStore) UpsertOAuthUser(ctx context.Context, id OAuthIdentity) (user *User, created bool, err error) {
	if id.Provider == ProviderLocal || id.Provider == "" || id.Subject == "" {
		return nil, false, fmt.Errorf("upsert oauth user: incomplete identity for provider %q", id.Provider)
	}
	if !validEmail(strings.TrimSpace(id.Email)) {
		return nil, false, ErrInvalidEmail
	}

	now := s.clock.Now().UTC()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE provider = ? AND provider_user_id = ?`,
			string(id.Provider), id.Subject))
		if err == nil {
			if id.Name != "" && id.Name != existing.Name {
				if _, err := tx.ExecContext(ctx, `UPDATE users SET name = ?, updated_at = ? WHERE id = ?`,
					id.Name, db.FormatTime(now), existing.ID); err != nil {
					return fmt.Errorf("update user name: %w", err)
				}
				existing.Name = id.Name
				existing.UpdatedAt = now
			}
			user = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get user by provider: %w", err)
		}

		user = &User{
			ID:             "user-" + uuid.NewString(),
			Email:          strings.TrimSpace(id.Email),
			Name:           id.Name,
			Provider:       id.Provider,
			ProviderUserID: id.Subject,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, email, email_normalized, name, provider, provider_user_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Email, NormalizeEmail(user.Email), user.Name, string(user.Provider), user.ProviderUserID,
			db.FormatTime(now), db.FormatTime(now),
		)
		if db.IsUniqueViolation(err) {
			return ErrAccountExists
		}
		if err != nil {
			return fmt.Errorf("insert oauth user: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// GetByID loads a user by id.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*User, error) {
	u, err := scanUser(s.store.DB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByEmail loads a user by email, ignoring case.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.store.DB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email_normalized = ?`, NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// setPassword replaces a local account's password hash on q.
func (s *UserStore) setPassword(ctx context.Context, q db.Querier, userID, password string) error {
	if err := ValidatePasswordStrength(password); err != nil {
		return err
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ? AND provider = 'local'`,
		hash, db.FormatTime(s.clock.Now()), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
