package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/errs"
)

// DefaultInviteTTL applies when an invite is created without an explicit lifetime.
const DefaultInviteTTL = 30 * 24 * time.Hour

var ErrInviteNotFound = errs.New(errs.NotFound, "invite not found")

// Invite grants entitlement to one email address until it expires.
type Invite struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ClaimedByUserID string     `json:"claimed_by_user_id,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Invites manages invite rows.
type Invites struct {
	store *db.Store
	clock Clock
}

// NewInvites creates an invite store. A nil clock uses the system clock.
func NewInvites(store *db.Store, clock Clock) *Invites {
	if clock == nil {
		clock = systemClock{}
	}
	return &Invites{store: store, clock: clock}
}

// Create issues an invite for email valid for ttl (DefaultInviteTTL when zero).
func (s *Invites) Create(ctx context.Context, email string, ttl time.Duration) (*Invite, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errs.New(errs.InvalidArgument, "a valid email is required")
	}
	if ttl < 0 {
		return nil, errs.New(errs.InvalidArgument, "ttl must be positive")
	}
	if ttl == 0 {
		ttl = DefaultInviteTTL
	}

	now := s.clock.Now().UTC()
	inv := &Invite{
		ID:        "inv-" + uuid.NewString(),
		Email:     email,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO invites (id, email_normalized, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		inv.ID, inv.Email, db.FormatTime(inv.ExpiresAt), db.FormatTime(inv.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// Revoke marks an invite revoked. Revoking twice is a no-op.
func (s *Invites) Revoke(ctx context.Context, id string) error {
	res, err := s.store.DB().ExecContext(ctx, `
		UPDATE invites SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		db.FormatTime(s.clock.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("revoke invite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInviteNotFound
	}
	return nil
}

// Get loads one invite.
func (s *Invites) Get(ctx context.Context, id string) (*Invite, error) {
	var (
		inv                  Invite
		expiresAt, createdAt string
		claimedBy            sql.NullString
		claimedAt, revokedAt sql.NullString
	)
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT id, email_normalized, expires_at, claimed_by_user_id, claimed_at, revoked_at, created_at
		FROM invites WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.Email, &expiresAt, &claimedBy, &claimedAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	if inv.ExpiresAt, err = db.ParseTime(expiresAt); err != nil {
		return nil, err
	}
	if inv.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	inv.ClaimedByUserID = claimedBy.String
	if inv.ClaimedAt, err = optionalTime(claimedAt); err != nil {
		return nil, err
	}
	if inv.RevokedAt, err = optionalTime(revokedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}
