// Package billing resolves payment entitlements and applies payment-provider
// webhooks to them exactly once.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/gatehouse/internal/db"
)

// Status is the persisted payment_status of an entitlement row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Entitlement is the resolved view of whether a user may use paid features.
type Entitlement struct {
	UserID              string     `json:"user_id"`
	PaymentStatus       Status     `json:"payment_status"`
	PaymentType         string     `json:"payment_type,omitempty"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	LastPaymentDate     *time.Time `json:"last_payment_date,omitempty"`
	HasValidInvite      bool       `json:"has_valid_invite"`
	PaymentRequired     bool       `json:"payment_required"`
}

// Entitled reports whether the user may access paid functionality.
func (e *Entitlement) Entitled() bool {
	return e != nil && !e.PaymentRequired
}

// paymentRequired is the single place the entitlement rule is evaluated.
func paymentRequired(hasValidInvite bool, status Status, end *time.Time, now time.Time) bool {
	if hasValidInvite {
		return false
	}
	return !(status == StatusActive && end != nil && end.After(now))
}

// Resolver computes entitlements from invites and payment_entitlements rows.
type Resolver struct {
	store *db.Store
	clock Clock
}

// NewResolver creates a Resolver. A nil clock uses the system clock.
func NewResolver(store *db.Store, clock Clock) *Resolver {
	if clock == nil {
		clock = systemClock{}
	}
	return &Resolver{store: store, clock: clock}
}

// Resolve returns the entitlement for userID. It only reads; a user with no
// payment row resolves as pending.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Entitlement, error) {
	return resolve(ctx, r.store.DB(), userID, r.clock.Now())
}

func resolve(ctx context.Context, q db.Querier, userID string, now time.Time) (*Entitlement, error) {
	ent := &Entitlement{UserID: userID, PaymentStatus: StatusPending}

	invited, err := hasValidInvite(ctx, q, userID, now)
	if err != nil {
		return nil, err
	}
	ent.HasValidInvite = invited

	var (
		status      string
		paymentType string
		endDate     sql.NullString
		lastPayment sql.NullString
	)
	err = q.QueryRowContext(ctx, `
		SELECT payment_status, payment_type, subscription_end_date, last_payment_date
		FROM payment_entitlements WHERE user_id = ?`, userID,
	).Scan(&status, &paymentType, &endDate, &lastPayment)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("get payment entitlement: %w", err)
	default:
		ent.PaymentStatus = Status(status)
		ent.PaymentType = paymentType
		if ent.SubscriptionEndDate, err = optionalTime(endDate); err != nil {
			return nil, err
		}
		if ent.LastPaymentDate, err = optionalTime(lastPayment); err != nil {
			return nil, err
		}
	}

	ent.PaymentRequired = paymentRequired(ent.HasValidInvite, ent.PaymentStatus, ent.SubscriptionEndDate, now)
	return ent, nil
}

// hasValidInvite matches invites by the user's normalized email. An invite
// claimed by someone else no longer counts.
func hasValidInvite(ctx context.Context, q db.Querier, userID string, now time.Time) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invites i
			JOIN users u ON u.email_normalized = i.email_normalized
			WHERE u.id = ?
			  AND i.revoked_at IS NULL
			  AND i.expires_at > ?
			  AND (i.claimed_by_user_id IS NULL OR i.claimed_by_user_id = u.id)
		)`, userID, db.FormatTime(now),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check invites: %w", err)
	}
	return ok, nil
}

// ClaimInvites binds every unclaimed valid invite for the user's email to the
// user. Called on login and registration so a later account with the same
// address cannot reuse them.
func (r *Resolver) ClaimInvites(ctx context.Context, userID string) (int64, error) {
	now := db.FormatTime(r.clock.Now())
	res, err := r.store.DB().ExecContext(ctx, `
		UPDATE invites SET claimed_by_user_id = ?, claimed_at = ?
		WHERE claimed_by_user_id IS NULL
		  AND revoked_at IS NULL
		  AND expires_at > ?
		  AND email_normalized = (SELECT email_normalized FROM users WHERE id = ?)`,
		userID, now, now, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("claim invites: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claim invites rows: %w", err)
	}
	return n, nil
}

// ResolveAfterLogin claims pending invites and resolves the entitlement.
func (r *Resolver) ResolveAfterLogin(ctx context.Context, userID string) (*Entitlement, error) {
	if _, err := r.ClaimInvites(ctx, userID); err != nil {
		return nil, err
	}
	return r.Resolve(ctx, userID)
}

func optionalTime(ns sql.NullString) (*time.Time, error) {
	t, err := db.ParseNullTime(ns)
	if err != nil {
		return nil, err
	}
	if t.IsZero() {
		return nil, nil
	}
	return &t, nil
}
