package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/obs"
)

// PasswordResetTTL bounds how long a reset link works.
const PasswordResetTTL = time.Hour

// PasswordResets issues and redeems single-use reset tokens for local accounts.
type PasswordResets struct {
	store       *db.Store
	users       *UserStore
	mailer      email.EmailService
	frontendURL string
	clock       Clock
}

// NewPasswordResets creates the reset service. Links point at frontendURL.
func NewPasswordResets(store *db.Store, users *UserStore, mailer email.EmailService, frontendURL string, clock Clock) *PasswordResets {
	if clock == nil {
		clock = realClock{}
	}
	return &PasswordResets{store: store, users: users, mailer: mailer, frontendURL: frontendURL, clock: clock}
}

// Request emails a reset link when emailAddr belongs to a local account.
// It returns nil for unknown addresses so callers cannot enumerate accounts.
func (p *PasswordResets) Request(ctx context.Context, emailAddr string) error {
	logger := obs.From(ctx)
	u, err := p.users.GetByEmail(ctx, emailAddr)
	if errors.Is(err, ErrUserNotFound) {
		logger.Info("password reset for unknown email ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if u.Provider != ProviderLocal {
		logger.Info("password reset for oauth account ignored", "user_id", u.ID)
		return nil
	}

	token, err := generateSecureToken(32)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	_, err = p.store.DB().ExecContext(ctx, `
		INSERT INTO password_resets (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		HashToken(token), u.ID, db.FormatTime(now.Add(PasswordResetTTL)), db.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	link := p.frontendURL + "/reset-password?token=" + url.QueryEscape(token)
	if err := p.mailer.Send(ctx, u.Email, email.TemplatePasswordReset, email.PasswordResetData{
		Link:      link,
		ExpiresIn: "1 hour",
	}); err != nil {
		return fmt.Errorf("send reset email: %w", err)
	}
	logger.Info("password reset issued", "user_id", u.ID)
	return nil
}

// Confirm redeems token and sets newPassword. A token works once.
func (p *PasswordResets) Confirm(ctx context.Context, token, newPassword string) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	now := db.FormatTime(p.clock.Now())
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, `
			SELECT user_id FROM password_resets
			WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`,
			HashToken(token), now,
		).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidResetToken
		}
		if err != nil {
			return fmt.Errorf("get reset token: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE password_resets SET used_at = ? WHERE token_hash = ? AND used_at IS NULL`,
			now, HashToken(token))
		if err != nil {
			return fmt.Errorf("consume reset token: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrInvalidResetToken
		}
		if err := p.users.setPassword(ctx, tx, userID, newPassword); err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return ErrInvalidResetToken
			}
			return err
		}
		obs.From(ctx).Info("password reset completed", "user_id", userID)
		return nil
	})
}
