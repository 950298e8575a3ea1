package cliauth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/obs"
)

// Tokens is a CLI credential pair. The refresh token is shown exactly once.
type Tokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	DeviceID         string    `json:"device_id"`
	UserID           string    `json:"user_id"`
}

func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return "ghr_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// issueTokens stores a fresh refresh token for the device, touches the
// device and signs an access token. It returns the refresh token's row id.
func (c *Coordinator) issueTokens(ctx context.Context, tx *sql.Tx, userID, deviceID string, now time.Time) (string, *Tokens, error) {
	refresh, err := newRefreshToken()
	if err != nil {
		return "", nil, err
	}
	id := "rt-" + uuid.NewString()
	refreshExpires := now.Add(c.cfg.RefreshTTL).UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cli_refresh_tokens (id, device_id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, deviceID, userID, auth.HashToken(refresh), db.FormatTime(refreshExpires), db.FormatTime(now)); err != nil {
		return "", nil, fmt.Errorf("insert refresh token: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cli_devices SET last_used_at = ? WHERE id = ?`, db.FormatTime(now), deviceID); err != nil {
		return "", nil, fmt.Errorf("touch device: %w", err)
	}

	access, accessExpires, err := c.issuer.IssueCLI(userID, deviceID)
	if err != nil {
		return "", nil, err
	}
	return id, &Tokens{
		AccessToken:      access,
		AccessExpiresAt:  accessExpires,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpires,
		DeviceID:         deviceID,
		UserID:           userID,
	}, nil
}

// Refresh rotates a refresh token. The presented token is revoked and
// replaced in the same transaction, so of two concurrent refreshes with the
// same token exactly one succeeds and the other gets ErrRefreshTokenReused.
// deviceID is optional; when given it must match the token's device.
func (c *Coordinator) Refresh(ctx context.Context, deviceID, refreshToken string) (*Tokens, error) {
	now := c.clock.Now()
	var tokens *Tokens
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			id, tokenDevice, userID, expiresAt string
			revokedAt, replacedBy              sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, device_id, user_id, expires_at, revoked_at, replaced_by
			FROM cli_refresh_tokens WHERE token_hash = ?`, auth.HashToken(refreshToken),
		).Scan(&id, &tokenDevice, &userID, &expiresAt, &revokedAt, &replacedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return fmt.Errorf("get refresh token: %w", err)
		}
		if deviceID != "" && deviceID != tokenDevice {
			return ErrInvalidRefreshToken
		}
		if err := checkDeviceActive(ctx, tx, tokenDevice); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				return ErrDeviceRevoked
			}
			return err
		}
		if revokedAt.Valid {
			if replacedBy.Valid {
				return ErrRefreshTokenReused
			}
			return ErrRefreshTokenRevoked
		}
		expires, err := db.ParseTime(expiresAt)
		if err != nil {
			return err
		}
		if !now.Before(expires) {
			return ErrRefreshTokenExpired
		}

		newID, issued, err := c.issueTokens(ctx, tx, userID, tokenDevice, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE cli_refresh_tokens SET revoked_at = ?, replaced_by = ?, last_used_at = ?
			WHERE id = ? AND revoked_at IS NULL`,
			db.FormatTime(now), newID, db.FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("rotate refresh token: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrRefreshTokenReused
		}
		tokens = issued
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenReused) {
			obs.From(ctx).Warn("refresh token reuse detected", "device_id", deviceID)
		}
		return nil, err
	}
	obs.From(ctx).Info("cli tokens refreshed", "device_id", tokens.DeviceID)
	return tokens, nil
}

// RevokeRefreshTokens revokes every live refresh token of a device. Used on
// logout from the CLI.
func (c *Coordinator) RevokeRefreshTokens(ctx context.Context, deviceID string) error {
	_, err := c.store.DB().ExecContext(ctx,
		`UPDATE cli_refresh_tokens SET revoked_at = ? WHERE device_id = ? AND revoked_at IS NULL`,
		db.FormatTime(c.clock.Now()), deviceID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
