package cliauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/obs"
)

const (
	maxFingerprintLength = 256
	maxDeviceNameLength  = 128
	defaultDeviceName    = "CLI device"
)

// Device is a paired (or pairing) CLI installation.
type Device struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id,omitempty"`
	Name        string     `json:"name"`
	Fingerprint string     `json:"fingerprint"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the device is paired and not revoked.
func (d *Device) Active() bool {
	return d.UserID != "" && d.RevokedAt == nil
}

const deviceColumns = `id, user_id, device_name, device_fingerprint, last_used_at, created_at, revoked_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var (
		d                 Device
		userID            sql.NullString
		lastUsed, revoked sql.NullString
		createdAt         string
	)
	if err := row.Scan(&d.ID, &userID, &d.Name, &d.Fingerprint, &lastUsed, &createdAt, &revoked); err != nil {
		return nil, err
	}
	d.UserID = userID.String
	var err error
	if d.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.LastUsedAt, err = optionalTime(lastUsed); err != nil {
		return nil, err
	}
	if d.RevokedAt, err = optionalTime(revoked); err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalTime(ns sql.NullString) (*time.Time, error) {
	t, err := db.ParseNullTime(ns)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func cleanDeviceInput(fingerprint, name string) (string, string, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" || len(fingerprint) > maxFingerprintLength {
		return "", "", ErrInvalidDevice
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultDeviceName
	}
	if utf8.RuneCountInString(name) > maxDeviceNameLength {
		name = string([]rune(name)[:maxDeviceNameLength])
	}
	return fingerprint, name, nil
}

// RegisterDevice records an installation. For a signed-in caller it is
// idempotent per (user, fingerprint): the existing active device is returned
// with its name refreshed. Without a user the device is provisional until a
// flow for it completes.
func (c *Coordinator) RegisterDevice(ctx context.Context, userID, fingerprint, name string) (*Device, error) {
	fingerprint, name, err := cleanDeviceInput(fingerprint, name)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()

	var device *Device
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if userID != "" {
			existing, err := scanDevice(tx.QueryRowContext(ctx,
				`SELECT `+deviceColumns+` FROM cli_devices
				 WHERE user_id = ? AND device_fingerprint = ? AND revoked_at IS NULL`,
				userID, fingerprint))
			if err == nil {
				if _, err := tx.ExecContext(ctx,
					`UPDATE cli_devices SET device_name = ? WHERE id = ?`, name, existing.ID); err != nil {
					return fmt.Errorf("rename device: %w", err)
				}
				existing.Name = name
				device = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("find device: %w", err)
			}
		}

		device = &Device{
			ID:          "dev-" + uuid.NewString(),
			UserID:      userID,
			Name:        name,
			Fingerprint: fingerprint,
			CreatedAt:   now.UTC(),
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cli_devices (id, user_id, device_name, device_fingerprint, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			device.ID, nullString(userID), name, fingerprint, db.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	obs.From(ctx).Info("cli device registered", "device_id", device.ID, "paired", device.UserID != "")
	return device, nil
}

// GetDevice loads a device by id.
func (c *Coordinator) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	d, err := scanDevice(c.store.DB().QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM cli_devices WHERE id = ?`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns userID's devices, newest first, revoked ones included.
func (c *Coordinator) ListDevices(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := c.store.DB().QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM cli_devices WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RevokeDevice revokes one of userID's devices. Its refresh tokens stop
// working at their next use; their rows are not touched. Revoking twice is a
// no-op.
func (c *Coordinator) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	res, err := c.store.DB().ExecContext(ctx,
		`UPDATE cli_devices SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ? AND user_id = ?`,
		db.FormatTime(c.clock.Now()), deviceID, userID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	obs.From(ctx).Info("cli device revoked", "device_id", deviceID)
	return nil
}

// IsDeviceActive reports whether deviceID is paired and not revoked. It backs
// the bearer middleware's check of CLI access tokens.
func (c *Coordinator) IsDeviceActive(ctx context.Context, deviceID string) (bool, error) {
	var active bool
	err := c.store.DB().QueryRowContext(ctx,
		`SELECT user_id IS NOT NULL AND revoked_at IS NULL FROM cli_devices WHERE id = ?`, deviceID,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check device: %w", err)
	}
	return active, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
