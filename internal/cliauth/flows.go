package cliauth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/pkce"
)

// FlowStatus is the lifecycle state of an authorization flow.
type FlowStatus string

const (
	FlowPending   FlowStatus = "pending"
	FlowCompleted FlowStatus = "completed"
	FlowExpired   FlowStatus = "expired"
)

// Flow is a started pairing, as returned to the CLI.
type Flow struct {
	ID              string    `json:"flow_id"`
	DeviceID        string    `json:"device_id"`
	State           string    `json:"state"`
	VerificationURL string    `json:"verification_url"`
	ExpiresAt       time.Time `json:"expires_at"`
	Interval        int       `json:"interval"`
}

// FlowDescription is what the verification page shows before the human
// approves.
type FlowDescription struct {
	DeviceName string     `json:"device_name"`
	Status     FlowStatus `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// PollResult is the answer to a poll. Tokens is set once Status is
// completed.
type PollResult struct {
	Status FlowStatus `json:"status"`
	*Tokens
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate flow state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StartFlow opens a pending flow for deviceID bound to an S256 challenge.
func (c *Coordinator) StartFlow(ctx context.Context, deviceID, codeChallenge, method string) (*Flow, error) {
	if method != "" && method != pkce.MethodS256 {
		return nil, ErrInvalidChallenge
	}
	if !pkce.ValidChallenge(codeChallenge) {
		return nil, ErrInvalidChallenge
	}
	device, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	flow := &Flow{
		ID:              "flow-" + uuid.NewString(),
		DeviceID:        deviceID,
		State:           state,
		VerificationURL: c.cfg.FrontendURL + "/cli/verify?state=" + url.QueryEscape(state),
		ExpiresAt:       now.Add(c.cfg.FlowTTL).UTC(),
		Interval:        int(c.cfg.PollInterval / time.Second),
	}
	_, err = c.store.DB().ExecContext(ctx, `
		INSERT INTO cli_auth_flows (id, device_id, state, code_challenge, challenge_method, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, 'S256', 'pending', ?, ?)`,
		flow.ID, deviceID, state, codeChallenge, db.FormatTime(flow.ExpiresAt), db.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert flow: %w", err)
	}
	obs.From(ctx).Info("cli flow started", "flow_id", flow.ID, "device_id", deviceID)
	return flow, nil
}

// DescribeFlow returns the pending flow identified by state.
func (c *Coordinator) DescribeFlow(ctx context.Context, state string) (*FlowDescription, error) {
	var (
		d         FlowDescription
		status    string
		expiresAt string
	)
	err := c.store.DB().QueryRowContext(ctx, `
		SELECT d.device_name, f.status, f.expires_at
		FROM cli_auth_flows f JOIN cli_devices d ON d.id = f.device_id
		WHERE f.state = ?`, state,
	).Scan(&d.DeviceName, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	if d.ExpiresAt, err = db.ParseTime(expiresAt); err != nil {
		return nil, err
	}
	d.Status = FlowStatus(status)
	if d.Status != FlowPending || !c.clock.Now().Before(d.ExpiresAt) {
		return nil, ErrFlowExpired
	}
	return &d, nil
}

// CompleteFlow is called by the signed-in human from the verification page.
// It binds the flow's device to userID and moves the flow to completed. A
// provisional device is claimed; re-pairing an installation that already has
// an active device for this user supersedes the old device.
func (c *Coordinator) CompleteFlow(ctx context.Context, userID, state string) (*Device, error) {
	now := c.clock.Now()
	var device *Device
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			flowID, deviceID, status, expiresAt string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, device_id, status, expires_at FROM cli_auth_flows WHERE state = ?`, state,
		).Scan(&flowID, &deviceID, &status, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFlowNotFound
		}
		if err != nil {
			return fmt.Errorf("get flow: %w", err)
		}
		expires, err := db.ParseTime(expiresAt)
		if err != nil {
			return err
		}
		if FlowStatus(status) != FlowPending || !now.Before(expires) {
			return ErrFlowExpired
		}

		device, err = scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM cli_devices WHERE id = ?`, deviceID))
		if err != nil {
			return fmt.Errorf("get flow device: %w", err)
		}
		if device.RevokedAt != nil {
			return ErrDeviceRevoked
		}
		switch device.UserID {
		case userID:
		case "":
			if _, err := tx.ExecContext(ctx, `
				UPDATE cli_devices SET revoked_at = ?
				WHERE user_id = ? AND device_fingerprint = ? AND revoked_at IS NULL`,
				db.FormatTime(now), userID, device.Fingerprint); err != nil {
				return fmt.Errorf("supersede device: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE cli_devices SET user_id = ? WHERE id = ?`, userID, deviceID); err != nil {
				return fmt.Errorf("claim device: %w", err)
			}
			device.UserID = userID
		default:
			return ErrDeviceNotOwned
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE cli_auth_flows
			SET status = 'completed', user_id = ?, completed_at = ?
			WHERE id = ? AND status = 'pending'`,
			userID, db.FormatTime(now), flowID)
		if err != nil {
			return fmt.Errorf("complete flow: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrFlowExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	obs.From(ctx).Info("cli flow completed", "device_id", device.ID)
	c.notifyPaired(ctx, userID, device, now)
	return device, nil
}

func (c *Coordinator) notifyPaired(ctx context.Context, userID string, device *Device, at time.Time) {
	if c.mailer == nil {
		return
	}
	u, err := c.users.GetByID(ctx, userID)
	if err != nil {
		obs.From(ctx).Warn("device paired email skipped", "error", err)
		return
	}
	if err := c.mailer.Send(ctx, u.Email, email.TemplateDevicePaired, email.DevicePairedData{
		DeviceName: device.Name,
		PairedAt:   at.UTC().Format(time.RFC1123),
	}); err != nil {
		obs.From(ctx).Warn("device paired email failed", "error", err)
	}
}

// Poll reports a flow's progress to the CLI. A completed flow is redeemed
// exactly once: the matching verifier gets an access token and a refresh
// token, and any later poll gets ErrFlowExpired. A wrong verifier does not
// spend the flow.
func (c *Coordinator) Poll(ctx context.Context, flowID, codeVerifier string) (*PollResult, error) {
	now := c.clock.Now()
	var (
		result     *PollResult
		lapsedFlow bool
	)
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			deviceID, status, challenge, expiresAt string
			userID, redeemedAt                     sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
			SELECT device_id, status, code_challenge, user_id, expires_at, redeemed_at
			FROM cli_auth_flows WHERE id = ?`, flowID,
		).Scan(&deviceID, &status, &challenge, &userID, &expiresAt, &redeemedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFlowNotFound
		}
		if err != nil {
			return fmt.Errorf("get flow: %w", err)
		}
		expires, err := db.ParseTime(expiresAt)
		if err != nil {
			return err
		}
		expired := !now.Before(expires)

		switch FlowStatus(status) {
		case FlowPending:
			if expired {
				if _, err := tx.ExecContext(ctx,
					`UPDATE cli_auth_flows SET status = 'expired' WHERE id = ? AND status = 'pending'`, flowID); err != nil {
					return fmt.Errorf("expire flow: %w", err)
				}
				lapsedFlow = true
				return nil
			}
			result = &PollResult{Status: FlowPending}
			return nil
		case FlowCompleted:
		default:
			return ErrFlowExpired
		}
		if redeemedAt.Valid || expired {
			return ErrFlowExpired
		}
		if err := pkce.Verify(challenge, codeVerifier); err != nil {
			return ErrPKCEMismatch
		}
		if err := checkDeviceActive(ctx, tx, deviceID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE cli_auth_flows SET redeemed_at = ? WHERE id = ? AND redeemed_at IS NULL`,
			db.FormatTime(now), flowID)
		if err != nil {
			return fmt.Errorf("redeem flow: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrFlowExpired
		}

		_, tokens, err := c.issueTokens(ctx, tx, userID.String, deviceID, now)
		if err != nil {
			return err
		}
		result = &PollResult{Status: FlowCompleted, Tokens: tokens}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lapsedFlow {
		return nil, ErrFlowExpired
	}
	if result.Status == FlowCompleted {
		obs.From(ctx).Info("cli flow redeemed", "flow_id", flowID, "device_id", result.DeviceID)
	}
	return result, nil
}

// flowRetention is how long finished flows are kept after expiry.
const flowRetention = 24 * time.Hour

// Sweep marks pending flows past their expiry as expired, drops flows that
// expired more than a day ago and deletes refresh tokens that can no longer
// be used.
func (c *Coordinator) Sweep(ctx context.Context) (flows, tokens int64, err error) {
	nowT := c.clock.Now()
	now := db.FormatTime(nowT)
	res, err := c.store.DB().ExecContext(ctx,
		`UPDATE cli_auth_flows SET status = 'expired' WHERE status = 'pending' AND expires_at <= ?`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("expire flows: %w", err)
	}
	flows, _ = res.RowsAffected()

	if _, err := c.store.DB().ExecContext(ctx,
		`DELETE FROM cli_auth_flows WHERE expires_at <= ?`, db.FormatTime(nowT.Add(-flowRetention))); err != nil {
		return flows, 0, fmt.Errorf("delete old flows: %w", err)
	}

	res, err = c.store.DB().ExecContext(ctx,
		`DELETE FROM cli_refresh_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return flows, 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	tokens, _ = res.RowsAffected()
	return flows, tokens, nil
}

func checkDeviceActive(ctx context.Context, q db.Querier, deviceID string) error {
	var (
		userID  sql.NullString
		revoked sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT user_id, revoked_at FROM cli_devices WHERE id = ?`, deviceID,
	).Scan(&userID, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if revoked.Valid || !userID.Valid {
		return ErrDeviceRevoked
	}
	return nil
}
