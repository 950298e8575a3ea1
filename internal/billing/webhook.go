package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/obs"
)

// CheckoutGracePeriod is the provisional subscription end written when a
// checkout completes before any subscription or invoice event has reported
// the real period end.
const CheckoutGracePeriod = 31 * 24 * time.Hour

// metadataUserID is the metadata key checkout attaches to subscriptions.
const metadataUserID = "user_id"

var (
	ErrWebhookSignatureInvalid = errs.New(errs.Unauthenticated, "invalid webhook signature")
	ErrWebhookPayloadInvalid   = errs.New(errs.Unprocessable, "malformed webhook payload")
)

// WebhookProcessor verifies Stripe deliveries and applies them to
// payment_entitlements through the Ledger.
type WebhookProcessor struct {
	secret string
	ledger *Ledger
	clock  Clock
}

// NewWebhookProcessor creates a processor for the given endpoint secret.
func NewWebhookProcessor(secret string, ledger *Ledger, clock Clock) *WebhookProcessor {
	if clock == nil {
		clock = systemClock{}
	}
	return &WebhookProcessor{secret: secret, ledger: ledger, clock: clock}
}

// Handle verifies the signature, decodes the event and applies it at most once.
// The signature is checked before anything touches the ledger.
func (p *WebhookProcessor) Handle(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	if err := webhook.ValidatePayload(payload, sigHeader, p.secret); err != nil {
		return ToProcess, errs.Wrap(errs.Unauthenticated, "invalid webhook signature", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return ToProcess, errs.Wrap(errs.Unprocessable, "malformed webhook payload", err)
	}
	if event.ID == "" || event.Type == "" {
		return ToProcess, ErrWebhookPayloadInvalid
	}
	return p.Apply(ctx, event, payload)
}

// Apply runs a decoded event through the ledger. Failures are recorded on
// the ledger row and returned so the provider retries.
func (p *WebhookProcessor) Apply(ctx context.Context, event stripe.Event, payload []byte) (Outcome, error) {
	ev := Event{ID: event.ID, Type: string(event.Type), Payload: payload}
	logger := obs.From(ctx).With("event_id", ev.ID, "event_type", ev.Type)

	outcome, err := p.ledger.Apply(ctx, ev, func(tx *sql.Tx) error {
		return p.route(ctx, tx, event)
	})
	if err != nil {
		logger.Warn("webhook apply failed", "error", err)
		if recErr := p.ledger.RecordFailure(ctx, ev, err); recErr != nil {
			logger.Error("webhook failure not recorded", "error", recErr)
		}
		return outcome, err
	}
	if outcome == AlreadyProcessed {
		logger.Info("webhook already processed, skipping")
	} else {
		logger.Info("webhook processed")
	}
	return outcome, nil
}

func (p *WebhookProcessor) route(ctx context.Context, tx *sql.Tx, event stripe.Event) error {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	at := unixTime(event.Created)

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, tx, raw, at)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, tx, raw, at, false)
	case "customer.subscription.deleted":
		return p.handleSubscriptionChanged(ctx, tx, raw, at, true)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoice(ctx, tx, raw, at, StatusActive)
	case "invoice.payment_failed":
		return p.handleInvoice(ctx, tx, raw, at, StatusFailed)
	default:
		obs.From(ctx).Info("unhandled webhook event type recorded", "event_type", string(event.Type))
		return nil
	}
}

func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, tx *sql.Tx, raw json.RawMessage, at *time.Time) error {
	var cs stripe.CheckoutSession
	if err := decodeObject(raw, &cs); err != nil {
		return err
	}

	customerID := ""
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}
	subscriptionID := ""
	if cs.Subscription != nil {
		subscriptionID = cs.Subscription.ID
	}

	userID, ok, err := resolveUser(ctx, tx, cs.ClientReferenceID, customerID)
	if err != nil || !ok {
		return err
	}

	now := p.clock.Now()
	end, err := currentEndDate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if end == nil || !end.After(now) {
		provisional := now.Add(CheckoutGracePeriod)
		end = &provisional
	}

	return upsertEntitlement(ctx, tx, entitlementUpdate{
		UserID:         userID,
		Status:         StatusActive,
		PaymentType:    string(cs.Mode),
		EndDate:        end,
		LastPayment:    &now,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		EventAt:        at,
	}, now)
}

// subscriptionPeriods reads current_period_end from the subscription or,
// on newer API versions, from its items.
type subscriptionPeriods struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionPeriods) end() *time.Time {
	latest := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > latest {
			latest = item.CurrentPeriodEnd
		}
	}
	return unixTime(latest)
}

func (p *WebhookProcessor) handleSubscriptionChanged(ctx context.Context, tx *sql.Tx, raw json.RawMessage, at *time.Time, deleted bool) error {
	var sub stripe.Subscription
	if err := decodeObject(raw, &sub); err != nil {
		return err
	}
	var periods subscriptionPeriods
	if err := decodeObject(raw, &periods); err != nil {
		return err
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	userID, ok, err := resolveUser(ctx, tx, sub.Metadata[metadataUserID], customerID)
	if err != nil || !ok {
		return err
	}

	status := MapSubscriptionStatus(sub.Status)
	if deleted {
		status = StatusCancelled
	}
	return upsertEntitlement(ctx, tx, entitlementUpdate{
		UserID:         userID,
		Status:         status,
		PaymentType:    "subscription",
		EndDate:        periods.end(),
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
		EventAt:        at,
	}, p.clock.Now())
}

// invoiceFields covers the parts of an invoice the entitlement needs, across
// the legacy and current placement of subscription details.
type invoiceFields struct {
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Metadata     map[string]string `json:"metadata"`
			Subscription json.RawMessage   `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (f invoiceFields) userID() string {
	if id := f.Parent.SubscriptionDetails.Metadata[metadataUserID]; id != "" {
		return id
	}
	return f.SubscriptionDetails.Metadata[metadataUserID]
}

func (f invoiceFields) periodEnd() *time.Time {
	var latest int64
	for _, line := range f.Lines.Data {
		if line.Period.End > latest {
			latest = line.Period.End
		}
	}
	return unixTime(latest)
}

func (p *WebhookProcessor) handleInvoice(ctx context.Context, tx *sql.Tx, raw json.RawMessage, at *time.Time, status Status) error {
	var invoice stripe.Invoice
	if err := decodeObject(raw, &invoice); err != nil {
		return err
	}
	var fields invoiceFields
	if err := decodeObject(raw, &fields); err != nil {
		return err
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	userID, ok, err := resolveUser(ctx, tx, fields.userID(), customerID)
	if err != nil || !ok {
		return err
	}

	subscriptionID := ""
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil && invoice.Parent.SubscriptionDetails.Subscription != nil {
		subscriptionID = invoice.Parent.SubscriptionDetails.Subscription.ID
	}

	now := p.clock.Now()
	upd := entitlementUpdate{
		UserID:         userID,
		Status:         status,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		EventAt:        at,
	}
	if status == StatusActive {
		upd.EndDate = fields.periodEnd()
		upd.LastPayment = &now
	}
	return upsertEntitlement(ctx, tx, upd, now)
}

// MapSubscriptionStatus folds Stripe's subscription lifecycle into the five
// persisted statuses.
func MapSubscriptionStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return StatusActive
	case stripe.SubscriptionStatusCanceled:
		return StatusCancelled
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return StatusFailed
	case stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusPaused:
		return StatusExpired
	default:
		return StatusPending
	}
}

type entitlementUpdate struct {
	UserID         string
	Status         Status
	PaymentType    string
	EndDate        *time.Time
	LastPayment    *time.Time
	CustomerID     string
	SubscriptionID string
	// EventAt is the provider's creation time of the event. Nil means the
	// event carries no time and is applied in arrival order.
	EventAt *time.Time
}

// upsertEntitlement writes status unconditionally; every other column keeps
// its stored value when the update leaves it empty. An update whose EventAt
// is older than the last event applied to the row is skipped, so a late
// delivery cannot undo a newer state.
func upsertEntitlement(ctx context.Context, tx *sql.Tx, u entitlementUpdate, now time.Time) error {
	if u.EventAt != nil {
		last, err := lastEventAt(ctx, tx, u.UserID)
		if err != nil {
			return err
		}
		if last != nil && u.EventAt.Before(*last) {
			obs.From(ctx).Info("stale webhook event skipped",
				"user_id", u.UserID, "event_at", u.EventAt.Format(time.RFC3339), "last_event_at", last.Format(time.RFC3339))
			return nil
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_entitlements
			(user_id, payment_status, payment_type, subscription_end_date, last_payment_date,
			 stripe_customer_id, stripe_subscription_id, last_event_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			payment_status = excluded.payment_status,
			payment_type = CASE WHEN excluded.payment_type <> '' THEN excluded.payment_type ELSE payment_entitlements.payment_type END,
			subscription_end_date = COALESCE(excluded.subscription_end_date, payment_entitlements.subscription_end_date),
			last_payment_date = COALESCE(excluded.last_payment_date, payment_entitlements.last_payment_date),
			stripe_customer_id = COALESCE(excluded.stripe_customer_id, payment_entitlements.stripe_customer_id),
			stripe_subscription_id = COALESCE(excluded.stripe_subscription_id, payment_entitlements.stripe_subscription_id),
			last_event_at = CASE
				WHEN payment_entitlements.last_event_at IS NULL OR excluded.last_event_at > payment_entitlements.last_event_at
				THEN COALESCE(excluded.last_event_at, payment_entitlements.last_event_at)
				ELSE payment_entitlements.last_event_at END,
			updated_at = excluded.updated_at`,
		u.UserID, string(u.Status), u.PaymentType,
		nullTimePtr(u.EndDate), nullTimePtr(u.LastPayment),
		nullString(u.CustomerID), nullString(u.SubscriptionID),
		nullTimePtr(u.EventAt), db.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert payment entitlement: %w", err)
	}
	obs.From(ctx).Info("entitlement updated", "user_id", u.UserID, "payment_status", string(u.Status))
	return nil
}

// resolveUser maps an event to a local user: an explicit user id first (client
// reference or subscription metadata), then the stored customer mapping.
// ok=false means the event belongs to nobody we know and is a no-op.
func resolveUser(ctx context.Context, tx *sql.Tx, explicitUserID, customerID string) (string, bool, error) {
	if explicitUserID != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = ?)`, explicitUserID,
		).Scan(&exists); err != nil {
			return "", false, fmt.Errorf("check user: %w", err)
		}
		if exists {
			return explicitUserID, true, nil
		}
	}
	if customerID != "" {
		var userID string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM payment_entitlements WHERE stripe_customer_id = ?`, customerID,
		).Scan(&userID)
		if err == nil {
			return userID, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("get customer mapping: %w", err)
		}
	}
	obs.From(ctx).Warn("webhook references unknown user, skipping",
		"user_id", explicitUserID, "customer_id", customerID)
	return "", false, nil
}

func lastEventAt(ctx context.Context, tx *sql.Tx, userID string) (*time.Time, error) {
	var last sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT last_event_at FROM payment_entitlements WHERE user_id = ?`, userID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last event time: %w", err)
	}
	return optionalTime(last)
}

func currentEndDate(ctx context.Context, tx *sql.Tx, userID string) (*time.Time, error) {
	var end sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT subscription_end_date FROM payment_entitlements WHERE user_id = ?`, userID,
	).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription end: %w", err)
	}
	return optionalTime(end)
}

func decodeObject(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrWebhookPayloadInvalid
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.Unprocessable, "malformed webhook payload", err)
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return db.NullTime(*t)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
