package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/logutil"
)

// maxLastErrorBytes bounds webhook_events.last_error.
const maxLastErrorBytes = 1024

// Outcome is the ledger's verdict for one delivery.
type Outcome int

const (
	// ToProcess means the event has not been applied yet.
	ToProcess Outcome = iota
	// AlreadyProcessed means an earlier delivery applied the event; this one is a no-op.
	AlreadyProcessed
)

func (o Outcome) String() string {
	if o == AlreadyProcessed {
		return "already_processed"
	}
	return "to_process"
}

// Event is one provider delivery as stored in the ledger.
type Event struct {
	ID      string
	Type    string
	Payload []byte
}

// Ledger deduplicates webhook deliveries by provider event id.
type Ledger struct {
	store *db.Store
	clock Clock
}

// NewLedger creates a Ledger. A nil clock uses the system clock.
func NewLedger(store *db.Store, clock Clock) *Ledger {
	if clock == nil {
		clock = systemClock{}
	}
	return &Ledger{store: store, clock: clock}
}

// Accept records the event if unseen and reports whether it still needs
// applying. It must run on the same transaction as the mutation and MarkProcessed.
func (l *Ledger) Accept(ctx context.Context, tx *sql.Tx, ev Event) (Outcome, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (stripe_event_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stripe_event_id) DO NOTHING`,
		ev.ID, ev.Type, string(ev.Payload), db.FormatTime(l.clock.Now()),
	)
	if err != nil {
		return ToProcess, fmt.Errorf("insert webhook event: %w", err)
	}

	var processed bool
	if err := tx.QueryRowContext(ctx,
		`SELECT processed FROM webhook_events WHERE stripe_event_id = ?`, ev.ID,
	).Scan(&processed); err != nil {
		return ToProcess, fmt.Errorf("get webhook event: %w", err)
	}
	if processed {
		return AlreadyProcessed, nil
	}
	return ToProcess, nil
}

// MarkProcessed flags the event applied.
func (l *Ledger) MarkProcessed(ctx context.Context, tx *sql.Tx, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = 1, processing_attempts = processing_attempts + 1, processed_at = ?, last_error = NULL
		WHERE stripe_event_id = ?`,
		db.FormatTime(l.clock.Now()), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}

// Apply runs accept, apply and mark-processed in one transaction. If apply
// fails nothing is committed, so the provider's retry starts from scratch.
func (l *Ledger) Apply(ctx context.Context, ev Event, apply func(tx *sql.Tx) error) (Outcome, error) {
	outcome := ToProcess
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = l.Accept(ctx, tx, ev)
		if err != nil || outcome == AlreadyProcessed {
			return err
		}
		if err := apply(tx); err != nil {
			return err
		}
		return l.MarkProcessed(ctx, tx, ev.ID)
	})
	return outcome, err
}

// RecordFailure counts a failed attempt without marking the event processed.
// It runs in its own transaction because the failed one was rolled back,
// taking the ledger row with it.
func (l *Ledger) RecordFailure(ctx context.Context, ev Event, cause error) error {
	msg := ""
	if cause != nil {
		msg = logutil.TruncateForLog(cause.Error(), maxLastErrorBytes)
	}
	_, err := l.store.DB().ExecContext(ctx, `
		INSERT INTO webhook_events (stripe_event_id, event_type, event_data, processing_attempts, last_error, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(stripe_event_id) DO UPDATE SET
			processing_attempts = processing_attempts + 1,
			last_error = excluded.last_error
		WHERE processed = 0`,
		ev.ID, ev.Type, string(ev.Payload), msg, db.FormatTime(l.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	return nil
}

// EventRecord is a ledger row, exposed for inspection and tests.
type EventRecord struct {
	ID                 string
	Type               string
	Processed          bool
	ProcessingAttempts int
	LastError          string
}

// Get returns the ledger row for eventID.
func (l *Ledger) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	var (
		rec       EventRecord
		lastError sql.NullString
	)
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT stripe_event_id, event_type, processed, processing_attempts, last_error
		FROM webhook_events WHERE stripe_event_id = ?`, eventID,
	).Scan(&rec.ID, &rec.Type, &rec.Processed, &rec.ProcessingAttempts, &lastError)
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	rec.LastError = lastError.String
	return &rec, nil
}
