package outbox

import (
	"context"
	"log/slog"

	"github.com/Archline-Labs/sigil/pkg/events"
)

// Change-feed event names.
const (
	ChangeInsert = "INSERT"
	ChangeModify = "MODIFY"
	ChangeRemove = "REMOVE"
)

// ChangeEvent is one record from the storage engine's change feed.
type ChangeEvent struct {
	EventName string
	NewImage  *Record
}

// StreamProcessor is the primary delivery path: it reacts to newly inserted
// outbox rows from the change feed and publishes them immediately. The
// feed's own redelivery guarantees provide retry; no manual retry loop
// lives here. Handlers must tolerate being invoked more than once for the
// same record.
type StreamProcessor struct {
	store Store
	bus   Bus
	log   *slog.Logger
}

// NewStreamProcessor creates a change-feed handler.
func NewStreamProcessor(store Store, bus Bus, log *slog.Logger) *StreamProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &StreamProcessor{
		store: store,
		bus:   bus,
		log:   log.With("component", "outbox.stream"),
	}
}

// Handle processes one change-feed record. Non-insert events and rows
// already past PENDING are skipped. A returned error signals the feed to
// redeliver.
func (sp *StreamProcessor) Handle(ctx context.Context, ce ChangeEvent) error {
	if ce.EventName != ChangeInsert || ce.NewImage == nil {
		return nil
	}
	rec := ce.NewImage
	if rec.Status != StatusPending {
		return nil
	}

	ev, err := events.Decode(rec.Payload)
	if err != nil {
		// Corrupt payloads never become deliverable; park as failed.
		sp.log.Error("corrupt outbox payload",
			"record_id", rec.ID, "event_type", rec.EventType, "error", err)
		return sp.store.MarkFailed(ctx, rec.ID, rec.Attempts+1)
	}

	if err := sp.bus.Publish(ctx, []*events.Envelope{ev}); err != nil {
		sp.log.Error("stream publish failed",
			"record_id", rec.ID,
			"event_type", rec.EventType,
			"attempts", rec.Attempts+1,
			"error", err)
		return err
	}

	// MarkDispatched is idempotent; a concurrent sweep marking the same
	// row is harmless.
	return sp.store.MarkDispatched(ctx, rec.ID)
}
