// Package outbox implements reliable event delivery: domain events are
// durably recorded next to their state mutation and delivered to the event
// bus by a change-feed processor (primary) with a periodic sweep publisher
// as backstop. Delivery is at-least-once; rows are marked dispatched only
// after the bus accepts the publish, and marking is idempotent so both
// paths can race safely.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Archline-Labs/sigil/pkg/events"
)

// DispatchStatus is the delivery state of an outbox row.
type DispatchStatus string

const (
	StatusPending    DispatchStatus = "PENDING"
	StatusDispatched DispatchStatus = "DISPATCHED"
	StatusFailed     DispatchStatus = "FAILED"
)

// Record is one durable pending event.
type Record struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	Payload    []byte         `json:"payload"` // serialized events.Envelope
	OccurredAt time.Time      `json:"occurred_at"`
	Status     DispatchStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	TraceID    string         `json:"trace_id,omitempty"`
}

// Store is the durable outbox table.
type Store interface {
	// Append inserts a pending record (put-if-absent on id).
	Append(ctx context.Context, rec *Record) error
	// ListPending returns up to limit pending rows, oldest first.
	ListPending(ctx context.Context, limit int) ([]Record, error)
	// CountByStatus returns the number of rows in the given status.
	CountByStatus(ctx context.Context, status DispatchStatus) (int, error)
	// MarkDispatched marks a row delivered. Idempotent: marking an
	// already-dispatched row is not an error.
	MarkDispatched(ctx context.Context, id string) error
	// MarkFailed records a failed attempt.
	MarkFailed(ctx context.Context, id string, attempts int) error
}

// Bus delivers events to downstream consumers. Publish returning nil means
// the bus accepted the batch; there is no further synchronous ack.
type Bus interface {
	Publish(ctx context.Context, batch []*events.Envelope) error
}

// NewRecord wraps an event envelope into a pending outbox record. The
// record id is its own identity; the event keeps its stable domain id for
// consumer dedup.
func NewRecord(ev *events.Envelope) (*Record, error) {
	payload, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:         uuid.New().String(),
		EventType:  ev.Type,
		Payload:    payload,
		OccurredAt: ev.OccurredAt,
		Status:     StatusPending,
		Attempts:   0,
		TraceID:    ev.TraceID,
	}, nil
}
