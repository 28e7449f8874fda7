package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/Archline-Labs/sigil/pkg/fault"
)

// EventType enumerates the domain events the aggregate can emit.
type EventType string

const (
	EventCreated       EventType = "envelope.created"
	EventSent          EventType = "envelope.sent"
	EventSignerInvited EventType = "envelope.signer_invited"
	EventSignerSigned  EventType = "envelope.signer_signed"
	EventCompleted     EventType = "envelope.completed"
	EventDeclined      EventType = "envelope.declined"
	EventExpired       EventType = "envelope.expired"
)

// DomainEvent is an event generated from aggregate state. The ID is stable
// and travels with the payload so downstream consumers can deduplicate.
type DomainEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EnvelopeID string         `json:"envelope_id"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent generates a domain event for env. Each event type is valid only
// for a fixed subset of statuses; generating one outside its valid states
// is a programming error surfaced as EventGenerationFailed, never silently
// dropped.
func (l *Lifecycle) NewEvent(env *Envelope, t EventType, now time.Time, data map[string]any) (*DomainEvent, error) {
	states, known := l.eventStates[t]
	if !known {
		return nil, fault.EventGeneration("unknown event type %s", t)
	}
	if _, ok := states[env.Status]; !ok {
		return nil, fault.EventGeneration("event %s not valid in status %s", t, env.Status)
	}

	return &DomainEvent{
		ID:         uuid.New().String(),
		Type:       t,
		EnvelopeID: env.ID,
		TenantID:   env.TenantID,
		OccurredAt: now,
		Data:       data,
	}, nil
}
