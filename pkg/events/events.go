// Package events provides the wire-level event envelope written to the
// outbox and delivered to the event bus. Payload bytes are RFC 8785 (JCS)
// canonical so the payload hash is stable across producers, and every
// envelope carries the originating domain event id for consumer-side
// deduplication.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// SchemaVersion is the current event payload schema version.
const SchemaVersion = "1.2.0"

// Envelope is one event on the wire.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TraceID       string          `json:"trace_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an Envelope with canonicalized payload bytes. The id must be
// the stable domain event id (not freshly generated) so replays and
// duplicate deliveries collapse downstream.
func New(id, eventType, traceID string, occurredAt time.Time, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("events: canonicalize payload: %w", err)
	}

	return &Envelope{
		ID:            id,
		Type:          eventType,
		SchemaVersion: SchemaVersion,
		OccurredAt:    occurredAt,
		TraceID:       traceID,
		Payload:       canonical,
	}, nil
}

// PayloadHash returns the SHA-256 hex digest of the canonical payload.
func (e *Envelope) PayloadHash() string {
	sum := sha256.Sum256(e.Payload)
	return hex.EncodeToString(sum[:])
}

// Encode serializes the envelope for outbox storage.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses an envelope from outbox payload bytes.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("events: decode envelope: %w", err)
	}
	return &e, nil
}
