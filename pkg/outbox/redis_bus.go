package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Archline-Labs/sigil/pkg/events"
)

// RedisBus publishes events to a Redis Stream via XADD. Consumers read the
// stream with consumer groups and deduplicate on the event id field.
type RedisBus struct {
	client *redis.Client
	stream string
}

// NewRedisBus creates a bus writing to the given stream.
func NewRedisBus(addr, password string, db int, stream string) *RedisBus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisBus{client: rdb, stream: stream}
}

// Publish appends the batch to the stream. The whole batch fails on the
// first XADD error so the caller's outbox row stays pending.
func (b *RedisBus) Publish(ctx context.Context, batch []*events.Envelope) error {
	for _, ev := range batch {
		values := map[string]any{
			"id":             ev.ID,
			"type":           ev.Type,
			"schema_version": ev.SchemaVersion,
			"occurred_at":    ev.OccurredAt.UTC().Format(time.RFC3339Nano),
			"payload":        string(ev.Payload),
		}
		if ev.TraceID != "" {
			values["trace_id"] = ev.TraceID
		}
		if err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.stream,
			Values: values,
		}).Err(); err != nil {
			return fmt.Errorf("redis bus publish %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBus) Close() error { return b.client.Close() }

// MemoryBus collects published events in memory. Used in tests and local
// development wiring.
type MemoryBus struct {
	mu     sync.Mutex
	events []*events.Envelope

	// FailNext makes the next n Publish calls fail, for simulating bus
	// outages in tests.
	FailNext int
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(_ context.Context, batch []*events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNext > 0 {
		b.FailNext--
		return fmt.Errorf("memory bus: simulated outage")
	}
	b.events = append(b.events, batch...)
	return nil
}

// Events returns a snapshot of everything published so far.
func (b *MemoryBus) Events() []*events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*events.Envelope, len(b.events))
	copy(out, b.events)
	return out
}
