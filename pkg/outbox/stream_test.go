package outbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/outbox"
	"github.com/Archline-Labs/sigil/pkg/store"
)

func TestStreamHandle_PublishesInsertedRecord(t *testing.T) {
	mem := store.NewMemory()
	bus := outbox.NewMemoryBus()
	sp := outbox.NewStreamProcessor(mem.Outbox(), bus, nil)
	ctx := context.Background()

	rec := pendingRecord(t, "ev-1")
	require.NoError(t, mem.Outbox().Append(ctx, rec))

	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{
		EventName: outbox.ChangeInsert,
		NewImage:  rec,
	}))

	assert.Len(t, bus.Events(), 1)
	dispatched, err := mem.Outbox().CountByStatus(ctx, outbox.StatusDispatched)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestStreamHandle_SkipsNonInsertAndNonPending(t *testing.T) {
	mem := store.NewMemory()
	bus := outbox.NewMemoryBus()
	sp := outbox.NewStreamProcessor(mem.Outbox(), bus, nil)
	ctx := context.Background()

	rec := pendingRecord(t, "ev-1")

	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeModify, NewImage: rec}))
	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeRemove, NewImage: rec}))
	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeInsert}))

	already := *rec
	already.Status = outbox.StatusDispatched
	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeInsert, NewImage: &already}))

	assert.Empty(t, bus.Events())
}

// TestStreamHandle_PublishErrorSignalsRedelivery: the feed's own redelivery
// provides retry, so a failed publish must surface as an error and leave
// the row pending.
func TestStreamHandle_PublishErrorSignalsRedelivery(t *testing.T) {
	mem := store.NewMemory()
	bus := outbox.NewMemoryBus()
	bus.FailNext = 1
	sp := outbox.NewStreamProcessor(mem.Outbox(), bus, nil)
	ctx := context.Background()

	rec := pendingRecord(t, "ev-1")
	require.NoError(t, mem.Outbox().Append(ctx, rec))

	err := sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeInsert, NewImage: rec})
	require.Error(t, err)

	pending, err2 := mem.Outbox().CountByStatus(ctx, outbox.StatusPending)
	require.NoError(t, err2)
	assert.Equal(t, 1, pending)

	// Redelivery succeeds.
	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeInsert, NewImage: rec}))
	assert.Len(t, bus.Events(), 1)
}

func TestStreamHandle_CorruptPayloadParksAsFailed(t *testing.T) {
	mem := store.NewMemory()
	bus := outbox.NewMemoryBus()
	sp := outbox.NewStreamProcessor(mem.Outbox(), bus, nil)
	ctx := context.Background()

	rec := pendingRecord(t, "ev-1")
	rec.Payload = []byte("{not json")
	require.NoError(t, mem.Outbox().Append(ctx, rec))

	require.NoError(t, sp.Handle(ctx, outbox.ChangeEvent{EventName: outbox.ChangeInsert, NewImage: rec}))

	failed, err := mem.Outbox().CountByStatus(ctx, outbox.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Empty(t, bus.Events())
}

// TestChangeFeed_EndToEnd exercises the memory store's change feed driving
// the processor the way the production change stream does.
func TestChangeFeed_EndToEnd(t *testing.T) {
	mem := store.NewMemory()
	bus := outbox.NewMemoryBus()
	sp := outbox.NewStreamProcessor(mem.Outbox(), bus, nil)
	ctx := context.Background()

	mem.ChangeFeed = func(ce outbox.ChangeEvent) {
		_ = sp.Handle(ctx, ce)
	}

	require.NoError(t, mem.Outbox().Append(ctx, pendingRecord(t, "ev-1")))

	assert.Len(t, bus.Events(), 1)
	dispatched, err := mem.Outbox().CountByStatus(ctx, outbox.StatusDispatched)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}
