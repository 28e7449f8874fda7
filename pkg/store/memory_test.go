package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/idempotency"
	"github.com/Archline-Labs/sigil/pkg/outbox"
	"github.com/Archline-Labs/sigil/pkg/store"
)

func TestMemory_EnvelopeConditionalWrites(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	env := &envelope.Envelope{ID: "env-1", TenantID: "t-1", OwnerID: "o-1", Status: envelope.StatusDraft}
	require.NoError(t, mem.Create(ctx, env))
	assert.ErrorIs(t, mem.Create(ctx, env), store.ErrConditionFailed)

	got, err := mem.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.OwnerID)

	// Mutating the returned copy does not affect the stored row.
	got.OwnerID = "hijacked"
	again, err := mem.Get(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", again.OwnerID)

	_, err = mem.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, mem.Update(ctx, &envelope.Envelope{ID: "missing"}), store.ErrNotFound)
}

func TestMemory_SignerListOrderedBySequence(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	for i, seq := range []int{3, 1, 2} {
		require.NoError(t, mem.Signers().Create(ctx, &envelope.Signer{
			ID:         fmt.Sprintf("s-%d", i),
			EnvelopeID: "env-1",
			Sequence:   seq,
		}))
	}
	require.NoError(t, mem.Signers().Create(ctx, &envelope.Signer{ID: "other", EnvelopeID: "env-2", Sequence: 1}))

	signers, err := mem.Signers().ListByEnvelope(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, signers, 3)
	for i, s := range signers {
		assert.Equal(t, i+1, s.Sequence)
	}
}

func TestMemory_SignerChallengeIsolation(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	s := &envelope.Signer{
		ID:         "s-1",
		EnvelopeID: "env-1",
		Challenge:  &envelope.Challenge{CodeHash: "h", MaxAttempts: 3},
	}
	require.NoError(t, mem.Signers().Create(ctx, s))

	got, err := mem.Signers().Get(ctx, "s-1")
	require.NoError(t, err)
	got.Challenge.Attempts = 99

	fresh, err := mem.Signers().Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Challenge.Attempts, "challenge must be deep-copied")
}

func TestMemory_TokenLookupByHash(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	tok := &envelope.InvitationToken{ID: "tok-1", EnvelopeID: "env-1", SignerID: "s-1", TokenHash: "abc123"}
	require.NoError(t, mem.Tokens().Create(ctx, tok))

	got, err := mem.Tokens().GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ID)

	_, err = mem.Tokens().GetByHash(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_TokenPagination(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, mem.Tokens().Create(ctx, &envelope.InvitationToken{
			ID:         fmt.Sprintf("tok-%d", i),
			EnvelopeID: "env-1",
		}))
	}

	page, err := mem.Tokens().ListByEnvelope(ctx, "env-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	var seen []string
	for _, tok := range page.Items {
		seen = append(seen, tok.ID)
	}
	cursor := page.NextCursor
	for cursor != "" {
		page, err = mem.Tokens().ListByEnvelope(ctx, "env-1", 2, cursor)
		require.NoError(t, err)
		for _, tok := range page.Items {
			seen = append(seen, tok.ID)
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"tok-0", "tok-1", "tok-2", "tok-3", "tok-4"}, seen)

	_, err = mem.Tokens().ListByEnvelope(ctx, "env-1", 2, "!!not-base64!!")
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestMemory_SignatureUniquePerSigner(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	sig := &envelope.Signature{ID: "sig-1", EnvelopeID: "env-1", SignerID: "s-1"}
	require.NoError(t, mem.Signatures().Create(ctx, sig))

	dup := &envelope.Signature{ID: "sig-2", EnvelopeID: "env-1", SignerID: "s-1"}
	assert.ErrorIs(t, mem.Signatures().Create(ctx, dup), store.ErrConditionFailed)

	other := &envelope.Signature{ID: "sig-3", EnvelopeID: "env-1", SignerID: "s-2"}
	require.NoError(t, mem.Signatures().Create(ctx, other))
}

func TestMemory_OutboxLifecycle(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	ob := mem.Outbox()

	for i := 0; i < 3; i++ {
		require.NoError(t, ob.Append(ctx, &outbox.Record{
			ID:      fmt.Sprintf("rec-%d", i),
			Status:  outbox.StatusPending,
			Payload: []byte(`{}`),
		}))
	}
	assert.ErrorIs(t, ob.Append(ctx, &outbox.Record{ID: "rec-0"}), store.ErrConditionFailed)

	pending, err := ob.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "rec-0", pending[0].ID, "append order preserved")

	require.NoError(t, ob.MarkDispatched(ctx, "rec-1"))
	pending, err = ob.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Marking a dispatched record failed is a no-op.
	require.NoError(t, ob.MarkFailed(ctx, "rec-1", 3))
	n, err := ob.CountByStatus(ctx, outbox.StatusDispatched)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, ob.MarkFailed(ctx, "rec-2", 3))
	n, err = ob.CountByStatus(ctx, outbox.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, ob.MarkDispatched(ctx, "missing"), store.ErrNotFound)
}

func TestMemory_OutboxChangeFeed(t *testing.T) {
	mem := store.NewMemory()
	var got []outbox.ChangeEvent
	mem.ChangeFeed = func(ev outbox.ChangeEvent) { got = append(got, ev) }

	require.NoError(t, mem.Outbox().Append(context.Background(), &outbox.Record{
		ID:     "rec-1",
		Status: outbox.StatusPending,
	}))

	require.Len(t, got, 1)
	assert.Equal(t, outbox.ChangeInsert, got[0].EventName)
	require.NotNil(t, got[0].NewImage)
	assert.Equal(t, "rec-1", got[0].NewImage.ID)
}

func TestMemory_IdempotencyReserve(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	idem := mem.Idempotency()

	now := time.Now().UTC()
	rec := &idempotency.Record{
		Key:       "op-1",
		State:     idempotency.StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, idem.Reserve(ctx, rec))

	// A live reservation blocks re-reservation.
	dup := *rec
	dup.CreatedAt = now.Add(time.Minute)
	assert.ErrorIs(t, idem.Reserve(ctx, &dup), store.ErrConditionFailed)

	// An expired reservation is treated as absent.
	late := *rec
	late.CreatedAt = now.Add(2 * time.Hour)
	late.ExpiresAt = now.Add(3 * time.Hour)
	require.NoError(t, idem.Reserve(ctx, &late))

	require.NoError(t, idem.Complete(ctx, "op-1", []byte(`"ok"`), ""))
	got, err := idem.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StateCompleted, got.State)
	assert.Equal(t, []byte(`"ok"`), got.Result)

	assert.ErrorIs(t, idem.Complete(ctx, "missing", nil, ""), store.ErrNotFound)
}

func TestCursorRoundTrip(t *testing.T) {
	enc := store.EncodeCursor("tok-42")
	dec, err := store.DecodeCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, "tok-42", dec)

	dec, err = store.DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, "", dec)
}
