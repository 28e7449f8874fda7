package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/fault"
)

func draftEnvelope() *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		ID:           "env-1",
		TenantID:     "t-1",
		OwnerID:      "owner-1",
		Status:       StatusDraft,
		SigningOrder: OrderParallel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestTransition_HappyPath(t *testing.T) {
	lc := NewLifecycle()
	env := draftEnvelope()
	now := time.Now().UTC()

	require.NoError(t, lc.Transition(env, StatusSent, now))
	assert.Equal(t, StatusSent, env.Status)
	require.NotNil(t, env.SentAt)

	require.NoError(t, lc.Transition(env, StatusInProgress, now))
	require.NoError(t, lc.Transition(env, StatusCompleted, now))
	assert.Equal(t, StatusCompleted, env.Status)
	require.NotNil(t, env.CompletedAt)
}

func TestTransition_InvalidPairIsConflict(t *testing.T) {
	lc := NewLifecycle()
	invalid := []struct{ from, to Status }{
		{StatusDraft, StatusCompleted},
		{StatusDraft, StatusInProgress},
		{StatusSent, StatusDraft},
		{StatusInProgress, StatusSent},
		{StatusCompleted, StatusCancelled},
		{StatusDeclined, StatusInProgress},
		{StatusExpired, StatusSent},
		{StatusCancelled, StatusCompleted},
	}

	for _, tc := range invalid {
		env := draftEnvelope()
		env.Status = tc.from
		err := lc.Transition(env, tc.to, time.Now())
		assert.True(t, fault.IsKind(err, fault.KindConflict),
			"%s -> %s should be Conflict, got %v", tc.from, tc.to, err)
		assert.Equal(t, tc.from, env.Status, "status must be unchanged after a rejected transition")
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	lc := NewLifecycle()
	for _, terminal := range []Status{StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled} {
		require.True(t, terminal.Terminal())
		for _, to := range []Status{StatusDraft, StatusSent, StatusInProgress, StatusCompleted, StatusDeclined} {
			assert.False(t, lc.CanTransition(terminal, to), "%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestValidateSend(t *testing.T) {
	lc := NewLifecycle()

	env := draftEnvelope()
	env.SourceHash = "ab12"
	env.SourceKey = "envelopes/env-1/source.pdf"
	signers := []Signer{{ID: "s-1", Role: RoleSigner}}

	assert.NoError(t, lc.ValidateSend(env, signers))

	t.Run("no document", func(t *testing.T) {
		bare := draftEnvelope()
		err := lc.ValidateSend(bare, signers)
		assert.True(t, fault.IsKind(err, fault.KindInvalid))
	})

	t.Run("no signers", func(t *testing.T) {
		err := lc.ValidateSend(env, nil)
		assert.True(t, fault.IsKind(err, fault.KindInvalid))
	})

	t.Run("viewers only", func(t *testing.T) {
		err := lc.ValidateSend(env, []Signer{{ID: "v-1", Role: RoleViewer}})
		assert.True(t, fault.IsKind(err, fault.KindInvalid))
		assert.ErrorContains(t, err, "no required signers")
	})

	t.Run("not draft", func(t *testing.T) {
		sent := draftEnvelope()
		sent.Status = StatusSent
		err := lc.ValidateSend(sent, signers)
		assert.True(t, fault.IsKind(err, fault.KindConflict))
	})
}

func TestComplete_RequiresEverySignerSigned(t *testing.T) {
	lc := NewLifecycle()
	now := time.Now().UTC()

	env := draftEnvelope()
	env.Status = StatusInProgress

	partial := []Signer{
		{ID: "s-1", Role: RoleSigner, Status: SignerSigned},
		{ID: "s-2", Role: RoleSigner, Status: SignerActive},
	}
	err := lc.Complete(env, partial, now)
	assert.True(t, fault.IsKind(err, fault.KindConflict))
	assert.Equal(t, StatusInProgress, env.Status)

	full := []Signer{
		{ID: "s-1", Role: RoleSigner, Status: SignerSigned},
		{ID: "s-2", Role: RoleSigner, Status: SignerSigned},
		{ID: "v-1", Role: RoleViewer, Status: SignerInvited}, // viewers never block
	}
	require.NoError(t, lc.Complete(env, full, now))
	assert.Equal(t, StatusCompleted, env.Status)
}

func TestFullySigned_NoSignersIsNotComplete(t *testing.T) {
	assert.False(t, FullySigned(nil))
	assert.False(t, FullySigned([]Signer{{ID: "v-1", Role: RoleViewer, Status: SignerSigned}}))
}

func TestSignerProgress(t *testing.T) {
	signed, total := SignerProgress([]Signer{
		{Role: RoleSigner, Status: SignerSigned},
		{Role: RoleSigner, Status: SignerActive},
		{Role: RoleViewer, Status: SignerInvited},
	})
	assert.Equal(t, 1, signed)
	assert.Equal(t, 2, total)
}

func TestSetStageHash(t *testing.T) {
	var h string
	digest := "4355a46b19d348dc2f57c046f8ef63d4538ebb936000f3c9ee954a27460dd865"

	require.NoError(t, SetStageHash(&h, digest))
	assert.Equal(t, digest, h)

	// Idempotent for the same digest.
	assert.NoError(t, SetStageHash(&h, digest))

	// Overwriting with a different digest is a conflict.
	other := "53c234e5e8472b6ac51c1ae1cab3fe06fad053beb8ebfd8977b010655bfdd3c3"
	err := SetStageHash(&h, other)
	assert.True(t, fault.IsKind(err, fault.KindConflict))

	// Malformed digests never land.
	err = SetStageHash(&h, "not-a-hash")
	assert.True(t, fault.IsKind(err, fault.KindInvalid))
}

func TestNewEvent_ValidityTable(t *testing.T) {
	lc := NewLifecycle()
	now := time.Now().UTC()

	env := draftEnvelope()
	ev, err := lc.NewEvent(env, EventCreated, now, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "env-1", ev.EnvelopeID)

	// envelope.completed is invalid while DRAFT.
	_, err = lc.NewEvent(env, EventCompleted, now, nil)
	assert.True(t, fault.IsKind(err, fault.KindEventGeneration))

	_, err = lc.NewEvent(env, EventType("envelope.bogus"), now, nil)
	assert.True(t, fault.IsKind(err, fault.KindEventGeneration))
}

func TestInvitationToken_Usable(t *testing.T) {
	now := time.Now()
	tok := &InvitationToken{Status: TokenActive, ExpiresAt: now.Add(time.Hour)}
	assert.True(t, tok.Usable(now))
	assert.False(t, tok.Usable(now.Add(2*time.Hour)))

	tok.Status = TokenRevoked
	assert.False(t, tok.Usable(now))
}
