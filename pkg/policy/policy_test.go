package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/envelope"
	"github.com/Archline-Labs/sigil/pkg/policy"
)

func newEngine(t *testing.T) *policy.Engine {
	t.Helper()
	e, err := policy.NewEngine()
	require.NoError(t, err)
	return e
}

func sentEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		ID:           "env-1",
		OwnerID:      "owner-1",
		Status:       envelope.StatusSent,
		SigningOrder: envelope.OrderSequential,
		SignerIDs:    []string{"s-1", "s-2"},
	}
}

func activeSigner() *envelope.Signer {
	return &envelope.Signer{
		ID:       "s-1",
		Role:     envelope.RoleSigner,
		Status:   envelope.SignerActive,
		Sequence: 1,
	}
}

func TestLoadRule(t *testing.T) {
	e := newEngine(t)

	require.NoError(t, e.LoadRule("sent-only", `envelope.status == "SENT"`))
	assert.Contains(t, e.RuleIDs(), "sent-only")

	t.Run("syntax error", func(t *testing.T) {
		assert.Error(t, e.LoadRule("broken", `envelope.status ==`))
	})

	t.Run("non-boolean output", func(t *testing.T) {
		assert.Error(t, e.LoadRule("stringy", `envelope.status`))
	})

	t.Run("unknown variable", func(t *testing.T) {
		assert.Error(t, e.LoadRule("unknown", `document.size > 0`))
	})
}

func TestEvaluate(t *testing.T) {
	e := newEngine(t)
	now := time.Now().UTC()
	require.NoError(t, e.LoadRule("signers-only", `action == "sign" && signer.role == "SIGNER"`))

	d := e.Evaluate(context.Background(), "signers-only", "sign", sentEnvelope(), activeSigner(), now)
	assert.True(t, d.Allowed)
	assert.Equal(t, "signers-only", d.RuleID)

	viewer := activeSigner()
	viewer.Role = envelope.RoleViewer
	d = e.Evaluate(context.Background(), "signers-only", "sign", sentEnvelope(), viewer, now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "denied")
}

func TestEvaluate_FailsClosed(t *testing.T) {
	e := newEngine(t)
	now := time.Now().UTC()

	// Unknown rule denies.
	d := e.Evaluate(context.Background(), "never-loaded", "sign", sentEnvelope(), activeSigner(), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not found")

	// A runtime error (absent map key) denies rather than erroring out.
	require.NoError(t, e.LoadRule("needs-expiry", `envelope.expires_at > now`))
	d = e.Evaluate(context.Background(), "needs-expiry", "sign", sentEnvelope(), activeSigner(), now)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "evaluation error")
}

func TestEvaluateAll(t *testing.T) {
	e := newEngine(t)
	now := time.Now().UTC()
	require.NoError(t, e.LoadRule("is-sent", `envelope.status == "SENT"`))
	require.NoError(t, e.LoadRule("no-otp", `!signer.has_otp`))

	d := e.EvaluateAll(context.Background(), "sign", sentEnvelope(), activeSigner(), now)
	assert.True(t, d.Allowed)

	guarded := activeSigner()
	guarded.Challenge = &envelope.Challenge{MaxAttempts: 3}
	d = e.EvaluateAll(context.Background(), "sign", sentEnvelope(), guarded, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, "no-otp", d.RuleID)
}

func TestEvaluate_NilAggregates(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadRule("any", `envelope.size() == 0 && signer.size() == 0`))

	d := e.Evaluate(context.Background(), "any", "sign", nil, nil, time.Now().UTC())
	assert.True(t, d.Allowed)
}
