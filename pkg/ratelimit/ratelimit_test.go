package ratelimit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/fault"
	"github.com/Archline-Labs/sigil/pkg/ratelimit"
)

func TestMemoryStore_BurstExhaustion(t *testing.T) {
	s := ratelimit.NewMemoryStore()
	ctx := context.Background()
	limit := ratelimit.Limit{RPM: 1, Burst: 3}

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "k", limit, 1)
		require.NoError(t, err)
		assert.True(t, ok, "call %d within burst", i)
	}

	ok, err := s.Allow(ctx, "k", limit, 1)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	// Other keys have independent buckets.
	ok, err = s.Allow(ctx, "other", limit, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiter_Check(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[ratelimit.Action]ratelimit.Limit{
		ratelimit.ActionOTPAttempt: {RPM: 1, Burst: 2},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, ratelimit.ActionOTPAttempt, "signer-1"))
	require.NoError(t, l.Check(ctx, ratelimit.ActionOTPAttempt, "signer-1"))

	err := l.Check(ctx, ratelimit.ActionOTPAttempt, "signer-1")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindRateLimited))

	// Budgets are per actor.
	assert.NoError(t, l.Check(ctx, ratelimit.ActionOTPAttempt, "signer-2"))
}

func TestLimiter_NilStoreFailsClosed(t *testing.T) {
	var l *ratelimit.Limiter
	err := l.Check(context.Background(), ratelimit.ActionInvite, "x")
	assert.True(t, fault.IsKind(err, fault.KindRateLimited))

	err = ratelimit.NewLimiter(nil, nil).Check(context.Background(), ratelimit.ActionInvite, "x")
	assert.True(t, fault.IsKind(err, fault.KindRateLimited))
}

type errStore struct{}

func (errStore) Allow(ctx context.Context, key string, limit ratelimit.Limit, cost int) (bool, error) {
	return false, errors.New("backend down")
}

func TestLimiter_StoreErrorSurfaces(t *testing.T) {
	l := ratelimit.NewLimiter(errStore{}, nil)
	err := l.Check(context.Background(), ratelimit.ActionSignAttempt, "x")
	require.Error(t, err)
	assert.False(t, fault.IsKind(err, fault.KindRateLimited), "infrastructure errors are not budget denials")
}
