package signing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Archline-Labs/sigil/pkg/signing"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := signing.Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RecoversWithinBudget(t *testing.T) {
	calls := 0
	err := signing.Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("still down")
	err := signing.Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

// TestRetry_RunsFullScheduleBeforeReturning: exhausting attempts=3 sleeps
// after every failure, the last included, so the caller's fallback starts
// only after initial+2x+4x of delay.
func TestRetry_RunsFullScheduleBeforeReturning(t *testing.T) {
	initial := 10 * time.Millisecond
	start := time.Now()
	err := signing.Retry(context.Background(), 3, initial, func(ctx context.Context) error {
		return errors.New("still down")
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 7*initial, "full 1x/2x/4x schedule must run")
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := signing.Retry(ctx, 10, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Less(t, calls, 10, "cancellation must cut the schedule short")
}
