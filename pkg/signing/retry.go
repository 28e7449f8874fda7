package signing

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs op up to attempts times, sleeping the exponential backoff
// interval after every failure, the last included (1s, 2s, 4s for
// attempts=3). The final interval runs before the caller's fallback, so the
// worst case blocks for the full schedule. No jitter: the delay schedule is
// part of the caller's latency budget. Context cancellation stops the loop.
func Retry(ctx context.Context, attempts uint64, initial time.Duration, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = initial * 8
	b.MaxElapsedTime = 0
	b.Reset()

	var err error
	for i := uint64(0); i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
	return err
}
