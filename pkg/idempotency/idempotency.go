// Package idempotency wraps side-effecting operations with a caller-supplied
// key so retries and duplicate triggers produce exactly one effect. The
// authoritative behavior is "record intent before acting, then act, then
// record outcome": the store's conditional create-if-absent write gives
// at-most-one execution across concurrent callers sharing a key.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// State of an idempotency record.
type State string

const (
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
)

// Record is one key's execution state. Result and ResultErr snapshot the
// protected operation's outcome for replay; expired records are treated as
// absent.
type Record struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Result    []byte    `json:"result,omitempty"`
	ResultErr string    `json:"result_err,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists idempotency records.
type Store interface {
	// Reserve creates rec if the key is absent or its existing record has
	// expired. A live record makes Reserve fail with the store's
	// condition-failed error.
	Reserve(ctx context.Context, rec *Record) error
	// Get returns the record for key, or the store's not-found error.
	Get(ctx context.Context, key string) (*Record, error)
	// Complete transitions a pending record to completed with the outcome.
	Complete(ctx context.Context, key string, result []byte, resultErr string) error
}

// ReplayedError carries the original error message of a completed run that
// ended in failure. Replays return it instead of re-executing.
type ReplayedError struct{ Msg string }

func (e *ReplayedError) Error() string { return e.Msg }

// Executor runs operations at most once per key.
type Executor struct {
	store        Store
	condFailed   error // store's condition-failed sentinel
	notFound     error // store's not-found sentinel
	log          *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// NewExecutor creates an Executor. condFailed and notFound are the store's
// sentinel errors (e.g. store.ErrConditionFailed, store.ErrNotFound).
func NewExecutor(s Store, condFailed, notFound error, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		store:        s,
		condFailed:   condFailed,
		notFound:     notFound,
		log:          log.With("component", "idempotency"),
		now:          time.Now,
		pollInterval: 50 * time.Millisecond,
	}
}

// Run executes op at most once for key within ttl. The first caller
// reserves the key, runs op, then records the outcome. Concurrent callers
// for a pending key wait for the outcome and return it; callers for a
// completed unexpired key get the cached result (success or the original
// error) without re-invoking op.
func (e *Executor) Run(ctx context.Context, key string, ttl time.Duration, op func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	now := e.now()
	rec := &Record{
		Key:       key,
		State:     StatePending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	err := e.store.Reserve(ctx, rec)
	switch {
	case err == nil:
		return e.execute(ctx, key, op)
	case errors.Is(err, e.condFailed):
		return e.awaitOutcome(ctx, key)
	default:
		return nil, err
	}
}

func (e *Executor) execute(ctx context.Context, key string, op func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	result, opErr := op(ctx)

	resultErr := ""
	if opErr != nil {
		resultErr = opErr.Error()
	}
	if err := e.store.Complete(ctx, key, result, resultErr); err != nil {
		e.log.Error("record outcome failed", "key", key, "error", err)
	}
	return result, opErr
}

// awaitOutcome polls a pending record until it completes, expires, or ctx
// is done. Stateless handlers sharing a durable store converge on the
// first caller's outcome.
func (e *Executor) awaitOutcome(ctx context.Context, key string) ([]byte, error) {
	for {
		rec, err := e.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, e.notFound) {
				// Record expired and was reaped between Reserve and Get.
				return nil, &ReplayedError{Msg: "idempotency record expired mid-flight"}
			}
			return nil, err
		}

		if rec.State == StateCompleted {
			if rec.ResultErr != "" {
				return nil, &ReplayedError{Msg: rec.ResultErr}
			}
			return rec.Result, nil
		}

		if e.now().After(rec.ExpiresAt) {
			return nil, &ReplayedError{Msg: "idempotent operation still pending past its TTL"}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}
