package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Archline-Labs/sigil/pkg/events"
	"github.com/Archline-Labs/sigil/pkg/observability"
)

// Publisher is the batch sweep path: it periodically pulls pending rows and
// attempts delivery. The sweep is the backstop behind the change-feed
// processor; both mark dispatch idempotently, so double delivery is
// possible but loss is not.
type Publisher struct {
	store      Store
	bus        Bus
	log        *slog.Logger
	obs        *observability.Provider
	batchSize  int
	maxRetries int
	retryDelay time.Duration
}

// PublisherConfig bounds a sweep.
type PublisherConfig struct {
	BatchSize  int           // max rows per sweep
	MaxRetries int           // publish attempts per record within a sweep
	RetryDelay time.Duration // fixed delay between attempts
	// Obs, when set, traces each sweep and records its RED metrics.
	Obs *observability.Provider
}

// NewPublisher creates a sweep publisher.
func NewPublisher(store Store, bus Bus, cfg PublisherConfig, log *slog.Logger) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		store:      store,
		bus:        bus,
		log:        log.With("component", "outbox.publisher"),
		obs:        cfg.Obs,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// SweepOnce publishes one batch of pending rows. It returns the number of
// records delivered. Per-record failures are accounted on the row and do
// not abort the batch.
func (p *Publisher) SweepOnce(ctx context.Context) (int, error) {
	if p.obs == nil {
		return p.sweepOnce(ctx)
	}
	ctx, finish := p.obs.TrackOperation(ctx, "outbox.sweep",
		attribute.Int("outbox.batch_size", p.batchSize),
	)
	n, err := p.sweepOnce(ctx)
	finish(err)
	return n, err
}

func (p *Publisher) sweepOnce(ctx context.Context) (int, error) {
	pending, err := p.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	if pending == 0 {
		return 0, nil
	}

	recs, err := p.store.ListPending(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range recs {
		rec := &recs[i]
		if err := p.deliver(ctx, rec); err != nil {
			p.log.Error("outbox record delivery failed",
				"record_id", rec.ID,
				"event_type", rec.EventType,
				"attempts", rec.Attempts,
				"error", err)
			if err := p.store.MarkFailed(ctx, rec.ID, rec.Attempts); err != nil {
				p.log.Error("mark failed", "record_id", rec.ID, "error", err)
			}
			continue
		}
		// Mark dispatched strictly after the bus accepted the publish.
		// A crash before this point yields a duplicate, never a loss.
		if err := p.store.MarkDispatched(ctx, rec.ID); err != nil {
			p.log.Error("mark dispatched", "record_id", rec.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (p *Publisher) deliver(ctx context.Context, rec *Record) error {
	ev, err := events.Decode(rec.Payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}
		rec.Attempts++
		if lastErr = p.bus.Publish(ctx, []*events.Envelope{ev}); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.SweepOnce(ctx)
			if err != nil {
				p.log.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.log.Info("sweep delivered", "count", n)
			}
		}
	}
}
