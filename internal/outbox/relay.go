package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RelayConfig controls the polling loop.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves pending records from a Store to a Publisher.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
}

// NewRelay creates a Relay. Non-positive settings get defaults of one second
// and 100 records.
func NewRelay(store Store, publisher Publisher, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{store: store, publisher: publisher, cfg: cfg}
}

// Flush publishes pending records until none are left and returns how many
// were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.Process(ctx, r.cfg.BatchSize, func(ctx context.Context, recs []Record) error {
			msgs := make([]Message, len(recs))
			for i, rec := range recs {
				msgs[i] = rec.Message
			}
			return r.publisher.Publish(ctx, msgs...)
		})
		total += n
		if err != nil {
			return total, errors.Wrap(err, "process batch")
		}
		if n < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// Run flushes on every tick until ctx is cancelled. Failed flushes are logged
// and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				lg.Warn("Outbox flush failed", zap.Int("sent", n), zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Debug("Outbox flushed", zap.Int("sent", n))
			}
		}
	}
}
