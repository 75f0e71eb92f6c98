// Package commit flushes pending store mutations on a timer and at shutdown.
package commit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jgalley/capscout/internal/metrics"
	"github.com/jgalley/capscout/internal/storage"
)

// Flusher is the store side of the policy.
type Flusher interface {
	Dirty() bool
	Pending() int
	Flush(ctx context.Context) (storage.FlushRecord, error)
}

// Policy batches mutations by flushing only when the store is dirty.
type Policy struct {
	store   Flusher
	logger  *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	resetCh  chan time.Duration
}

// New creates a Policy flushing store every interval.
func New(store Flusher, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		store:    store,
		logger:   logger,
		metrics:  m,
		interval: interval,
		resetCh:  make(chan time.Duration, 1),
	}
}

// Run flushes on every tick until ctx is cancelled, then flushes one last
// time regardless of the timer phase.
func (p *Policy) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("commit policy started", "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			return p.Flush(context.Background())
		case d := <-p.resetCh:
			p.interval = d
			ticker.Reset(d)
			p.logger.Info("flush interval changed", "interval", d)
		case <-ticker.C:
			// Failures are logged by Flush and retried on the next tick.
			_ = p.Flush(ctx)
		}
	}
}

// Reset changes the flush interval of a running policy.
func (p *Policy) Reset(interval time.Duration) {
	if interval <= 0 {
		return
	}
	// Keep only the newest pending value.
	select {
	case <-p.resetCh:
	default:
	}
	p.resetCh <- interval
}

// Flush persists pending mutations. A clean store is not touched. On
// failure the mutations stay pending and a warning is logged.
func (p *Policy) Flush(ctx context.Context) error {
	if !p.store.Dirty() {
		return nil
	}

	rec, err := p.store.Flush(ctx)
	if err != nil {
		p.metrics.Flushed(false)
		p.metrics.SetPending(p.store.Pending())
		p.logger.Warn("flush failed, pending mutations kept",
			"flush_id", rec.FlushID,
			"pending", p.store.Pending(),
			"error", err,
		)
		return err
	}

	p.metrics.Flushed(true)
	p.metrics.SetPending(p.store.Pending())
	p.logger.Debug("flushed store",
		"flush_id", rec.FlushID,
		"mutations", rec.Mutations,
	)
	if rec.Dropped > 0 {
		p.logger.Info("dropped stats of locations removed by another process",
			"flush_id", rec.FlushID,
			"dropped", rec.Dropped,
		)
	}
	return nil
}
