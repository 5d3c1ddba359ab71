// Package worker hosts the ticker-driven background loops that sweep
// every gateway for flush-worthy buffers, the same Run(ctx)/ticker shape
// the teacher's internal/worker.CompactionCoordinator and
// DecayCoordinator use for their own periodic sweeps.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncd/internal/flush"
)

// FlushCapablePool is the subset of gatewaypool.Pool the flush
// coordinator needs: enough to list every loaded gateway's pipeline and
// check/trigger each one's flush.
type FlushCapablePool interface {
	List() []string
	Pipeline(id string) (*flush.Pipeline, error)
}

// FlushCoordinator periodically checks every loaded gateway's buffer for
// a size/age trigger (spec §4.8) and flushes the ones that need it.
type FlushCoordinator struct {
	pool     FlushCapablePool
	interval time.Duration
}

// NewFlushCoordinator creates a flush coordinator sweeping pool every
// interval.
func NewFlushCoordinator(pool FlushCapablePool, interval time.Duration) *FlushCoordinator {
	return &FlushCoordinator{pool: pool, interval: interval}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled. Like the
// teacher's compaction coordinator, the first sweep waits a full interval
// rather than running immediately at startup.
func (c *FlushCoordinator) Run(ctx context.Context) {
	slog.Info("flush coordinator started",
		"component", "worker", "worker", "flush-coordinator", "interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("flush coordinator stopped",
				"component", "worker", "worker", "flush-coordinator", "reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *FlushCoordinator) sweep(ctx context.Context) {
	ids := c.pool.List()

	var triggered, succeeded, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		pipeline, err := c.pool.Pipeline(id)
		if err != nil {
			continue // gateway was evicted mid-sweep
		}
		if !pipeline.NeedsFlush() {
			continue
		}
		triggered++

		start := time.Now()
		result, err := pipeline.Flush(ctx)
		if err != nil {
			failed++
			slog.Error("flush failed during sweep",
				"component", "worker", "worker", "flush-coordinator",
				"gateway_id", id, "error", err,
			)
			continue
		}
		succeeded++
		slog.Info("flush completed during sweep",
			"component", "worker", "worker", "flush-coordinator",
			"gateway_id", id, "batches_flushed", result.BatchesFlushed,
			"bytes_flushed", result.BytesFlushed, "duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if triggered > 0 {
		slog.Info("flush sweep completed",
			"component", "worker", "worker", "flush-coordinator",
			"gateways_total", len(ids), "gateways_triggered", triggered,
			"gateways_succeeded", succeeded, "gateways_failed", failed,
		)
	}
}
