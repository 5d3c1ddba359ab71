package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncd/internal/buffer"
)

// SnapshotCapablePool is the subset of gatewaypool.Pool the snapshot
// coordinator needs: enough to list every loaded gateway's ID and reach
// its buffer.
type SnapshotCapablePool interface {
	List() []string
	Buffer(id string) (*buffer.Buffer, error)
}

// Exporter uploads one gateway's merged row index, satisfied by
// *snapshot.Exporter or snapshot.NoopExporter.
type Exporter interface {
	Export(ctx context.Context, gatewayID string, buf *buffer.Buffer) error
}

// SnapshotCoordinator periodically exports every loaded gateway's full
// row index to object storage (spec §6), independent of the flush
// sweep's incremental delta writes.
type SnapshotCoordinator struct {
	pool     SnapshotCapablePool
	exporter Exporter
	interval time.Duration
}

// NewSnapshotCoordinator creates a snapshot coordinator sweeping pool
// every interval.
func NewSnapshotCoordinator(pool SnapshotCapablePool, exporter Exporter, interval time.Duration) *SnapshotCoordinator {
	return &SnapshotCoordinator{pool: pool, exporter: exporter, interval: interval}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled. Like
// the flush coordinator, the first sweep waits a full interval rather
// than running immediately at startup.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("snapshot coordinator started",
		"component", "worker", "worker", "snapshot-coordinator", "interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot coordinator stopped",
				"component", "worker", "worker", "snapshot-coordinator", "reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *SnapshotCoordinator) sweep(ctx context.Context) {
	ids := c.pool.List()

	var succeeded, failed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		buf, err := c.pool.Buffer(id)
		if err != nil {
			continue // gateway was evicted mid-sweep
		}

		if err := c.exporter.Export(ctx, id, buf); err != nil {
			failed++
			slog.Error("snapshot export failed",
				"component", "worker", "worker", "snapshot-coordinator",
				"gateway_id", id, "error", err,
			)
			continue
		}
		succeeded++
	}

	if succeeded+failed > 0 {
		slog.Info("snapshot sweep completed",
			"component", "worker", "worker", "snapshot-coordinator",
			"gateways_total", len(ids), "gateways_succeeded", succeeded, "gateways_failed", failed,
		)
	}
}
