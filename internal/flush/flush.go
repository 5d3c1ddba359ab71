// Package flush implements the gateway's flush pipeline (spec §4.8): it
// drains a gateway's buffer into a backing adapter, restoring the drained
// batch on write failure and retrying with backoff up to maxFlushRetries.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
)

// DatabaseAdapter is a relational backing store the flush pipeline can
// write deltas into (spec §6).
type DatabaseAdapter interface {
	EnsureSchema(ctx context.Context, schema delta.TableSchema) error
	InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error
	QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables []string) ([]delta.RowDelta, error)
	GetLatestState(ctx context.Context, table, rowID string) (map[string]delta.Value, bool, error)
}

// LakeAdapter is an object-storage backing store the flush pipeline can
// write encoded batches into (spec §6).
type LakeAdapter interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Sink is whichever backing adapter a gateway flushes into. Exactly one
// of DB or Lake should be set.
type Sink struct {
	DB   DatabaseAdapter
	Lake LakeAdapter
}

// Status is a gateway's flush health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Config tunes one gateway's flush pipeline.
type Config struct {
	GatewayID       string
	MaxFlushRetries uint64
	RetryBaseDelay  time.Duration
}

// DefaultConfig matches the spec §6 defaults.
func DefaultConfig(gatewayID string) Config {
	return Config{GatewayID: gatewayID, MaxFlushRetries: 8, RetryBaseDelay: 100 * time.Millisecond}
}

// Result reports one flush cycle's outcome.
type Result struct {
	BatchesFlushed int
	BytesFlushed   uint64
}

// Pipeline drains and flushes a single gateway's buffer into its sink.
type Pipeline struct {
	cfg  Config
	buf  *buffer.Buffer
	sink Sink

	mu     sync.Mutex
	status Status
}

// New creates a Pipeline for a gateway's buffer and backing sink.
func New(cfg Config, buf *buffer.Buffer, sink Sink) *Pipeline {
	return &Pipeline{cfg: cfg, buf: buf, sink: sink, status: StatusHealthy}
}

// Status reports the pipeline's current flush health.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// NeedsFlush reports whether the buffer's size or age has crossed a
// configured trigger (spec §4.8 triggers a/b).
func (p *Pipeline) NeedsFlush() bool {
	return p.buf.NeedsFlush()
}

// Flush drains the buffer and writes the batch to the configured sink,
// retrying with exponential backoff on failure. If retries are exhausted
// the drained batch is restored to the buffer's log head and the
// pipeline's status becomes degraded; the gateway keeps accepting pushes
// until BUFFER_FULL.
func (p *Pipeline) Flush(ctx context.Context) (Result, error) {
	entries := p.buf.Drain()
	if len(entries) == 0 {
		return Result{}, nil
	}

	deltas := make([]delta.RowDelta, len(entries))
	for i, e := range entries {
		deltas[i] = e.Delta
	}

	backoff := retry.WithMaxRetries(p.cfg.MaxFlushRetries, retry.NewExponential(p.cfg.RetryBaseDelay))
	writeErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.write(ctx, deltas); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})

	if writeErr != nil {
		p.buf.Restore(entries)

		p.mu.Lock()
		p.status = StatusDegraded
		p.mu.Unlock()

		slog.Error("flush failed, batch restored",
			"component", "flush", "action", "flush_failed",
			"gateway_id", p.cfg.GatewayID, "batch_size", len(entries), "error", writeErr,
		)
		return Result{}, fmt.Errorf("flush: %w", writeErr)
	}

	p.mu.Lock()
	p.status = StatusHealthy
	p.mu.Unlock()

	var bytes uint64
	for _, d := range deltas {
		bytes += estimateBytes(d)
	}

	slog.Info("flush succeeded",
		"component", "flush", "action", "flush_complete",
		"gateway_id", p.cfg.GatewayID, "batch_size", len(entries),
	)

	return Result{BatchesFlushed: len(entries), BytesFlushed: bytes}, nil
}

func (p *Pipeline) write(ctx context.Context, batch []delta.RowDelta) error {
	switch {
	case p.sink.DB != nil:
		return p.sink.DB.InsertDeltas(ctx, batch)
	case p.sink.Lake != nil:
		encoded, err := encodeBatch(batch)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		key := fmt.Sprintf("%s/%d.batch", p.cfg.GatewayID, batch[0].HLC)
		return p.sink.Lake.PutObject(ctx, key, encoded)
	default:
		return errors.New("flush: no sink configured")
	}
}

// encodeBatch concatenates each delta's framed encoding, matching the
// persisted buffer format's "sequence of framed records" layout (spec
// §6) so a lake object and a crash-recovery log file share one shape.
func encodeBatch(batch []delta.RowDelta) ([]byte, error) {
	var out []byte
	for _, d := range batch {
		frame, err := delta.EncodeFrame(d)
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
	}
	return out, nil
}

func estimateBytes(d delta.RowDelta) uint64 {
	n := uint64(len(d.Table) + len(d.RowID) + len(d.ClientID) + len(d.DeltaID))
	for _, c := range d.Columns {
		n += uint64(len(c.Name) + 16)
	}
	return n
}

// Manager flushes multiple gateways concurrently, one goroutine per
// gateway, aggregating errors across the whole fan-out (spec §5's
// "implementations may parallelise across independent gateways").
type Manager struct {
	pipelines map[string]*Pipeline
}

// NewManager creates a Manager over the given gateway-ID-to-Pipeline set.
func NewManager(pipelines map[string]*Pipeline) *Manager {
	return &Manager{pipelines: pipelines}
}

// FlushAll runs Flush concurrently across every managed pipeline and
// returns the aggregate of every error encountered, via multierr, rather
// than stopping at the first failure.
func (m *Manager) FlushAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error

	for id, p := range m.pipelines {
		id, p := id, p
		g.Go(func() error {
			if _, err := p.Flush(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("gateway %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errs
}
