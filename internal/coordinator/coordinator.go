// Package coordinator implements the client-side sync coordinator (spec
// §4.6): it turns local mutations into deltas, drives the outbox through
// push cycles, and applies incoming deltas from pull cycles via LWW.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/outbox"
	"github.com/hyperengineering/syncd/internal/syncerr"
)

// PushRequest is the payload a coordinator sends on each push cycle step.
type PushRequest struct {
	ClientID    string
	Deltas      []delta.RowDelta
	LastSeenHLC hlc.Timestamp
}

// PushResponse is the gateway's reply to a push.
type PushResponse struct {
	ServerHLC hlc.Timestamp
	Accepted  int
}

// PullRequest is the payload a coordinator sends on each pull cycle step.
type PullRequest struct {
	ClientID  string
	SinceHLC  hlc.Timestamp
	MaxDeltas uint32
	Claims    map[string]any
}

// PullResponse is the gateway's reply to a pull.
type PullResponse struct {
	Deltas     []delta.RowDelta
	NextCursor hlc.Timestamp
	HasMore    bool
}

// Transport carries push/pull requests to the gateway. The HTTP/WebSocket
// implementation lives outside the sync plane (spec §1's out-of-scope
// transport layer); Transport is the seam the coordinator depends on
// instead.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
}

// ColumnCoord is the (hlc, clientId, value) triple a LocalStore remembers
// per column, mirroring the gateway's row index entry (spec §3).
type ColumnCoord struct {
	HLC      hlc.Timestamp
	ClientID string
	Value    delta.Value
}

// less reports whether c sorts strictly before o under the §4.4 ordering.
func (c ColumnCoord) less(o ColumnCoord) bool {
	if c.HLC != o.HLC {
		return c.HLC < o.HLC
	}
	return c.ClientID < o.ClientID
}

// LocalStore is the client-side relational working set the coordinator
// applies incoming deltas against and reads mutations from.
type LocalStore interface {
	ColumnCoord(ctx context.Context, table, rowID, column string) (ColumnCoord, bool, error)
	ApplyColumn(ctx context.Context, table, rowID, column string, coord ColumnCoord) error
	ApplyDelete(ctx context.Context, table, rowID string, coord ColumnCoord) error
	Schema(ctx context.Context, table string) (delta.TableSchema, bool, error)
}

// Outbox is the subset of outbox.Store the coordinator drives.
type Outbox interface {
	Push(ctx context.Context, clientID string, d delta.RowDelta) error
	Peek(ctx context.Context, clientID string, n int) ([]outbox.Entry, error)
	MarkSending(ctx context.Context, ids []string) error
	Ack(ctx context.Context, ids []string) error
	Nack(ctx context.Context, ids []string, maxRetries int) ([]string, error)
	Depth(ctx context.Context, clientID string) (int, error)
}

// Config tunes coordinator batch sizes and retry behaviour.
type Config struct {
	ClientID   string
	PageSize   int
	MaxRetries int
}

// DefaultConfig matches the spec's §4.6 defaults.
func DefaultConfig(clientID string) Config {
	return Config{ClientID: clientID, PageSize: 100, MaxRetries: 5}
}

// Coordinator orchestrates local mutation tracking, outbox drain, and pull
// cursor advance for a single client.
type Coordinator struct {
	cfg       Config
	clk       *hlc.Clock
	outbox    Outbox
	transport Transport
	local     LocalStore

	lastSyncedHLC hlc.Timestamp
}

// New creates a Coordinator for a single client.
func New(cfg Config, clk *hlc.Clock, outbox Outbox, transport Transport, local LocalStore) *Coordinator {
	return &Coordinator{cfg: cfg, clk: clk, outbox: outbox, transport: transport, local: local}
}

// TrackMutation translates a local application mutation into a RowDelta,
// computes its deltaId, and appends it to the outbox (spec §4.6's "local
// mutation tracking").
func (c *Coordinator) TrackMutation(ctx context.Context, op delta.Op, table, rowID string, columns []delta.Column) (delta.RowDelta, error) {
	ts, err := c.clk.Now()
	if err != nil {
		return delta.RowDelta{}, err
	}

	d := delta.RowDelta{
		Op: op, Table: table, RowID: rowID, ClientID: c.cfg.ClientID,
		HLC: ts, Columns: columns,
	}
	if op == delta.OpDelete {
		d.Columns = nil
	}
	if err := d.Validate(); err != nil {
		return delta.RowDelta{}, err
	}
	d, err = delta.WithDeltaID(d)
	if err != nil {
		return delta.RowDelta{}, err
	}

	if err := c.outbox.Push(ctx, c.cfg.ClientID, d); err != nil {
		return delta.RowDelta{}, err
	}

	coord := ColumnCoord{HLC: d.HLC, ClientID: d.ClientID}
	if op == delta.OpDelete {
		if err := c.local.ApplyDelete(ctx, table, rowID, coord); err != nil {
			return delta.RowDelta{}, err
		}
	} else {
		for _, col := range columns {
			if err := c.local.ApplyColumn(ctx, table, rowID, col.Name, ColumnCoord{HLC: d.HLC, ClientID: d.ClientID, Value: col.Value}); err != nil {
				return delta.RowDelta{}, err
			}
		}
	}

	return d, nil
}

// PushCycle repeatedly drains the outbox until depth reaches zero (spec
// §4.6). A failed send is retried with exponential backoff via go-retry;
// once MaxRetries is exhausted the batch is nacked and the cycle returns a
// transport error.
func (c *Coordinator) PushCycle(ctx context.Context) error {
	for {
		depth, err := c.outbox.Depth(ctx, c.cfg.ClientID)
		if err != nil {
			return err
		}
		if depth == 0 {
			return nil
		}

		entries, err := c.outbox.Peek(ctx, c.cfg.ClientID, c.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		ids := make([]string, len(entries))
		deltas := make([]delta.RowDelta, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
			deltas[i] = e.Delta
		}
		if err := c.outbox.MarkSending(ctx, ids); err != nil {
			return err
		}

		backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewExponential(50*time.Millisecond))
		sendErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
			resp, err := c.transport.Push(ctx, PushRequest{
				ClientID: c.cfg.ClientID, Deltas: deltas, LastSeenHLC: c.lastSyncedHLC,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			if resp.Accepted != len(deltas) {
				return retry.RetryableError(errors.New("coordinator: push batch partially accepted"))
			}
			c.clk.Observe(resp.ServerHLC)
			return nil
		})

		if sendErr != nil {
			exceeded, nackErr := c.outbox.Nack(ctx, ids, c.cfg.MaxRetries)
			if nackErr != nil {
				return nackErr
			}
			if len(exceeded) > 0 {
				slog.Error("outbox entries exceeded max retries",
					"component", "coordinator",
					"client_id", c.cfg.ClientID,
					"entries", len(exceeded),
					"error", sendErr,
				)
			}
			return errSyncTransport(sendErr)
		}

		if err := c.outbox.Ack(ctx, ids); err != nil {
			return err
		}
	}
}

func errSyncTransport(cause error) error {
	return errors.Join(syncerr.ErrTransport, cause)
}

// PullCycle repeatedly pulls from the gateway until hasMore is false,
// applying each received delta via LWW and advancing lastSyncedHLC (spec
// §4.6).
func (c *Coordinator) PullCycle(ctx context.Context, claims map[string]any) error {
	for {
		resp, err := c.transport.Pull(ctx, PullRequest{
			ClientID: c.cfg.ClientID, SinceHLC: c.lastSyncedHLC, MaxDeltas: uint32(c.cfg.PageSize), Claims: claims,
		})
		if err != nil {
			return errSyncTransport(err)
		}

		for _, d := range resp.Deltas {
			c.clk.Observe(d.HLC)
			if err := c.applyLWW(ctx, d); err != nil {
				slog.Warn("schema mismatch applying delta, column skipped",
					"component", "coordinator",
					"client_id", c.cfg.ClientID,
					"table", d.Table,
					"row_id", d.RowID,
					"error", err,
				)
			}
		}

		c.lastSyncedHLC = resp.NextCursor
		if !resp.HasMore {
			return nil
		}
	}
}

// applyLWW applies delta d to the local store, accepting each column (or
// the delete) only if its coordinate is strictly greater than the
// locally-recorded one for that column (spec §4.4/§4.6). A column whose
// incoming type disagrees with the local schema is skipped as a
// SCHEMA_MISMATCH diagnostic; the rest of the delta still applies.
func (c *Coordinator) applyLWW(ctx context.Context, d delta.RowDelta) error {
	incoming := ColumnCoord{HLC: d.HLC, ClientID: d.ClientID}

	if d.Op == delta.OpDelete {
		return c.local.ApplyDelete(ctx, d.Table, d.RowID, incoming)
	}

	schema, hasSchema, err := c.local.Schema(ctx, d.Table)
	if err != nil {
		return err
	}

	var lastErr error
	for _, col := range d.Columns {
		if hasSchema && !columnKnown(schema, col.Name) {
			lastErr = errors.Join(syncerr.ErrSchemaMismatch, errors.New("unknown column "+col.Name))
			continue
		}

		cur, has, err := c.local.ColumnCoord(ctx, d.Table, d.RowID, col.Name)
		if err != nil {
			return err
		}
		if has && !cur.less(incoming) {
			continue // local value already wins or ties
		}

		coord := ColumnCoord{HLC: d.HLC, ClientID: d.ClientID, Value: col.Value}
		if err := c.local.ApplyColumn(ctx, d.Table, d.RowID, col.Name, coord); err != nil {
			return err
		}
	}
	return lastErr
}

func columnKnown(schema delta.TableSchema, name string) bool {
	for _, c := range schema.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
