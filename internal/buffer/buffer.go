// Package buffer implements the gateway's in-memory delta buffer (spec
// §4.4): an append-only ordered log plus a per-row merge index, bounded by
// configurable size and age, that never drops data before a flush
// succeeds.
package buffer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/syncerr"
)

// AppendOutcome reports whether an append actually inserted a new log
// entry or found an existing one with the same deltaId.
type AppendOutcome int

const (
	Accepted AppendOutcome = iota
	Duplicate
)

// Entry is one log record: the delta plus the arrival timestamp assigned
// by the gateway on accept.
type Entry struct {
	Delta        delta.RowDelta
	ArrivedAtHLC hlc.Timestamp
}

// coordinate is the (hlc, clientId) pair the LWW ordering compares.
type coordinate struct {
	hlc      hlc.Timestamp
	clientID string
}

// less reports whether c sorts strictly before o under the ordering:
// HLC strictly greater wins; ties broken by clientId lexicographically
// greater (spec §4.4).
func (c coordinate) less(o coordinate) bool {
	if c.hlc != o.hlc {
		return c.hlc < o.hlc
	}
	return c.clientID < o.clientID
}

type cell struct {
	coord coordinate
	value delta.Value
}

type rowState struct {
	columns   map[string]cell
	tombstone *coordinate // set once a DELETE has been observed for this row
}

// Config bounds the buffer's size and age before it signals backpressure
// to the flush pipeline.
type Config struct {
	MaxBufferBytes uint64
	MaxBufferAgeMs uint64
	MaxDriftMs     uint64
}

// DefaultConfig matches spec §4.4/§8's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferBytes: 500 * 1024 * 1024,
		MaxBufferAgeMs: 60_000,
		MaxDriftMs:     5_000,
	}
}

// Stats summarises buffer occupancy for monitoring and eviction decisions.
type Stats struct {
	LogSize       int
	IndexSize     int
	ByteEstimate  uint64
	OldestArrival hlc.Timestamp
}

// HumanBytes renders ByteEstimate the way gateway logs report it.
func (s Stats) HumanBytes() string {
	return humanize.Bytes(s.ByteEstimate)
}

// Buffer is a single gateway's delta log and row index. Safe for
// concurrent use: append is serialised; getEventsSince and latestState
// read a consistent snapshot.
type Buffer struct {
	cfg Config
	clk *hlc.Clock
	now func() uint64

	mu         sync.Mutex
	log        []Entry
	seenDelta  map[string]struct{}
	index      map[string]*rowState // key: table + "\x00" + rowId
	byteTotal  uint64
	oldestWall uint64
}

// New creates an empty Buffer backed by clk for arrival timestamping.
func New(cfg Config, clk *hlc.Clock) *Buffer {
	return NewWithWallSource(cfg, clk, hlc.SystemWall)
}

// NewWithWallSource creates a Buffer using a custom wall-clock source,
// primarily for deterministic drift and age tests.
func NewWithWallSource(cfg Config, clk *hlc.Clock, wall hlc.WallSource) *Buffer {
	return &Buffer{
		cfg:       cfg,
		clk:       clk,
		now:       wall,
		seenDelta: make(map[string]struct{}),
		index:     make(map[string]*rowState),
	}
}

func rowKey(table, rowID string) string {
	var b strings.Builder
	b.Grow(len(table) + len(rowID) + 1)
	b.WriteString(table)
	b.WriteByte(0)
	b.WriteString(rowID)
	return b.String()
}

func estimateSize(d delta.RowDelta) uint64 {
	n := uint64(len(d.Table) + len(d.RowID) + len(d.ClientID) + len(d.DeltaID) + 8)
	for _, c := range d.Columns {
		n += uint64(len(c.Name) + 16)
		switch c.Value.Kind {
		case delta.KindString, delta.KindJSON:
			n += uint64(len(c.Value.Str))
		case delta.KindBytes:
			n += uint64(len(c.Value.Bytes))
		}
	}
	return n
}

// Append admits delta d into the log and merges it into the row index.
// Returns Duplicate without modifying state if d.DeltaID has already been
// seen (I1). Returns syncerr.ErrClockDrift if the delta's HLC wall-clock
// component falls outside the configured drift tolerance, and
// syncerr.ErrBufferFull if admitting d would exceed MaxBufferBytes.
func (b *Buffer) Append(d delta.RowDelta) (AppendOutcome, error) {
	wallMs := hlc.DecodeWall(d.HLC)
	localWall := b.now()
	drift := int64(wallMs) - int64(localWall)
	if drift < 0 {
		drift = -drift
	}
	if uint64(drift) > b.cfg.MaxDriftMs {
		return Duplicate, syncerr.ErrClockDrift
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seenDelta[d.DeltaID]; dup {
		return Duplicate, nil
	}

	size := estimateSize(d)
	if b.cfg.MaxBufferBytes > 0 && b.byteTotal+size > b.cfg.MaxBufferBytes {
		return Duplicate, syncerr.ErrBufferFull
	}

	b.clk.Observe(d.HLC)
	arrived, err := b.clk.Now()
	if err != nil {
		return Duplicate, err
	}

	b.mergeIndex(d)

	b.log = append(b.log, Entry{Delta: d, ArrivedAtHLC: arrived})
	b.seenDelta[d.DeltaID] = struct{}{}
	b.byteTotal += size
	if len(b.log) == 1 || wallMs < b.oldestWall {
		b.oldestWall = wallMs
	}

	return Accepted, nil
}

func (b *Buffer) mergeIndex(d delta.RowDelta) {
	key := rowKey(d.Table, d.RowID)
	rs, ok := b.index[key]
	if !ok {
		rs = &rowState{columns: make(map[string]cell)}
		b.index[key] = rs
	}

	coord := coordinate{hlc: d.HLC, clientID: d.ClientID}

	if d.Op == delta.OpDelete {
		if rs.tombstone == nil || rs.tombstone.less(coord) {
			rs.tombstone = &coord
		}
		for name, c := range rs.columns {
			if c.coord.less(coord) {
				delete(rs.columns, name)
			}
		}
		return
	}

	for _, col := range d.Columns {
		// A column with no prior cell still loses to an unopposed
		// tombstone: a stale INSERT/UPDATE arriving after a DELETE must
		// not resurrect the row just because this particular column was
		// never written or was already cleared by the DELETE's pass above.
		if rs.tombstone != nil && !rs.tombstone.less(coord) {
			continue
		}
		cur, has := rs.columns[col.Name]
		if !has || cur.coord.less(coord) {
			rs.columns[col.Name] = cell{coord: coord, value: col.Value}
		}
	}
}

// GetEventsSince returns up to limit log entries with ArrivedAtHLC > cursor
// (spec §4.4). nextCursor is the ArrivedAtHLC of the last returned entry,
// or cursor unchanged if no entries qualify. hasMore is true iff entries
// remain beyond the returned page.
func (b *Buffer) GetEventsSince(cursor hlc.Timestamp, limit uint32) (entries []Entry, nextCursor hlc.Timestamp, hasMore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := sort.Search(len(b.log), func(i int) bool {
		return b.log[i].ArrivedAtHLC > cursor
	})

	nextCursor = cursor
	if start >= len(b.log) {
		return nil, nextCursor, false
	}

	end := start + int(limit)
	if limit == 0 || end > len(b.log) {
		end = len(b.log)
	}

	entries = make([]Entry, end-start)
	copy(entries, b.log[start:end])
	if len(entries) > 0 {
		nextCursor = entries[len(entries)-1].ArrivedAtHLC
	}
	hasMore = end < len(b.log)
	return entries, nextCursor, hasMore
}

// LatestState returns the merged column projection for (table, rowId), or
// ok=false if the row is tombstoned with no later resurrection or has
// never been seen.
func (b *Buffer) LatestState(table, rowID string) (state map[string]delta.Value, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, present := b.index[rowKey(table, rowID)]
	if !present {
		return nil, false
	}
	if rs.tombstone != nil && len(rs.columns) == 0 {
		return nil, false
	}

	out := make(map[string]delta.Value, len(rs.columns))
	for name, c := range rs.columns {
		out[name] = c.value
	}
	return out, true
}

// Drain atomically transfers the current log to the caller and clears it.
// The row index is left intact until the flush pipeline confirms a
// successful write (spec §4.4, §4.8).
func (b *Buffer) Drain() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.log
	b.log = nil
	b.byteTotal = 0
	return out
}

// Restore re-admits previously drained entries to the front of the log
// without touching seenDelta or the index, preserving their original
// ArrivedAtHLC ordering, used when a flush attempt fails and the drained
// batch must be retried (spec §4.8 commit-or-restore).
func (b *Buffer) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range entries {
		b.byteTotal += estimateSize(e.Delta)
	}
	b.log = append(append([]Entry{}, entries...), b.log...)
}

// Stats reports current occupancy (spec §4.4).
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest hlc.Timestamp
	if len(b.log) > 0 {
		oldest = b.log[0].ArrivedAtHLC
	}
	return Stats{
		LogSize:       len(b.log),
		IndexSize:     len(b.index),
		ByteEstimate:  b.byteTotal,
		OldestArrival: oldest,
	}
}

// NeedsFlush reports whether the buffer has crossed its configured size or
// age bound and should be drained by the flush pipeline.
func (b *Buffer) NeedsFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.MaxBufferBytes > 0 && b.byteTotal >= b.cfg.MaxBufferBytes {
		return true
	}
	if len(b.log) == 0 {
		return false
	}
	age := b.now() - b.oldestWall
	return b.cfg.MaxBufferAgeMs > 0 && age >= b.cfg.MaxBufferAgeMs
}

// OldestArrivalAge returns how long, in wall-clock milliseconds, the
// oldest un-flushed entry has been sitting in the buffer.
func (b *Buffer) OldestArrivalAge() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.log) == 0 {
		return 0
	}
	return time.Duration(b.now()-b.oldestWall) * time.Millisecond
}

// RowSnapshot is one row's merged state as of the moment Snapshot was
// taken, exported for the flush-target snapshot/export upload (spec §6):
// a cold-starting client bootstraps from these rather than replaying the
// gateway's full delta history. Deleted rows are included with Deleted
// set and no Columns, so an export fully represents tombstones instead
// of silently omitting them.
type RowSnapshot struct {
	Table   string
	RowID   string
	Deleted bool
	Columns map[string]delta.Value
}

func splitRowKey(key string) (table, rowID string) {
	i := strings.IndexByte(key, 0)
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// Snapshot returns the buffer's full merged row index, one RowSnapshot
// per row ever observed, including tombstoned rows.
func (b *Buffer) Snapshot() []RowSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]RowSnapshot, 0, len(b.index))
	for key, rs := range b.index {
		table, rowID := splitRowKey(key)
		if rs.tombstone != nil && len(rs.columns) == 0 {
			out = append(out, RowSnapshot{Table: table, RowID: rowID, Deleted: true})
			continue
		}
		cols := make(map[string]delta.Value, len(rs.columns))
		for name, c := range rs.columns {
			cols[name] = c.value
		}
		out = append(out, RowSnapshot{Table: table, RowID: rowID, Columns: cols})
	}
	return out
}
