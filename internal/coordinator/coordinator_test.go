package coordinator

import (
	"context"
	"testing"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/outbox"
)

type fakeLocalStore struct {
	coords  map[string]ColumnCoord
	deleted map[string]ColumnCoord
	schemas map[string]delta.TableSchema
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{
		coords:  make(map[string]ColumnCoord),
		deleted: make(map[string]ColumnCoord),
		schemas: make(map[string]delta.TableSchema),
	}
}

func colKey(table, rowID, col string) string { return table + "\x00" + rowID + "\x00" + col }

func (f *fakeLocalStore) ColumnCoord(ctx context.Context, table, rowID, column string) (ColumnCoord, bool, error) {
	c, ok := f.coords[colKey(table, rowID, column)]
	return c, ok, nil
}

func (f *fakeLocalStore) ApplyColumn(ctx context.Context, table, rowID, column string, coord ColumnCoord) error {
	f.coords[colKey(table, rowID, column)] = coord
	return nil
}

func (f *fakeLocalStore) ApplyDelete(ctx context.Context, table, rowID string, coord ColumnCoord) error {
	key := table + "\x00" + rowID
	f.deleted[key] = coord
	for k := range f.coords {
		delete(f.coords, k)
	}
	return nil
}

func (f *fakeLocalStore) Schema(ctx context.Context, table string) (delta.TableSchema, bool, error) {
	s, ok := f.schemas[table]
	return s, ok, nil
}

type fakeTransport struct {
	pushFn func(ctx context.Context, req PushRequest) (PushResponse, error)
	pullFn func(ctx context.Context, req PullRequest) (PullResponse, error)
}

func (f *fakeTransport) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	return f.pushFn(ctx, req)
}

func (f *fakeTransport) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	return f.pullFn(ctx, req)
}

func newTestCoordinator(t *testing.T, transport Transport) (*Coordinator, *outbox.Store, *fakeLocalStore) {
	t.Helper()
	ob, err := outbox.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ob.Close() })

	local := newFakeLocalStore()
	clk := hlc.New()
	cfg := DefaultConfig("client-a")
	return New(cfg, clk, ob, transport, local), ob, local
}

func TestTrackMutationAppendsToOutboxAndAppliesLocally(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	co, ob, local := newTestCoordinator(t, transport)

	_, err := co.TrackMutation(ctx, delta.OpInsert, "todos", "r1", []delta.Column{
		{Name: "title", Value: delta.String("buy milk")},
	})
	if err != nil {
		t.Fatal(err)
	}

	depth, err := ob.Depth(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected outbox depth 1, got %d", depth)
	}

	coord, ok, err := local.ColumnCoord(ctx, "todos", "r1", "title")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || coord.Value.Native() != "buy milk" {
		t.Fatalf("expected local apply of the tracked mutation, got %+v ok=%v", coord, ok)
	}
}

func TestPushCycleDrainsOutboxOnSuccess(t *testing.T) {
	ctx := context.Background()
	var pushed []delta.RowDelta
	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req PushRequest) (PushResponse, error) {
			pushed = append(pushed, req.Deltas...)
			return PushResponse{ServerHLC: hlc.Encode(9999, 0), Accepted: len(req.Deltas)}, nil
		},
	}
	co, ob, _ := newTestCoordinator(t, transport)

	if _, err := co.TrackMutation(ctx, delta.OpInsert, "todos", "r1", []delta.Column{
		{Name: "title", Value: delta.String("a")},
	}); err != nil {
		t.Fatal(err)
	}

	if err := co.PushCycle(ctx); err != nil {
		t.Fatal(err)
	}

	depth, err := ob.Depth(ctx, "client-a")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("expected outbox drained, depth=%d", depth)
	}
	if len(pushed) != 1 {
		t.Fatalf("expected exactly one delta pushed, got %d", len(pushed))
	}
}

func TestPullCycleAppliesLWWAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	remoteDelta := delta.RowDelta{
		Op: delta.OpUpdate, Table: "todos", RowID: "r1", ClientID: "b",
		HLC:     hlc.Encode(5000, 0),
		Columns: []delta.Column{{Name: "title", Value: delta.String("from b")}},
	}
	remoteDelta, _ = delta.WithDeltaID(remoteDelta)

	calls := 0
	transport := &fakeTransport{
		pullFn: func(ctx context.Context, req PullRequest) (PullResponse, error) {
			calls++
			if calls == 1 {
				return PullResponse{Deltas: []delta.RowDelta{remoteDelta}, NextCursor: hlc.Encode(5000, 1), HasMore: false}, nil
			}
			return PullResponse{NextCursor: req.SinceHLC, HasMore: false}, nil
		},
	}
	co, _, local := newTestCoordinator(t, transport)

	if err := co.PullCycle(ctx, nil); err != nil {
		t.Fatal(err)
	}

	coord, ok, err := local.ColumnCoord(ctx, "todos", "r1", "title")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || coord.Value.Native() != "from b" {
		t.Fatalf("expected pulled delta applied locally, got %+v ok=%v", coord, ok)
	}
	if co.lastSyncedHLC != hlc.Encode(5000, 1) {
		t.Fatalf("expected cursor advanced to nextCursor, got %v", co.lastSyncedHLC)
	}
}

func TestPullCycleLWWRejectsStaleDelta(t *testing.T) {
	ctx := context.Background()
	co, _, local := newTestCoordinator(t, &fakeTransport{})

	// Local already has a newer coordinate for this column.
	local.ApplyColumn(ctx, "todos", "r1", "title", ColumnCoord{HLC: hlc.Encode(9000, 0), ClientID: "z", Value: delta.String("newer")})

	stale := delta.RowDelta{
		Op: delta.OpUpdate, Table: "todos", RowID: "r1", ClientID: "b",
		HLC:     hlc.Encode(1000, 0),
		Columns: []delta.Column{{Name: "title", Value: delta.String("stale")}},
	}
	stale, _ = delta.WithDeltaID(stale)

	if err := co.applyLWW(ctx, stale); err != nil {
		t.Fatal(err)
	}

	coord, _, _ := local.ColumnCoord(ctx, "todos", "r1", "title")
	if coord.Value.Native() != "newer" {
		t.Fatalf("expected stale delta to be rejected, local value is %v", coord.Value.Native())
	}
}

func TestApplyLWWSkipsUnknownColumnAsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	co, _, local := newTestCoordinator(t, &fakeTransport{})
	local.schemas["todos"] = delta.TableSchema{Table: "todos", Columns: []delta.ColumnSchema{{Name: "title", Type: delta.TypeString}}}

	d := delta.RowDelta{
		Op: delta.OpUpdate, Table: "todos", RowID: "r1", ClientID: "b",
		HLC: hlc.Encode(1000, 0),
		Columns: []delta.Column{
			{Name: "title", Value: delta.String("known")},
			{Name: "ghost", Value: delta.String("unknown")},
		},
	}
	d, _ = delta.WithDeltaID(d)

	err := co.applyLWW(ctx, d)
	if err == nil {
		t.Fatal("expected schema mismatch diagnostic error for unknown column")
	}

	title, ok, _ := local.ColumnCoord(ctx, "todos", "r1", "title")
	if !ok || title.Value.Native() != "known" {
		t.Fatalf("expected known column still applied despite mismatch on another column")
	}
	if _, ok, _ := local.ColumnCoord(ctx, "todos", "r1", "ghost"); ok {
		t.Fatal("expected unknown column to be skipped, not applied")
	}
}
