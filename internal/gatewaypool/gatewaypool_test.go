package gatewaypool

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/flush"
	"github.com/hyperengineering/syncd/internal/gateway"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/rules"
)

type fakeDBAdapter struct{ inserted []delta.RowDelta }

func (f *fakeDBAdapter) EnsureSchema(ctx context.Context, schema delta.TableSchema) error {
	return nil
}
func (f *fakeDBAdapter) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	f.inserted = append(f.inserted, deltas...)
	return nil
}
func (f *fakeDBAdapter) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables []string) ([]delta.RowDelta, error) {
	return nil, nil
}
func (f *fakeDBAdapter) GetLatestState(ctx context.Context, table, rowID string) (map[string]delta.Value, bool, error) {
	return nil, false, nil
}

type testFactory struct{ adapters map[string]*fakeDBAdapter }

func newTestFactory() *testFactory { return &testFactory{adapters: make(map[string]*fakeDBAdapter)} }

func (f *testFactory) BuildConfig(gatewayID string) gateway.Config {
	return gateway.Config{ID: gatewayID, Buffer: buffer.DefaultConfig(), Rules: rules.Config{}}
}

func (f *testFactory) BuildQuota(gatewayID string) gateway.QuotaChecker { return nil }

func (f *testFactory) BuildSink(gatewayID string) flush.Sink {
	a := &fakeDBAdapter{}
	f.adapters[gatewayID] = a
	return flush.Sink{DB: a}
}

func TestGetCreatesGatewayLazilyAndReturnsSameInstanceOnSecondCall(t *testing.T) {
	pool := New(newTestFactory())
	ctx := context.Background()

	gw1, err := pool.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	gw2, err := pool.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if gw1 != gw2 {
		t.Fatal("expected the same gateway instance on repeated Get calls")
	}
}

func TestCreateFailsIfGatewayAlreadyExists(t *testing.T) {
	pool := New(newTestFactory())
	ctx := context.Background()

	if _, err := pool.Create(ctx, "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Create(ctx, "tenant-a"); err != ErrGatewayAlreadyExists {
		t.Fatalf("expected ErrGatewayAlreadyExists, got %v", err)
	}
}

func TestPipelineReturnsNotFoundForUnknownGateway(t *testing.T) {
	pool := New(newTestFactory())
	if _, err := pool.Pipeline("missing"); err != ErrGatewayNotFound {
		t.Fatalf("expected ErrGatewayNotFound, got %v", err)
	}
}

func TestDeleteEvictsGatewayAndMarksItDeleted(t *testing.T) {
	pool := New(newTestFactory())
	ctx := context.Background()

	gw, err := pool.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Delete(ctx, "tenant-a"); err != nil {
		t.Fatal(err)
	}
	if gw.State() != gateway.StateDeleted {
		t.Fatalf("expected gateway to be marked deleted, got %s", gw.State())
	}
	if _, err := pool.Pipeline("tenant-a"); err != ErrGatewayNotFound {
		t.Fatal("expected pipeline to be evicted after delete")
	}
}

func TestListReturnsSortedGatewayIDs(t *testing.T) {
	pool := New(newTestFactory())
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mu"} {
		if _, err := pool.Get(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	ids := pool.List()
	want := []string{"alpha", "mu", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestFlushManagerFlushesEveryLoadedGateway(t *testing.T) {
	factory := newTestFactory()
	pool := New(factory)
	ctx := context.Background()

	gw, err := pool.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	d := delta.RowDelta{Op: delta.OpInsert, Table: "todos", RowID: "r1", ClientID: "c1", HLC: hlc.Encode(uint64(time.Now().UnixMilli()), 0), Columns: []delta.Column{{Name: "title", Value: delta.String("x")}}}
	withID, err := delta.WithDeltaID(d)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Buffer().Append(withID); err != nil {
		t.Fatal(err)
	}

	if err := pool.FlushManager().FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(factory.adapters["tenant-a"].inserted) != 1 {
		t.Fatalf("expected 1 delta flushed, got %d", len(factory.adapters["tenant-a"].inserted))
	}
}
