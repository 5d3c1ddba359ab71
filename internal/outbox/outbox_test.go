package outbox

import (
	"context"
	"testing"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleOutboxDelta(t *testing.T, rowID string) delta.RowDelta {
	t.Helper()
	d := delta.RowDelta{
		Op: delta.OpUpdate, Table: "todos", RowID: rowID, ClientID: "c1",
		HLC:     hlc.Encode(1000, 0),
		Columns: []delta.Column{{Name: "title", Value: delta.String("x")}},
	}
	withID, err := delta.WithDeltaID(d)
	if err != nil {
		t.Fatal(err)
	}
	return withID
}

func TestPushPeekAckLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	d := sampleOutboxDelta(t, "r1")
	if err := s.Push(ctx, "c1", d); err != nil {
		t.Fatal(err)
	}

	depth, err := s.Depth(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	entries, err := s.Peek(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Delta.DeltaID != d.DeltaID {
		t.Fatalf("unexpected peek result: %+v", entries)
	}

	ids := []string{entries[0].ID}
	if err := s.MarkSending(ctx, ids); err != nil {
		t.Fatal(err)
	}

	// A pending peek should now see nothing while it's in "sending".
	pending, err := s.Peek(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries while sending, got %d", len(pending))
	}

	if err := s.Ack(ctx, ids); err != nil {
		t.Fatal(err)
	}

	depth, err = s.Depth(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("expected depth 0 after ack, got %d", depth)
	}
}

func TestNackRetriesAndSurfacesExceeded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	d := sampleOutboxDelta(t, "r1")
	if err := s.Push(ctx, "c1", d); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.Peek(ctx, "c1", 10)
	ids := []string{entries[0].ID}

	for i := 0; i < 3; i++ {
		if err := s.MarkSending(ctx, ids); err != nil {
			t.Fatal(err)
		}
		exceeded, err := s.Nack(ctx, ids, 2)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 && len(exceeded) != 0 {
			t.Fatalf("did not expect exceeded at retry %d", i)
		}
		if i == 2 && len(exceeded) != 1 {
			t.Fatalf("expected entry to exceed maxRetries at retry %d, got %v", i, exceeded)
		}
	}

	depth, err := s.Depth(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("nack must never silently drop an entry, depth=%d", depth)
	}
}

func TestPeekIsFIFOByEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		d := sampleOutboxDelta(t, rowIDN(i))
		if err := s.Push(ctx, "c1", d); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.Peek(ctx, "c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Delta.RowID != rowIDN(i) {
			t.Fatalf("expected FIFO order, entry %d has rowId %s", i, e.Delta.RowID)
		}
	}
}

func TestPushSameDeltaTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	d := sampleOutboxDelta(t, "r1")
	if err := s.Push(ctx, "c1", d); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, "c1", d); err != nil {
		t.Fatal(err)
	}

	depth, err := s.Depth(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 after duplicate push, got %d", depth)
	}
}

func rowIDN(i int) string {
	return [...]string{"r0", "r1", "r2"}[i]
}
