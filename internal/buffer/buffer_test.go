package buffer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/syncerr"
)

func newTestBuffer(wallMs uint64) *Buffer {
	wall := func() uint64 { return wallMs }
	clk := hlc.NewWithWallSource(wall)
	return NewWithWallSource(DefaultConfig(), clk, wall)
}

func mustDelta(t *testing.T, op delta.Op, table, rowID, clientID string, ts hlc.Timestamp, cols ...delta.Column) delta.RowDelta {
	t.Helper()
	d := delta.RowDelta{Op: op, Table: table, RowID: rowID, ClientID: clientID, HLC: ts, Columns: cols}
	withID, err := delta.WithDeltaID(d)
	if err != nil {
		t.Fatal(err)
	}
	return withID
}

// TestLWWLaterWins is scenario S1.
func TestLWWLaterWins(t *testing.T) {
	b := newTestBuffer(1000)
	a := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(1000, 0), delta.Column{Name: "title", Value: delta.String("A")})
	b2 := mustDelta(t, delta.OpUpdate, "todos", "r1", "b", hlc.Encode(2000, 0), delta.Column{Name: "title", Value: delta.String("B")})

	if _, err := b.Append(a); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(b2); err != nil {
		t.Fatal(err)
	}

	state, ok := b.LatestState("todos", "r1")
	if !ok {
		t.Fatal("expected row state")
	}
	if state["title"].Native() != "B" {
		t.Fatalf("expected title B, got %v", state["title"].Native())
	}
}

// TestConcurrentDisjointColumns is scenario S2 / property P5 (commutativity).
func TestConcurrentDisjointColumns(t *testing.T) {
	run := func(first, second delta.RowDelta) map[string]delta.Value {
		b := newTestBuffer(1100)
		if _, err := b.Append(first); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Append(second); err != nil {
			t.Fatal(err)
		}
		state, ok := b.LatestState("todos", "r1")
		if !ok {
			t.Fatal("expected row state")
		}
		return state
	}

	a := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(1000, 0), delta.Column{Name: "title", Value: delta.String("A")})
	c := mustDelta(t, delta.OpUpdate, "todos", "r1", "b", hlc.Encode(1100, 0), delta.Column{Name: "completed", Value: delta.Bool(true)})

	ab := run(a, c)
	ba := run(c, a)

	if ab["title"].Native() != ba["title"].Native() || ab["completed"].Native() != ba["completed"].Native() {
		t.Fatalf("expected commutative merge, got %v vs %v", ab, ba)
	}
	if ab["title"].Native() != "A" || ab["completed"].Native() != true {
		t.Fatalf("unexpected merged state: %v", ab)
	}
}

// TestTieBreakByClientID is scenario S3.
func TestTieBreakByClientID(t *testing.T) {
	b := newTestBuffer(5000)
	a := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(5000, 0), delta.Column{Name: "title", Value: delta.String("A")})
	bb := mustDelta(t, delta.OpUpdate, "todos", "r1", "b", hlc.Encode(5000, 0), delta.Column{Name: "title", Value: delta.String("B")})

	if _, err := b.Append(a); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(bb); err != nil {
		t.Fatal(err)
	}

	state, _ := b.LatestState("todos", "r1")
	if state["title"].Native() != "B" {
		t.Fatalf("expected clientId b (lexicographically greater) to win, got %v", state["title"].Native())
	}
}

// TestIdempotentRepush is scenario S4 / property P3.
func TestIdempotentRepush(t *testing.T) {
	b := newTestBuffer(1000)
	d := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(1000, 0), delta.Column{Name: "title", Value: delta.String("A")})

	outcome1, err := b.Append(d)
	if err != nil {
		t.Fatal(err)
	}
	if outcome1 != Accepted {
		t.Fatalf("expected first append to be Accepted")
	}

	outcome2, err := b.Append(d)
	if err != nil {
		t.Fatal(err)
	}
	if outcome2 != Duplicate {
		t.Fatalf("expected second append to be Duplicate")
	}

	if got := b.Stats().LogSize; got != 1 {
		t.Fatalf("expected logSize 1, got %d", got)
	}

	entries, _, _ := b.GetEventsSince(0, 10)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry on pull, got %d", len(entries))
	}
}

// TestDriftRejection is scenario S5.
func TestDriftRejection(t *testing.T) {
	b := newTestBuffer(1000)
	d := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(11000, 0), delta.Column{Name: "title", Value: delta.String("A")})

	_, err := b.Append(d)
	if !errors.Is(err, syncerr.ErrClockDrift) {
		t.Fatalf("expected ErrClockDrift, got %v", err)
	}
	if got := b.Stats().LogSize; got != 0 {
		t.Fatalf("expected buffer unchanged after drift rejection, got logSize=%d", got)
	}
}

// TestResurrection is scenario S6 / property P6.
func TestResurrection(t *testing.T) {
	b := newTestBuffer(300)
	ins1 := mustDelta(t, delta.OpInsert, "todos", "r1", "a", hlc.Encode(100, 0), delta.Column{Name: "title", Value: delta.String("first")})
	del := mustDelta(t, delta.OpDelete, "todos", "r1", "a", hlc.Encode(200, 0))
	ins2 := mustDelta(t, delta.OpInsert, "todos", "r1", "a", hlc.Encode(300, 0), delta.Column{Name: "title", Value: delta.String("resurrected")})

	for _, d := range []delta.RowDelta{ins1, del, ins2} {
		if _, err := b.Append(d); err != nil {
			t.Fatal(err)
		}
	}

	state, ok := b.LatestState("todos", "r1")
	if !ok {
		t.Fatal("expected resurrected row to be present")
	}
	if state["title"].Native() != "resurrected" {
		t.Fatalf("expected resurrected title, got %v", state["title"].Native())
	}
}

func TestTombstoneWithoutResurrectionIsAbsent(t *testing.T) {
	b := newTestBuffer(200)
	ins := mustDelta(t, delta.OpInsert, "todos", "r1", "a", hlc.Encode(100, 0), delta.Column{Name: "title", Value: delta.String("x")})
	del := mustDelta(t, delta.OpDelete, "todos", "r1", "a", hlc.Encode(200, 0))

	b.Append(ins)
	b.Append(del)

	if _, ok := b.LatestState("todos", "r1"); ok {
		t.Fatal("expected tombstoned row with no resurrection to be absent")
	}
}

// TestDeleteWinsTieBreakOverStaleUpdate is S3 extended with a DELETE: at
// equal HLC, clientId "b" > "a" so the DELETE wins the tie-break and the
// row must stay tombstoned even though the UPDATE writes a column
// ("title") that had no prior cell.
func TestDeleteWinsTieBreakOverStaleUpdate(t *testing.T) {
	b := newTestBuffer(500)
	del := mustDelta(t, delta.OpDelete, "todos", "r1", "b", hlc.Encode(500, 0))
	upd := mustDelta(t, delta.OpUpdate, "todos", "r1", "a", hlc.Encode(500, 0), delta.Column{Name: "title", Value: delta.String("stale")})

	if _, err := b.Append(del); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(upd); err != nil {
		t.Fatal(err)
	}

	if _, ok := b.LatestState("todos", "r1"); ok {
		t.Fatal("expected row to remain tombstoned: DELETE (clientId b) beats UPDATE (clientId a) at equal HLC")
	}
}

// TestUpdateWinsTieBreakOverStaleDelete is the converse of
// TestDeleteWinsTieBreakOverStaleUpdate: at equal HLC, clientId "b" > "a"
// so an UPDATE from "b" arriving after a DELETE from "a" wins the
// tie-break and the row must be resurrected.
func TestUpdateWinsTieBreakOverStaleDelete(t *testing.T) {
	b := newTestBuffer(500)
	del := mustDelta(t, delta.OpDelete, "todos", "r1", "a", hlc.Encode(500, 0))
	upd := mustDelta(t, delta.OpUpdate, "todos", "r1", "b", hlc.Encode(500, 0), delta.Column{Name: "title", Value: delta.String("fresh")})

	if _, err := b.Append(del); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(upd); err != nil {
		t.Fatal(err)
	}

	state, ok := b.LatestState("todos", "r1")
	if !ok {
		t.Fatal("expected UPDATE (clientId b) to beat DELETE (clientId a) at equal HLC")
	}
	if state["title"].Native() != "fresh" {
		t.Fatalf("expected title fresh, got %v", state["title"].Native())
	}
}

// TestPaginatedPull is scenario S8.
func TestPaginatedPull(t *testing.T) {
	b := newTestBuffer(1000)
	for i := 0; i < 500; i++ {
		d := mustDelta(t, delta.OpInsert, "todos", fmtRowID(i), "a", hlc.Encode(uint64(1000+i), 0),
			delta.Column{Name: "n", Value: delta.Int(int64(i))})
		if _, err := b.Append(d); err != nil {
			t.Fatal(err)
		}
	}

	var cursor hlc.Timestamp
	total := 0
	pages := 0
	for {
		entries, next, hasMore := b.GetEventsSince(cursor, 100)
		total += len(entries)
		cursor = next
		pages++
		if !hasMore {
			break
		}
		if pages > 10 {
			t.Fatal("too many pages, pagination not converging")
		}
	}

	if total != 500 {
		t.Fatalf("expected all 500 deltas across pages, got %d", total)
	}
	if pages != 5 {
		t.Fatalf("expected exactly 5 pages of 100, got %d", pages)
	}
}

// TestCursorProgress is property P8.
func TestCursorProgress(t *testing.T) {
	b := newTestBuffer(1000)
	for i := 0; i < 10; i++ {
		d := mustDelta(t, delta.OpInsert, "todos", fmtRowID(i), "a", hlc.Encode(uint64(1000+i), 0))
		b.Append(d)
	}

	entries, cursor, hasMore := b.GetEventsSince(0, 5)
	if len(entries) != 5 || !hasMore {
		t.Fatalf("expected first page of 5 with more remaining")
	}

	next, cursor2, hasMore2 := b.GetEventsSince(cursor, 5)
	if len(next) != 5 || hasMore2 {
		t.Fatalf("expected second page of 5 with no more remaining")
	}
	for _, e := range next {
		if e.ArrivedAtHLC <= cursor {
			t.Fatalf("entry %v not strictly after cursor %v", e.ArrivedAtHLC, cursor)
		}
	}
	_ = cursor2
}

func fmtRowID(i int) string {
	return fmt.Sprintf("r%d", i)
}
