package delta

import (
	"encoding/json"
	"testing"

	"github.com/hyperengineering/syncd/internal/hlc"
)

func sampleDelta() RowDelta {
	return RowDelta{
		Op:       OpUpdate,
		Table:    "todos",
		RowID:    "r1",
		ClientID: "a",
		HLC:      hlc.Encode(1000, 0),
		Columns: []Column{
			{Name: "title", Value: String("A")},
			{Name: "completed", Value: Bool(false)},
		},
	}
}

// TestDeltaIDDeterministic is property P2: the deltaId is stable across
// repeated computation and independent of Columns slice order.
func TestDeltaIDDeterministic(t *testing.T) {
	d1 := sampleDelta()
	d2 := sampleDelta()
	d2.Columns[0], d2.Columns[1] = d2.Columns[1], d2.Columns[0] // reorder

	id1, err := ComputeDeltaID(d1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ComputeDeltaID(d2)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("deltaId differs by column order: %s vs %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d chars", len(id1))
	}
}

func TestDeltaIDChangesWithContent(t *testing.T) {
	d1 := sampleDelta()
	d2 := sampleDelta()
	d2.Columns[0].Value = String("B")

	id1, _ := ComputeDeltaID(d1)
	id2, _ := ComputeDeltaID(d2)
	if id1 == id2 {
		t.Fatalf("expected different deltaId for different content")
	}
}

func TestVerifyDeltaIDRejectsMismatch(t *testing.T) {
	d, err := WithDeltaID(sampleDelta())
	if err != nil {
		t.Fatal(err)
	}
	d.DeltaID = "deadbeef"
	if err := VerifyDeltaID(d); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestVerifyDeltaIDAccepts(t *testing.T) {
	d, err := WithDeltaID(sampleDelta())
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyDeltaID(d); err != nil {
		t.Fatalf("expected valid deltaId, got %v", err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	d, err := WithDeltaID(sampleDelta())
	if err != nil {
		t.Fatal(err)
	}
	d.Columns = append(d.Columns, Column{Name: "meta", Value: JSON(json.RawMessage(`{"b":2,"a":1}`))})
	d.Columns = append(d.Columns, Column{Name: "blob", Value: Bytes([]byte{0x00, 0x01, 0xFF})})
	d.Columns = append(d.Columns, Column{Name: "score", Value: Float(3.14159)})
	d.Columns = append(d.Columns, Column{Name: "nothing", Value: Null()})

	encoded, err := EncodeWire(d)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeWire(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Op != d.Op || decoded.Table != d.Table || decoded.RowID != d.RowID ||
		decoded.ClientID != d.ClientID || decoded.HLC != d.HLC || decoded.DeltaID != d.DeltaID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, d)
	}
	if len(decoded.Columns) != len(d.Columns) {
		t.Fatalf("column count mismatch: got %d, want %d", len(decoded.Columns), len(d.Columns))
	}
	for i := range d.Columns {
		if decoded.Columns[i].Name != d.Columns[i].Name {
			t.Fatalf("column %d name mismatch", i)
		}
		if !decoded.Columns[i].Value.Equal(d.Columns[i].Value) {
			t.Fatalf("column %d value mismatch: got %+v want %+v", i, decoded.Columns[i].Value, d.Columns[i].Value)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	d, _ := WithDeltaID(sampleDelta())
	frame, err := EncodeFrame(d)
	if err != nil {
		t.Fatal(err)
	}
	// Append a second frame to verify consumed-length bookkeeping.
	d2, _ := WithDeltaID(sampleDelta())
	d2.RowID = "r2"
	frame2, _ := EncodeFrame(d2)

	combined := append(append([]byte{}, frame...), frame2...)

	got1, n1, err := DecodeFrame(combined)
	if err != nil {
		t.Fatal(err)
	}
	if got1.RowID != "r1" {
		t.Fatalf("expected r1, got %s", got1.RowID)
	}

	got2, _, err := DecodeFrame(combined[n1:])
	if err != nil {
		t.Fatal(err)
	}
	if got2.RowID != "r2" {
		t.Fatalf("expected r2, got %s", got2.RowID)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	d, _ := WithDeltaID(sampleDelta())
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var decoded RowDelta
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.DeltaID != d.DeltaID || decoded.RowID != d.RowID {
		t.Fatalf("json round trip mismatch: %+v vs %+v", decoded, d)
	}
}

func TestDeleteMustCarryNoColumns(t *testing.T) {
	d := sampleDelta()
	d.Op = OpDelete
	if err := d.Validate(); err == nil {
		t.Fatal("expected validation error for DELETE with columns")
	}
	d.Columns = nil
	if err := d.Validate(); err != nil {
		t.Fatalf("expected valid DELETE, got %v", err)
	}
}
