package hlc

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := Encode(1700000000000, 42)
	w, c := Decode(ts)
	if w != 1700000000000 || c != 42 {
		t.Fatalf("round trip mismatch: wall=%d counter=%d", w, c)
	}
}

func TestOrderingIsNumeric(t *testing.T) {
	a := Encode(1000, 5)
	b := Encode(1000, 6)
	c := Encode(1001, 0)
	if !(a < b && b < c) {
		t.Fatalf("expected a < b < c, got a=%d b=%d c=%d", a, b, c)
	}
}

// TestMonotonicity is property P1: timestamps emitted in program order by
// one clock are strictly increasing.
func TestMonotonicity(t *testing.T) {
	wall := uint64(1000)
	clk := NewWithWallSource(func() uint64 { return wall })

	var prev Timestamp
	for i := 0; i < 5; i++ {
		ts, err := clk.Now()
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		if ts <= prev {
			t.Fatalf("non-monotonic: prev=%d ts=%d", prev, ts)
		}
		prev = ts
	}
}

func TestNowAdvancesWallResetsCounter(t *testing.T) {
	wall := uint64(1000)
	clk := NewWithWallSource(func() uint64 { return wall })

	ts1, _ := clk.Now()
	_, c1 := Decode(ts1)
	if c1 != 0 {
		t.Fatalf("expected counter 0, got %d", c1)
	}

	ts2, _ := clk.Now() // same millisecond
	w2, c2 := Decode(ts2)
	if w2 != 1000 || c2 != 1 {
		t.Fatalf("expected (1000,1), got (%d,%d)", w2, c2)
	}

	wall = 1001
	ts3, _ := clk.Now()
	w3, c3 := Decode(ts3)
	if w3 != 1001 || c3 != 0 {
		t.Fatalf("expected (1001,0) after wall advance, got (%d,%d)", w3, c3)
	}
}

func TestCounterOverflow(t *testing.T) {
	wall := uint64(1000)
	clk := NewWithWallSource(func() uint64 { return wall })

	clk.lastW = 1000
	clk.lastC = counterMax

	if _, err := clk.Now(); err != ErrCounterOverflow {
		t.Fatalf("expected ErrCounterOverflow, got %v", err)
	}
}

func TestObserveAdoptsLaterPeerWall(t *testing.T) {
	wall := uint64(1000)
	clk := NewWithWallSource(func() uint64 { return wall })

	clk.Observe(Encode(5000, 3))
	w, c := clk.lastW, clk.lastC
	if w != 5000 || c != 4 {
		t.Fatalf("expected (5000,4), got (%d,%d)", w, c)
	}
}

func TestObserveLocalWallDominates(t *testing.T) {
	wall := uint64(9000)
	clk := NewWithWallSource(func() uint64 { return wall })

	clk.Observe(Encode(1000, 50)) // stale peer timestamp
	w, c := clk.lastW, clk.lastC
	if w != 9000 || c != 0 {
		t.Fatalf("expected local wall to dominate at (9000,0), got (%d,%d)", w, c)
	}
}

func TestDecodeWall(t *testing.T) {
	ts := Encode(123456, 7)
	if DecodeWall(ts) != 123456 {
		t.Fatalf("DecodeWall mismatch")
	}
}
