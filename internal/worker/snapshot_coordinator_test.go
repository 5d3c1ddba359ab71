package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/hlc"
)

type fakeSnapshotPool struct {
	buffers map[string]*buffer.Buffer
}

func (p *fakeSnapshotPool) List() []string {
	ids := make([]string, 0, len(p.buffers))
	for id := range p.buffers {
		ids = append(ids, id)
	}
	return ids
}

func (p *fakeSnapshotPool) Buffer(id string) (*buffer.Buffer, error) {
	buf, ok := p.buffers[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return buf, nil
}

type fakeExporter struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (e *fakeExporter) Export(ctx context.Context, gatewayID string, buf *buffer.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, gatewayID)
	if e.fail[gatewayID] {
		return errors.New("export failed")
	}
	return nil
}

func TestSnapshotSweepExportsEveryLoadedGateway(t *testing.T) {
	clk := hlc.New()
	bufA := buffer.New(buffer.DefaultConfig(), clk)
	bufB := buffer.New(buffer.DefaultConfig(), clk)

	pool := &fakeSnapshotPool{buffers: map[string]*buffer.Buffer{"a": bufA, "b": bufB}}
	exp := &fakeExporter{}

	coord := NewSnapshotCoordinator(pool, exp, time.Hour)
	coord.sweep(context.Background())

	if len(exp.seen) != 2 {
		t.Fatalf("expected both gateways exported, got %v", exp.seen)
	}
}

func TestSnapshotSweepContinuesPastAFailedExport(t *testing.T) {
	clk := hlc.New()
	bufA := buffer.New(buffer.DefaultConfig(), clk)
	bufB := buffer.New(buffer.DefaultConfig(), clk)

	pool := &fakeSnapshotPool{buffers: map[string]*buffer.Buffer{"fail": bufA, "ok": bufB}}
	exp := &fakeExporter{fail: map[string]bool{"fail": true}}

	coord := NewSnapshotCoordinator(pool, exp, time.Hour)
	coord.sweep(context.Background())

	found := map[string]bool{}
	for _, id := range exp.seen {
		found[id] = true
	}
	if !found["fail"] || !found["ok"] {
		t.Fatalf("expected both gateways attempted despite one failing, got %v", exp.seen)
	}
}
