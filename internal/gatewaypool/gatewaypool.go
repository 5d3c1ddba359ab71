// Package gatewaypool manages the set of gateway instances a sync server
// hosts, lazily creating each one on first reference. Grounded on the
// teacher's internal/multistore.StoreManager: the same "double-checked
// locking map keyed by an ID, created lazily on first GetXxx" shape,
// repurposed from on-disk lore stores to in-memory sync gateways — a
// Gateway has no directory of its own, so the filesystem bootstrap
// (rootPath, meta.yaml, createStoreDir) the teacher's manager does is not
// carried over.
package gatewaypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/flush"
	"github.com/hyperengineering/syncd/internal/gateway"
)

// ErrGatewayNotFound is returned by Get when no gateway with the given ID
// has been created.
var ErrGatewayNotFound = errors.New("gatewaypool: gateway not found")

// ErrGatewayAlreadyExists is returned by Create when a gateway with the
// given ID already exists.
var ErrGatewayAlreadyExists = errors.New("gatewaypool: gateway already exists")

// Factory builds the gateway.Config and flush.Sink for a newly created
// gateway ID, allowing the caller to wire per-gateway quota checkers and
// backing-store adapters without the pool knowing about either.
type Factory interface {
	BuildConfig(gatewayID string) gateway.Config
	BuildQuota(gatewayID string) gateway.QuotaChecker // may return nil
	BuildSink(gatewayID string) flush.Sink
}

type entry struct {
	gw       *gateway.Gateway
	pipeline *flush.Pipeline
}

// Pool manages every active gateway, lazily instantiated via Factory.
type Pool struct {
	factory Factory

	mu       sync.RWMutex
	gateways map[string]*entry
}

// New creates an empty Pool.
func New(factory Factory) *Pool {
	return &Pool{factory: factory, gateways: make(map[string]*entry)}
}

// Get returns the gateway for id, creating it (and its flush pipeline) on
// first reference. Mirrors the teacher's GetStore double-checked-locking
// fast path / slow path split.
func (p *Pool) Get(ctx context.Context, id string) (*gateway.Gateway, error) {
	p.mu.RLock()
	if e, ok := p.gateways[id]; ok {
		p.mu.RUnlock()
		return e.gw, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.gateways[id]; ok {
		return e.gw, nil
	}

	e := p.buildEntry(id)
	p.gateways[id] = e

	slog.Info("gateway loaded",
		"component", "gatewaypool", "action", "gateway_loaded", "gateway_id", id,
	)
	return e.gw, nil
}

// Create explicitly instantiates a new gateway, failing if one with the
// same ID already exists (unlike Get's implicit lazy-create).
func (p *Pool) Create(ctx context.Context, id string) (*gateway.Gateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.gateways[id]; ok {
		return nil, ErrGatewayAlreadyExists
	}

	e := p.buildEntry(id)
	p.gateways[id] = e

	slog.Info("gateway created",
		"component", "gatewaypool", "action", "gateway_created", "gateway_id", id,
	)
	return e.gw, nil
}

func (p *Pool) buildEntry(id string) *entry {
	cfg := p.factory.BuildConfig(id)
	quota := p.factory.BuildQuota(id)
	gw := gateway.New(cfg, quota)

	sink := p.factory.BuildSink(id)
	pipeline := flush.New(flush.DefaultConfig(id), gw.Buffer(), sink)

	return &entry{gw: gw, pipeline: pipeline}
}

// Pipeline returns the flush pipeline backing gateway id, for the flush
// worker to drive (spec §4.8). Returns ErrGatewayNotFound if id was never
// created.
func (p *Pool) Pipeline(id string) (*flush.Pipeline, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.gateways[id]
	if !ok {
		return nil, ErrGatewayNotFound
	}
	return e.pipeline, nil
}

// Delete transitions gateway id to the deleted state and evicts it from
// the pool. Unlike the teacher's DeleteStore this never removes durable
// data directly — Gateway.Delete() is terminal and the backing adapter
// retains whatever was already flushed; eviction only frees the in-memory
// instance.
func (p *Pool) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.gateways[id]
	if !ok {
		return ErrGatewayNotFound
	}
	e.gw.Delete()
	delete(p.gateways, id)

	slog.Info("gateway deleted",
		"component", "gatewaypool", "action", "gateway_deleted", "gateway_id", id,
	)
	return nil
}

// List returns the IDs of every currently loaded gateway, sorted.
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.gateways))
	for id := range p.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Buffer returns the delta buffer backing gateway id, for the snapshot
// exporter to read (spec §6). Returns ErrGatewayNotFound if id was never
// created.
func (p *Pool) Buffer(id string) (*buffer.Buffer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.gateways[id]
	if !ok {
		return nil, ErrGatewayNotFound
	}
	return e.gw.Buffer(), nil
}

// FlushManager builds a flush.Manager snapshotting every currently loaded
// gateway's pipeline, for a periodic flush sweep (spec §4.8).
func (p *Pool) FlushManager() *flush.Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pipelines := make(map[string]*flush.Pipeline, len(p.gateways))
	for id, e := range p.gateways {
		pipelines[id] = e.pipeline
	}
	return flush.NewManager(pipelines)
}

// Close flushes and evicts every loaded gateway.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, e := range p.gateways {
		if _, err := e.pipeline.Flush(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gateway %s: %w", id, err)
		}
	}
	p.gateways = make(map[string]*entry)
	return firstErr
}
