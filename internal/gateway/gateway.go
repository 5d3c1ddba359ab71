// Package gateway hosts the server-side sync plane (spec §4.7): the HLC
// and buffer for one gateway instance, push/pull admission, the quota
// hook, and the active/suspended/deleted state machine. It has no
// knowledge of HTTP; internal/api adapts this package to the wire.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/internal/rules"
	"github.com/hyperengineering/syncd/internal/syncerr"
)

// State is a gateway's lifecycle state (spec §4.7).
type State string

const (
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateDeleted   State = "deleted"
)

// QuotaDecision is the answer a QuotaChecker gives before a push is
// admitted.
type QuotaDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// QuotaChecker is an optional control-plane hook consulted before a push
// is admitted. A nil QuotaChecker always allows.
type QuotaChecker interface {
	Check(ctx context.Context, clientID string) (QuotaDecision, error)
}

// PressureThreshold is the byteEstimate fraction of MaxBufferBytes at
// which push responses start carrying a backpressure hint (spec §5).
const PressureThreshold = 0.8

// PushIdempotencyTTL is the duration a push response is cached under its
// pushId, matching the teacher's CheckPushIdempotency/
// RecordPushIdempotency window.
const PushIdempotencyTTL = 24 * time.Hour

// PushRequest is the gateway-side shape of an inbound push.
type PushRequest struct {
	ClientID    string
	Deltas      []delta.RowDelta
	LastSeenHLC hlc.Timestamp
	Deadline    time.Time // zero value means no deadline
	PushID      string    // optional; enables idempotent response replay
}

// cachedPush is one idempotency-cache entry: the response a push produced,
// replayed verbatim to a client retrying the same pushId after a dropped
// response, without re-appending its deltas (buffer.Append's own deltaId
// dedup already makes that safe, but re-deriving accepted/pressure after a
// partial retry could double count in the client's own telemetry).
type cachedPush struct {
	result    PushResult
	expiresAt time.Time
}

func pushCacheKey(clientID, pushID string) string {
	return clientID + "\x00" + pushID
}

// PushResult is the gateway-side shape of a push outcome.
type PushResult struct {
	ServerHLC      hlc.Timestamp
	Accepted       int
	BufferPressure bool // true once byteEstimate crosses PressureThreshold
}

// PullRequest is the gateway-side shape of an inbound pull.
type PullRequest struct {
	SinceHLC  hlc.Timestamp
	MaxDeltas uint32
	Claims    rules.Context // nil means no claim-based filtering
}

// PullResult is the gateway-side shape of a pull outcome.
type PullResult struct {
	Deltas     []delta.RowDelta
	NextCursor hlc.Timestamp
	HasMore    bool
}

// Config tunes one Gateway instance.
type Config struct {
	ID     string
	Buffer buffer.Config
	Rules  rules.Config
}

// Gateway is a single tenant's sync endpoint: one HLC, one buffer, one
// state machine. Safe for concurrent use.
type Gateway struct {
	cfg   Config
	clk   *hlc.Clock
	buf   *buffer.Buffer
	quota QuotaChecker

	mu    sync.RWMutex
	state State
	rules rules.Config

	pushCacheMu sync.Mutex
	pushCache   map[string]cachedPush
}

// New creates an active Gateway. quota may be nil to allow all pushes.
func New(cfg Config, quota QuotaChecker) *Gateway {
	clk := hlc.New()
	return &Gateway{
		cfg:   cfg,
		clk:   clk,
		buf:   buffer.New(cfg.Buffer, clk),
		quota: quota,
		state: StateActive,
		rules: cfg.Rules,
	}
}

// State returns the gateway's current lifecycle state.
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Suspend transitions the gateway to suspended: pushes are rejected with
// QUOTA_EXCEEDED, pulls continue to be served.
func (g *Gateway) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateActive {
		g.state = StateSuspended
	}
}

// Reactivate transitions a suspended gateway back to active.
func (g *Gateway) Reactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateSuspended {
		g.state = StateActive
	}
}

// Delete transitions the gateway to deleted: every operation is rejected
// from this point on. Terminal; there is no path back.
func (g *Gateway) Delete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateDeleted
}

// SetRules replaces the sync-rules configuration applied to pulls that
// carry a claims context.
func (g *Gateway) SetRules(cfg rules.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = cfg
}

// Buffer exposes the underlying buffer for the flush pipeline.
func (g *Gateway) Buffer() *buffer.Buffer { return g.buf }

// checkPushIdempotency returns a cached push response for (clientID,
// pushID), if one was recorded and has not yet expired.
func (g *Gateway) checkPushIdempotency(clientID, pushID string) (PushResult, bool) {
	g.pushCacheMu.Lock()
	defer g.pushCacheMu.Unlock()

	entry, ok := g.pushCache[pushCacheKey(clientID, pushID)]
	if !ok || time.Now().After(entry.expiresAt) {
		return PushResult{}, false
	}
	return entry.result, true
}

// recordPushIdempotency caches result under (clientID, pushID) for
// PushIdempotencyTTL.
func (g *Gateway) recordPushIdempotency(clientID, pushID string, result PushResult) {
	g.pushCacheMu.Lock()
	defer g.pushCacheMu.Unlock()

	if g.pushCache == nil {
		g.pushCache = make(map[string]cachedPush)
	}
	g.pushCache[pushCacheKey(clientID, pushID)] = cachedPush{
		result:    result,
		expiresAt: time.Now().Add(PushIdempotencyTTL),
	}
}

// Push validates and admits a batch of deltas (spec §4.7). The batch is
// accepted or rejected as a whole: no partial admission. Order of checks:
// deadline, pushId replay (a cached result is returned as-is), state,
// quota, then per-delta drift (fail-fast on the first violation), then
// observe+append each delta.
func (g *Gateway) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return PushResult{}, syncerr.ErrDeadlineExceeded
	}

	if req.PushID != "" {
		if cached, ok := g.checkPushIdempotency(req.ClientID, req.PushID); ok {
			slog.Info("push idempotent replay",
				"component", "gateway", "action", "push_replay",
				"gateway_id", g.cfg.ID, "client_id", req.ClientID, "push_id", req.PushID,
			)
			return cached, nil
		}
	}

	state := g.State()
	switch state {
	case StateDeleted:
		return PushResult{}, syncerr.ErrGatewayDeleted
	case StateSuspended:
		return PushResult{}, syncerr.ErrQuotaExceeded
	}

	if g.quota != nil {
		decision, err := g.quota.Check(ctx, req.ClientID)
		if err != nil {
			return PushResult{}, fmt.Errorf("gateway: quota check: %w", err)
		}
		if !decision.Allowed {
			slog.Warn("push rejected by quota",
				"component", "gateway", "action", "push_quota_reject",
				"gateway_id", g.cfg.ID, "client_id", req.ClientID, "reason", decision.Reason,
			)
			return PushResult{}, errors.Join(syncerr.ErrQuotaExceeded, errors.New(decision.Reason))
		}
	}

	// Fail-fast drift validation over the whole batch before any mutation,
	// so a mid-batch violation never leaves a partial append behind.
	now := time.Now()
	for _, d := range req.Deltas {
		wallMs := hlc.DecodeWall(d.HLC)
		drift := int64(wallMs) - now.UnixMilli()
		if drift < 0 {
			drift = -drift
		}
		if uint64(drift) > g.cfg.Buffer.MaxDriftMs {
			return PushResult{}, syncerr.ErrClockDrift
		}
	}

	accepted := 0
	for _, d := range req.Deltas {
		outcome, err := g.buf.Append(d)
		if err != nil {
			return PushResult{}, err
		}
		if outcome == buffer.Accepted {
			accepted++
		} else {
			accepted++ // duplicates still count as accepted: idempotent re-push (I1)
		}
	}

	serverHLC, err := g.clk.Now()
	if err != nil {
		return PushResult{}, err
	}

	stats := g.buf.Stats()
	pressure := g.cfg.Buffer.MaxBufferBytes > 0 &&
		float64(stats.ByteEstimate) >= PressureThreshold*float64(g.cfg.Buffer.MaxBufferBytes)

	slog.Info("push accepted",
		"component", "gateway", "action", "push",
		"gateway_id", g.cfg.ID, "client_id", req.ClientID,
		"accepted", accepted, "buffer_bytes", stats.HumanBytes(),
	)

	result := PushResult{ServerHLC: serverHLC, Accepted: accepted, BufferPressure: pressure}
	if req.PushID != "" {
		g.recordPushIdempotency(req.ClientID, req.PushID, result)
	}
	return result, nil
}

// Pull serves a page of the buffer's log, optionally filtered by
// sync-rules claims (spec §4.7). Filtering never changes nextCursor: the
// cursor is log position, not filtered position.
func (g *Gateway) Pull(ctx context.Context, req PullRequest) (PullResult, error) {
	state := g.State()
	if state == StateDeleted {
		return PullResult{}, syncerr.ErrGatewayDeleted
	}

	entries, nextCursor, hasMore := g.buf.GetEventsSince(req.SinceHLC, req.MaxDeltas)

	deltas := make([]delta.RowDelta, len(entries))
	for i, e := range entries {
		deltas[i] = e.Delta
	}

	if req.Claims != nil {
		g.mu.RLock()
		cfg := g.rules
		g.mu.RUnlock()
		deltas = rules.FilterDeltas(cfg, deltas, req.Claims)
	}

	return PullResult{Deltas: deltas, NextCursor: nextCursor, HasMore: hasMore}, nil
}
