package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/gateway"
	"github.com/hyperengineering/syncd/internal/gatewaypool"
	"github.com/hyperengineering/syncd/internal/hlc"
)

// MaxPushDeltas caps the number of deltas a single push request may carry,
// bounding worst-case request body size and per-request HLC drift work.
const MaxPushDeltas = 1000

// DefaultPullLimit and MaxPullLimit bound the maxDeltas query parameter on
// a pull, matching the page-size defaults internal/coordinator uses on
// the client side.
const (
	DefaultPullLimit = 100
	MaxPullLimit     = 1000
)

// Handler implements the HTTP surface over a gatewaypool.Pool: push, pull,
// and gateway administration.
type Handler struct {
	pool    *gatewaypool.Pool
	apiKey  string
	version string
}

// NewHandler creates a Handler serving the gateways in pool.
func NewHandler(pool *gatewaypool.Pool, apiKey, version string) *Handler {
	return &Handler{pool: pool, apiKey: apiKey, version: version}
}

// Health handles GET /api/v1/health. Unauthenticated, matching the
// teacher's public health endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponseWire{
		Status:         "healthy",
		Version:        h.version,
		GatewaysLoaded: len(h.pool.List()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SyncPush handles POST /api/v1/gateways/{gateway_id}/sync/push (spec
// §4.7). The whole batch is admitted or rejected atomically; partial
// admission never happens.
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	gatewayID, err := GatewayIDFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	gw, err := h.pool.Get(ctx, gatewayID)
	if err != nil {
		WriteProblem(w, r, http.StatusNotFound, "Gateway not found")
		return
	}

	var req pushRequestWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if req.ClientID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "clientId is required")
		return
	}
	if len(req.Deltas) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "deltas array is required")
		return
	}
	if len(req.Deltas) > MaxPushDeltas {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("deltas exceeds maximum of %d", MaxPushDeltas))
		return
	}

	var deadline time.Time
	if req.DeadlineMs > 0 {
		deadline = time.UnixMilli(req.DeadlineMs)
	}

	result, err := gw.Push(ctx, gateway.PushRequest{
		ClientID:    req.ClientID,
		Deltas:      req.Deltas,
		LastSeenHLC: hlc.Timestamp(req.LastSeenHLC),
		Deadline:    deadline,
		PushID:      req.PushID,
	})
	if err != nil {
		slog.Error("push failed",
			"component", "api", "action", "sync_push_failed",
			"gateway_id", gatewayID, "client_id", req.ClientID, "error", err,
		)
		MapSyncError(w, r, err)
		return
	}

	resp := pushResponseWire{
		ServerHLC:      uint64(result.ServerHLC),
		Accepted:       result.Accepted,
		BufferPressure: result.BufferPressure,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("push completed",
		"component", "api", "action", "sync_push",
		"gateway_id", gatewayID, "client_id", req.ClientID,
		"accepted", result.Accepted, "duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncPull handles GET /api/v1/gateways/{gateway_id}/sync/pull (spec
// §4.7). sinceHlc is required; maxDeltas and claims are optional.
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	gatewayID, err := GatewayIDFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	gw, err := h.pool.Get(ctx, gatewayID)
	if err != nil {
		WriteProblem(w, r, http.StatusNotFound, "Gateway not found")
		return
	}

	sinceStr := r.URL.Query().Get("sinceHlc")
	if sinceStr == "" {
		WriteProblem(w, r, http.StatusBadRequest, "missing required query parameter: sinceHlc")
		return
	}
	since, err := strconv.ParseUint(sinceStr, 10, 64)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid sinceHlc parameter: must be an unsigned integer")
		return
	}

	maxDeltas := uint32(DefaultPullLimit)
	if limitStr := r.URL.Query().Get("maxDeltas"); limitStr != "" {
		limit, err := strconv.ParseUint(limitStr, 10, 32)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "invalid maxDeltas parameter: must be an unsigned integer")
			return
		}
		if limit > MaxPullLimit {
			limit = MaxPullLimit
		}
		maxDeltas = uint32(limit)
	}

	claims, err := pullClaimsFromQuery(r.URL.Query().Get("claims"))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid claims parameter: must be a JSON object")
		return
	}

	result, err := gw.Pull(ctx, gateway.PullRequest{
		SinceHLC:  hlc.Timestamp(since),
		MaxDeltas: maxDeltas,
		Claims:    claims,
	})
	if err != nil {
		slog.Error("pull failed",
			"component", "api", "action", "sync_pull_failed",
			"gateway_id", gatewayID, "error", err,
		)
		MapSyncError(w, r, err)
		return
	}

	resp := pullResponseWire{
		Deltas:     result.Deltas,
		NextCursor: uint64(result.NextCursor),
		HasMore:    result.HasMore,
	}
	if resp.Deltas == nil {
		resp.Deltas = []delta.RowDelta{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("pull completed",
		"component", "api", "action", "sync_pull",
		"gateway_id", gatewayID, "since_hlc", since,
		"deltas_returned", len(result.Deltas), "has_more", result.HasMore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// CreateGateway handles POST /api/v1/gateways/{gateway_id}, explicitly
// provisioning a gateway. 409 if one already exists under that ID.
func (h *Handler) CreateGateway(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "gateway_id")
	if rawID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "gateway id is required")
		return
	}

	if _, err := h.pool.Create(r.Context(), rawID); err != nil {
		if errors.Is(err, gatewaypool.ErrGatewayAlreadyExists) {
			WriteProblem(w, r, http.StatusConflict, "Gateway already exists")
			return
		}
		slog.Error("create gateway failed", "component", "api", "gateway_id", rawID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// DeleteGateway handles DELETE /api/v1/gateways/{gateway_id} (spec §4.7):
// transitions the gateway to the terminal deleted state and evicts it
// from the pool.
func (h *Handler) DeleteGateway(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "gateway_id")
	if rawID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "gateway id is required")
		return
	}

	if err := h.pool.Delete(r.Context(), rawID); err != nil {
		if errors.Is(err, gatewaypool.ErrGatewayNotFound) {
			WriteProblem(w, r, http.StatusNotFound, "Gateway not found")
			return
		}
		slog.Error("delete gateway failed", "component", "api", "gateway_id", rawID, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListGateways handles GET /api/v1/gateways, enumerating every loaded
// gateway ID.
func (h *Handler) ListGateways(w http.ResponseWriter, r *http.Request) {
	ids := h.pool.List()
	resp := make([]gatewaySummaryWire, len(ids))
	for i, id := range ids {
		resp[i] = gatewaySummaryWire{ID: id}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// FlushGateway handles POST /api/v1/gateways/{gateway_id}/flush, an
// operator-triggered out-of-band flush (spec §4.8) ahead of the next
// scheduled sweep.
func (h *Handler) FlushGateway(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gatewayID, err := GatewayIDFromContext(ctx)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
		return
	}

	pipeline, err := h.pool.Pipeline(gatewayID)
	if err != nil {
		WriteProblem(w, r, http.StatusNotFound, "Gateway not found")
		return
	}

	result, err := pipeline.Flush(ctx)
	if err != nil {
		slog.Error("manual flush failed", "component", "api", "gateway_id", gatewayID, "error", err)
		MapSyncError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
