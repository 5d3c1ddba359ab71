package api

import (
	"encoding/json"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/rules"
)

// pushRequestWire is the JSON body of POST .../sync/push.
type pushRequestWire struct {
	ClientID    string           `json:"clientId"`
	Deltas      []delta.RowDelta `json:"deltas"`
	LastSeenHLC uint64           `json:"lastSeenHlc"`
	DeadlineMs  int64            `json:"deadlineMs,omitempty"` // unix millis, 0 means no deadline
	PushID      string           `json:"pushId,omitempty"`     // optional idempotency key
}

// pushResponseWire is the JSON body of a successful push.
type pushResponseWire struct {
	ServerHLC      uint64 `json:"serverHlc"`
	Accepted       int    `json:"accepted"`
	BufferPressure bool   `json:"bufferPressure"`
}

// pullResponseWire is the JSON body of a successful pull.
type pullResponseWire struct {
	Deltas     []delta.RowDelta `json:"deltas"`
	NextCursor uint64           `json:"nextCursor"`
	HasMore    bool             `json:"hasMore"`
}

// pullClaimsFromQuery decodes the optional ?claims= query parameter, a JSON object
// used to evaluate claim-scoped sync rules (spec §4.5) against this pull.
// An empty/missing parameter means no claim filtering.
func pullClaimsFromQuery(raw string) (rules.Context, error) {
	if raw == "" {
		return nil, nil
	}
	var ctx rules.Context
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// gatewaySummaryWire describes one gateway for the admin listing endpoint.
type gatewaySummaryWire struct {
	ID string `json:"id"`
}

// healthResponseWire is the JSON body of GET /health.
type healthResponseWire struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	GatewaysLoaded int    `json:"gatewaysLoaded"`
}
