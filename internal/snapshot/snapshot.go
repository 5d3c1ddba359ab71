// Package snapshot periodically exports a gateway's full merged row
// index to object storage (spec §6's flush-target export), so a
// cold-starting client can bootstrap from one object instead of
// replaying the gateway's entire delta history. Grounded on the
// teacher's internal/snapshot.Uploader: the same "upload under a
// {id}/snapshot/... key, no-op when object storage isn't configured"
// shape, adapted from a per-store SQLite file upload to a JSON
// encoding of a gateway's in-memory buffer.Snapshot().
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/syncd/internal/buffer"
)

// objectKey returns the object key a gateway's row-index export is
// stored under. Convention: {gateway_id}/snapshot/current.json.
func objectKey(gatewayID string) string {
	return gatewayID + "/snapshot/current.json"
}

// document is the on-disk shape of an export: a format marker plus the
// row snapshots, so a future reader can recognize incompatible exports
// before attempting to decode Rows.
type document struct {
	Format           string               `json:"format"`
	ExportedAtUnixMs int64                `json:"exportedAtUnixMs"`
	Rows             []buffer.RowSnapshot `json:"rows"`
}

const documentFormat = "syncd.snapshot.v1"

// Exporter uploads a gateway's merged row index to a flush.LakeAdapter.
type Exporter struct {
	lake LakeAdapter
}

// LakeAdapter is the subset of flush.LakeAdapter the exporter needs to
// write an export; satisfied by flush.LakeAdapter directly.
type LakeAdapter interface {
	PutObject(ctx context.Context, key string, body []byte) error
}

// NewExporter creates an Exporter writing through lake. lake may be a
// flush.LakeAdapter or any narrower implementation of LakeAdapter.
func NewExporter(lake LakeAdapter) *Exporter {
	return &Exporter{lake: lake}
}

// Export snapshots buf's current merged row index and uploads it under
// gatewayID's object key, overwriting any prior export: this is a full
// export, not an incremental one, so the most recent upload always
// represents the complete current state.
func (e *Exporter) Export(ctx context.Context, gatewayID string, buf *buffer.Buffer) error {
	doc := document{
		Format:           documentFormat,
		ExportedAtUnixMs: time.Now().UnixMilli(),
		Rows:             buf.Snapshot(),
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot: encode export: %w", err)
	}

	if err := e.lake.PutObject(ctx, objectKey(gatewayID), body); err != nil {
		return fmt.Errorf("snapshot: upload export: %w", err)
	}
	return nil
}

// NoopExporter is used when object storage is not configured: Export is
// a no-op, matching the teacher's NoopUploader for a disabled optional
// sink.
type NoopExporter struct{}

// Export is a no-op when object storage is not configured.
func (NoopExporter) Export(ctx context.Context, gatewayID string, buf *buffer.Buffer) error {
	return nil
}
