// Package delta defines the wire shape of a row-level change (RowDelta),
// its canonical encodings, and the deterministic deltaId that identifies a
// logical change across retries, processes, and implementations.
package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hyperengineering/syncd/internal/hlc"
)

// Op is the kind of change a RowDelta records.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

func (o Op) valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Column is a single column write within a RowDelta.
type Column struct {
	Name  string
	Value Value
}

// RowDelta is the fundamental change record synchronised between clients
// and the gateway (spec §3).
type RowDelta struct {
	Op       Op
	Table    string
	RowID    string
	ClientID string
	HLC      hlc.Timestamp
	Columns  []Column
	// DeltaID is the 64-character lowercase hex SHA-256 fingerprint of the
	// canonical encoding of the delta (excluding this field itself).
	// Computed via ComputeDeltaID, not hand-assigned.
	DeltaID string
}

// ColumnType enumerates the scalar types a TableSchema column may declare.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeJSON    ColumnType = "json"
	TypeNull    ColumnType = "null"
	TypeInteger ColumnType = "integer"
)

// ColumnSchema describes one column of a TableSchema.
type ColumnSchema struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableSchema is used client-side to validate local applies; the gateway
// does not enforce schemas (spec §3).
type TableSchema struct {
	Table   string         `json:"table"`
	Columns []ColumnSchema `json:"columns"`
}

// Validate checks the structural requirements a RowDelta must satisfy
// before it is hashed or admitted to a buffer.
func (d *RowDelta) Validate() error {
	if !d.Op.valid() {
		return fmt.Errorf("delta: invalid op %q", d.Op)
	}
	if d.Table == "" {
		return fmt.Errorf("delta: table is required")
	}
	if d.RowID == "" {
		return fmt.Errorf("delta: rowId is required")
	}
	if d.ClientID == "" {
		return fmt.Errorf("delta: clientId is required")
	}
	if d.Op == OpDelete && len(d.Columns) != 0 {
		return fmt.Errorf("delta: DELETE must carry no columns")
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" {
			return fmt.Errorf("delta: column name must not be empty")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("delta: duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// sortedColumns returns a copy of d.Columns sorted by column name
// ascending, as required for canonical encoding.
func sortedColumns(cols []Column) []Column {
	out := make([]Column, len(cols))
	copy(out, cols)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// canonicalColumn is the canonical wire shape of one Column.
type canonicalColumn struct {
	Column string          `json:"column"`
	Value  json.RawMessage `json:"value"`
}

// canonicalDelta mirrors the fixed field order spec §4.2 requires for
// deltaId hashing: op, table, rowId, clientId, hlc, columns. Struct field
// declaration order is what encoding/json emits for struct values, so this
// type IS the canonicalization.
type canonicalDelta struct {
	Op       Op                `json:"op"`
	Table    string            `json:"table"`
	RowID    string            `json:"rowId"`
	ClientID string            `json:"clientId"`
	HLC      string            `json:"hlc"`
	Columns  []canonicalColumn `json:"columns"`
}

// CanonicalJSON renders the canonical JSON encoding of a delta (excluding
// deltaId) used both for hashing and as a stable debug/interop form.
func CanonicalJSON(d RowDelta) ([]byte, error) {
	cols := sortedColumns(d.Columns)
	ccols := make([]canonicalColumn, len(cols))
	for i, c := range cols {
		raw, err := c.Value.canonicalJSON()
		if err != nil {
			return nil, fmt.Errorf("delta: column %q: %w", c.Name, err)
		}
		ccols[i] = canonicalColumn{Column: c.Name, Value: raw}
	}

	cd := canonicalDelta{
		Op:       d.Op,
		Table:    d.Table,
		RowID:    d.RowID,
		ClientID: d.ClientID,
		HLC:      fmt.Sprintf("%d", uint64(d.HLC)),
		Columns:  ccols,
	}

	return json.Marshal(cd)
}

// ComputeDeltaID returns the deterministic 64-character lowercase hex
// SHA-256 fingerprint of the delta's canonical encoding. Two deltas with
// identical logical content (same op/table/rowId/clientId/hlc/columns)
// always produce the same deltaId, regardless of Columns slice order.
func ComputeDeltaID(d RowDelta) (string, error) {
	canon, err := CanonicalJSON(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// WithDeltaID returns a copy of d with DeltaID computed and set.
func WithDeltaID(d RowDelta) (RowDelta, error) {
	id, err := ComputeDeltaID(d)
	if err != nil {
		return RowDelta{}, err
	}
	d.DeltaID = id
	return d, nil
}

// VerifyDeltaID recomputes the deltaId and compares it against d.DeltaID.
// Used in strict decode mode (spec §4.2: HASH_MISMATCH).
func VerifyDeltaID(d RowDelta) error {
	want, err := ComputeDeltaID(d)
	if err != nil {
		return err
	}
	if want != d.DeltaID {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, d.DeltaID, want)
	}
	return nil
}
