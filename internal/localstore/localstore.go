// Package localstore is the client-side relational working set the sync
// coordinator reads mutations from and applies incoming deltas against
// (spec §4.6). It implements coordinator.LocalStore over a
// modernc.org/sqlite database with goose-managed migrations, mirroring the
// column-coordinate bookkeeping the gateway keeps in internal/buffer.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/syncd/internal/coordinator"
	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
	"github.com/hyperengineering/syncd/migrations"
)

// storedValue is the JSON-serializable shadow of delta.Value used for the
// local_rows.columns blob: it stores each value with explicit per-kind json
// tags instead of delta.Value's own wire-format JSON encoding.
type storedValue struct {
	Kind  delta.Kind      `json:"kind"`
	Bool  bool            `json:"bool,omitempty"`
	Int   int64           `json:"int,omitempty"`
	Float float64         `json:"float,omitempty"`
	Str   string          `json:"str,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
}

func fromValue(v delta.Value) storedValue {
	return storedValue{Kind: v.Kind, Bool: v.Bool, Int: v.Int, Float: v.Float, Str: v.Str, Bytes: v.Bytes}
}

func (sv storedValue) toValue() delta.Value {
	return delta.Value{Kind: sv.Kind, Bool: sv.Bool, Int: sv.Int, Float: sv.Float, Str: sv.Str, Bytes: sv.Bytes}
}

// Store is a single client's local relational working set.
type Store struct {
	db *sql.DB
}

// Open creates or opens the local store database at dbPath and applies
// pending migrations. dbPath == ":memory:" is supported for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("localstore: create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localstore: open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("localstore: execute %s: %w", p, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("localstore: set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("localstore: run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ColumnCoord returns the (hlc, clientId) coordinate currently recorded for
// table/rowID/column, if any.
func (s *Store) ColumnCoord(ctx context.Context, table, rowID, column string) (coordinator.ColumnCoord, bool, error) {
	var hlcRaw int64
	var clientID string
	err := s.db.QueryRowContext(ctx, `
		SELECT hlc, client_id FROM local_column_coords
		WHERE table_name = ? AND row_id = ? AND column_name = ?
	`, table, rowID, column).Scan(&hlcRaw, &clientID)
	if err == sql.ErrNoRows {
		// No coordinate recorded for this column specifically; fall back to
		// the row's tombstone coordinate (column_name=''), if any, so a
		// stale INSERT arriving after a DELETE cannot resurrect the row
		// (spec §4.4's resurrection rule requires the incoming coordinate
		// to exceed the tombstone's, not merely be unopposed).
		tombErr := s.db.QueryRowContext(ctx, `
			SELECT hlc, client_id FROM local_column_coords
			WHERE table_name = ? AND row_id = ? AND column_name = ''
		`, table, rowID).Scan(&hlcRaw, &clientID)
		if tombErr == sql.ErrNoRows {
			return coordinator.ColumnCoord{}, false, nil
		}
		if tombErr != nil {
			return coordinator.ColumnCoord{}, false, fmt.Errorf("localstore: read tombstone: %w", tombErr)
		}
		return coordinator.ColumnCoord{HLC: decodeHLC(hlcRaw), ClientID: clientID}, true, nil
	}
	if err != nil {
		return coordinator.ColumnCoord{}, false, fmt.Errorf("localstore: read coord: %w", err)
	}

	value, ok, err := s.readColumnValue(ctx, table, rowID, column)
	if err != nil {
		return coordinator.ColumnCoord{}, false, err
	}
	if !ok {
		// Coordinate exists (e.g. column was tombstoned by a delete and
		// never resurrected) but no live value remains.
		return coordinator.ColumnCoord{HLC: decodeHLC(hlcRaw), ClientID: clientID}, true, nil
	}
	return coordinator.ColumnCoord{HLC: decodeHLC(hlcRaw), ClientID: clientID, Value: value}, true, nil
}

func (s *Store) readColumnValue(ctx context.Context, table, rowID, column string) (delta.Value, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT columns FROM local_rows WHERE table_name = ? AND row_id = ?
	`, table, rowID).Scan(&raw)
	if err == sql.ErrNoRows {
		return delta.Value{}, false, nil
	}
	if err != nil {
		return delta.Value{}, false, fmt.Errorf("localstore: read row: %w", err)
	}

	var columns map[string]storedValue
	if err := json.Unmarshal(raw, &columns); err != nil {
		return delta.Value{}, false, fmt.Errorf("localstore: decode row columns: %w", err)
	}
	sv, ok := columns[column]
	if !ok {
		return delta.Value{}, false, nil
	}
	return sv.toValue(), true, nil
}

// ApplyColumn writes coord's value for table/rowID/column, overwriting
// whatever coordinate and value were previously recorded. The coordinator
// only calls this after winning the LWW comparison itself.
func (s *Store) ApplyColumn(ctx context.Context, table, rowID, column string, coord coordinator.ColumnCoord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_column_coords (table_name, row_id, column_name, hlc, client_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, row_id, column_name) DO UPDATE SET hlc = excluded.hlc, client_id = excluded.client_id
	`, table, rowID, column, encodeHLC(coord.HLC), coord.ClientID); err != nil {
		return fmt.Errorf("localstore: upsert coord: %w", err)
	}

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT columns FROM local_rows WHERE table_name = ? AND row_id = ?`, table, rowID).Scan(&raw)
	columns := make(map[string]storedValue)
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &columns); jsonErr != nil {
			return fmt.Errorf("localstore: decode existing row columns: %w", jsonErr)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("localstore: read existing row: %w", err)
	}

	columns[column] = fromValue(coord.Value)
	encoded, err := json.Marshal(columns)
	if err != nil {
		return fmt.Errorf("localstore: encode row columns: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (table_name, row_id, columns, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET columns = excluded.columns, updated_at = excluded.updated_at
	`, table, rowID, encoded, now); err != nil {
		return fmt.Errorf("localstore: upsert row: %w", err)
	}

	return tx.Commit()
}

// ApplyDelete removes rowID's stored columns and records coord as the
// row's tombstone coordinate, so a later INSERT with a greater coordinate
// can resurrect it (spec §4.4's "later INSERT resurrects" rule).
func (s *Store) ApplyDelete(ctx context.Context, table, rowID string, coord coordinator.ColumnCoord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM local_column_coords WHERE table_name = ? AND row_id = ?`, table, rowID); err != nil {
		return fmt.Errorf("localstore: clear coords: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM local_rows WHERE table_name = ? AND row_id = ?`, table, rowID); err != nil {
		return fmt.Errorf("localstore: delete row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_column_coords (table_name, row_id, column_name, hlc, client_id)
		VALUES (?, ?, '', ?, ?)
		ON CONFLICT(table_name, row_id, column_name) DO UPDATE SET hlc = excluded.hlc, client_id = excluded.client_id
	`, table, rowID, encodeHLC(coord.HLC), coord.ClientID); err != nil {
		return fmt.Errorf("localstore: record tombstone: %w", err)
	}

	return tx.Commit()
}

// Schema returns the registered column schema for table, if any has been
// set via SetSchema. Tables without a registered schema are not
// column-validated by the coordinator.
func (s *Store) Schema(ctx context.Context, table string) (delta.TableSchema, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, schemaKey(table)).Scan(&raw)
	if err == sql.ErrNoRows {
		return delta.TableSchema{}, false, nil
	}
	if err != nil {
		return delta.TableSchema{}, false, fmt.Errorf("localstore: read schema: %w", err)
	}

	var schema delta.TableSchema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return delta.TableSchema{}, false, fmt.Errorf("localstore: decode schema: %w", err)
	}
	return schema, true, nil
}

// SetSchema registers a table's column schema, used by applyLWW to detect
// SCHEMA_MISMATCH columns.
func (s *Store) SetSchema(ctx context.Context, schema delta.TableSchema) error {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("localstore: encode schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaKey(schema.Table), string(encoded))
	if err != nil {
		return fmt.Errorf("localstore: write schema: %w", err)
	}
	return nil
}

func schemaKey(table string) string { return "schema:" + table }

// Row returns the full current column set for table/rowID, for reads by
// the application above the coordinator. Returns ok=false if the row is
// absent (never written, or tombstoned without resurrection).
func (s *Store) Row(ctx context.Context, table, rowID string) (map[string]delta.Value, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT columns FROM local_rows WHERE table_name = ? AND row_id = ?`, table, rowID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localstore: read row: %w", err)
	}

	var stored map[string]storedValue
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("localstore: decode row: %w", err)
	}
	out := make(map[string]delta.Value, len(stored))
	for name, sv := range stored {
		out[name] = sv.toValue()
	}
	return out, true, nil
}

func encodeHLC(t hlc.Timestamp) int64   { return int64(t) }
func decodeHLC(raw int64) hlc.Timestamp { return hlc.Timestamp(raw) }
