// Package postgres implements flush.DatabaseAdapter over a PostgreSQL
// backing store (spec §6): every delta is appended to an immutable log
// table keyed by deltaId for idempotent replay, and merged into a row-state
// table under the same last-writer-wins ordering the gateway buffer uses,
// so GetLatestState never has to replay the whole log.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
)

// Adapter is a flush.DatabaseAdapter backed by PostgreSQL.
type Adapter struct {
	db     *sql.DB
	schema string // postgres schema (namespace) the sink tables live under
}

// Open connects to dsn and returns an Adapter. The caller owns the
// returned *sql.DB's lifetime via Close.
func Open(dsn, schemaName string) (*Adapter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if schemaName == "" {
		schemaName = "public"
	}
	return &Adapter{db: db, schema: schemaName}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

func (a *Adapter) qualify(name string) string {
	return fmt.Sprintf("%s.%s", a.schema, name)
}

// EnsureSchema creates the sink tables if absent. The delta log and row
// state tables are shared across every tracked table; schema is accepted
// for interface-symmetry with other adapters but does not gate writes,
// matching spec §6's "the gateway does not enforce schemas" stance.
func (a *Adapter) EnsureSchema(ctx context.Context, schema delta.TableSchema) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			delta_id    TEXT PRIMARY KEY,
			table_name  TEXT NOT NULL,
			row_id      TEXT NOT NULL,
			client_id   TEXT NOT NULL,
			op          TEXT NOT NULL,
			hlc         BIGINT NOT NULL,
			payload     JSONB NOT NULL
		)`, a.qualify("syncd_deltas")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS syncd_deltas_hlc_idx ON %s (table_name, hlc)`, a.qualify("syncd_deltas")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name   TEXT NOT NULL,
			row_id       TEXT NOT NULL,
			column_name  TEXT NOT NULL,
			value_json   JSONB NOT NULL,
			coord_hlc    BIGINT NOT NULL,
			coord_client TEXT NOT NULL,
			PRIMARY KEY (table_name, row_id, column_name)
		)`, a.qualify("syncd_row_state")),
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertDeltas appends each delta to the log and folds it into the row
// state table under last-writer-wins ordering, in one transaction per
// batch. A delta whose deltaId is already present is a no-op (I1).
func (a *Adapter) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if err := a.insertOne(ctx, tx, d); err != nil {
			return fmt.Errorf("postgres: insert delta %s: %w", d.DeltaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (a *Adapter) insertOne(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (delta_id, table_name, row_id, client_id, op, hlc, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (delta_id) DO NOTHING
	`, a.qualify("syncd_deltas")), d.DeltaID, d.Table, d.RowID, d.ClientID, string(d.Op), int64(d.HLC), payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate delta, already merged on first arrival
	}

	if d.Op == delta.OpDelete {
		return a.applyDeleteLWW(ctx, tx, d)
	}
	return a.applyColumnsLWW(ctx, tx, d)
}

// applyColumnsLWW upserts each column's value only if the incoming
// coordinate (hlc, clientId) is strictly greater than the stored one,
// matching the gateway buffer's merge ordering (spec §4.4). The SELECT's
// NOT EXISTS guard also checks the row's tombstone (column_name=''), so a
// stale INSERT/UPDATE for a column with no prior cell still can't
// resurrect a row an unopposed DELETE has already tombstoned.
func (a *Adapter) applyColumnsLWW(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	rowState := a.qualify("syncd_row_state")
	for _, col := range d.Columns {
		valueJSON, err := json.Marshal(col.Value)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (table_name, row_id, column_name, value_json, coord_hlc, coord_client)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (
				SELECT 1 FROM %[1]s t
				WHERE t.table_name = $1 AND t.row_id = $2 AND t.column_name = ''
				AND (t.coord_hlc, t.coord_client) >= ($5, $6)
			)
			ON CONFLICT (table_name, row_id, column_name) DO UPDATE SET
				value_json = EXCLUDED.value_json,
				coord_hlc = EXCLUDED.coord_hlc,
				coord_client = EXCLUDED.coord_client
			WHERE (%[1]s.coord_hlc, %[1]s.coord_client) < (EXCLUDED.coord_hlc, EXCLUDED.coord_client)
		`, rowState),
			d.Table, d.RowID, col.Name, valueJSON, int64(d.HLC), d.ClientID)
		if err != nil {
			return err
		}
	}
	return nil
}

// applyDeleteLWW clears every column of the row whose coordinate is
// strictly older than the delete, then records a tombstone row under the
// sentinel empty column name so a later stale INSERT cannot resurrect the
// row unconditionally, mirroring internal/localstore's tombstone design.
func (a *Adapter) applyDeleteLWW(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE table_name = $1 AND row_id = $2 AND column_name <> ''
		AND (coord_hlc, coord_client) < ($3, $4)
	`, a.qualify("syncd_row_state")), d.Table, d.RowID, int64(d.HLC), d.ClientID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (table_name, row_id, column_name, value_json, coord_hlc, coord_client)
		VALUES ($1, $2, '', 'null'::jsonb, $3, $4)
		ON CONFLICT (table_name, row_id, column_name) DO UPDATE SET
			coord_hlc = EXCLUDED.coord_hlc,
			coord_client = EXCLUDED.coord_client
		WHERE (%s.coord_hlc, %s.coord_client) < (EXCLUDED.coord_hlc, EXCLUDED.coord_client)
	`, a.qualify("syncd_row_state"), a.qualify("syncd_row_state"), a.qualify("syncd_row_state")),
		d.Table, d.RowID, int64(d.HLC), d.ClientID)
	return err
}

// QueryDeltasSince returns every logged delta for the given tables with
// hlc strictly greater than since, ordered by hlc. An empty tables slice
// means every table.
func (a *Adapter) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables []string) ([]delta.RowDelta, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE hlc > $1`, a.qualify("syncd_deltas"))
	args := []any{int64(since)}

	if len(tables) > 0 {
		placeholders := make([]string, len(tables))
		for i, t := range tables {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND table_name IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY hlc ASC"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query deltas since: %w", err)
	}
	defer rows.Close()

	var out []delta.RowDelta
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d delta.RowDelta
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetLatestState returns the merged column projection for (table, rowId)
// from the row state table, or ok=false if the row has never been seen or
// is tombstoned with no surviving columns.
func (a *Adapter) GetLatestState(ctx context.Context, table, rowID string) (map[string]delta.Value, bool, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT column_name, value_json FROM %s WHERE table_name = $1 AND row_id = $2
	`, a.qualify("syncd_row_state")), table, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get latest state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]delta.Value)
	found := false
	for rows.Next() {
		found = true
		var name string
		var valueJSON []byte
		if err := rows.Scan(&name, &valueJSON); err != nil {
			return nil, false, err
		}
		if name == "" {
			continue // tombstone marker, not a column
		}
		var v delta.Value
		if err := json.Unmarshal(valueJSON, &v); err != nil {
			return nil, false, err
		}
		out[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if len(out) == 0 {
		return nil, false, nil // only a tombstone row survives
	}
	return out, true, nil
}
