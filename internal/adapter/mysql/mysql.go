// Package mysql implements flush.DatabaseAdapter over MySQL/MariaDB (spec
// §6). Write transactions retry on lock-wait-timeout and deadlock errors,
// the same class of transient failure block-spirit's dbconn package
// retries around schema-change statements, using
// github.com/sethvargo/go-retry for the backoff loop instead of a hand
// rolled RETRYLOOP.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/internal/hlc"
)

// MySQL error numbers that indicate a transaction may succeed on retry,
// mirroring block-spirit/pkg/dbconn's canRetryError table.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

func isRetryable(err error) bool {
	var merr *mysqldriver.MySQLError
	if !errors.As(err, &merr) {
		return false
	}
	switch merr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect, errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// Config tunes the retry behavior of write transactions.
type Config struct {
	MaxRetries    int
	RetryBaseWait time.Duration
}

// DefaultConfig matches block-spirit's own MaxRetries default.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, RetryBaseWait: 20 * time.Millisecond}
}

// Adapter is a flush.DatabaseAdapter backed by MySQL.
type Adapter struct {
	db  *sql.DB
	cfg Config
}

// Open connects to dsn (a go-sql-driver/mysql DSN) and returns an Adapter.
func Open(dsn string, cfg Config) (*Adapter, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Adapter{db: db, cfg: cfg}, nil
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error { return a.db.Close() }

// EnsureSchema creates the sink tables if absent.
func (a *Adapter) EnsureSchema(ctx context.Context, schema delta.TableSchema) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS syncd_deltas (
			delta_id    VARCHAR(64) PRIMARY KEY,
			table_name  VARCHAR(255) NOT NULL,
			row_id      VARCHAR(255) NOT NULL,
			client_id   VARCHAR(255) NOT NULL,
			op          VARCHAR(16) NOT NULL,
			hlc         BIGINT UNSIGNED NOT NULL,
			payload     JSON NOT NULL,
			INDEX syncd_deltas_hlc_idx (table_name, hlc)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS syncd_row_state (
			table_name   VARCHAR(255) NOT NULL,
			row_id       VARCHAR(255) NOT NULL,
			column_name  VARCHAR(255) NOT NULL,
			value_json   JSON NOT NULL,
			coord_hlc    BIGINT UNSIGNED NOT NULL,
			coord_client VARCHAR(255) NOT NULL,
			PRIMARY KEY (table_name, row_id, column_name)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertDeltas appends each delta to the log and folds it into the row
// state table under last-writer-wins ordering. The whole batch runs in one
// transaction, retried on lock-wait-timeout/deadlock with exponential
// backoff.
func (a *Adapter) InsertDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	backoff := retry.WithMaxRetries(uint64(a.cfg.MaxRetries), retry.NewExponential(a.cfg.RetryBaseWait))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.insertBatch(ctx, deltas)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (a *Adapter) insertBatch(ctx context.Context, deltas []delta.RowDelta) error {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("mysql: begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if err := a.insertOne(ctx, tx, d); err != nil {
			return fmt.Errorf("mysql: insert delta %s: %w", d.DeltaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysql: commit: %w", err)
	}
	return nil
}

func (a *Adapter) insertOne(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT IGNORE INTO syncd_deltas (delta_id, table_name, row_id, client_id, op, hlc, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.DeltaID, d.Table, d.RowID, d.ClientID, string(d.Op), uint64(d.HLC), payload)
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
// coordinate (hlc, clientId) is strictly greater than the stored one. The
// SELECT ... WHERE NOT EXISTS guard also checks the row's tombstone
// (column_name=''), so a stale INSERT/UPDATE for a column with no prior
// cell still can't resurrect a row an unopposed DELETE has tombstoned.
func (a *Adapter) applyColumnsLWW(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	for _, col := range d.Columns {
		valueJSON, err := json.Marshal(col.Value)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO syncd_row_state (table_name, row_id, column_name, value_json, coord_hlc, coord_client)
			SELECT ?, ?, ?, ?, ?, ?
			FROM DUAL
			WHERE NOT EXISTS (
				SELECT 1 FROM syncd_row_state t
				WHERE t.table_name = ? AND t.row_id = ? AND t.column_name = ''
				AND ROW(t.coord_hlc, t.coord_client) >= ROW(?, ?)
			)
			ON DUPLICATE KEY UPDATE
				value_json = IF(ROW(coord_hlc, coord_client) < ROW(VALUES(coord_hlc), VALUES(coord_client)), VALUES(value_json), value_json),
				coord_hlc = IF(ROW(coord_hlc, coord_client) < ROW(VALUES(coord_hlc), VALUES(coord_client)), VALUES(coord_hlc), coord_hlc),
				coord_client = IF(ROW(coord_hlc, coord_client) < ROW(VALUES(coord_hlc), VALUES(coord_client)), VALUES(coord_client), coord_client)
		`, d.Table, d.RowID, col.Name, valueJSON, uint64(d.HLC), d.ClientID, d.Table, d.RowID, uint64(d.HLC), d.ClientID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) applyDeleteLWW(ctx context.Context, tx *sql.Tx, d delta.RowDelta) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM syncd_row_state
		WHERE table_name = ? AND row_id = ? AND column_name <> ''
		AND ROW(coord_hlc, coord_client) < ROW(?, ?)
	`, d.Table, d.RowID, uint64(d.HLC), d.ClientID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO syncd_row_state (table_name, row_id, column_name, value_json, coord_hlc, coord_client)
		VALUES (?, ?, '', CAST('null' AS JSON), ?, ?)
		ON DUPLICATE KEY UPDATE
			coord_hlc = IF(ROW(coord_hlc, coord_client) < ROW(VALUES(coord_hlc), VALUES(coord_client)), VALUES(coord_hlc), coord_hlc),
			coord_client = IF(ROW(coord_hlc, coord_client) < ROW(VALUES(coord_hlc), VALUES(coord_client)), VALUES(coord_client), coord_client)
	`, d.Table, d.RowID, uint64(d.HLC), d.ClientID)
	return err
}

// QueryDeltasSince returns every logged delta for the given tables with
// hlc strictly greater than since, ordered by hlc ascending. An empty
// tables slice means every table.
func (a *Adapter) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables []string) ([]delta.RowDelta, error) {
	query := `SELECT payload FROM syncd_deltas WHERE hlc > ?`
	args := []any{uint64(since)}

	if len(tables) > 0 {
		placeholders := make([]string, len(tables))
		for i, t := range tables {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND table_name IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY hlc ASC"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: query deltas since: %w", err)
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

// GetLatestState returns the merged column projection for (table, rowId),
// or ok=false if the row has never been seen or only a tombstone survives.
func (a *Adapter) GetLatestState(ctx context.Context, table, rowID string) (map[string]delta.Value, bool, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT column_name, value_json FROM syncd_row_state WHERE table_name = ? AND row_id = ?
	`, table, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("mysql: get latest state: %w", err)
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
			continue
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
	if !found || len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}
