// Package outbox implements the per-client durable queue of deltas
// generated locally but not yet acknowledged by the gateway (spec §4.5),
// backed by modernc.org/sqlite with goose-managed migrations.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/syncd/internal/delta"
	"github.com/hyperengineering/syncd/migrations"
)

// State is the lifecycle of one outbox entry.
type State string

const (
	StatePending State = "pending"
	StateSending State = "sending"
)

// Entry is a single queued, not-yet-acknowledged delta.
type Entry struct {
	ID         string
	ClientID   string
	Delta      delta.RowDelta
	State      State
	RetryCount int
	EnqueuedAt time.Time
}

// Store is a single client's durable outbox, backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the outbox database at dbPath and applies pending
// migrations. dbPath == ":memory:" is supported for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("outbox: create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("outbox: open database: %w", err)
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
			return fmt.Errorf("outbox: execute %s: %w", p, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("outbox: set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("outbox: run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Push enqueues d for clientID with state=pending, retryCount=0. Enqueuing
// the same deltaId twice for the same client is a no-op: the outbox's
// durability contract is indexed on (clientId, deltaId).
func (s *Store) Push(ctx context.Context, clientID string, d delta.RowDelta) error {
	payload, err := delta.EncodeWire(d)
	if err != nil {
		return fmt.Errorf("outbox: encode delta: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries
			(id, client_id, op, table_name, row_id, delta_id, payload, state, retry_count, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT(client_id, delta_id) DO NOTHING
	`, id, clientID, string(d.Op), d.Table, d.RowID, d.DeltaID, payload, now, now)
	if err != nil {
		return fmt.Errorf("outbox: push: %w", err)
	}
	return nil
}

// Peek returns up to n oldest pending entries for clientID, FIFO by
// enqueue time (spec §4.5).
func (s *Store) Peek(ctx context.Context, clientID string, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, payload, state, retry_count, enqueued_at
		FROM outbox_entries
		WHERE client_id = ? AND state = 'pending'
		ORDER BY id ASC
		LIMIT ?
	`, clientID, n)
	if err != nil {
		return nil, fmt.Errorf("outbox: peek: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var payload []byte
	var state string
	var enqueuedAt string

	if err := scanner.Scan(&e.ID, &e.ClientID, &payload, &state, &e.RetryCount, &enqueuedAt); err != nil {
		return Entry{}, fmt.Errorf("outbox: scan entry: %w", err)
	}

	d, err := delta.DecodeWire(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: decode entry %s: %w", e.ID, err)
	}
	e.Delta = d
	e.State = State(state)
	if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		e.EnqueuedAt = t
	}
	return e, nil
}

// MarkSending flips the given entries from pending to sending.
func (s *Store) MarkSending(ctx context.Context, ids []string) error {
	return s.updateState(ctx, ids, "sending", "pending")
}

func (s *Store) updateState(ctx context.Context, ids []string, to, from string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE outbox_entries SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`)
	if err != nil {
		return fmt.Errorf("outbox: prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, to, now, id, from); err != nil {
			return fmt.Errorf("outbox: update entry %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Ack removes the given entries. It is the only operation that permanently
// deletes an outbox entry.
func (s *Store) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM outbox_entries WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("outbox: prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("outbox: ack entry %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Nack flips the given entries from sending back to pending and increments
// retryCount. Returns the subset of ids whose retryCount now exceeds
// maxRetries, which the caller MUST surface rather than silently drop
// (spec §4.5).
func (s *Store) Nack(ctx context.Context, ids []string, maxRetries int) (exceeded []string, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	update, err := tx.PrepareContext(ctx, `
		UPDATE outbox_entries
		SET state = 'pending', retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND state = 'sending'
	`)
	if err != nil {
		return nil, fmt.Errorf("outbox: prepare nack: %w", err)
	}
	defer update.Close()

	query, err := tx.PrepareContext(ctx, `SELECT retry_count FROM outbox_entries WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("outbox: prepare retry lookup: %w", err)
	}
	defer query.Close()

	for _, id := range ids {
		if _, err := update.ExecContext(ctx, now, id); err != nil {
			return nil, fmt.Errorf("outbox: nack entry %s: %w", id, err)
		}
		var retries int
		if err := query.QueryRowContext(ctx, id).Scan(&retries); err != nil {
			return nil, fmt.Errorf("outbox: read retry count for %s: %w", id, err)
		}
		if retries > maxRetries {
			exceeded = append(exceeded, id)
		}
	}

	return exceeded, tx.Commit()
}

// Depth returns the count of non-acked entries for clientID (pending plus
// sending).
func (s *Store) Depth(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE client_id = ?`, clientID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: depth: %w", err)
	}
	return n, nil
}
