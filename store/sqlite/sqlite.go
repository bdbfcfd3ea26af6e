/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.EventStore and generic.ProjectionStore in one database
  file: one append-only events table plus the derived projection tables,
  each rebuildable solely from the events table.

INTERFACES IMPLEMENTED:
  generic.EventStore:      Append-only event log
  generic.ProjectionStore: Keyed rows, secondary indexes, checkpoints

APPEND-ONLY ENFORCEMENT:
  The Store enforces append-only semantics on the log:
  - No UPDATE statements on the events table
  - No DELETE statements on the events table
  - event_uid is UNIQUE (idempotency key of an append)

KEY TABLES:
  events:             Immutable log, sequence_id AUTOINCREMENT (never reused)
  event_keys:         Lookup keys of each event (aggregate id, foreign keys,
                      causation id) for getByForeignKey
  projection_rows:    Rows of every projection, keyed (table_name, row_key)
  projection_indexes: Secondary index entries of projection rows
  checkpoints:        High-water marks per (table_name, partition)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so that
  ":memory:" databases are shared by every caller and a projection
  transaction never interleaves with another writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/welfare.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  events := generic.NewEventLog(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/benefit-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ generic.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only log)
	CREATE TABLE IF NOT EXISTS events (
		sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_uid TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		aggregate_kind TEXT,
		aggregate_id TEXT,
		foreign_keys_json TEXT,
		causation_id TEXT,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type
		ON events(type);

	-- Lookup keys for getByForeignKey
	CREATE TABLE IF NOT EXISTS event_keys (
		lookup_key TEXT NOT NULL,
		sequence_id INTEGER NOT NULL REFERENCES events(sequence_id),
		PRIMARY KEY (lookup_key, sequence_id)
	);

	-- Projection rows (derived, rebuildable)
	CREATE TABLE IF NOT EXISTS projection_rows (
		table_name TEXT NOT NULL,
		row_key TEXT NOT NULL,
		indexes_json TEXT,
		data TEXT NOT NULL,
		PRIMARY KEY (table_name, row_key)
	);

	CREATE TABLE IF NOT EXISTS projection_indexes (
		table_name TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		row_key TEXT NOT NULL,
		PRIMARY KEY (table_name, field, value, row_key)
	);

	-- High-water marks
	CREATE TABLE IF NOT EXISTS checkpoints (
		table_name TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		sequence_id INTEGER NOT NULL,
		PRIMARY KEY (table_name, partition_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// EVENT STORE (generic.EventStore interface)
// =============================================================================

const eventColumns = `e.sequence_id, e.event_uid, e.type, e.timestamp, e.aggregate_kind,
	e.aggregate_id, e.foreign_keys_json, e.causation_id, e.payload`

// Append adds events to the log atomically.
func (s *Store) Append(ctx context.Context, expectedHead int64, events []generic.Event) ([]generic.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if expectedHead != generic.AnyHead {
		head, err := headOf(ctx, sqlTx)
		if err != nil {
			return nil, err
		}
		if head != expectedHead {
			return nil, generic.ErrConcurrentModification
		}
	}

	stored := make([]generic.Event, len(events))
	for i, ev := range events {
		seq, err := appendEvent(ctx, sqlTx, ev)
		if err != nil {
			return nil, err
		}
		ev.SequenceID = seq
		stored[i] = ev
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return stored, nil
}

func appendEvent(ctx context.Context, db querier, ev generic.Event) (int64, error) {
	var foreignKeys sql.NullString
	if len(ev.ForeignKeys) > 0 {
		b, err := json.Marshal(ev.ForeignKeys)
		if err != nil {
			return 0, fmt.Errorf("failed to encode foreign keys: %w", err)
		}
		foreignKeys = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO events
		(event_uid, type, timestamp, aggregate_kind, aggregate_id, foreign_keys_json, causation_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.ExecContext(ctx, query,
		ev.EventUID,
		string(ev.Type),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		nullString(ev.AggregateKind),
		nullString(ev.AggregateID),
		foreignKeys,
		nullString(ev.CausationID),
		string(ev.Payload),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, generic.ErrDuplicateEventUID
		}
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence id: %w", err)
	}

	for _, key := range ev.Keys() {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO event_keys (lookup_key, sequence_id) VALUES (?, ?)", key, seq,
		); err != nil {
			return 0, fmt.Errorf("failed to index event key: %w", err)
		}
	}
	return seq, nil
}

func headOf(ctx context.Context, db querier) (int64, error) {
	var head int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence_id), 0) FROM events").Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return head, nil
}

// All returns every event in append order.
func (s *Store) All(ctx context.Context) ([]generic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEvents(ctx, "SELECT "+eventColumns+" FROM events e ORDER BY e.sequence_id ASC")
}

// ByKey returns the events indexed under key, in append order.
func (s *Store) ByKey(ctx context.Context, key string) ([]generic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + eventColumns + `
		FROM events e
		JOIN event_keys k ON k.sequence_id = e.sequence_id
		WHERE k.lookup_key = ?
		ORDER BY e.sequence_id ASC
	`
	return s.queryEvents(ctx, query, key)
}

// Since returns the events after seq, in append order.
func (s *Store) Since(ctx context.Context, seq int64) ([]generic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + eventColumns + " FROM events e WHERE e.sequence_id > ? ORDER BY e.sequence_id ASC"
	return s.queryEvents(ctx, query, seq)
}

// Head returns the last sequence id.
func (s *Store) Head(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return headOf(ctx, s.db)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]generic.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []generic.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (generic.Event, error) {
	var (
		ev            generic.Event
		eventType     string
		timestamp     string
		aggregateKind sql.NullString
		aggregateID   sql.NullString
		foreignKeys   sql.NullString
		causationID   sql.NullString
		payload       string
	)

	err := rows.Scan(
		&ev.SequenceID, &ev.EventUID, &eventType, &timestamp, &aggregateKind,
		&aggregateID, &foreignKeys, &causationID, &payload,
	)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Type = generic.EventType(eventType)
	ev.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return ev, fmt.Errorf("failed to parse timestamp of event %d: %w", ev.SequenceID, err)
	}
	ev.AggregateKind = aggregateKind.String
	ev.AggregateID = aggregateID.String
	ev.CausationID = causationID.String
	ev.Payload = json.RawMessage(payload)

	if foreignKeys.Valid && foreignKeys.String != "" {
		if err := json.Unmarshal([]byte(foreignKeys.String), &ev.ForeignKeys); err != nil {
			return ev, fmt.Errorf("failed to decode foreign keys of event %d: %w", ev.SequenceID, err)
		}
	}

	return ev, nil
}

// =============================================================================
// PROJECTION STORE (generic.ProjectionStore interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, table, key string) (generic.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRow(ctx, s.db, table, key)
}

func (s *Store) Rows(ctx context.Context, table string) ([]generic.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRows(ctx, s.db, `
		SELECT row_key, indexes_json, data FROM projection_rows
		WHERE table_name = ? ORDER BY row_key ASC`, table)
}

func (s *Store) ByIndex(ctx context.Context, table, field, value string) ([]generic.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rowsByIndex(ctx, s.db, table, field, value)
}

func (s *Store) Checkpoint(ctx context.Context, table, partition string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return checkpoint(ctx, s.db, table, partition)
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.ProjectionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every read and write on the open transaction. It must not
// touch Store.db: the single connection is held by the transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, table, key string) (generic.Row, bool, error) {
	return getRow(ctx, ts.tx, table, key)
}

func (ts *txStore) Rows(ctx context.Context, table string) ([]generic.Row, error) {
	return queryRows(ctx, ts.tx, `
		SELECT row_key, indexes_json, data FROM projection_rows
		WHERE table_name = ? ORDER BY row_key ASC`, table)
}

func (ts *txStore) ByIndex(ctx context.Context, table, field, value string) ([]generic.Row, error) {
	return rowsByIndex(ctx, ts.tx, table, field, value)
}

func (ts *txStore) Checkpoint(ctx context.Context, table, partition string) (int64, error) {
	return checkpoint(ctx, ts.tx, table, partition)
}

func (ts *txStore) Upsert(ctx context.Context, table string, row generic.Row) error {
	var indexes sql.NullString
	if len(row.Indexes) > 0 {
		b, err := json.Marshal(row.Indexes)
		if err != nil {
			return fmt.Errorf("failed to encode indexes: %w", err)
		}
		indexes = sql.NullString{String: string(b), Valid: true}
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO projection_rows (table_name, row_key, indexes_json, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, row_key) DO UPDATE SET
			indexes_json = excluded.indexes_json,
			data = excluded.data
	`, table, row.Key, indexes, string(row.Data))
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, row.Key, err)
	}

	if err := ts.deleteIndexes(ctx, table, row.Key); err != nil {
		return err
	}
	for field, value := range row.Indexes {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO projection_indexes (table_name, field, value, row_key)
			VALUES (?, ?, ?, ?)
		`, table, field, value, row.Key)
		if err != nil {
			return fmt.Errorf("failed to index %s/%s: %w", table, row.Key, err)
		}
	}
	return nil
}

func (ts *txStore) deleteIndexes(ctx context.Context, table, key string) error {
	_, err := ts.tx.ExecContext(ctx,
		"DELETE FROM projection_indexes WHERE table_name = ? AND row_key = ?", table, key)
	if err != nil {
		return fmt.Errorf("failed to clear indexes of %s/%s: %w", table, key, err)
	}
	return nil
}

func (ts *txStore) Delete(ctx context.Context, table, key string) error {
	if err := ts.deleteIndexes(ctx, table, key); err != nil {
		return err
	}
	_, err := ts.tx.ExecContext(ctx,
		"DELETE FROM projection_rows WHERE table_name = ? AND row_key = ?", table, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (ts *txStore) Clear(ctx context.Context, table string) error {
	for _, stmt := range []string{
		"DELETE FROM projection_indexes WHERE table_name = ?",
		"DELETE FROM projection_rows WHERE table_name = ?",
		"DELETE FROM checkpoints WHERE table_name = ?",
	} {
		if _, err := ts.tx.ExecContext(ctx, stmt, table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func (ts *txStore) SetCheckpoint(ctx context.Context, table, partition string, seq int64) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO checkpoints (table_name, partition_key, sequence_id)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name, partition_key) DO UPDATE SET
			sequence_id = MAX(sequence_id, excluded.sequence_id)
	`, table, partition, seq)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint %s/%s: %w", table, partition, err)
	}
	return nil
}

// =============================================================================
// ROW QUERIES (shared by Store and txStore)
// =============================================================================

func getRow(ctx context.Context, db querier, table, key string) (generic.Row, bool, error) {
	rows, err := queryRows(ctx, db, `
		SELECT row_key, indexes_json, data FROM projection_rows
		WHERE table_name = ? AND row_key = ?`, table, key)
	if err != nil || len(rows) == 0 {
		return generic.Row{}, false, err
	}
	return rows[0], true, nil
}

func rowsByIndex(ctx context.Context, db querier, table, field, value string) ([]generic.Row, error) {
	return queryRows(ctx, db, `
		SELECT r.row_key, r.indexes_json, r.data
		FROM projection_rows r
		JOIN projection_indexes i
		  ON i.table_name = r.table_name AND i.row_key = r.row_key
		WHERE r.table_name = ? AND i.field = ? AND i.value = ?
		ORDER BY r.row_key ASC`, table, field, value)
}

func queryRows(ctx context.Context, db querier, query string, args ...any) ([]generic.Row, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	var result []generic.Row
	for rows.Next() {
		var (
			row     generic.Row
			indexes sql.NullString
			data    string
		)
		if err := rows.Scan(&row.Key, &indexes, &data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row.Data = json.RawMessage(data)
		if indexes.Valid && indexes.String != "" {
			if err := json.Unmarshal([]byte(indexes.String), &row.Indexes); err != nil {
				return nil, fmt.Errorf("failed to decode indexes of %s: %w", row.Key, err)
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func checkpoint(ctx context.Context, db querier, table, partition string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		"SELECT sequence_id FROM checkpoints WHERE table_name = ? AND partition_key = ?",
		table, partition,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return seq, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
