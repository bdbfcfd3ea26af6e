/*
store.go - Persistence interfaces for the event log and the read models

PURPOSE:
  Defines the interface between the engine and the database.
  The EventStore holds the source of truth and is append-only; the
  ProjectionStore holds derived tables that can be thrown away and rebuilt
  from the log at any time. Implementations can use SQLite or memory.

KEY INTERFACES:
  EventStore:       Append-only log (append, read all, by key, since)
  ProjectionStore:  Keyed tables with secondary indexes and checkpoints
  ProjectionTx:     Atomic unit of work against the projection tables

APPEND-ONLY CONTRACT:
  The EventStore interface enforces append-only semantics:
  - Append(): Atomic multi-event write, optionally guarded by the expected head
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  Every event carries an EventUID. If the uid already exists, the whole
  append is rejected with ErrDuplicateEventUID. Projections are idempotent
  through checkpoints (high-water marks) written in the same unit of work as
  their rows.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Durable SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - eventlog.go: Higher-level interface using EventStore
  - projection.go: Engine driving a ProjectionStore
*/
package generic

import "context"

// AnyHead disables the expected-head check of EventStore.Append.
const AnyHead int64 = -1

// =============================================================================
// EVENT STORE - Interface for event persistence (append-only)
// =============================================================================

// EventStore persists events.
// IMPORTANT: EventStore is APPEND-ONLY. No Update, No Delete. Ever.
type EventStore interface {
	// Append persists events atomically and returns them with their assigned
	// SequenceID. If expectedHead is not AnyHead and the current head differs,
	// nothing is written and ErrConcurrentModification is returned.
	Append(ctx context.Context, expectedHead int64, events []Event) ([]Event, error)

	// All returns every event ordered by SequenceID.
	All(ctx context.Context) ([]Event, error)

	// ByKey returns events whose aggregate id, foreign keys or causation id
	// equal key, ordered by SequenceID.
	ByKey(ctx context.Context, key string) ([]Event, error)

	// Since returns events with SequenceID > seq, ordered by SequenceID.
	Since(ctx context.Context, seq int64) ([]Event, error)

	// Head returns the highest SequenceID, or 0 for an empty log.
	Head(ctx context.Context) (int64, error)
}

// =============================================================================
// PROJECTION STORE - Keyed tables derived from the log
// =============================================================================

// ProjectionReader is the read side shared by the store and its transactions.
// Rows are returned ordered by key.
type ProjectionReader interface {
	Get(ctx context.Context, table, key string) (Row, bool, error)
	Rows(ctx context.Context, table string) ([]Row, error)
	ByIndex(ctx context.Context, table, field, value string) ([]Row, error)

	// Checkpoint returns the high-water mark of a partition, 0 if unset.
	Checkpoint(ctx context.Context, table, partition string) (int64, error)
}

// ProjectionTx is one atomic unit of work.
type ProjectionTx interface {
	ProjectionReader

	// Upsert inserts or replaces the row with the same key.
	Upsert(ctx context.Context, table string, row Row) error

	// Delete removes a row. Deleting a missing row is not an error.
	Delete(ctx context.Context, table, key string) error

	// Clear removes every row and every checkpoint of a table.
	Clear(ctx context.Context, table string) error

	// SetCheckpoint raises the high-water mark of a partition. A lower value
	// than the stored one is ignored, so checkpoints never regress.
	SetCheckpoint(ctx context.Context, table, partition string, seq int64) error
}

// ProjectionStore holds every projection table.
type ProjectionStore interface {
	ProjectionReader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(ProjectionTx) error) error
}

// Store is implemented by backends that hold both the log and the tables.
type Store interface {
	EventStore
	ProjectionStore
}
