/*
eventlog.go - Append-only event log

PURPOSE:
  The EventLog is the immutable source of truth for every state transition.
  Commands append to it; projections, replay and the causal pipeline only
  ever read from it. There is no separate "current state" record that can
  get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ORDERED: SequenceID strictly increases with append order
  3. IDEMPOTENT: Same EventUID = same event (duplicates rejected)
  4. ATOMIC: An append of several events writes all of them or none

OPTIMISTIC CONCURRENCY:
  A command reads state at head H, validates its business rules, and appends
  with AppendExpecting(H). If anything was appended meanwhile the append
  fails with ErrConcurrentModification and the command re-reads and retries.
  No lock is held between the read and the write.

SEE ALSO:
  - store.go: Low-level persistence interface
  - projection.go: Consumes the log incrementally
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT LOG - Validating facade over an EventStore
// =============================================================================

// EventLog validates and stamps events before handing them to the store.
type EventLog struct {
	store EventStore
	now   func() time.Time
}

// NewEventLog creates an EventLog over store.
func NewEventLog(store EventStore) *EventLog {
	return &EventLog{store: store, now: time.Now}
}

// WithClock overrides the clock used to stamp events. Used in tests.
func (l *EventLog) WithClock(now func() time.Time) *EventLog {
	l.now = now
	return l
}

// Append adds a single event and returns it as stored.
func (l *EventLog) Append(ctx context.Context, ev Event) (Event, error) {
	stored, err := l.AppendExpecting(ctx, AnyHead, ev)
	if err != nil {
		return Event{}, err
	}
	return stored[0], nil
}

// AppendBatch adds events atomically.
func (l *EventLog) AppendBatch(ctx context.Context, events ...Event) ([]Event, error) {
	return l.AppendExpecting(ctx, AnyHead, events...)
}

// AppendExpecting adds events atomically, only if the log head still equals
// expectedHead.
func (l *EventLog) AppendExpecting(ctx context.Context, expectedHead int64, events ...Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, Invalid("events", "nothing to append")
	}

	prepared := make([]Event, len(events))
	for i, ev := range events {
		if err := l.prepare(&ev); err != nil {
			return nil, err
		}
		prepared[i] = ev
	}

	stored, err := l.store.Append(ctx, expectedHead, prepared)
	if err != nil {
		return nil, wrapStorage("append", err)
	}
	return stored, nil
}

func (l *EventLog) prepare(ev *Event) error {
	if ev.Type == "" {
		return Invalid("type", "required")
	}
	if len(ev.Payload) == 0 {
		return Invalid("payload", "required")
	}
	if ev.EventUID == "" {
		ev.EventUID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.SequenceID = 0
	return nil
}

// All returns every event in append order.
func (l *EventLog) All(ctx context.Context) ([]Event, error) {
	events, err := l.store.All(ctx)
	return events, wrapStorage("read all", err)
}

// ByForeignKey returns every event indexed under key, in append order.
func (l *EventLog) ByForeignKey(ctx context.Context, key string) ([]Event, error) {
	events, err := l.store.ByKey(ctx, key)
	return events, wrapStorage("read by key", err)
}

// Since returns events newer than the watermark, in append order.
func (l *EventLog) Since(ctx context.Context, watermark int64) ([]Event, error) {
	events, err := l.store.Since(ctx, watermark)
	return events, wrapStorage("read since", err)
}

// Head returns the sequence id of the last event, 0 if the log is empty.
func (l *EventLog) Head(ctx context.Context) (int64, error) {
	head, err := l.store.Head(ctx)
	return head, wrapStorage("head", err)
}

// wrapStorage classifies raw store failures as StorageError. Errors the
// caller must see as-is (conflicts, duplicates, cancellation) pass through.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrDuplicateEventUID),
		errors.Is(err, ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &StorageError{Op: op, Err: err}
}
