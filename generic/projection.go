/*
projection.go - Idempotent projection engine

PURPOSE:
  Keeps materialized tables (read models) eventually consistent with the log.
  The same algorithm drives every read model; a Projector only describes
  which events it cares about and how one event changes its table.

KEY INSIGHT:
  Delivery is at-least-once. Several listeners may hand the same event to the
  same projection, and a full rebuild re-applies the whole log. The engine
  therefore makes every application idempotent:

    for each event (ascending SequenceID):
      partition := projector.Partition(event)
      if event.SequenceID <= checkpoint(partition): skip
      in ONE transaction:
        projector.Apply(event)           // deterministic upserts/deletes
        checkpoint(partition) = event.SequenceID
        checkpoint(cursor)    = event.SequenceID

  Rows are keyed by values derived from the event (never generated), so even
  without the checkpoint a repeated Apply writes the same rows.

REBUILD:
  Rebuild clears the table and its checkpoints, then replays all events
  through the SAME code path inside one transaction. A rebuilt table is
  identical to the incrementally built one; readers never see it half-built.

CURSOR:
  Besides per-partition high-water marks each projection keeps a cursor
  (the highest SequenceID it has looked at, including events it ignores).
  CatchUp reads the log from the cursor, so a listener holds no state in
  memory and can be stopped at any time.

SEE ALSO:
  - listener.go: Polls CatchUp on an interval
  - welfare/projections.go: The concrete read models
*/
package generic

import (
	"context"
	"fmt"
	"sort"
)

// CursorPartition is the checkpoint partition that stores a projection's cursor.
const CursorPartition = "~cursor"

// =============================================================================
// PROJECTOR - One read model
// =============================================================================

// Projector describes one read model. Name is also its table name.
type Projector interface {
	Name() string

	// Handles reports whether events of type t change the table.
	Handles(t EventType) bool

	// Partition returns the high-water-mark partition affected by ev.
	Partition(ev Event) string

	// Apply writes the effect of ev through tx. It must be deterministic.
	Apply(ctx context.Context, tx ProjectionTx, ev Event) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine applies log events to a set of projectors.
type Engine struct {
	log        *EventLog
	store      ProjectionStore
	projectors map[string]Projector
}

// NewEngine creates an Engine. Projector names must be unique.
func NewEngine(log *EventLog, store ProjectionStore, projectors ...Projector) *Engine {
	e := &Engine{log: log, store: store, projectors: make(map[string]Projector, len(projectors))}
	for _, p := range projectors {
		e.projectors[p.Name()] = p
	}
	return e
}

// Names returns the projector names, sorted.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.projectors))
	for name := range e.projectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store returns the projection store the engine writes to.
func (e *Engine) Store() ProjectionStore { return e.store }

func (e *Engine) projector(name string) (Projector, error) {
	p, ok := e.projectors[name]
	if !ok {
		return nil, Reject(RuleNotFound, "unknown projection %q", name)
	}
	return p, nil
}

// ApplyEvents applies events (ascending SequenceID) to the named projection.
// Each event is its own transaction; the first failure stops the batch and
// leaves the cursor on the last event applied, so the next call retries it.
// Returns the number of events that changed the table.
func (e *Engine) ApplyEvents(ctx context.Context, name string, events []Event) (int, error) {
	p, err := e.projector(name)
	if err != nil {
		return 0, err
	}

	applied := 0
	var skipped int64
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !p.Handles(ev.Type) {
			skipped = ev.SequenceID
			continue
		}
		var changed bool
		err := e.store.WithTx(ctx, func(tx ProjectionTx) error {
			var err error
			changed, err = applyOne(ctx, tx, p, ev)
			return err
		})
		if err != nil {
			return applied, &ProjectionError{Projection: name, SequenceID: ev.SequenceID, Err: err}
		}
		if changed {
			applied++
		}
	}

	// Trailing events the projector ignores still move the cursor.
	if skipped > 0 {
		err := e.store.WithTx(ctx, func(tx ProjectionTx) error {
			return tx.SetCheckpoint(ctx, name, CursorPartition, skipped)
		})
		if err != nil {
			return applied, &ProjectionError{Projection: name, SequenceID: skipped, Err: err}
		}
	}
	return applied, nil
}

// applyOne is the single code path shared by live updates and rebuilds.
func applyOne(ctx context.Context, tx ProjectionTx, p Projector, ev Event) (bool, error) {
	partition := p.Partition(ev)
	hwm, err := tx.Checkpoint(ctx, p.Name(), partition)
	if err != nil {
		return false, err
	}
	if ev.SequenceID <= hwm {
		return false, tx.SetCheckpoint(ctx, p.Name(), CursorPartition, ev.SequenceID)
	}
	if err := p.Apply(ctx, tx, ev); err != nil {
		return false, err
	}
	if err := tx.SetCheckpoint(ctx, p.Name(), partition, ev.SequenceID); err != nil {
		return false, err
	}
	return true, tx.SetCheckpoint(ctx, p.Name(), CursorPartition, ev.SequenceID)
}

// CatchUp applies every event newer than the projection's cursor.
func (e *Engine) CatchUp(ctx context.Context, name string) (int, error) {
	cursor, err := e.store.Checkpoint(ctx, name, CursorPartition)
	if err != nil {
		return 0, wrapStorage("read cursor", err)
	}
	events, err := e.log.Since(ctx, cursor)
	if err != nil {
		return 0, err
	}
	return e.ApplyEvents(ctx, name, events)
}

// CatchUpAll brings every projection up to the current head.
func (e *Engine) CatchUpAll(ctx context.Context) error {
	for _, name := range e.Names() {
		if _, err := e.CatchUp(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild clears the named projection and replays the whole log into it,
// atomically. Returns the number of events that changed the table.
func (e *Engine) Rebuild(ctx context.Context, name string) (int, error) {
	p, err := e.projector(name)
	if err != nil {
		return 0, err
	}
	events, err := e.log.All(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = e.store.WithTx(ctx, func(tx ProjectionTx) error {
		if err := tx.Clear(ctx, name); err != nil {
			return err
		}
		for _, ev := range events {
			if !p.Handles(ev.Type) {
				continue
			}
			changed, err := applyOne(ctx, tx, p, ev)
			if err != nil {
				return fmt.Errorf("event %d: %w", ev.SequenceID, err)
			}
			if changed {
				applied++
			}
		}
		if len(events) > 0 {
			return tx.SetCheckpoint(ctx, name, CursorPartition, events[len(events)-1].SequenceID)
		}
		return nil
	})
	if err != nil {
		return 0, &ProjectionError{Projection: name, Err: err}
	}
	return applied, nil
}
