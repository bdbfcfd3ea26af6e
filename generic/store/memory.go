// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/benefit-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.Store. The log and the projection tables are
// guarded by separate locks so that a long projection transaction never
// blocks appends.
type Memory struct {
	evMu   sync.RWMutex
	events []generic.Event
	uids   map[string]bool
	byKey  map[string][]int // lookup key -> indexes into events

	projMu      sync.RWMutex
	tables      map[string]map[string]generic.Row
	checkpoints map[string]map[string]int64
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		uids:        make(map[string]bool),
		byKey:       make(map[string][]int),
		tables:      make(map[string]map[string]generic.Row),
		checkpoints: make(map[string]map[string]int64),
	}
}

// =============================================================================
// EVENT STORE
// =============================================================================

// Append adds events atomically. Append-only.
func (m *Memory) Append(_ context.Context, expectedHead int64, events []generic.Event) ([]generic.Event, error) {
	m.evMu.Lock()
	defer m.evMu.Unlock()

	if expectedHead != generic.AnyHead && expectedHead != m.headLocked() {
		return nil, generic.ErrConcurrentModification
	}

	// Check all uids first (atomic check)
	batch := make(map[string]bool, len(events))
	for _, ev := range events {
		if m.uids[ev.EventUID] || batch[ev.EventUID] {
			return nil, generic.ErrDuplicateEventUID
		}
		batch[ev.EventUID] = true
	}

	// Append all (atomic write)
	stored := make([]generic.Event, len(events))
	for i, ev := range events {
		ev.SequenceID = m.headLocked() + 1
		idx := len(m.events)
		m.events = append(m.events, ev)
		m.uids[ev.EventUID] = true
		for _, k := range ev.Keys() {
			m.byKey[k] = append(m.byKey[k], idx)
		}
		stored[i] = ev
	}
	return stored, nil
}

func (m *Memory) headLocked() int64 {
	if len(m.events) == 0 {
		return 0
	}
	return m.events[len(m.events)-1].SequenceID
}

func (m *Memory) All(_ context.Context) ([]generic.Event, error) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()

	result := make([]generic.Event, len(m.events))
	copy(result, m.events)
	return result, nil
}

func (m *Memory) ByKey(_ context.Context, key string) ([]generic.Event, error) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()

	idxs := m.byKey[key]
	result := make([]generic.Event, 0, len(idxs))
	for _, i := range idxs {
		result = append(result, m.events[i])
	}
	return result, nil
}

func (m *Memory) Since(_ context.Context, seq int64) ([]generic.Event, error) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()

	// SequenceIDs are dense and start at 1, so seq is also the slice offset.
	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(m.events)) {
		return nil, nil
	}
	result := make([]generic.Event, len(m.events)-int(seq))
	copy(result, m.events[seq:])
	return result, nil
}

func (m *Memory) Head(_ context.Context) (int64, error) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()
	return m.headLocked(), nil
}

// =============================================================================
// PROJECTION STORE
// =============================================================================

func (m *Memory) Get(ctx context.Context, table, key string) (generic.Row, bool, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	return m.view().Get(ctx, table, key)
}

func (m *Memory) Rows(ctx context.Context, table string) ([]generic.Row, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	return m.view().Rows(ctx, table)
}

func (m *Memory) ByIndex(ctx context.Context, table, field, value string) ([]generic.Row, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	return m.view().ByIndex(ctx, table, field, value)
}

func (m *Memory) Checkpoint(ctx context.Context, table, partition string) (int64, error) {
	m.projMu.RLock()
	defer m.projMu.RUnlock()
	return m.view().Checkpoint(ctx, table, partition)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.ProjectionTx) error) error {
	m.projMu.Lock()
	defer m.projMu.Unlock()

	// Snapshot current state
	snapshot := m.snapshot()

	if err := fn(m.view()); err != nil {
		// Rollback
		m.tables, m.checkpoints = snapshot.tables, snapshot.checkpoints
		return err
	}
	return nil
}

type memorySnapshot struct {
	tables      map[string]map[string]generic.Row
	checkpoints map[string]map[string]int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		tables:      make(map[string]map[string]generic.Row, len(m.tables)),
		checkpoints: make(map[string]map[string]int64, len(m.checkpoints)),
	}
	for name, rows := range m.tables {
		cp := make(map[string]generic.Row, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		s.tables[name] = cp
	}
	for name, parts := range m.checkpoints {
		cp := make(map[string]int64, len(parts))
		for k, v := range parts {
			cp[k] = v
		}
		s.checkpoints[name] = cp
	}
	return s
}

func (m *Memory) view() *memoryView { return &memoryView{parent: m} }

// memoryView reads and writes the parent's maps without locking; the caller
// holds projMu.
type memoryView struct {
	parent *Memory
}

func (v *memoryView) Get(_ context.Context, table, key string) (generic.Row, bool, error) {
	row, ok := v.parent.tables[table][key]
	return cloneRow(row), ok, nil
}

func (v *memoryView) Rows(_ context.Context, table string) ([]generic.Row, error) {
	rows := v.parent.tables[table]
	result := make([]generic.Row, 0, len(rows))
	for _, r := range rows {
		result = append(result, cloneRow(r))
	}
	sortRows(result)
	return result, nil
}

func (v *memoryView) ByIndex(_ context.Context, table, field, value string) ([]generic.Row, error) {
	var result []generic.Row
	for _, r := range v.parent.tables[table] {
		if r.Indexes[field] == value {
			result = append(result, cloneRow(r))
		}
	}
	sortRows(result)
	return result, nil
}

func (v *memoryView) Checkpoint(_ context.Context, table, partition string) (int64, error) {
	return v.parent.checkpoints[table][partition], nil
}

func (v *memoryView) Upsert(_ context.Context, table string, row generic.Row) error {
	rows, ok := v.parent.tables[table]
	if !ok {
		rows = make(map[string]generic.Row)
		v.parent.tables[table] = rows
	}
	rows[row.Key] = cloneRow(row)
	return nil
}

func (v *memoryView) Delete(_ context.Context, table, key string) error {
	delete(v.parent.tables[table], key)
	return nil
}

func (v *memoryView) Clear(_ context.Context, table string) error {
	delete(v.parent.tables, table)
	delete(v.parent.checkpoints, table)
	return nil
}

func (v *memoryView) SetCheckpoint(_ context.Context, table, partition string, seq int64) error {
	parts, ok := v.parent.checkpoints[table]
	if !ok {
		parts = make(map[string]int64)
		v.parent.checkpoints[table] = parts
	}
	if seq > parts[partition] {
		parts[partition] = seq
	}
	return nil
}

func sortRows(rows []generic.Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
}

func cloneRow(r generic.Row) generic.Row {
	if r.Indexes != nil {
		idx := make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			idx[k] = v
		}
		r.Indexes = idx
	}
	if r.Data != nil {
		r.Data = append([]byte(nil), r.Data...)
	}
	return r
}
