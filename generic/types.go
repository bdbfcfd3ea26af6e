/*
Package generic provides the core event-sourcing engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for recording
  state transitions as immutable events and deriving read models from them.
  The welfare domain (changes, calculations, decisions, payment plans, ledger)
  is built on top of it, but nothing in here knows about benefits.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: An immutable fact, identified by SequenceID (order) and EventUID (identity)
  - EventType: The discriminator of the payload carried by an event
  - Row: A record of a materialized table, keyed deterministically

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted, only appended
  2. Ordering: SequenceID is authoritative; Timestamp is advisory and may tie
  3. Idempotency: EventUID is the idempotency key of an append
  4. Rebuildability: every Row can be recomputed from the log alone

USAGE:
  ev := generic.Event{
      Type:          "ChangeCreated",
      AggregateKind: "change",
      AggregateID:   "chg-123",
      Payload:       json.RawMessage(`{"changeId":"chg-123"}`),
  }
  stored, err := log.Append(ctx, ev)

SEE ALSO:
  - eventlog.go: Append-only log over an EventStore
  - projection.go: Idempotent projection engine
  - bus.go: Domain and integration buses
*/
package generic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT - Immutable fact appended to the log
// =============================================================================

// EventType discriminates the payload of an event.
type EventType string

// Event is the envelope stored in the log.
//
// SequenceID and EventUID are owned by the log: SequenceID is assigned on
// append, EventUID is assigned when absent. Timestamp defaults to now.
type Event struct {
	SequenceID    int64           `json:"sequenceId"`
	EventUID      string          `json:"eventUid"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	AggregateKind string          `json:"aggregateKind,omitempty"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	ForeignKeys   []string        `json:"foreignKeys,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// References reports whether the event is indexed under key, either as its
// aggregate id, one of its foreign keys, or its causation id.
func (e Event) References(key string) bool {
	if key == "" {
		return false
	}
	if e.AggregateID == key || e.CausationID == key {
		return true
	}
	for _, k := range e.ForeignKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Keys returns every lookup key of the event, deduplicated.
func (e Event) Keys() []string {
	seen := make(map[string]bool, len(e.ForeignKeys)+2)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	add(e.AggregateID)
	for _, k := range e.ForeignKeys {
		add(k)
	}
	add(e.CausationID)
	return keys
}

// String is used in log lines.
func (e Event) String() string {
	return fmt.Sprintf("%s#%d(%s)", e.Type, e.SequenceID, e.AggregateID)
}

// =============================================================================
// ROW - Record of a materialized table
// =============================================================================

// Row is one record of a projection table.
//
// Key must be derived from the event that produced the row (never generated),
// so that applying the same event twice writes the same row.
type Row struct {
	Key     string            `json:"key"`
	Indexes map[string]string `json:"indexes,omitempty"`
	Data    json.RawMessage   `json:"data"`
}

// NewRow encodes v as the row's data.
func NewRow(key string, indexes map[string]string, v any) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Row{}, fmt.Errorf("encode row %s: %w", key, err)
	}
	return Row{Key: key, Indexes: indexes, Data: data}, nil
}

// DecodeRow decodes the row's data into a T.
func DecodeRow[T any](row Row) (T, error) {
	var v T
	if err := json.Unmarshal(row.Data, &v); err != nil {
		return v, fmt.Errorf("decode row %s: %w", row.Key, err)
	}
	return v, nil
}

// DecodeRows decodes every row, stopping at the first failure.
func DecodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := DecodeRow[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// =============================================================================
// AMOUNTS
// =============================================================================

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
