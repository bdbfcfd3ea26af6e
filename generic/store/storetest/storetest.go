/*
Package storetest is the behavior every generic.Store backend must share.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) generic.Store { return newStore(t) })
  }

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-engine/generic"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) generic.Store

// Run executes the contract against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, generic.Store)
	}{
		{"AppendAssignsSequence", testAppendAssignsSequence},
		{"ExpectedHeadConflict", testExpectedHeadConflict},
		{"DuplicateUIDRejectsBatch", testDuplicateUIDRejectsBatch},
		{"ByKey", testByKey},
		{"Since", testSince},
		{"RowsAndIndexes", testRowsAndIndexes},
		{"TxRollback", testTxRollback},
		{"CheckpointNeverRegresses", testCheckpointNeverRegresses},
		{"ClearDropsRowsAndCheckpoints", testClear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var t0 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func event(uid, aggregate string, keys ...string) generic.Event {
	return generic.Event{
		EventUID:    uid,
		Type:        "Test",
		Timestamp:   t0,
		AggregateID: aggregate,
		ForeignKeys: keys,
		Payload:     json.RawMessage(`{"n":1}`),
	}
}

func row(t *testing.T, key string, indexes map[string]string) generic.Row {
	t.Helper()
	r, err := generic.NewRow(key, indexes, map[string]string{"key": key})
	require.NoError(t, err)
	return r
}

func testAppendAssignsSequence(t *testing.T, s generic.Store) {
	ctx := context.Background()

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, head)

	stored, err := s.Append(ctx, generic.AnyHead, []generic.Event{event("a", "agg-1"), event("b", "agg-1")})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].SequenceID)
	assert.Equal(t, int64(2), stored[1].SequenceID)

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].EventUID)
	assert.True(t, t0.Equal(all[0].Timestamp))
	assert.JSONEq(t, `{"n":1}`, string(all[0].Payload))
}

func testExpectedHeadConflict(t *testing.T, s generic.Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, 0, []generic.Event{event("a", "agg-1")})
	require.NoError(t, err)

	// A writer that read head 0 lost the race
	_, err = s.Append(ctx, 0, []generic.Event{event("b", "agg-1")})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	_, err = s.Append(ctx, 1, []generic.Event{event("b", "agg-1")})
	assert.NoError(t, err)
}

func testDuplicateUIDRejectsBatch(t *testing.T, s generic.Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, generic.AnyHead, []generic.Event{event("a", "agg-1")})
	require.NoError(t, err)

	_, err = s.Append(ctx, generic.AnyHead, []generic.Event{event("b", "agg-1"), event("a", "agg-1")})
	assert.ErrorIs(t, err, generic.ErrDuplicateEventUID)

	// The batch is atomic: "b" was not kept
	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func testByKey(t *testing.T, s generic.Store) {
	ctx := context.Background()
	caused := event("c", "agg-2")
	caused.CausationID = "a"
	_, err := s.Append(ctx, generic.AnyHead, []generic.Event{
		event("a", "agg-1"),
		event("b", "agg-2", "agg-1"),
		caused,
	})
	require.NoError(t, err)

	byAgg, err := s.ByKey(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, uids(byAgg))

	byCause, err := s.ByKey(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, uids(byCause))

	none, err := s.ByKey(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSince(t *testing.T, s generic.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, generic.AnyHead, []generic.Event{event(fmt.Sprintf("e%d", i), "agg")})
		require.NoError(t, err)
	}
	tail, err := s.Since(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e4"}, uids(tail))

	empty, err := s.Since(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRowsAndIndexes(t *testing.T, s generic.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		if err := tx.Upsert(ctx, "things", row(t, "b", map[string]string{"status": "open"})); err != nil {
			return err
		}
		if err := tx.Upsert(ctx, "things", row(t, "a", map[string]string{"status": "open"})); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes
		rows, err := tx.ByIndex(ctx, "things", "status", "open")
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			return fmt.Errorf("want 2 rows in tx, got %d", len(rows))
		}
		return tx.Upsert(ctx, "things", row(t, "b", map[string]string{"status": "closed"}))
	})
	require.NoError(t, err)

	rows, err := s.Rows(ctx, "things")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Key)

	open, err := s.ByIndex(ctx, "things", "status", "open")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].Key)

	got, ok, err := s.Get(ctx, "things", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "closed", got.Indexes["status"])

	require.NoError(t, s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		if err := tx.Delete(ctx, "things", "b"); err != nil {
			return err
		}
		return tx.Delete(ctx, "things", "never-existed")
	}))
	_, ok, err = s.Get(ctx, "things", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	closed, err := s.ByIndex(ctx, "things", "status", "closed")
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func testTxRollback(t *testing.T, s generic.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		if err := tx.Upsert(ctx, "things", row(t, "a", nil)); err != nil {
			return err
		}
		if err := tx.SetCheckpoint(ctx, "things", "p", 7); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	cp, err := s.Checkpoint(ctx, "things", "p")
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func testCheckpointNeverRegresses(t *testing.T, s generic.Store) {
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		if err := tx.SetCheckpoint(ctx, "things", "p", 5); err != nil {
			return err
		}
		return tx.SetCheckpoint(ctx, "things", "p", 3)
	}))

	cp, err := s.Checkpoint(ctx, "things", "p")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cp)

	other, err := s.Checkpoint(ctx, "other", "p")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func testClear(t *testing.T, s generic.Store) {
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		for _, table := range []string{"things", "others"} {
			if err := tx.Upsert(ctx, table, row(t, "a", map[string]string{"k": "v"})); err != nil {
				return err
			}
			if err := tx.SetCheckpoint(ctx, table, "p", 4); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, func(tx generic.ProjectionTx) error {
		return tx.Clear(ctx, "things")
	}))

	rows, err := s.Rows(ctx, "things")
	require.NoError(t, err)
	assert.Empty(t, rows)
	cp, err := s.Checkpoint(ctx, "things", "p")
	require.NoError(t, err)
	assert.Zero(t, cp)

	kept, err := s.ByIndex(ctx, "others", "k", "v")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func uids(events []generic.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventUID
	}
	return out
}
