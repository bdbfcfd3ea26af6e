package generic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/generic/store"
)

// =============================================================================
// TEST PROJECTOR
// =============================================================================

// counter counts "Hit" events per aggregate. Its Apply is deliberately NOT
// idempotent on its own (it increments), so any double application by the
// engine shows up in the table.
type counter struct {
	failOn int64
}

type count struct {
	N       int   `json:"n"`
	LastSeq int64 `json:"lastSeq"`
}

func (c *counter) Name() string { return "counts" }
func (c *counter) Handles(t generic.EventType) bool { return t == "Hit" }
func (c *counter) Partition(ev generic.Event) string { return ev.AggregateID }

func (c *counter) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	if ev.SequenceID == c.failOn {
		return errors.New("boom")
	}
	var cur count
	row, ok, err := tx.Get(ctx, c.Name(), ev.AggregateID)
	if err != nil {
		return err
	}
	if ok {
		if cur, err = generic.DecodeRow[count](row); err != nil {
			return err
		}
	}
	cur.N++
	cur.LastSeq = ev.SequenceID
	next, err := generic.NewRow(ev.AggregateID, map[string]string{"kind": "count"}, cur)
	if err != nil {
		return err
	}
	return tx.Upsert(ctx, c.Name(), next)
}

func seed(t *testing.T, log *generic.EventLog, events ...generic.Event) []generic.Event {
	t.Helper()
	stored, err := log.AppendBatch(context.Background(), events...)
	require.NoError(t, err)
	return stored
}

func counts(t *testing.T, s generic.ProjectionStore) map[string]count {
	t.Helper()
	rows, err := s.Rows(context.Background(), "counts")
	require.NoError(t, err)
	out := make(map[string]count, len(rows))
	for _, r := range rows {
		c, err := generic.DecodeRow[count](r)
		require.NoError(t, err)
		out[r.Key] = c
	}
	return out
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestEngine_ApplyEvents_Twice_SameTable(t *testing.T) {
	// GIVEN: three Hit events on two aggregates
	// WHEN: the same batch is applied twice (at-least-once delivery)
	// THEN: the table is identical to applying it once
	ctx := context.Background()
	log, mem := newTestLog()
	engine := generic.NewEngine(log, mem, &counter{})

	batch := seed(t, log,
		testEvent("Hit", "a"), testEvent("Miss", "a"), testEvent("Hit", "b"), testEvent("Hit", "a"))

	n, err := engine.ApplyEvents(ctx, "counts", batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	once := counts(t, mem)

	n, err = engine.ApplyEvents(ctx, "counts", batch)
	require.NoError(t, err)
	assert.Zero(t, n, "second delivery must be a no-op")
	assert.Equal(t, once, counts(t, mem))
	assert.Equal(t, 2, once["a"].N)
	assert.Equal(t, 1, once["b"].N)
}

func TestEngine_CatchUp_MovesCursorPastIgnoredEvents(t *testing.T) {
	ctx := context.Background()
	log, mem := newTestLog()
	engine := generic.NewEngine(log, mem, &counter{})

	seed(t, log, testEvent("Hit", "a"), testEvent("Miss", "a"), testEvent("Miss", "b"))

	_, err := engine.CatchUp(ctx, "counts")
	require.NoError(t, err)

	cursor, err := mem.Checkpoint(ctx, "counts", generic.CursorPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

func TestEngine_Rebuild_EquivalentToIncremental(t *testing.T) {
	ctx := context.Background()
	log, mem := newTestLog()
	engine := generic.NewEngine(log, mem, &counter{})

	// Incremental: one CatchUp per append.
	for _, id := range []string{"a", "b", "a", "c", "a"} {
		seed(t, log, testEvent("Hit", id))
		_, err := engine.CatchUp(ctx, "counts")
		require.NoError(t, err)
	}
	incremental := counts(t, mem)

	n, err := engine.Rebuild(ctx, "counts")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, incremental, counts(t, mem))

	// A catch-up right after a rebuild finds nothing to do.
	n, err = engine.CatchUp(ctx, "counts")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_Rebuild_UnknownProjection_NotFound(t *testing.T) {
	log, mem := newTestLog()
	engine := generic.NewEngine(log, mem, &counter{})

	_, err := engine.Rebuild(context.Background(), "nope")
	require.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// FAILURE AND RETRY
// =============================================================================

func TestEngine_FailedEvent_RolledBackAndRetried(t *testing.T) {
	// GIVEN: a projector that fails on event 2
	// WHEN: catching up
	// THEN: event 1 is applied, event 2 leaves no trace, the cursor stays on 1,
	//       and once the failure clears the next catch-up resumes at 2
	ctx := context.Background()
	log, mem := newTestLog()
	proj := &counter{failOn: 2}
	engine := generic.NewEngine(log, mem, proj)

	seed(t, log, testEvent("Hit", "a"), testEvent("Hit", "a"), testEvent("Hit", "b"))

	_, err := engine.CatchUp(ctx, "counts")
	var pErr *generic.ProjectionError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, int64(2), pErr.SequenceID)
	assert.ErrorIs(t, err, generic.ErrProjection)

	assert.Equal(t, 1, counts(t, mem)["a"].N)
	cursor, err := mem.Checkpoint(ctx, "counts", generic.CursorPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)

	proj.failOn = 0
	n, err := engine.CatchUp(ctx, "counts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, counts(t, mem)["a"].N)
	assert.Equal(t, 1, counts(t, mem)["b"].N)
}

func TestEngine_FailedRebuild_KeepsPreviousTable(t *testing.T) {
	ctx := context.Background()
	log, mem := newTestLog()
	proj := &counter{}
	engine := generic.NewEngine(log, mem, proj)

	seed(t, log, testEvent("Hit", "a"), testEvent("Hit", "a"))
	require.NoError(t, engine.CatchUpAll(ctx))
	before := counts(t, mem)

	proj.failOn = 2
	_, err := engine.Rebuild(ctx, "counts")
	require.ErrorIs(t, err, generic.ErrProjection)
	assert.Equal(t, before, counts(t, mem))
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	err := mem.WithTx(ctx, func(tx generic.ProjectionTx) error {
		row, _ := generic.NewRow("k", nil, map[string]int{"v": 1})
		require.NoError(t, tx.Upsert(ctx, "t", row))
		require.NoError(t, tx.SetCheckpoint(ctx, "t", "p", 7))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, ok, err := mem.Get(ctx, "t", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	cp, err := mem.Checkpoint(ctx, "t", "p")
	require.NoError(t, err)
	assert.Zero(t, cp)
}

func TestMemory_SetCheckpoint_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.WithTx(ctx, func(tx generic.ProjectionTx) error {
		if err := tx.SetCheckpoint(ctx, "t", "p", 9); err != nil {
			return err
		}
		return tx.SetCheckpoint(ctx, "t", "p", 4)
	}))

	cp, err := mem.Checkpoint(ctx, "t", "p")
	require.NoError(t, err)
	assert.Equal(t, int64(9), cp)
}
