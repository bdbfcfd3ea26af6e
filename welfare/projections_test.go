package welfare

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/generic/store"
)

func newProjectionEngine() (*generic.EventLog, *store.Memory, *generic.Engine) {
	mem := store.NewMemory()
	log := generic.NewEventLog(mem)
	return log, mem, generic.NewEngine(log, mem, Projectors()...)
}

func resourcesByKey(t *testing.T, r generic.ProjectionReader) map[string]Resource {
	t.Helper()
	rows, err := r.Rows(context.Background(), TableResources)
	require.NoError(t, err)
	out := make(map[string]Resource, len(rows))
	for _, row := range rows {
		res, err := generic.DecodeRow[Resource](row)
		require.NoError(t, err)
		out[row.Key] = res
	}
	return out
}

func tables(t *testing.T, r generic.ProjectionReader) map[string][]generic.Row {
	t.Helper()
	out := make(map[string][]generic.Row)
	for _, p := range Projectors() {
		rows, err := r.Rows(context.Background(), p.Name())
		require.NoError(t, err)
		out[p.Name()] = rows
	}
	return out
}

// =============================================================================
// RESOURCES
// =============================================================================

func TestResources_OneRowPerEventAndMonth(t *testing.T) {
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()

	stored := appendPayloads(t, log,
		ChangeCreated{ChangeID: "chg-1"},
		income("chg-1", "1000", period(t, "2025-01..2025-03")),
		expense("chg-1", "200", period(t, "2025-02")),
	)
	require.NoError(t, engine.CatchUpAll(ctx))

	rows := resourcesByKey(t, mem)
	require.Len(t, rows, 4)
	assert.Contains(t, rows, "2-01-2025")
	assert.Contains(t, rows, "2-03-2025")
	feb := rows["3-02-2025"]
	assert.Equal(t, ResourceExpense, feb.Type)
	assert.Equal(t, ResourceCommitted, feb.Status)
	assert.Equal(t, stored[2].SequenceID, feb.SourceEventID)
	assertAmount(t, "200", feb.Amount)
}

func TestResources_PushOnlyPushesEarlierRows(t *testing.T) {
	// GIVEN: an income, a push, then another income of the same change
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()
	appendPayloads(t, log,
		income("chg-1", "1000", period(t, "2025-01")),
		ChangePushed{ChangeID: "chg-1"},
		income("chg-1", "500", period(t, "2025-02")),
	)

	// WHEN: projected
	require.NoError(t, engine.CatchUpAll(ctx))

	// THEN: only the row predating the push is Pushed
	rows := resourcesByKey(t, mem)
	assert.Equal(t, ResourcePushed, rows["1-01-2025"].Status)
	assert.Equal(t, int64(2), rows["1-01-2025"].PushedBy)
	assert.Equal(t, ResourceCommitted, rows["3-02-2025"].Status)
}

func TestResources_CancelDeletesCommittedRowsOnly(t *testing.T) {
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()
	appendPayloads(t, log,
		income("chg-1", "1000", period(t, "2025-01")),
		ChangePushed{ChangeID: "chg-1"},
		income("chg-1", "500", period(t, "2025-02")),
		income("chg-2", "700", period(t, "2025-02")),
		ChangeCancelled{ChangeID: "chg-1"},
	)
	require.NoError(t, engine.CatchUpAll(ctx))

	rows := resourcesByKey(t, mem)
	assert.Len(t, rows, 2)
	assert.Equal(t, ResourcePushed, rows["1-01-2025"].Status, "pushed data is never cancelled")
	assert.Equal(t, ResourceCommitted, rows["4-02-2025"].Status, "other changes are untouched")
	assert.NotContains(t, rows, "3-02-2025")
}

func TestResources_StatusNeverRegresses(t *testing.T) {
	// GIVEN: a pushed row
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()
	stored := appendPayloads(t, log,
		income("chg-1", "1000", period(t, "2025-01")),
		ChangePushed{ChangeID: "chg-1"},
	)
	require.NoError(t, engine.CatchUpAll(ctx))

	// WHEN: the originating event is applied again in a fresh transaction
	// that bypasses the checkpoint
	err := mem.WithTx(ctx, func(tx generic.ProjectionTx) error {
		return resourcesProjector{}.Apply(ctx, tx, stored[0])
	})
	require.NoError(t, err)

	// THEN: the row stays Pushed
	assert.Equal(t, ResourcePushed, resourcesByKey(t, mem)["1-01-2025"].Status)
}

// =============================================================================
// IDEMPOTENCE AND REBUILD
// =============================================================================

func TestProjections_ApplyingTwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestService(t)
	pushedChange(t, s, ResourceInput{Description: "salary", Amount: dec("1000"), Period: period(t, "2025-01..2025-02")})

	once := tables(t, mem)
	events, err := s.Log().All(ctx)
	require.NoError(t, err)

	for _, name := range s.Engine().Names() {
		applied, err := s.Engine().ApplyEvents(ctx, name, events)
		require.NoError(t, err)
		assert.Zero(t, applied, name)
	}
	assert.Equal(t, once, tables(t, mem))
}

func TestProjections_RebuildEqualsIncremental(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestService(t)
	pushedChange(t, s, ResourceInput{Description: "salary", Amount: dec("1000"), Period: period(t, "2025-01")})

	calc, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	_, err = s.ValidateDecision(ctx, calc.CalculationID)
	require.NoError(t, err)
	plan, err := s.LatestPaymentPlan(ctx)
	require.NoError(t, err)
	_, err = s.ProcessPayments(ctx, plan.PaymentPlanID)
	require.NoError(t, err)

	incremental := tables(t, mem)
	for _, name := range s.Engine().Names() {
		_, err := s.RebuildProjection(ctx, name)
		require.NoError(t, err)
	}
	assert.Equal(t, incremental, tables(t, mem))
}

func TestProjections_RebuildUnknownName(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.RebuildProjection(context.Background(), "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// CHANGES / PLANS
// =============================================================================

func TestChanges_TracksStatus(t *testing.T) {
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()
	appendPayloads(t, log,
		ChangeCreated{ChangeID: "chg-1"},
		income("chg-1", "10", period(t, "2025-01")),
		ChangeCommitted{ChangeID: "chg-1", ResourceCount: 1},
	)
	require.NoError(t, engine.CatchUpAll(ctx))

	view, ok, err := getRow[ChangeView](ctx, mem, TableChanges, "chg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, view.Status)
	assert.Equal(t, 1, view.ResourceCount)
	assert.Equal(t, int64(3), view.LastSequenceID)

	open, err := mem.ByIndex(ctx, TableChanges, "status", string(StatusOpen))
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaymentPlans_ReplacedAndProcessed(t *testing.T) {
	ctx := context.Background()
	log, mem, engine := newProjectionEngine()
	payments := BuildPayments("plan-1", map[generic.Month]decimal.Decimal{jan2025: dec("100")}, nil, nil)
	appendPayloads(t, log,
		PaymentPlanPrepared{PaymentPlanID: "plan-1", DecisionID: "dec-1", CalculationID: "calc-1", Payments: payments},
		PaymentProcessed{PaymentPlanID: "plan-1", PaymentID: PaymentID("plan-1", jan2025), Month: jan2025, Amount: dec("100")},
		PaymentPlanReplaced{PaymentPlanID: "plan-1", ReplacedByPaymentPlanID: "plan-2", DecisionID: "dec-2"},
	)
	require.NoError(t, engine.CatchUpAll(ctx))

	plan, ok, err := getRow[PaymentPlan](ctx, mem, TablePaymentPlans, "plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PlanReplaced, plan.Status)
	assert.Equal(t, "plan-2", plan.ReplacedBy)
	assert.Equal(t, PaymentProcessedStatus, plan.Payments[jan2025].Status)
	assert.Equal(t, int64(1), plan.SequenceID)
}
