package welfare

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var jan2025 = generic.NewMonth(2025, time.January)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func period(t *testing.T, s string) generic.MonthRange {
	t.Helper()
	r, err := generic.ParseMonthRange(s)
	require.NoError(t, err)
	return r
}

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewService(generic.NewEventLog(mem), mem, Config{}), mem
}

// pushedChange runs create -> add incomes -> commit -> push and returns the
// change id and the push outcome.
func pushedChange(t *testing.T, s *Service, incomes ...ResourceInput) (string, Outcome) {
	t.Helper()
	ctx := context.Background()

	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	changeID := created.First().AggregateID

	var pending []generic.Event
	for _, in := range incomes {
		draft, err := s.AddIncome(ctx, changeID, in)
		require.NoError(t, err)
		pending = append(pending, draft)
	}
	_, err = s.CommitChange(ctx, changeID, pending)
	require.NoError(t, err)

	pushed, err := s.PushChange(ctx, changeID)
	require.NoError(t, err)
	require.Empty(t, pushed.Rejections)
	require.NoError(t, pushed.PipelineErr)
	return changeID, pushed
}

func head(t *testing.T, s *Service) int64 {
	t.Helper()
	h, err := s.Log().Head(context.Background())
	require.NoError(t, err)
	return h
}

func eventTypes(events []generic.Event) []generic.EventType {
	out := make([]generic.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// appendPayloads appends payloads straight to the log, bypassing commands.
func appendPayloads(t *testing.T, log *generic.EventLog, payloads ...Payload) []generic.Event {
	t.Helper()
	events, err := newEvents(nil, payloads...)
	require.NoError(t, err)
	stored, err := log.AppendBatch(context.Background(), events...)
	require.NoError(t, err)
	return stored
}

func income(changeID, amount string, p generic.MonthRange) IncomeAdded {
	return IncomeAdded{ResourceAdded{ChangeID: changeID, Description: "salary", Amount: dec(amount), Period: p}}
}

func expense(changeID, amount string, p generic.MonthRange) ExpenseAdded {
	return ExpenseAdded{ResourceAdded{ChangeID: changeID, Description: "rent", Amount: dec(amount), Period: p}}
}
