package welfare

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/generic/store"
)

// Calculate sums the Pushed resources per month and applies rate to the
// net of incomes minus expenses. Committed resources are not counted.
func Calculate(resources []Resource, rate decimal.Decimal) map[generic.Month]MonthlyCalculation {
	out := make(map[generic.Month]MonthlyCalculation)
	for _, r := range resources {
		if r.Status != ResourcePushed {
			continue
		}
		mc, ok := out[r.Month]
		if !ok {
			mc = MonthlyCalculation{Incomes: decimal.Zero, Expenses: decimal.Zero}
		}
		switch r.Type {
		case ResourceIncome:
			mc.Incomes = mc.Incomes.Add(r.Amount)
		case ResourceExpense:
			mc.Expenses = mc.Expenses.Add(r.Amount)
		}
		out[r.Month] = mc
	}
	for m, mc := range out {
		mc.NetAmount = mc.Incomes.Sub(mc.Expenses).Mul(rate)
		out[m] = mc
	}
	return out
}

// ResourcesAt rebuilds the resources table as it stood right after the event
// with sequence upTo, in a scratch memory store. Later pushes or cancels
// already in the log do not leak into a calculation for an earlier push.
func ResourcesAt(ctx context.Context, log *generic.EventLog, upTo int64) ([]Resource, error) {
	all, err := log.All(ctx)
	if err != nil {
		return nil, err
	}
	events := all
	for i, ev := range all {
		if ev.SequenceID > upTo {
			events = all[:i]
			break
		}
	}

	scratch := store.NewMemory()
	engine := generic.NewEngine(generic.NewEventLog(scratch), scratch, resourcesProjector{})
	if _, err := engine.ApplyEvents(ctx, TableResources, events); err != nil {
		return nil, err
	}
	rows, err := scratch.Rows(ctx, TableResources)
	if err != nil {
		return nil, err
	}
	return generic.DecodeRows[Resource](rows)
}
