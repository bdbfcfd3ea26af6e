package welfare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefit-engine/generic"
)

var salary1000 = ResourceInput{Description: "salary", Amount: dec("1000")}

func withPeriod(in ResourceInput, p generic.MonthRange) ResourceInput {
	in.Period = p
	return in
}

// =============================================================================
// CHANGE LIFECYCLE
// =============================================================================

func TestCreateChange_SingleOpen(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	first, err := s.CreateChange(ctx)
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	assert.Equal(t, TypeChangeCreated, first.First().Type)

	before := head(t, s)
	_, err = s.CreateChange(ctx)
	require.Error(t, err)
	assert.Equal(t, generic.RuleChangeAlreadyOpen, generic.RuleOf(err))
	assert.Equal(t, before, head(t, s), "a rejected command appends nothing")
}

func TestCreateChange_ConcurrentCallsOpenOneChange(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateChange(ctx)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, generic.IsRejection(err) || errors.Is(err, generic.ErrConcurrentModification), err)
	}
	assert.Equal(t, 1, succeeded)

	events, err := s.Log().All(ctx)
	require.NoError(t, err)
	created := 0
	for _, ev := range events {
		if ev.Type == TypeChangeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestCreateChange_AllowedOnceCommitted(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID
	draft, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01")))
	require.NoError(t, err)
	_, err = s.CommitChange(ctx, id, []generic.Event{draft})
	require.NoError(t, err)

	_, err = s.CreateChange(ctx)
	assert.NoError(t, err)
}

func TestAddIncome_ReturnsDraftWithoutAppending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	before := head(t, s)

	draft, err := s.AddIncome(ctx, created.First().AggregateID, withPeriod(salary1000, period(t, "2025-01..2025-03")))
	require.NoError(t, err)

	assert.Equal(t, TypeIncomeAdded, draft.Type)
	assert.Zero(t, draft.SequenceID)
	assert.NotEmpty(t, draft.EventUID)
	assert.Equal(t, before, head(t, s))
}

func TestAddExpense_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID

	cases := map[string]ResourceInput{
		"no description":  {Amount: dec("10"), Period: period(t, "2025-01")},
		"negative amount": {Description: "rent", Amount: dec("-1"), Period: period(t, "2025-01")},
		"no period":       {Description: "rent", Amount: dec("10")},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.AddExpense(ctx, id, in)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}

	_, err = s.AddExpense(ctx, "", ResourceInput{Description: "rent", Amount: dec("1"), Period: period(t, "2025-01")})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAddIncome_UnknownChange(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.AddIncome(context.Background(), "nope", withPeriod(salary1000, period(t, "2025-01")))
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestCommitChange_EmptyPendingIsInvalid(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)

	_, err = s.CommitChange(ctx, created.First().AggregateID, nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestCommitChange_RejectsDraftOfAnotherChange(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	draft, err := s.AddIncome(ctx, created.First().AggregateID, withPeriod(salary1000, period(t, "2025-01")))
	require.NoError(t, err)

	_, err = s.CommitChange(ctx, "other", []generic.Event{draft})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestCommitChange_RebuildsEnvelopeFromPayload(t *testing.T) {
	// GIVEN: a draft whose envelope was edited to point at another aggregate
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID
	draft, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01")))
	require.NoError(t, err)
	uid := draft.EventUID
	draft.AggregateID = "ghost"
	draft.ForeignKeys = []string{"ghost"}
	draft.CausationID = "ghost-cause"

	// WHEN: it is committed
	out, err := s.CommitChange(ctx, id, []generic.Event{draft})
	require.NoError(t, err)

	// THEN: the stored event carries the envelope derived from its payload
	stored := out.First()
	assert.Equal(t, uid, stored.EventUID)
	assert.Equal(t, id, stored.AggregateID)
	assert.NotContains(t, stored.ForeignKeys, "ghost")
	assert.Empty(t, stored.CausationID)

	// AND: no change named "ghost" came into existence
	status, err := Replay(ctx, s.Log(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)
	_, err = s.PushChange(ctx, "ghost")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestCommitChange_RevalidatesDraftPayload(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID

	tamper := func(t *testing.T, edit func(*IncomeAdded)) generic.Event {
		t.Helper()
		draft, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01")))
		require.NoError(t, err)
		p, err := DecodeAs[IncomeAdded](draft)
		require.NoError(t, err)
		edit(&p)
		draft.Payload, err = json.Marshal(p)
		require.NoError(t, err)
		return draft
	}

	tests := []struct {
		name  string
		draft func(t *testing.T) generic.Event
		field string
	}{
		{"negative amount", func(t *testing.T) generic.Event {
			return tamper(t, func(p *IncomeAdded) { p.Amount = dec("-5000") })
		}, "pending[0].amount"},
		{"no description", func(t *testing.T) generic.Event {
			return tamper(t, func(p *IncomeAdded) { p.Description = "" })
		}, "pending[0].description"},
		{"inverted period", func(t *testing.T) generic.Event {
			return tamper(t, func(p *IncomeAdded) { p.Period.Start, p.Period.End = p.Period.End.AddMonths(1), p.Period.Start })
		}, "pending[0].period"},
		{"garbled payload", func(t *testing.T) generic.Event {
			draft := tamper(t, func(*IncomeAdded) {})
			draft.Payload = json.RawMessage(`{"amount":`)
			return draft
		}, "pending[0].payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: a draft edited after it was issued
			draft := tt.draft(t)
			before := head(t, s)

			// WHEN: it is committed
			_, err := s.CommitChange(ctx, id, []generic.Event{draft})

			// THEN: it is a validation error and nothing is appended
			assert.ErrorIs(t, err, generic.ErrValidation)
			var ve *generic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, before, head(t, s))
		})
	}
}

func TestCommitChange_SameDraftTwiceIsDuplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID
	draft, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01")))
	require.NoError(t, err)

	out, err := s.CommitChange(ctx, id, []generic.Event{draft})
	require.NoError(t, err)
	assert.Equal(t, []generic.EventType{TypeIncomeAdded, TypeChangeCommitted}, eventTypes(out.Events))

	_, err = s.CommitChange(ctx, id, []generic.Event{draft})
	assert.ErrorIs(t, err, generic.ErrDuplicateEventUID)
}

func TestPushChange_RejectedWhileOpen(t *testing.T) {
	// GIVEN: an Open change that was never committed
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	before := head(t, s)

	// WHEN: pushed
	_, err = s.PushChange(ctx, created.First().AggregateID)

	// THEN: rejected, nothing appended
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrBusinessRule)
	assert.Equal(t, generic.RuleInvalidChangeStatus, generic.RuleOf(err))
	assert.Equal(t, before, head(t, s))
}

func TestCancelChange_DropsCommittedResources(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID
	draft, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01..2025-02")))
	require.NoError(t, err)
	_, err = s.CommitChange(ctx, id, []generic.Event{draft})
	require.NoError(t, err)

	resources, err := s.Resources(ctx, id)
	require.NoError(t, err)
	require.Len(t, resources, 2)

	_, err = s.CancelChange(ctx, id)
	require.NoError(t, err)

	resources, err = s.Resources(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, resources)

	view, err := s.Change(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)

	_, err = s.PushChange(ctx, id)
	assert.Equal(t, generic.RuleInvalidChangeStatus, generic.RuleOf(err))
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	// GIVEN: a change with an income of 1000 for January 2025, pushed
	changeID, pushed := pushedChange(t, s, withPeriod(salary1000, period(t, "2025-01..2025-01")))
	assert.Equal(t, []generic.EventType{TypeChangePushed}, eventTypes(pushed.Events))
	assert.Equal(t, []generic.EventType{TypeDataPushed, TypeCalculationPerformed}, eventTypes(pushed.Triggered))

	resources, err := s.Resources(ctx, changeID)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, ResourcePushed, resources[0].Status)

	// THEN: the calculation is 1000 * 0.10 for January
	calc, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	require.NotNil(t, calc)
	assert.Equal(t, changeID, calc.ChangeID)
	require.Len(t, calc.MonthlyCalculations, 1)
	jan := calc.MonthlyCalculations[jan2025]
	assertAmount(t, "1000", jan.Incomes)
	assertAmount(t, "0", jan.Expenses)
	assertAmount(t, "100", jan.NetAmount)

	// WHEN: the decision is validated
	validated, err := s.ValidateDecision(ctx, calc.CalculationID)
	require.NoError(t, err)
	assert.Empty(t, validated.Rejections)
	assert.Equal(t, []generic.EventType{TypeDecisionApproved, TypePaymentPlanPrepared}, eventTypes(validated.Triggered))

	decisions, err := s.Decisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].HasExistingPlan)
	assert.Equal(t, DecisionValidated, decisions[0].Status)

	plan, err := s.LatestPaymentPlan(ctx)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, decisions[0].DecisionID, plan.DecisionID)
	assert.Equal(t, PaymentToProcess, plan.Payments[jan2025].Status)
	assertAmount(t, "100", plan.Payments[jan2025].Amount)

	// WHEN: payments are processed
	processed, err := s.ProcessPayments(ctx, plan.PaymentPlanID)
	require.NoError(t, err)
	assert.Equal(t, []generic.EventType{TypePaymentProcessed}, eventTypes(processed.Events))
	assert.Equal(t, []generic.EventType{TypeTransactionProcessed}, eventTypes(processed.Triggered))

	// THEN: the January payment is Processed and the ledger is settled
	plan, err = s.LatestPaymentPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, PaymentProcessedStatus, plan.Payments[jan2025].Status)

	ledger, err := s.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assertAmount(t, "100", ledger[0].LatestToBePaid)
	assertAmount(t, "100", ledger[0].TotalProcessed)
	assertAmount(t, "0", ledger[0].Balance)

	entries, err := s.LedgerEntries(ctx, jan2025)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Nothing left to process.
	_, err = s.ProcessPayments(ctx, plan.PaymentPlanID)
	assert.Equal(t, generic.RuleNothingToProcess, generic.RuleOf(err))
}

func TestCalculation_SumsAllPushedResources(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	created, err := s.CreateChange(ctx)
	require.NoError(t, err)
	id := created.First().AggregateID
	inc, err := s.AddIncome(ctx, id, withPeriod(salary1000, period(t, "2025-01..2025-02")))
	require.NoError(t, err)
	exp, err := s.AddExpense(ctx, id, ResourceInput{Description: "rent", Amount: dec("400"), Period: period(t, "2025-02")})
	require.NoError(t, err)
	_, err = s.CommitChange(ctx, id, []generic.Event{inc, exp})
	require.NoError(t, err)
	_, err = s.PushChange(ctx, id)
	require.NoError(t, err)

	calc, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	assertAmount(t, "100", calc.MonthlyCalculations[jan2025].NetAmount)
	assertAmount(t, "400", calc.MonthlyCalculations[feb2025].Expenses)
	assertAmount(t, "60", calc.MonthlyCalculations[feb2025].NetAmount)
}

// =============================================================================
// DECISIONS AND RECONCILIATION
// =============================================================================

func decidedAndPaid(t *testing.T, s *Service) (*Calculation, *PaymentPlan) {
	t.Helper()
	ctx := context.Background()
	pushedChange(t, s, withPeriod(salary1000, period(t, "2025-01")))
	calc, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	_, err = s.ValidateDecision(ctx, calc.CalculationID)
	require.NoError(t, err)
	plan, err := s.LatestPaymentPlan(ctx)
	require.NoError(t, err)
	_, err = s.ProcessPayments(ctx, plan.PaymentPlanID)
	require.NoError(t, err)
	return calc, plan
}

func TestValidateDecision_Rejections(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.ValidateDecision(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	calc, _ := decidedAndPaid(t, s)
	before := head(t, s)

	_, err = s.ValidateDecision(ctx, calc.CalculationID)
	assert.Equal(t, generic.RuleDecisionExists, generic.RuleOf(err))
	assert.Equal(t, before, head(t, s))
}

func TestValidateDecision_ExistingPlanRequiresPlanReference(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	decidedAndPaid(t, s)

	pushedChange(t, s, withPeriod(ResourceInput{Description: "bonus", Amount: dec("2000")}, period(t, "2025-01")))
	calc2, err := s.LatestCalculation(ctx)
	require.NoError(t, err)

	_, err = s.ValidateDecision(ctx, calc2.CalculationID)
	assert.Equal(t, generic.RuleExistingPlan, generic.RuleOf(err))
}

func TestValidateDecision_StaleCalculation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	pushedChange(t, s, withPeriod(salary1000, period(t, "2025-01")))
	first, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	pushedChange(t, s, withPeriod(salary1000, period(t, "2025-02")))

	_, err = s.ValidateDecision(ctx, first.CalculationID)
	assert.ErrorIs(t, err, generic.ErrStaleReference)
}

func TestValidateDecisionWithExistingPlan_ReplacesPlan(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	// GIVEN: January paid 100 under plan 1
	_, plan1 := decidedAndPaid(t, s)

	// AND: a second change adding 2000 in January and 500 in February
	pushedChange(t, s,
		withPeriod(ResourceInput{Description: "bonus", Amount: dec("2000")}, period(t, "2025-01")),
		withPeriod(ResourceInput{Description: "side job", Amount: dec("500")}, period(t, "2025-02")),
	)
	calc2, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	assertAmount(t, "300", calc2.MonthlyCalculations[jan2025].NetAmount)

	// WHEN: validated against plan 1
	out, err := s.ValidateDecisionWithExistingPlan(ctx, calc2.CalculationID, plan1.PaymentPlanID)
	require.NoError(t, err)
	assert.Empty(t, out.Rejections)
	assert.Equal(t,
		[]generic.EventType{TypeDecisionApproved, TypePaymentPlanReplaced, TypePaymentPlanPreparedInReplacement},
		eventTypes(out.Triggered))

	// THEN: plan 2 pays only what plan 1 did not
	plans, err := s.PaymentPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, PlanReplaced, plans[0].Status)
	plan2 := plans[1]
	assert.Equal(t, plans[0].PaymentPlanID, plan2.PreviousPaymentPlanID)
	assert.Equal(t, plan2.PaymentPlanID, plans[0].ReplacedBy)
	assertAmount(t, "200", plan2.Payments[jan2025].Amount)
	assertAmount(t, "50", plan2.Payments[feb2025].Amount)

	decisions, err := s.Decisions(ctx)
	require.NoError(t, err)
	assert.True(t, decisions[len(decisions)-1].HasExistingPlan)

	// AND: the ledger supersedes January's amount to be paid
	ledger, err := s.Ledger(ctx)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assertAmount(t, "200", ledger[0].Balance)
	assertAmount(t, "50", ledger[1].Balance)
}

func TestValidateDecisionWithExistingPlan_StalePlan(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	decidedAndPaid(t, s)
	pushedChange(t, s, withPeriod(salary1000, period(t, "2025-02")))
	calc2, err := s.LatestCalculation(ctx)
	require.NoError(t, err)
	before := head(t, s)

	_, err = s.ValidateDecisionWithExistingPlan(ctx, calc2.CalculationID, "plan-from-yesterday")

	var stale *generic.StaleReferenceError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, KindPaymentPlan, stale.Kind)
	assert.Equal(t, before, head(t, s))
}

func TestReconcile_StalePlanAppendsNothing(t *testing.T) {
	// GIVEN: a decision and its plan
	ctx := context.Background()
	s, _ := newTestService(t)
	calc, _ := decidedAndPaid(t, s)
	decisions, err := s.Decisions(ctx)
	require.NoError(t, err)
	before := head(t, s)

	// WHEN: reconciling against a plan that is not the latest
	_, err = s.Reconcile(ctx, decisions[0].DecisionID, calc.CalculationID, "stale-plan")

	// THEN: StaleReferenceError, no replacement events
	assert.ErrorIs(t, err, generic.ErrStaleReference)
	assert.Equal(t, before, head(t, s))
	events, err := s.Events(ctx, 0)
	require.NoError(t, err)
	assert.NotContains(t, eventTypes(events), TypePaymentPlanReplaced)
	assert.NotContains(t, eventTypes(events), TypePaymentPlanPreparedInReplacement)
}

func TestReconcile_AgainstLatestPlan(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	calc, plan := decidedAndPaid(t, s)
	decisions, err := s.Decisions(ctx)
	require.NoError(t, err)

	out, err := s.Reconcile(ctx, decisions[0].DecisionID, calc.CalculationID, plan.PaymentPlanID)
	require.NoError(t, err)
	assert.Equal(t, []generic.EventType{TypePaymentPlanReplaced, TypePaymentPlanPreparedInReplacement}, eventTypes(out.Events))

	latest, err := s.LatestPaymentPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoPaymentToProcess, latest.Payments[jan2025].Status, "January is already fully paid")
}

func TestProcessPayments_StalePlan(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	calc, plan := decidedAndPaid(t, s)
	decisions, err := s.Decisions(ctx)
	require.NoError(t, err)
	_, err = s.Reconcile(ctx, decisions[0].DecisionID, calc.CalculationID, plan.PaymentPlanID)
	require.NoError(t, err)

	_, err = s.ProcessPayments(ctx, plan.PaymentPlanID)
	assert.ErrorIs(t, err, generic.ErrStaleReference)

	_, err = s.ProcessPayments(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// PIPELINE DELIVERY
// =============================================================================

func TestPipeline_RedeliveryProducesNothing(t *testing.T) {
	// GIVEN: a pushed change whose pipeline already ran
	ctx := context.Background()
	s, _ := newTestService(t)
	_, pushed := pushedChange(t, s, withPeriod(salary1000, period(t, "2025-01")))
	before := head(t, s)

	// WHEN: the same events are delivered again
	require.NoError(t, s.publish(ctx, pushed.Events...))
	require.NoError(t, s.publish(ctx, pushed.Triggered...))
	require.NoError(t, generic.FlushAll(ctx, s.domain, s.integration))

	// THEN: no handler appends a second output
	assert.Equal(t, before, head(t, s))
}

func TestPipeline_RejectionSurfacesInOutcome(t *testing.T) {
	// GIVEN: a decision approval referencing a plan that is not the latest
	ctx := context.Background()
	s, _ := newTestService(t)
	calc, _ := decidedAndPaid(t, s)
	stored := appendPayloads(t, s.Log(), DecisionCalculationValidatedWithExistingPlan{
		DecisionID:    "dec-manual",
		CalculationID: calc.CalculationID,
		ChangeID:      calc.ChangeID,
		PaymentPlanID: "not-the-latest",
	})

	// WHEN: the pipeline runs for it
	require.NoError(t, s.publish(ctx, stored...))
	err := generic.FlushAll(ctx, s.domain, s.integration)

	// THEN: the stale reference is reported, not swallowed
	rejections, failure := splitErrors(err)
	assert.NoError(t, failure)
	require.Len(t, rejections, 1)
	assert.ErrorIs(t, rejections[0], generic.ErrStaleReference)
}

func TestExecute_ConcurrentCommandsKeepTheirOwnRejections(t *testing.T) {
	// GIVEN: a service with a paid decision
	ctx := context.Background()
	s, _ := newTestService(t)
	calc, _ := decidedAndPaid(t, s)

	stale := func(i int) decideFunc {
		return func(context.Context) ([]generic.Event, error) {
			return newEvents(nil, DecisionCalculationValidatedWithExistingPlan{
				DecisionID:    fmt.Sprintf("dec-stale-%d", i),
				CalculationID: calc.CalculationID,
				ChangeID:      calc.ChangeID,
				PaymentPlanID: "not-the-latest",
			})
		}
	}
	quiet := func(i int) decideFunc {
		return func(context.Context) ([]generic.Event, error) {
			return newEvents(nil, ChangeCreated{ChangeID: fmt.Sprintf("chg-quiet-%d", i)})
		}
	}

	for i := 0; i < 20; i++ {
		// WHEN: a command whose pipeline is rejected runs alongside one
		// whose pipeline is clean
		var (
			wg                 sync.WaitGroup
			staleOut, quietOut Outcome
			staleErr, quietErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			staleOut, staleErr = s.execute(ctx, stale(i))
		}()
		go func() {
			defer wg.Done()
			quietOut, quietErr = s.execute(ctx, quiet(i))
		}()
		wg.Wait()

		// THEN: the rejection is reported only to the command that caused it
		require.NoError(t, staleErr)
		require.NoError(t, quietErr)
		require.Len(t, staleOut.Rejections, 1, "round %d", i)
		assert.ErrorIs(t, staleOut.Rejections[0], generic.ErrStaleReference)
		assert.Empty(t, quietOut.Rejections, "round %d", i)
		assert.NoError(t, quietOut.PipelineErr)
	}
}

func TestSplitErrors(t *testing.T) {
	rejection := generic.Reject(generic.RuleDecisionExists, "dup")
	failure := errors.New("disk on fire")
	rej, fail := splitErrors(errors.Join(errors.Join(rejection, failure), nil))
	assert.Equal(t, []error{rejection}, rej)
	assert.ErrorIs(t, fail, failure)

	rej, fail = splitErrors(nil)
	assert.Empty(t, rej)
	assert.NoError(t, fail)
}
