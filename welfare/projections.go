/*
projections.go - Read models of the welfare domain

PURPOSE:
  Every user-visible view is a table derived from the log by the generic
  projection engine. Each projector below only says how one event changes
  its table; the engine provides idempotence, atomicity and rebuild.

TABLES:
  changes:        one row per Change (status, used for the single-open rule)
  resources:      one row per (income/expense event, month)
  calculations:   one row per CalculationPerformed
  decisions:      one row per decision, indexed by calculation
  payment-plans:  one row per plan, payments updated as they are processed
  ledger:         ToBePaid / Processed entries and a Summary row per month

ROW KEYS:
  Always derived from the event: "{sequenceId}-{month}" for resources,
  aggregate ids elsewhere, "{type}-{month}-{reference}" for ledger entries.

SEE ALSO:
  - generic/projection.go: The engine
  - ledger.go: Summary recomputation
*/
package welfare

import (
	"context"
	"fmt"

	"github.com/warp/benefit-engine/generic"
)

// Projection (table) names.
const (
	TableChanges      = "changes"
	TableResources    = "resources"
	TableCalculations = "calculations"
	TableDecisions    = "decisions"
	TablePaymentPlans = "payment-plans"
	TableLedger       = "ledger"
)

// globalPartition is used by tables whose rows are not split by aggregate.
const globalPartition = "all"

// Projectors returns every read model of the domain.
func Projectors() []generic.Projector {
	return []generic.Projector{
		changesProjector{},
		resourcesProjector{},
		calculationsProjector{},
		decisionsProjector{},
		paymentPlansProjector{},
		ledgerProjector{},
	}
}

func upsert(ctx context.Context, tx generic.ProjectionTx, table, key string, indexes map[string]string, v any) error {
	row, err := generic.NewRow(key, indexes, v)
	if err != nil {
		return err
	}
	return tx.Upsert(ctx, table, row)
}

func getRow[T any](ctx context.Context, r generic.ProjectionReader, table, key string) (T, bool, error) {
	var zero T
	row, ok, err := r.Get(ctx, table, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := generic.DecodeRow[T](row)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// =============================================================================
// CHANGES
// =============================================================================

type changesProjector struct{}

func (changesProjector) Name() string { return TableChanges }

func (changesProjector) Handles(t generic.EventType) bool {
	_, ok := statusOf(t)
	return ok
}

func (changesProjector) Partition(ev generic.Event) string { return ev.AggregateID }

func (p changesProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	status, _ := statusOf(ev.Type)
	view, ok, err := getRow[ChangeView](ctx, tx, TableChanges, ev.AggregateID)
	if err != nil {
		return err
	}
	if !ok {
		view = ChangeView{ChangeID: ev.AggregateID, CreatedAt: ev.Timestamp}
	}
	view.Status = status
	view.UpdatedAt = ev.Timestamp
	view.LastSequenceID = ev.SequenceID
	if ev.Type == TypeIncomeAdded || ev.Type == TypeExpenseAdded {
		view.ResourceCount++
	}
	return upsert(ctx, tx, TableChanges, view.ChangeID, map[string]string{"status": string(status)}, view)
}

// =============================================================================
// RESOURCES
// =============================================================================

type resourcesProjector struct{}

func (resourcesProjector) Name() string { return TableResources }

func (resourcesProjector) Handles(t generic.EventType) bool {
	switch t {
	case TypeIncomeAdded, TypeExpenseAdded, TypeChangePushed, TypeChangeCancelled:
		return true
	}
	return false
}

func (resourcesProjector) Partition(ev generic.Event) string { return ev.AggregateID }

func (p resourcesProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	payload, err := Decode(ev)
	if err != nil {
		return err
	}
	switch e := payload.(type) {
	case IncomeAdded:
		return p.add(ctx, tx, ev, ResourceIncome, e.ResourceAdded)
	case ExpenseAdded:
		return p.add(ctx, tx, ev, ResourceExpense, e.ResourceAdded)
	case ChangePushed:
		return p.push(ctx, tx, ev, e.ChangeID)
	case ChangeCancelled:
		return p.cancel(ctx, tx, ev, e.ChangeID)
	}
	return nil
}

func resourceIndexes(r Resource) map[string]string {
	return map[string]string{
		"changeId": r.ChangeID,
		"status":   string(r.Status),
		"month":    r.Month.String(),
	}
}

func (resourcesProjector) add(ctx context.Context, tx generic.ProjectionTx, ev generic.Event, typ ResourceType, body ResourceAdded) error {
	for _, m := range body.Period.Months() {
		key := fmt.Sprintf("%d-%s", ev.SequenceID, m)
		existing, ok, err := getRow[Resource](ctx, tx, TableResources, key)
		if err != nil {
			return err
		}
		if ok && existing.Status != ResourceCommitted {
			// Never regress a pushed row.
			continue
		}
		r := Resource{
			Key:           key,
			Month:         m,
			Type:          typ,
			Description:   body.Description,
			Amount:        body.Amount,
			ChangeID:      body.ChangeID,
			Status:        ResourceCommitted,
			Timestamp:     ev.Timestamp,
			SourceEventID: ev.SequenceID,
		}
		if err := upsert(ctx, tx, TableResources, key, resourceIndexes(r), r); err != nil {
			return err
		}
	}
	return nil
}

// committedBefore returns the Committed rows of a change that predate seq.
func committedBefore(ctx context.Context, r generic.ProjectionReader, changeID string, seq int64) ([]Resource, error) {
	rows, err := r.ByIndex(ctx, TableResources, "changeId", changeID)
	if err != nil {
		return nil, err
	}
	resources, err := generic.DecodeRows[Resource](rows)
	if err != nil {
		return nil, err
	}
	var out []Resource
	for _, res := range resources {
		if res.Status == ResourceCommitted && res.SourceEventID < seq {
			out = append(out, res)
		}
	}
	return out, nil
}

func (resourcesProjector) push(ctx context.Context, tx generic.ProjectionTx, ev generic.Event, changeID string) error {
	rows, err := committedBefore(ctx, tx, changeID, ev.SequenceID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		r.Status = ResourcePushed
		r.PushedBy = ev.SequenceID
		if err := upsert(ctx, tx, TableResources, r.Key, resourceIndexes(r), r); err != nil {
			return err
		}
	}
	return nil
}

func (resourcesProjector) cancel(ctx context.Context, tx generic.ProjectionTx, ev generic.Event, changeID string) error {
	rows, err := committedBefore(ctx, tx, changeID, ev.SequenceID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := tx.Delete(ctx, TableResources, r.Key); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// CALCULATIONS
// =============================================================================

type calculationsProjector struct{}

func (calculationsProjector) Name() string { return TableCalculations }

func (calculationsProjector) Handles(t generic.EventType) bool {
	return t == TypeCalculationPerformed
}

func (calculationsProjector) Partition(generic.Event) string { return globalPartition }

func (calculationsProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	e, err := DecodeAs[CalculationPerformed](ev)
	if err != nil {
		return err
	}
	c := Calculation{
		CalculationID:       e.CalculationID,
		ChangeID:            e.ChangeID,
		MonthlyCalculations: e.MonthlyCalculations,
		Timestamp:           ev.Timestamp,
		SequenceID:          ev.SequenceID,
	}
	return upsert(ctx, tx, TableCalculations, c.CalculationID, map[string]string{"changeId": c.ChangeID}, c)
}

// =============================================================================
// DECISIONS
// =============================================================================

type decisionsProjector struct{}

func (decisionsProjector) Name() string { return TableDecisions }

func (decisionsProjector) Handles(t generic.EventType) bool {
	return t == TypeDecisionValidated || t == TypeDecisionValidatedWithExistingPlan
}

func (decisionsProjector) Partition(generic.Event) string { return globalPartition }

func (decisionsProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	payload, err := Decode(ev)
	if err != nil {
		return err
	}
	d := Decision{Timestamp: ev.Timestamp, SequenceID: ev.SequenceID}
	switch e := payload.(type) {
	case DecisionCalculationValidated:
		d.DecisionID, d.CalculationID, d.ChangeID = e.DecisionID, e.CalculationID, e.ChangeID
		d.Status = DecisionValidated
	case DecisionCalculationValidatedWithExistingPlan:
		d.DecisionID, d.CalculationID, d.ChangeID = e.DecisionID, e.CalculationID, e.ChangeID
		d.Status = DecisionValidatedWithExistingPlan
		d.HasExistingPlan = true
		d.PaymentPlanID = e.PaymentPlanID
	}
	return upsert(ctx, tx, TableDecisions, d.DecisionID, map[string]string{"calculationId": d.CalculationID}, d)
}

// =============================================================================
// PAYMENT PLANS
// =============================================================================

type paymentPlansProjector struct{}

func (paymentPlansProjector) Name() string { return TablePaymentPlans }

func (paymentPlansProjector) Handles(t generic.EventType) bool {
	switch t {
	case TypePaymentPlanPrepared, TypePaymentPlanReplaced, TypePaymentPlanPreparedInReplacement, TypePaymentProcessed:
		return true
	}
	return false
}

func (paymentPlansProjector) Partition(generic.Event) string { return globalPartition }

func planIndexes(p PaymentPlan) map[string]string {
	return map[string]string{"decisionId": p.DecisionID, "status": string(p.Status)}
}

func (paymentPlansProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	payload, err := Decode(ev)
	if err != nil {
		return err
	}

	var plan PaymentPlan
	switch e := payload.(type) {
	case PaymentPlanPrepared:
		plan = PaymentPlan{
			PaymentPlanID: e.PaymentPlanID,
			DecisionID:    e.DecisionID,
			CalculationID: e.CalculationID,
			Status:        PlanActive,
			Payments:      e.Payments,
			Timestamp:     ev.Timestamp,
			SequenceID:    ev.SequenceID,
		}
	case PaymentPlanPreparedInReplacement:
		plan = PaymentPlan{
			PaymentPlanID:         e.PaymentPlanID,
			DecisionID:            e.DecisionID,
			CalculationID:         e.CalculationID,
			PreviousPaymentPlanID: e.PreviousPaymentPlanID,
			Status:                PlanActive,
			Payments:              e.Payments,
			Timestamp:             ev.Timestamp,
			SequenceID:            ev.SequenceID,
		}
	case PaymentPlanReplaced:
		var ok bool
		plan, ok, err = getRow[PaymentPlan](ctx, tx, TablePaymentPlans, e.PaymentPlanID)
		if err != nil || !ok {
			return err
		}
		plan.Status = PlanReplaced
		plan.ReplacedBy = e.ReplacedByPaymentPlanID
	case PaymentProcessed:
		var ok bool
		plan, ok, err = getRow[PaymentPlan](ctx, tx, TablePaymentPlans, e.PaymentPlanID)
		if err != nil || !ok {
			return err
		}
		payment, ok := plan.Payments[e.Month]
		if !ok {
			return nil
		}
		payment.Status = PaymentProcessedStatus
		plan.Payments[e.Month] = payment
	default:
		return nil
	}
	return upsert(ctx, tx, TablePaymentPlans, plan.PaymentPlanID, planIndexes(plan), plan)
}

// =============================================================================
// LEDGER
// =============================================================================

type ledgerProjector struct{}

func (ledgerProjector) Name() string { return TableLedger }

func (ledgerProjector) Handles(t generic.EventType) bool {
	return t == TypeDecisionApproved || t == TypeTransactionProcessed
}

func (ledgerProjector) Partition(generic.Event) string { return globalPartition }

func (ledgerProjector) Apply(ctx context.Context, tx generic.ProjectionTx, ev generic.Event) error {
	payload, err := Decode(ev)
	if err != nil {
		return err
	}
	switch e := payload.(type) {
	case DecisionApprovedForPaymentReconciliation:
		for _, m := range sortedMonths(e.Amounts) {
			entry := LedgerEntry{
				Type:        EntryToBePaid,
				Month:       m,
				Amount:      e.Amounts[m],
				ReferenceID: e.DecisionID,
				Timestamp:   ev.Timestamp,
				SequenceID:  ev.SequenceID,
			}
			if err := RecordEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
	case TransactionProcessed:
		return RecordEntry(ctx, tx, LedgerEntry{
			Type:        EntryProcessed,
			Month:       e.Month,
			Amount:      e.Amount,
			ReferenceID: e.TransactionID,
			Timestamp:   ev.Timestamp,
			SequenceID:  ev.SequenceID,
		})
	}
	return nil
}
