/*
reconcile.go - Payment-plan reconciliation

PURPOSE:
  Turns the net amounts of a validated calculation into the payments of a
  plan. When a plan already exists, the new plan replaces it and only pays
  what was not paid yet.

ALGORITHM (per month of calculation ∪ current plan ∪ processed history):
  newAmount = calculated net amount - total already processed for the month

  newAmount < 0   -> ReimbursementToProcess
  newAmount == 0  -> NoPaymentToProcess
  newAmount > 0   -> PaymentToProcess

  A month only present in the old plan gets a calculated amount of zero, so
  whatever was paid for it is reimbursed.

OPTIMISTIC CONCURRENCY:
  A replacement names the plan it replaces. It is accepted only while that
  plan is still the latest one; otherwise a StaleReferenceError is returned
  and nothing is appended.

SEE ALSO:
  - service.go: Reconcile, ValidateDecisionWithExistingPlan
  - pipeline.go: DecisionApprovedForPaymentReconciliation handler
*/
package welfare

import (
	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
)

// Classify returns the status of a payment of amount.
func Classify(amount decimal.Decimal) PaymentStatus {
	switch amount.Sign() {
	case -1:
		return ReimbursementToProcess
	case 0:
		return NoPaymentToProcess
	}
	return PaymentToProcess
}

// ProcessedTotals sums the processed payments of every plan per month.
func ProcessedTotals(plans []PaymentPlan) map[generic.Month]decimal.Decimal {
	out := make(map[generic.Month]decimal.Decimal)
	for _, plan := range plans {
		for m, p := range plan.Payments {
			if p.Status != PaymentProcessedStatus {
				continue
			}
			out[m] = out[m].Add(p.Amount)
		}
	}
	return out
}

// BuildPayments computes the payments of plan planID.
//   - amounts: calculated net amount per month
//   - current: the plan being replaced, nil for a first plan
//   - processed: amounts already processed per month, across all plans
func BuildPayments(planID string, amounts map[generic.Month]decimal.Decimal, current *PaymentPlan, processed map[generic.Month]decimal.Decimal) map[generic.Month]Payment {
	months := make(map[generic.Month]struct{})
	for m := range amounts {
		months[m] = struct{}{}
	}
	if current != nil {
		for m := range current.Payments {
			months[m] = struct{}{}
		}
	}
	for m := range processed {
		months[m] = struct{}{}
	}

	payments := make(map[generic.Month]Payment, len(months))
	for m := range months {
		amount := amounts[m].Sub(processed[m])
		payments[m] = Payment{
			PaymentID:   PaymentID(planID, m),
			Amount:      amount,
			PaymentDate: m.FirstDay(),
			Status:      Classify(amount),
		}
	}
	return payments
}

// netAmounts extracts the amount to pay per month from a calculation.
func netAmounts(c Calculation) map[generic.Month]decimal.Decimal {
	out := make(map[generic.Month]decimal.Decimal, len(c.MonthlyCalculations))
	for m, mc := range c.MonthlyCalculations {
		out[m] = mc.NetAmount
	}
	return out
}

// planState is what reconciliation reads before deciding.
type planState struct {
	calculation *Calculation
	latest      *PaymentPlan
	plans       []PaymentPlan
}

// checkReferences rejects a reconciliation whose calculation or plan
// reference is no longer the latest one.
func (st planState) checkReferences(calculationID, currentPlanID string) error {
	latestCalc := ""
	if st.calculation != nil {
		latestCalc = st.calculation.CalculationID
	}
	if calculationID != latestCalc {
		return &generic.StaleReferenceError{Kind: KindCalculation, Expected: calculationID, Actual: latestCalc}
	}
	latestPlan := ""
	if st.latest != nil {
		latestPlan = st.latest.PaymentPlanID
	}
	if currentPlanID != latestPlan {
		return &generic.StaleReferenceError{Kind: KindPaymentPlan, Expected: currentPlanID, Actual: latestPlan}
	}
	return nil
}

// replacement builds the PaymentPlanReplaced / PaymentPlanPreparedInReplacement
// pair, or a single PaymentPlanPrepared when there is no plan yet.
func (st planState) replacement(newPlanID, decisionID string, amounts map[generic.Month]decimal.Decimal) []Payload {
	payments := BuildPayments(newPlanID, amounts, st.latest, ProcessedTotals(st.plans))
	if st.latest == nil {
		return []Payload{PaymentPlanPrepared{
			PaymentPlanID: newPlanID,
			DecisionID:    decisionID,
			CalculationID: st.calculation.CalculationID,
			Payments:      payments,
		}}
	}
	return []Payload{
		PaymentPlanReplaced{
			PaymentPlanID:           st.latest.PaymentPlanID,
			ReplacedByPaymentPlanID: newPlanID,
			DecisionID:              decisionID,
		},
		PaymentPlanPreparedInReplacement{
			PaymentPlanID:         newPlanID,
			PreviousPaymentPlanID: st.latest.PaymentPlanID,
			DecisionID:            decisionID,
			CalculationID:         st.calculation.CalculationID,
			Payments:              payments,
		},
	}
}
