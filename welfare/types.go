/*
Package welfare implements the welfare-benefit lifecycle on top of the
generic event-sourcing engine.

PURPOSE:
  A Change collects income and expense lines for a household. Once pushed,
  the pushed data is turned into a monthly Calculation, a Decision validates
  it, a Payment Plan schedules what must be paid (or reimbursed) per month,
  payments are processed, and a Ledger keeps the per-month balance.

LIFECYCLE:
  createChange -> addIncome/addExpense (drafts) -> commitChange -> pushChange
    -> DataPushed -> CalculationPerformed
    -> validateDecision[WithExistingPlan] -> DecisionApprovedForPaymentReconciliation
    -> PaymentPlanPrepared[InReplacement] -> processPayments
    -> PaymentProcessed -> TransactionProcessed -> Ledger summary

KEY CONCEPTS IN THIS FILE (types.go):
  - ChangeStatus: Derived lifecycle state of a Change aggregate
  - Resource: One row of the resource view (event x month)
  - Calculation, Decision, PaymentPlan, LedgerEntry: Read-model records

SEE ALSO:
  - events.go: The closed set of event payloads
  - projections.go: Read models built from the log
  - service.go: Command-facing surface
*/
package welfare

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
)

// DefaultBenefitRate is the share of the net resources paid as benefit.
var DefaultBenefitRate = decimal.RequireFromString("0.10")

// =============================================================================
// CHANGE
// =============================================================================

// ChangeStatus is the lifecycle state of a Change.
type ChangeStatus string

const (
	StatusNone      ChangeStatus = "None"
	StatusOpen      ChangeStatus = "Open"
	StatusCommitted ChangeStatus = "Committed"
	StatusPushed    ChangeStatus = "Pushed"
	StatusCancelled ChangeStatus = "Cancelled"
	StatusUnknown   ChangeStatus = "Unknown"
)

// ChangeView is a row of the changes projection.
type ChangeView struct {
	ChangeID       string       `json:"changeId"`
	Status         ChangeStatus `json:"status"`
	ResourceCount  int          `json:"resourceCount"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastSequenceID int64        `json:"lastSequenceId"`
}

// =============================================================================
// RESOURCES
// =============================================================================

// ResourceType distinguishes incomes from expenses.
type ResourceType string

const (
	ResourceIncome  ResourceType = "Income"
	ResourceExpense ResourceType = "Expense"
)

// ResourceStatus only ever advances Committed -> Pushed.
type ResourceStatus string

const (
	ResourceCommitted ResourceStatus = "Committed"
	ResourcePushed    ResourceStatus = "Pushed"
)

// Resource is one (originating event, month) row of the resources projection.
type Resource struct {
	Key           string          `json:"key"`
	Month         generic.Month   `json:"month"`
	Type          ResourceType    `json:"type"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	ChangeID      string          `json:"changeId"`
	Status        ResourceStatus  `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceEventID int64           `json:"sourceEventId"`
	PushedBy      int64           `json:"pushedBy,omitempty"`
}

// =============================================================================
// CALCULATION
// =============================================================================

// MonthlyCalculation is the result for one month.
type MonthlyCalculation struct {
	Incomes   decimal.Decimal `json:"incomes"`
	Expenses  decimal.Decimal `json:"expenses"`
	NetAmount decimal.Decimal `json:"netAmount"`
}

// Calculation is a row of the calculations projection.
type Calculation struct {
	CalculationID       string                               `json:"calculationId"`
	ChangeID            string                               `json:"changeId"`
	MonthlyCalculations map[generic.Month]MonthlyCalculation `json:"monthlyCalculations"`
	Timestamp           time.Time                            `json:"timestamp"`
	SequenceID          int64                                `json:"sequenceId"`
}

// =============================================================================
// DECISION
// =============================================================================

// DecisionStatus tells whether a decision was taken against an existing plan.
type DecisionStatus string

const (
	DecisionValidated                 DecisionStatus = "Validated"
	DecisionValidatedWithExistingPlan DecisionStatus = "ValidatedWithExistingPlan"
)

// Decision is a row of the decisions projection. Unique per CalculationID.
type Decision struct {
	DecisionID      string         `json:"decisionId"`
	CalculationID   string         `json:"calculationId"`
	ChangeID        string         `json:"changeId"`
	Status          DecisionStatus `json:"status"`
	HasExistingPlan bool           `json:"hasExistingPlan"`
	PaymentPlanID   string         `json:"paymentPlanId,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	SequenceID      int64          `json:"sequenceId"`
}

// =============================================================================
// PAYMENT PLAN
// =============================================================================

// PaymentStatus is the state of one month of a plan.
type PaymentStatus string

const (
	PaymentToProcess       PaymentStatus = "PaymentToProcess"
	ReimbursementToProcess PaymentStatus = "ReimbursementToProcess"
	NoPaymentToProcess     PaymentStatus = "NoPaymentToProcess"
	PaymentProcessedStatus PaymentStatus = "Processed"
)

// Pending reports whether the payment still has to be processed.
func (s PaymentStatus) Pending() bool {
	return s == PaymentToProcess || s == ReimbursementToProcess
}

// Payment is one month of a plan.
type Payment struct {
	PaymentID   string          `json:"paymentId"`
	Amount      decimal.Decimal `json:"amount"`
	PaymentDate time.Time       `json:"paymentDate"`
	Status      PaymentStatus   `json:"status"`
}

// PlanStatus tells whether a plan is the current one.
type PlanStatus string

const (
	PlanActive   PlanStatus = "Active"
	PlanReplaced PlanStatus = "Replaced"
)

// PaymentPlan is a row of the payment-plans projection.
type PaymentPlan struct {
	PaymentPlanID         string                    `json:"paymentPlanId"`
	DecisionID            string                    `json:"decisionId"`
	CalculationID         string                    `json:"calculationId"`
	PreviousPaymentPlanID string                    `json:"previousPaymentPlanId,omitempty"`
	ReplacedBy            string                    `json:"replacedBy,omitempty"`
	Status                PlanStatus                `json:"status"`
	Payments              map[generic.Month]Payment `json:"payments"`
	Timestamp             time.Time                 `json:"timestamp"`
	SequenceID            int64                     `json:"sequenceId"`
}

// PaymentID is the deterministic id of a plan's payment for month m.
func PaymentID(planID string, m generic.Month) string {
	return planID + "-" + m.String()
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryType is the kind of a ledger row.
type LedgerEntryType string

const (
	EntryToBePaid  LedgerEntryType = "ToBePaid"
	EntryProcessed LedgerEntryType = "Processed"
	EntrySummary   LedgerEntryType = "Summary"

	// EntryCalculation is a legacy name of ToBePaid; it is superseded like one.
	EntryCalculation LedgerEntryType = "Calculation"
)

// LedgerEntry is an amount owed (ToBePaid) or paid (Processed) for a month.
type LedgerEntry struct {
	Type        LedgerEntryType `json:"type"`
	Month       generic.Month   `json:"month"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"referenceId"`
	Timestamp   time.Time       `json:"timestamp"`
	SequenceID  int64           `json:"sequenceId"`
}

// LedgerSummary is the derived per-month balance.
type LedgerSummary struct {
	Type           LedgerEntryType `json:"type"`
	Month          generic.Month   `json:"month"`
	LatestToBePaid decimal.Decimal `json:"latestToBePaid"`
	TotalProcessed decimal.Decimal `json:"totalProcessed"`
	Balance        decimal.Decimal `json:"balance"`
}
