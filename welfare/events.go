package welfare

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

const (
	TypeChangeCreated   generic.EventType = "ChangeCreated"
	TypeIncomeAdded     generic.EventType = "IncomeAdded"
	TypeExpenseAdded    generic.EventType = "ExpenseAdded"
	TypeChangeCommitted generic.EventType = "ChangeCommitted"
	TypeChangePushed    generic.EventType = "ChangePushed"
	TypeChangeCancelled generic.EventType = "ChangeCancelled"

	TypeDataPushed           generic.EventType = "DataPushed"
	TypeCalculationPerformed generic.EventType = "CalculationPerformed"

	TypeDecisionValidated                 generic.EventType = "DecisionCalculationValidated"
	TypeDecisionValidatedWithExistingPlan generic.EventType = "DecisionCalculationValidatedWithExistingPlan"
	TypeDecisionApproved                  generic.EventType = "DecisionApprovedForPaymentReconciliation"

	TypePaymentPlanPrepared              generic.EventType = "PaymentPlanPrepared"
	TypePaymentPlanReplaced              generic.EventType = "PaymentPlanReplaced"
	TypePaymentPlanPreparedInReplacement generic.EventType = "PaymentPlanPreparedInReplacement"
	TypePaymentProcessed                 generic.EventType = "PaymentProcessed"
	TypeTransactionProcessed             generic.EventType = "TransactionProcessed"
)

// Aggregate kinds.
const (
	KindChange      = "change"
	KindCalculation = "calculation"
	KindDecision    = "decision"
	KindPaymentPlan = "paymentPlan"
	KindTransaction = "transaction"
)

// IsIntegration reports whether events of type t travel on the integration bus.
func IsIntegration(t generic.EventType) bool {
	switch t {
	case TypeDataPushed, TypeCalculationPerformed, TypeDecisionApproved, TypeTransactionProcessed:
		return true
	}
	return false
}

// =============================================================================
// PAYLOADS - one variant per event type
// =============================================================================

// Payload is the closed set of event payloads. Only this package can add
// variants.
type Payload interface {
	EventType() generic.EventType
	aggregate() (kind, id string)
	foreignKeys() []string
}

type ChangeCreated struct {
	ChangeID string `json:"changeId"`
}

// ResourceAdded is the shared body of IncomeAdded and ExpenseAdded. Amount
// applies to every month of Period.
type ResourceAdded struct {
	ChangeID    string             `json:"changeId"`
	Description string             `json:"description"`
	Amount      decimal.Decimal    `json:"amount"`
	Period      generic.MonthRange `json:"period"`
}

type IncomeAdded struct {
	ResourceAdded
}

type ExpenseAdded struct {
	ResourceAdded
}

type ChangeCommitted struct {
	ChangeID      string `json:"changeId"`
	ResourceCount int    `json:"resourceCount"`
}

type ChangePushed struct {
	ChangeID string `json:"changeId"`
}

type ChangeCancelled struct {
	ChangeID string `json:"changeId"`
}

type DataPushed struct {
	ChangeID       string `json:"changeId"`
	PushSequenceID int64  `json:"pushSequenceId"`
}

type CalculationPerformed struct {
	CalculationID       string                               `json:"calculationId"`
	ChangeID            string                               `json:"changeId"`
	MonthlyCalculations map[generic.Month]MonthlyCalculation `json:"monthlyCalculations"`
}

type DecisionCalculationValidated struct {
	DecisionID    string `json:"decisionId"`
	CalculationID string `json:"calculationId"`
	ChangeID      string `json:"changeId"`
}

type DecisionCalculationValidatedWithExistingPlan struct {
	DecisionID    string `json:"decisionId"`
	CalculationID string `json:"calculationId"`
	ChangeID      string `json:"changeId"`
	PaymentPlanID string `json:"paymentPlanId"`
}

// DecisionApprovedForPaymentReconciliation carries the monthly net amounts
// the payment plan must honour. PaymentPlanID is the plan to reconcile
// against, empty for a first plan.
type DecisionApprovedForPaymentReconciliation struct {
	DecisionID    string                            `json:"decisionId"`
	CalculationID string                            `json:"calculationId"`
	ChangeID      string                            `json:"changeId"`
	PaymentPlanID string                            `json:"paymentPlanId,omitempty"`
	Amounts       map[generic.Month]decimal.Decimal `json:"amounts"`
}

type PaymentPlanPrepared struct {
	PaymentPlanID string                    `json:"paymentPlanId"`
	DecisionID    string                    `json:"decisionId"`
	CalculationID string                    `json:"calculationId"`
	Payments      map[generic.Month]Payment `json:"payments"`
}

type PaymentPlanReplaced struct {
	PaymentPlanID           string `json:"paymentPlanId"`
	ReplacedByPaymentPlanID string `json:"replacedByPaymentPlanId"`
	DecisionID              string `json:"decisionId"`
}

type PaymentPlanPreparedInReplacement struct {
	PaymentPlanID         string                    `json:"paymentPlanId"`
	PreviousPaymentPlanID string                    `json:"previousPaymentPlanId"`
	DecisionID            string                    `json:"decisionId"`
	CalculationID         string                    `json:"calculationId"`
	Payments              map[generic.Month]Payment `json:"payments"`
}

type PaymentProcessed struct {
	PaymentPlanID string          `json:"paymentPlanId"`
	PaymentID     string          `json:"paymentId"`
	Month         generic.Month   `json:"month"`
	Amount        decimal.Decimal `json:"amount"`
}

type TransactionProcessed struct {
	TransactionID string          `json:"transactionId"`
	PaymentPlanID string          `json:"paymentPlanId"`
	PaymentID     string          `json:"paymentId"`
	Month         generic.Month   `json:"month"`
	Amount        decimal.Decimal `json:"amount"`
}

func (ChangeCreated) EventType() generic.EventType   { return TypeChangeCreated }
func (IncomeAdded) EventType() generic.EventType     { return TypeIncomeAdded }
func (ExpenseAdded) EventType() generic.EventType    { return TypeExpenseAdded }
func (ChangeCommitted) EventType() generic.EventType { return TypeChangeCommitted }
func (ChangePushed) EventType() generic.EventType    { return TypeChangePushed }
func (ChangeCancelled) EventType() generic.EventType { return TypeChangeCancelled }
func (DataPushed) EventType() generic.EventType      { return TypeDataPushed }
func (CalculationPerformed) EventType() generic.EventType {
	return TypeCalculationPerformed
}
func (DecisionCalculationValidated) EventType() generic.EventType {
	return TypeDecisionValidated
}
func (DecisionCalculationValidatedWithExistingPlan) EventType() generic.EventType {
	return TypeDecisionValidatedWithExistingPlan
}
func (DecisionApprovedForPaymentReconciliation) EventType() generic.EventType {
	return TypeDecisionApproved
}
func (PaymentPlanPrepared) EventType() generic.EventType { return TypePaymentPlanPrepared }
func (PaymentPlanReplaced) EventType() generic.EventType { return TypePaymentPlanReplaced }
func (PaymentPlanPreparedInReplacement) EventType() generic.EventType {
	return TypePaymentPlanPreparedInReplacement
}
func (PaymentProcessed) EventType() generic.EventType     { return TypePaymentProcessed }
func (TransactionProcessed) EventType() generic.EventType { return TypeTransactionProcessed }

func (p ChangeCreated) aggregate() (string, string)   { return KindChange, p.ChangeID }
func (p IncomeAdded) aggregate() (string, string)     { return KindChange, p.ChangeID }
func (p ExpenseAdded) aggregate() (string, string)    { return KindChange, p.ChangeID }
func (p ChangeCommitted) aggregate() (string, string) { return KindChange, p.ChangeID }
func (p ChangePushed) aggregate() (string, string)    { return KindChange, p.ChangeID }
func (p ChangeCancelled) aggregate() (string, string) { return KindChange, p.ChangeID }
func (p DataPushed) aggregate() (string, string)      { return KindChange, p.ChangeID }
func (p CalculationPerformed) aggregate() (string, string) {
	return KindCalculation, p.CalculationID
}
func (p DecisionCalculationValidated) aggregate() (string, string) {
	return KindDecision, p.DecisionID
}
func (p DecisionCalculationValidatedWithExistingPlan) aggregate() (string, string) {
	return KindDecision, p.DecisionID
}
func (p DecisionApprovedForPaymentReconciliation) aggregate() (string, string) {
	return KindDecision, p.DecisionID
}
func (p PaymentPlanPrepared) aggregate() (string, string) { return KindPaymentPlan, p.PaymentPlanID }
func (p PaymentPlanReplaced) aggregate() (string, string) { return KindPaymentPlan, p.PaymentPlanID }
func (p PaymentPlanPreparedInReplacement) aggregate() (string, string) {
	return KindPaymentPlan, p.PaymentPlanID
}
func (p PaymentProcessed) aggregate() (string, string) { return KindPaymentPlan, p.PaymentPlanID }
func (p TransactionProcessed) aggregate() (string, string) {
	return KindTransaction, p.TransactionID
}

func (ChangeCreated) foreignKeys() []string   { return nil }
func (IncomeAdded) foreignKeys() []string     { return nil }
func (ExpenseAdded) foreignKeys() []string    { return nil }
func (ChangeCommitted) foreignKeys() []string { return nil }
func (ChangePushed) foreignKeys() []string    { return nil }
func (ChangeCancelled) foreignKeys() []string { return nil }
func (DataPushed) foreignKeys() []string      { return nil }
func (p CalculationPerformed) foreignKeys() []string {
	return []string{p.ChangeID}
}
func (p DecisionCalculationValidated) foreignKeys() []string {
	return []string{p.CalculationID, p.ChangeID}
}
func (p DecisionCalculationValidatedWithExistingPlan) foreignKeys() []string {
	return []string{p.CalculationID, p.ChangeID, p.PaymentPlanID}
}
func (p DecisionApprovedForPaymentReconciliation) foreignKeys() []string {
	return nonEmpty(p.CalculationID, p.ChangeID, p.PaymentPlanID)
}
func (p PaymentPlanPrepared) foreignKeys() []string {
	return []string{p.DecisionID, p.CalculationID}
}
func (p PaymentPlanReplaced) foreignKeys() []string {
	return []string{p.ReplacedByPaymentPlanID, p.DecisionID}
}
func (p PaymentPlanPreparedInReplacement) foreignKeys() []string {
	return []string{p.PreviousPaymentPlanID, p.DecisionID, p.CalculationID}
}
func (p PaymentProcessed) foreignKeys() []string {
	return []string{p.PaymentID}
}
func (p TransactionProcessed) foreignKeys() []string {
	return []string{p.PaymentPlanID, p.PaymentID}
}

func nonEmpty(keys ...string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// =============================================================================
// ENCODING
// =============================================================================

// NewEvent wraps p in an envelope. cause is the event that triggered it, if
// any; its uid becomes the causation id.
func NewEvent(p Payload, cause *generic.Event) (generic.Event, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return generic.Event{}, fmt.Errorf("encode %s: %w", p.EventType(), err)
	}
	kind, id := p.aggregate()
	ev := generic.Event{
		Type:          p.EventType(),
		AggregateKind: kind,
		AggregateID:   id,
		ForeignKeys:   p.foreignKeys(),
		Payload:       data,
	}
	if cause != nil {
		ev.CausationID = cause.EventUID
	}
	return ev, nil
}

// Decode returns the typed payload of ev.
func Decode(ev generic.Event) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch ev.Type {
	case TypeChangeCreated:
		p, err = decodeInto[ChangeCreated](ev.Payload)
	case TypeIncomeAdded:
		p, err = decodeInto[IncomeAdded](ev.Payload)
	case TypeExpenseAdded:
		p, err = decodeInto[ExpenseAdded](ev.Payload)
	case TypeChangeCommitted:
		p, err = decodeInto[ChangeCommitted](ev.Payload)
	case TypeChangePushed:
		p, err = decodeInto[ChangePushed](ev.Payload)
	case TypeChangeCancelled:
		p, err = decodeInto[ChangeCancelled](ev.Payload)
	case TypeDataPushed:
		p, err = decodeInto[DataPushed](ev.Payload)
	case TypeCalculationPerformed:
		p, err = decodeInto[CalculationPerformed](ev.Payload)
	case TypeDecisionValidated:
		p, err = decodeInto[DecisionCalculationValidated](ev.Payload)
	case TypeDecisionValidatedWithExistingPlan:
		p, err = decodeInto[DecisionCalculationValidatedWithExistingPlan](ev.Payload)
	case TypeDecisionApproved:
		p, err = decodeInto[DecisionApprovedForPaymentReconciliation](ev.Payload)
	case TypePaymentPlanPrepared:
		p, err = decodeInto[PaymentPlanPrepared](ev.Payload)
	case TypePaymentPlanReplaced:
		p, err = decodeInto[PaymentPlanReplaced](ev.Payload)
	case TypePaymentPlanPreparedInReplacement:
		p, err = decodeInto[PaymentPlanPreparedInReplacement](ev.Payload)
	case TypePaymentProcessed:
		p, err = decodeInto[PaymentProcessed](ev.Payload)
	case TypeTransactionProcessed:
		p, err = decodeInto[TransactionProcessed](ev.Payload)
	default:
		return nil, generic.Invalid("type", fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ev, err)
	}
	return p, nil
}

// DecodeAs decodes ev and asserts its payload is a T.
func DecodeAs[T Payload](ev generic.Event) (T, error) {
	var zero T
	p, err := Decode(ev)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("event %s carries %T, not %T", ev, p, zero)
	}
	return t, nil
}

func decodeInto[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
