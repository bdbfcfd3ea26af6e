/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Read models are
  returned as-is (their JSON shape is already the public contract); only
  command inputs and command results get their own types here.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients

VALIDATION:
  Validation is done by the welfare service, not in DTOs. DTOs are pure data
  carriers; handlers only parse.

SEE ALSO:
  - handlers.go: Uses these types
  - welfare/service.go: Outcome
*/
package api

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/welfare"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ResourceRequest is the body of POST /api/changes/{id}/incomes|expenses.
// Period is "YYYY-MM..YYYY-MM" or a single month.
type ResourceRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Period      string          `json:"period"`
}

// CommitRequest carries the drafts returned by the incomes/expenses endpoints.
type CommitRequest struct {
	Pending []generic.Event `json:"pending"`
}

// DecisionRequest is the body of POST /api/calculations/{id}/decisions.
// PaymentPlanID is required once a plan exists.
type DecisionRequest struct {
	PaymentPlanID string `json:"paymentPlanId,omitempty"`
}

// ReconcileRequest is the body of POST /api/payment-plans/reconcile.
type ReconcileRequest struct {
	DecisionID    string `json:"decisionId"`
	CalculationID string `json:"calculationId"`
	CurrentPlanID string `json:"currentPlanId"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// OutcomeDTO is the result of an accepted command.
type OutcomeDTO struct {
	Events        []generic.Event `json:"events"`
	Triggered     []generic.Event `json:"triggered"`
	Rejections    []RejectionDTO  `json:"rejections,omitempty"`
	PipelineError string          `json:"pipelineError,omitempty"`
}

// RejectionDTO names the business rule that refused a step.
type RejectionDTO struct {
	Rule   generic.Rule `json:"rule"`
	Reason string       `json:"reason"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Rule    generic.Rule `json:"rule,omitempty"`
	Field   string       `json:"field,omitempty"`
	Details string       `json:"details,omitempty"`
}

// RebuildDTO reports a projection rebuild.
type RebuildDTO struct {
	Projection string `json:"projection"`
	Applied    int    `json:"applied"`
}

func toOutcomeDTO(o welfare.Outcome) OutcomeDTO {
	dto := OutcomeDTO{Events: o.Events, Triggered: o.Triggered}
	if dto.Events == nil {
		dto.Events = []generic.Event{}
	}
	if dto.Triggered == nil {
		dto.Triggered = []generic.Event{}
	}
	for _, r := range o.Rejections {
		dto.Rejections = append(dto.Rejections, toRejectionDTO(r))
	}
	if o.PipelineErr != nil {
		dto.PipelineError = o.PipelineErr.Error()
	}
	return dto
}

func toRejectionDTO(err error) RejectionDTO {
	dto := RejectionDTO{Rule: generic.RuleOf(err), Reason: err.Error()}
	var rej *generic.RejectionError
	if errors.As(err, &rej) {
		dto.Reason = rej.Reason
	}
	return dto
}
