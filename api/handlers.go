/*
handlers.go - HTTP API handlers for the welfare benefit engine

PURPOSE:
  Exposes the command-facing surface and the read models via REST API.
  Handles HTTP request/response and JSON serialization, and delegates every
  decision to welfare.Service.

ENDPOINTS:
  Changes:
    GET    /api/changes                      List changes
    POST   /api/changes                      Create a change
    GET    /api/changes/{id}                 Change with replayed status
    POST   /api/changes/{id}/incomes         Draft an income (not stored)
    POST   /api/changes/{id}/expenses        Draft an expense (not stored)
    POST   /api/changes/{id}/commit          Store drafts + ChangeCommitted
    POST   /api/changes/{id}/push            Push (runs the calculation)
    POST   /api/changes/{id}/cancel          Cancel

  Read models:
    GET    /api/resources?changeId=          Resource rows
    GET    /api/calculations                 All calculations
    GET    /api/calculations/latest          Latest calculation
    GET    /api/decisions                    Decisions
    GET    /api/payment-plans                Payment plans
    GET    /api/ledger                       Monthly summaries
    GET    /api/ledger/{month}               Entries of a month

  Decisions and payments:
    POST   /api/calculations/{id}/decisions  Validate (with existing plan if given)
    POST   /api/payment-plans/reconcile      Replace the latest plan
    POST   /api/payment-plans/{id}/process   Process pending payments

  Admin:
    GET    /api/events?since=N               Raw log
    GET    /api/projections                  Projection names
    POST   /api/projections/{name}/rebuild   Rebuild a read model

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Referenced change/calculation/plan does not exist
  - 409: Business-rule rejection, stale reference, concurrent modification
  - 503: Storage unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/welfare"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *welfare.Service
}

// NewHandler creates a new handler around the service.
func NewHandler(svc *welfare.Service) *Handler {
	return &Handler{Service: svc}
}

// =============================================================================
// CHANGE HANDLERS
// =============================================================================

// ListChanges returns every change.
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Service.Changes(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(changes))
}

// CreateChange opens a new change.
// POST /api/changes
func (h *Handler) CreateChange(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.CreateChange(r.Context())
	writeOutcome(w, http.StatusCreated, out, err)
}

// GetChange returns a change and its replayed status.
// GET /api/changes/{id}
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Change(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AddIncome validates an income and returns its draft event.
// POST /api/changes/{id}/incomes
func (h *Handler) AddIncome(w http.ResponseWriter, r *http.Request) {
	h.addResource(w, r, h.Service.AddIncome)
}

// AddExpense validates an expense and returns its draft event.
// POST /api/changes/{id}/expenses
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	h.addResource(w, r, h.Service.AddExpense)
}

type draftFunc func(ctx context.Context, changeID string, in welfare.ResourceInput) (generic.Event, error)

func (h *Handler) addResource(w http.ResponseWriter, r *http.Request, draft draftFunc) {
	var req ResourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	period, err := generic.ParseMonthRange(req.Period)
	if err != nil {
		if !errors.Is(err, generic.ErrValidation) {
			err = generic.Invalid("period", err.Error())
		}
		writeFailure(w, err)
		return
	}
	ev, err := draft(r.Context(), chi.URLParam(r, "id"), welfare.ResourceInput{
		Description: req.Description,
		Amount:      req.Amount,
		Period:      period,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// CommitChange stores the drafts of a change.
// POST /api/changes/{id}/commit
func (h *Handler) CommitChange(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.Service.CommitChange(r.Context(), chi.URLParam(r, "id"), req.Pending)
	writeOutcome(w, http.StatusOK, out, err)
}

// PushChange pushes a committed change.
// POST /api/changes/{id}/push
func (h *Handler) PushChange(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.PushChange(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out, err)
}

// CancelChange cancels a committed change.
// POST /api/changes/{id}/cancel
func (h *Handler) CancelChange(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.CancelChange(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out, err)
}

// =============================================================================
// READ MODEL HANDLERS
// =============================================================================

// ListResources returns resource rows, optionally of one change.
// GET /api/resources?changeId=
func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.Service.Resources(r.Context(), r.URL.Query().Get("changeId"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(resources))
}

// ListCalculations returns every calculation.
func (h *Handler) ListCalculations(w http.ResponseWriter, r *http.Request) {
	calcs, err := h.Service.Calculations(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(calcs))
}

// LatestCalculation returns the most recent calculation.
// GET /api/calculations/latest
func (h *Handler) LatestCalculation(w http.ResponseWriter, r *http.Request) {
	calc, err := h.Service.LatestCalculation(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if calc == nil {
		writeFailure(w, generic.Reject(generic.RuleNotFound, "no calculation yet"))
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

// ListDecisions returns every decision.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.Service.Decisions(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(decisions))
}

// ListPaymentPlans returns every payment plan.
func (h *Handler) ListPaymentPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Service.PaymentPlans(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(plans))
}

// GetLedger returns the monthly summaries.
// GET /api/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Service.Ledger(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(summaries))
}

// GetLedgerMonth returns the entries of one month.
// GET /api/ledger/{month}
func (h *Handler) GetLedgerMonth(w http.ResponseWriter, r *http.Request) {
	month, err := generic.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeFailure(w, generic.Invalid("month", err.Error()))
		return
	}
	entries, err := h.Service.LedgerEntries(r.Context(), month)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// =============================================================================
// DECISION / PAYMENT HANDLERS
// =============================================================================

// ValidateDecision validates a calculation, against the given plan if any.
// POST /api/calculations/{id}/decisions
func (h *Handler) ValidateDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	calcID := chi.URLParam(r, "id")

	var (
		out welfare.Outcome
		err error
	)
	if req.PaymentPlanID == "" {
		out, err = h.Service.ValidateDecision(r.Context(), calcID)
	} else {
		out, err = h.Service.ValidateDecisionWithExistingPlan(r.Context(), calcID, req.PaymentPlanID)
	}
	writeOutcome(w, http.StatusCreated, out, err)
}

// Reconcile replaces the latest payment plan.
// POST /api/payment-plans/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	out, err := h.Service.Reconcile(r.Context(), req.DecisionID, req.CalculationID, req.CurrentPlanID)
	writeOutcome(w, http.StatusCreated, out, err)
}

// ProcessPayments processes the pending payments of a plan.
// POST /api/payment-plans/{id}/process
func (h *Handler) ProcessPayments(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.ProcessPayments(r.Context(), chi.URLParam(r, "id"))
	writeOutcome(w, http.StatusOK, out, err)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListEvents returns the log after ?since= (default 0).
// GET /api/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeFailure(w, generic.Invalid("since", "must be a non-negative integer"))
			return
		}
		since = n
	}
	events, err := h.Service.Events(r.Context(), since)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// ListProjections returns the names of the read models.
func (h *Handler) ListProjections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Engine().Names())
}

// RebuildProjection clears a read model and replays the log into it.
// POST /api/projections/{name}/rebuild
func (h *Handler) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := h.Service.RebuildProjection(r.Context(), name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RebuildDTO{Projection: name, Applied: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeOutcome(w http.ResponseWriter, status int, out welfare.Outcome, err error) {
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, status, toOutcomeDTO(out))
}

// writeFailure maps the error taxonomy onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Details: err.Error(), Rule: generic.RuleOf(err)}
	var status int
	switch {
	case errors.Is(err, generic.ErrValidation), errors.Is(err, generic.ErrInvalidPeriod):
		status, resp.Error = http.StatusBadRequest, "Invalid input"
		var ve *generic.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
	case errors.Is(err, generic.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "Not found"
	case errors.Is(err, generic.ErrBusinessRule):
		status, resp.Error = http.StatusConflict, "Rejected"
	case errors.Is(err, generic.ErrConcurrentModification), errors.Is(err, generic.ErrDuplicateEventUID):
		status, resp.Error = http.StatusConflict, "Conflict"
	case errors.Is(err, generic.ErrStorage):
		status, resp.Error = http.StatusServiceUnavailable, "Storage unavailable"
	default:
		status, resp.Error = http.StatusInternalServerError, "Internal error"
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
