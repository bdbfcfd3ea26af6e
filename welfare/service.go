/*
service.go - Command-facing surface of the welfare domain

PURPOSE:
  Every command follows the same decide loop:
    1. read the log head H
    2. bring the read models up to date
    3. validate against aggregate replay and read models
    4. append the resulting events, expecting the head to still be H
  If another writer appended in between, the append fails with
  ErrConcurrentModification and the loop starts over (bounded). Nothing is
  ever appended by a rejected command.

  After a successful append the events are published (domain or
  integration bus by type), the buses are drained so the causal pipeline
  runs to completion, and the read models are caught up again.

OUTCOME:
  A command returns the events it appended, the events the pipeline
  appended as a consequence, and the rejections or failures pipeline steps
  reported. A command error means nothing was appended.

SEE ALSO:
  - pipeline.go: The bus handlers
  - reconcile.go: Payment-plan reconciliation
*/
package welfare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/benefit-engine/generic"
)

// decideAttempts bounds the optimistic append retries of one command.
const decideAttempts = 3

// Config configures a Service.
type Config struct {
	// BenefitRate is applied to the net resources. Zero means DefaultBenefitRate.
	BenefitRate decimal.Decimal

	// Domain and Integration default to in-process ChannelBuses.
	Domain      generic.Bus
	Integration generic.Bus
}

// Service executes welfare commands and owns the causal pipeline.
type Service struct {
	log         *generic.EventLog
	store       generic.ProjectionStore
	engine      *generic.Engine
	rate        decimal.Decimal
	domain      generic.Bus
	integration generic.Bus

	// pipelineMu serializes publish and flush so a command only drains
	// the reactions to its own events.
	pipelineMu sync.Mutex
}

// NewService creates the service, its projection engine and registers the
// pipeline handlers on the buses.
func NewService(events *generic.EventLog, projections generic.ProjectionStore, cfg Config) *Service {
	s := &Service{
		log:         events,
		store:       projections,
		engine:      generic.NewEngine(events, projections, Projectors()...),
		rate:        cfg.BenefitRate,
		domain:      cfg.Domain,
		integration: cfg.Integration,
	}
	if s.rate.IsZero() {
		s.rate = DefaultBenefitRate
	}
	if s.domain == nil {
		s.domain = generic.NewChannelBus("domain", generic.DefaultBusCapacity)
	}
	if s.integration == nil {
		s.integration = generic.NewChannelBus("integration", generic.DefaultBusCapacity)
	}
	s.registerPipeline()
	return s
}

// Engine returns the projection engine, for listeners and rebuilds.
func (s *Service) Engine() *generic.Engine { return s.engine }

// Log returns the event log.
func (s *Service) Log() *generic.EventLog { return s.log }

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the result of an accepted command.
type Outcome struct {
	// Events appended by the command itself.
	Events []generic.Event `json:"events"`

	// Triggered are the events the pipeline appended in reaction.
	Triggered []generic.Event `json:"triggered,omitempty"`

	// Rejections are business-rule rejections raised by pipeline steps.
	Rejections []error `json:"-"`

	// PipelineErr joins the technical failures of pipeline steps. The
	// command itself is stored; the listeners retry the read models.
	PipelineErr error `json:"-"`
}

// First returns the first event appended by the command.
func (o Outcome) First() generic.Event {
	if len(o.Events) == 0 {
		return generic.Event{}
	}
	return o.Events[0]
}

// =============================================================================
// DECIDE LOOP
// =============================================================================

type decideFunc func(ctx context.Context) ([]generic.Event, error)

// appendChecked runs decide and appends its events expecting an unchanged
// head. It returns nil when decide produced nothing.
func (s *Service) appendChecked(ctx context.Context, decide decideFunc) ([]generic.Event, error) {
	for attempt := 1; ; attempt++ {
		head, err := s.log.Head(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.engine.CatchUpAll(ctx); err != nil {
			return nil, err
		}
		events, err := decide(ctx)
		if err != nil || len(events) == 0 {
			return nil, err
		}
		stored, err := s.log.AppendExpecting(ctx, head, events...)
		if errors.Is(err, generic.ErrConcurrentModification) && attempt < decideAttempts {
			log.WithField("attempt", attempt).Debug("log moved, deciding again")
			continue
		}
		return stored, err
	}
}

// execute runs a command: decide, append, then drive the pipeline.
func (s *Service) execute(ctx context.Context, decide decideFunc) (Outcome, error) {
	stored, err := s.appendChecked(ctx, decide)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Events: stored}
	var errs []error
	s.pipelineMu.Lock()
	if err := s.publish(ctx, stored...); err != nil {
		errs = append(errs, err)
	}
	if err := generic.FlushAll(ctx, s.domain, s.integration); err != nil {
		errs = append(errs, err)
	}
	if err := s.engine.CatchUpAll(ctx); err != nil {
		errs = append(errs, err)
	}
	s.pipelineMu.Unlock()
	out.Rejections, out.PipelineErr = splitErrors(errors.Join(errs...))

	triggered, err := s.triggered(ctx, stored)
	if err != nil {
		out.PipelineErr = errors.Join(out.PipelineErr, err)
	}
	out.Triggered = triggered
	return out, nil
}

// publish routes events to the integration or domain bus.
func (s *Service) publish(ctx context.Context, events ...generic.Event) error {
	var errs []error
	for _, ev := range events {
		bus := s.domain
		if IsIntegration(ev.Type) {
			bus = s.integration
		}
		if err := bus.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// triggered returns the events appended after roots whose causation chain
// leads back to one of them.
func (s *Service) triggered(ctx context.Context, roots []generic.Event) ([]generic.Event, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	later, err := s.log.Since(ctx, roots[len(roots)-1].SequenceID)
	if err != nil {
		return nil, err
	}
	caused := make(map[string]bool, len(roots))
	for _, ev := range roots {
		caused[ev.EventUID] = true
	}
	var out []generic.Event
	for _, ev := range later {
		if ev.CausationID != "" && caused[ev.CausationID] {
			caused[ev.EventUID] = true
			out = append(out, ev)
		}
	}
	return out, nil
}

// splitErrors separates business-rule rejections from technical failures in
// a tree of joined errors.
func splitErrors(err error) (rejections []error, failure error) {
	var failures []error
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *generic.RejectionError, *generic.StaleReferenceError:
			rejections = append(rejections, e)
		case *generic.ProjectionError, *generic.StorageError, *generic.ValidationError:
			failures = append(failures, e)
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		default:
			if generic.IsRejection(err) {
				rejections = append(rejections, err)
			} else {
				failures = append(failures, err)
			}
		}
	}
	walk(err)
	return rejections, errors.Join(failures...)
}

func newEvents(cause *generic.Event, payloads ...Payload) ([]generic.Event, error) {
	out := make([]generic.Event, 0, len(payloads))
	for _, p := range payloads {
		ev, err := NewEvent(p, cause)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// =============================================================================
// CHANGE COMMANDS
// =============================================================================

// ResourceInput is the user input of addIncome / addExpense.
type ResourceInput struct {
	Description string             `json:"description"`
	Amount      decimal.Decimal    `json:"amount"`
	Period      generic.MonthRange `json:"period"`
}

// Validate checks the input fields.
func (in ResourceInput) Validate() error {
	if in.Description == "" {
		return generic.Invalid("description", "required")
	}
	if !in.Amount.IsPositive() {
		return generic.Invalid("amount", "must be positive")
	}
	if err := in.Period.Validate(); err != nil {
		if errors.Is(err, generic.ErrValidation) {
			return err
		}
		return generic.Invalid("period", err.Error())
	}
	return nil
}

// CreateChange opens a new Change. Rejected while another Change is Open.
func (s *Service) CreateChange(ctx context.Context) (Outcome, error) {
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		open, err := s.store.ByIndex(ctx, TableChanges, "status", string(StatusOpen))
		if err != nil {
			return nil, err
		}
		if len(open) > 0 {
			return nil, generic.Reject(generic.RuleChangeAlreadyOpen, "change %s is already open", open[0].Key)
		}
		return newEvents(nil, ChangeCreated{ChangeID: uuid.NewString()})
	})
}

// AddIncome validates an income line and returns it as a draft event, to be
// appended by CommitChange.
func (s *Service) AddIncome(ctx context.Context, changeID string, in ResourceInput) (generic.Event, error) {
	return s.draft(ctx, changeID, in, func(body ResourceAdded) Payload { return IncomeAdded{body} })
}

// AddExpense validates an expense line and returns it as a draft event, to
// be appended by CommitChange.
func (s *Service) AddExpense(ctx context.Context, changeID string, in ResourceInput) (generic.Event, error) {
	return s.draft(ctx, changeID, in, func(body ResourceAdded) Payload { return ExpenseAdded{body} })
}

func (s *Service) draft(ctx context.Context, changeID string, in ResourceInput, wrap func(ResourceAdded) Payload) (generic.Event, error) {
	if changeID == "" {
		return generic.Event{}, generic.Invalid("changeId", "required")
	}
	if err := in.Validate(); err != nil {
		return generic.Event{}, err
	}
	if err := s.requireStatus(ctx, changeID, StatusOpen, StatusCommitted); err != nil {
		return generic.Event{}, err
	}
	ev, err := NewEvent(wrap(ResourceAdded{
		ChangeID:    changeID,
		Description: in.Description,
		Amount:      in.Amount,
		Period:      in.Period,
	}), nil)
	if err != nil {
		return generic.Event{}, err
	}
	ev.EventUID = uuid.NewString()
	return ev, nil
}

// requireStatus replays the change and rejects unless its status is one of
// allowed.
func (s *Service) requireStatus(ctx context.Context, changeID string, allowed ...ChangeStatus) error {
	status, err := Replay(ctx, s.log, changeID)
	if err != nil {
		return err
	}
	if status == StatusUnknown {
		return generic.Reject(generic.RuleNotFound, "change %s does not exist", changeID)
	}
	for _, a := range allowed {
		if status == a {
			return nil
		}
	}
	return generic.Reject(generic.RuleInvalidChangeStatus, "change %s is %s, expected %v", changeID, status, allowed)
}

// CommitChange appends the pending income/expense drafts of a change
// together with a ChangeCommitted event.
func (s *Service) CommitChange(ctx context.Context, changeID string, pending []generic.Event) (Outcome, error) {
	if changeID == "" {
		return Outcome{}, generic.Invalid("changeId", "required")
	}
	if len(pending) == 0 {
		return Outcome{}, generic.Invalid("pending", "nothing to commit")
	}
	drafts := make([]generic.Event, 0, len(pending))
	for i, ev := range pending {
		draft, err := rebuildDraft(changeID, ev)
		if err != nil {
			var ve *generic.ValidationError
			if errors.As(err, &ve) {
				return Outcome{}, generic.Invalid(fmt.Sprintf("pending[%d].%s", i, ve.Field), ve.Reason)
			}
			return Outcome{}, err
		}
		drafts = append(drafts, draft)
	}

	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		if err := s.requireStatus(ctx, changeID, StatusOpen, StatusCommitted); err != nil {
			return nil, err
		}
		committed, err := NewEvent(ChangeCommitted{ChangeID: changeID, ResourceCount: len(drafts)}, nil)
		if err != nil {
			return nil, err
		}
		return append(append([]generic.Event(nil), drafts...), committed), nil
	})
}

// rebuildDraft re-validates a draft sent back by a client and rebuilds its
// envelope from the payload. Only the EventUID is kept from the client.
func rebuildDraft(changeID string, ev generic.Event) (generic.Event, error) {
	p, err := Decode(ev)
	if err != nil {
		return generic.Event{}, generic.Invalid("payload", err.Error())
	}
	var body ResourceAdded
	switch e := p.(type) {
	case IncomeAdded:
		body = e.ResourceAdded
	case ExpenseAdded:
		body = e.ResourceAdded
	default:
		return generic.Event{}, generic.Invalid("type", fmt.Sprintf("%s cannot be committed", ev.Type))
	}
	if body.ChangeID != changeID {
		return generic.Event{}, generic.Invalid("changeId", "belongs to change "+body.ChangeID)
	}
	in := ResourceInput{Description: body.Description, Amount: body.Amount, Period: body.Period}
	if err := in.Validate(); err != nil {
		return generic.Event{}, err
	}

	draft, err := NewEvent(p, nil)
	if err != nil {
		return generic.Event{}, err
	}
	draft.EventUID = ev.EventUID
	return draft, nil
}

// PushChange pushes a Committed change. The pipeline then computes a
// calculation from the pushed data.
func (s *Service) PushChange(ctx context.Context, changeID string) (Outcome, error) {
	return s.transition(ctx, changeID, ChangePushed{ChangeID: changeID})
}

// CancelChange cancels a Committed change, dropping its committed resources.
func (s *Service) CancelChange(ctx context.Context, changeID string) (Outcome, error) {
	return s.transition(ctx, changeID, ChangeCancelled{ChangeID: changeID})
}

func (s *Service) transition(ctx context.Context, changeID string, p Payload) (Outcome, error) {
	if changeID == "" {
		return Outcome{}, generic.Invalid("changeId", "required")
	}
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		if err := s.requireStatus(ctx, changeID, StatusCommitted); err != nil {
			return nil, err
		}
		return newEvents(nil, p)
	})
}

// =============================================================================
// DECISION COMMANDS
// =============================================================================

// ValidateDecision validates the latest calculation when no payment plan
// exists yet.
func (s *Service) ValidateDecision(ctx context.Context, calculationID string) (Outcome, error) {
	if calculationID == "" {
		return Outcome{}, generic.Invalid("calculationId", "required")
	}
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		calc, err := s.decidable(ctx, calculationID)
		if err != nil {
			return nil, err
		}
		latest, err := s.LatestPaymentPlan(ctx)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			return nil, generic.Reject(generic.RuleExistingPlan,
				"payment plan %s exists, validate with the existing plan", latest.PaymentPlanID)
		}
		return newEvents(nil, DecisionCalculationValidated{
			DecisionID:    uuid.NewString(),
			CalculationID: calc.CalculationID,
			ChangeID:      calc.ChangeID,
		})
	})
}

// ValidateDecisionWithExistingPlan validates the latest calculation against
// planID, which must be the latest payment plan.
func (s *Service) ValidateDecisionWithExistingPlan(ctx context.Context, calculationID, planID string) (Outcome, error) {
	if calculationID == "" {
		return Outcome{}, generic.Invalid("calculationId", "required")
	}
	if planID == "" {
		return Outcome{}, generic.Invalid("paymentPlanId", "required")
	}
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		calc, err := s.decidable(ctx, calculationID)
		if err != nil {
			return nil, err
		}
		latest, err := s.LatestPaymentPlan(ctx)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, generic.Reject(generic.RuleNotFound, "no payment plan exists")
		}
		if latest.PaymentPlanID != planID {
			return nil, &generic.StaleReferenceError{Kind: KindPaymentPlan, Expected: planID, Actual: latest.PaymentPlanID}
		}
		return newEvents(nil, DecisionCalculationValidatedWithExistingPlan{
			DecisionID:    uuid.NewString(),
			CalculationID: calc.CalculationID,
			ChangeID:      calc.ChangeID,
			PaymentPlanID: planID,
		})
	})
}

// decidable returns the calculation if it exists, is the latest one and has
// no decision yet.
func (s *Service) decidable(ctx context.Context, calculationID string) (Calculation, error) {
	calc, ok, err := getRow[Calculation](ctx, s.store, TableCalculations, calculationID)
	if err != nil {
		return Calculation{}, err
	}
	if !ok {
		return Calculation{}, generic.Reject(generic.RuleNotFound, "calculation %s does not exist", calculationID)
	}
	latest, err := s.LatestCalculation(ctx)
	if err != nil {
		return Calculation{}, err
	}
	if latest != nil && latest.CalculationID != calculationID {
		return Calculation{}, &generic.StaleReferenceError{Kind: KindCalculation, Expected: calculationID, Actual: latest.CalculationID}
	}
	decisions, err := s.store.ByIndex(ctx, TableDecisions, "calculationId", calculationID)
	if err != nil {
		return Calculation{}, err
	}
	if len(decisions) > 0 {
		return Calculation{}, generic.Reject(generic.RuleDecisionExists, "calculation %s already has decision %s", calculationID, decisions[0].Key)
	}
	return calc, nil
}

// =============================================================================
// PAYMENT COMMANDS
// =============================================================================

// Reconcile replaces currentPlanID with a plan paying the calculation of
// decisionID. Both calculationID and currentPlanID must be the latest ones.
func (s *Service) Reconcile(ctx context.Context, decisionID, calculationID, currentPlanID string) (Outcome, error) {
	if decisionID == "" {
		return Outcome{}, generic.Invalid("decisionId", "required")
	}
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		decision, ok, err := getRow[Decision](ctx, s.store, TableDecisions, decisionID)
		if err != nil {
			return nil, err
		}
		if !ok || decision.CalculationID != calculationID {
			return nil, generic.Reject(generic.RuleNotFound, "decision %s for calculation %s does not exist", decisionID, calculationID)
		}
		payloads, err := s.reconcile(ctx, decisionID, calculationID, currentPlanID, nil)
		if err != nil {
			return nil, err
		}
		return newEvents(nil, payloads...)
	})
}

// reconcile loads the plan state, checks the references and builds the plan
// events. amounts nil means the amounts of the calculation.
func (s *Service) reconcile(ctx context.Context, decisionID, calculationID, currentPlanID string, amounts map[generic.Month]decimal.Decimal) ([]Payload, error) {
	st, err := s.planState(ctx)
	if err != nil {
		return nil, err
	}
	if st.calculation == nil {
		return nil, generic.Reject(generic.RuleNotFound, "no calculation exists")
	}
	if err := st.checkReferences(calculationID, currentPlanID); err != nil {
		return nil, err
	}
	if amounts == nil {
		amounts = netAmounts(*st.calculation)
	}
	return st.replacement(uuid.NewString(), decisionID, amounts), nil
}

func (s *Service) planState(ctx context.Context) (planState, error) {
	calc, err := s.LatestCalculation(ctx)
	if err != nil {
		return planState{}, err
	}
	plans, err := s.PaymentPlans(ctx)
	if err != nil {
		return planState{}, err
	}
	return planState{calculation: calc, latest: latestPlan(plans), plans: plans}, nil
}

// ProcessPayments processes every pending payment of planID, which must be
// the latest plan.
func (s *Service) ProcessPayments(ctx context.Context, planID string) (Outcome, error) {
	if planID == "" {
		return Outcome{}, generic.Invalid("paymentPlanId", "required")
	}
	return s.execute(ctx, func(ctx context.Context) ([]generic.Event, error) {
		plan, ok, err := getRow[PaymentPlan](ctx, s.store, TablePaymentPlans, planID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, generic.Reject(generic.RuleNotFound, "payment plan %s does not exist", planID)
		}
		latest, err := s.LatestPaymentPlan(ctx)
		if err != nil {
			return nil, err
		}
		if latest.PaymentPlanID != planID {
			return nil, &generic.StaleReferenceError{Kind: KindPaymentPlan, Expected: planID, Actual: latest.PaymentPlanID}
		}

		var payloads []Payload
		for _, m := range sortedMonths(plan.Payments) {
			p := plan.Payments[m]
			if !p.Status.Pending() {
				continue
			}
			payloads = append(payloads, PaymentProcessed{
				PaymentPlanID: planID,
				PaymentID:     p.PaymentID,
				Month:         m,
				Amount:        p.Amount,
			})
		}
		if len(payloads) == 0 {
			return nil, generic.Reject(generic.RuleNothingToProcess, "payment plan %s has no pending payment", planID)
		}
		return newEvents(nil, payloads...)
	})
}

// RebuildProjection clears and replays the named read model.
func (s *Service) RebuildProjection(ctx context.Context, name string) (int, error) {
	n, err := s.engine.Rebuild(ctx, name)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"projection": name, "applied": n}).Info("projection rebuilt")
	return n, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Change returns the changes row of a change and its replayed status.
func (s *Service) Change(ctx context.Context, changeID string) (ChangeView, error) {
	status, err := Replay(ctx, s.log, changeID)
	if err != nil {
		return ChangeView{}, err
	}
	view, ok, err := getRow[ChangeView](ctx, s.store, TableChanges, changeID)
	if err != nil {
		return ChangeView{}, err
	}
	if !ok && status == StatusUnknown {
		return ChangeView{}, generic.Reject(generic.RuleNotFound, "change %s does not exist", changeID)
	}
	view.ChangeID = changeID
	view.Status = status
	return view, nil
}

// Changes returns every change, oldest first.
func (s *Service) Changes(ctx context.Context) ([]ChangeView, error) {
	rows, err := s.store.Rows(ctx, TableChanges)
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[ChangeView](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Resources returns the resource rows, of one change when changeID is set.
func (s *Service) Resources(ctx context.Context, changeID string) ([]Resource, error) {
	var (
		rows []generic.Row
		err  error
	)
	if changeID != "" {
		rows, err = s.store.ByIndex(ctx, TableResources, "changeId", changeID)
	} else {
		rows, err = s.store.Rows(ctx, TableResources)
	}
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[Resource](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceEventID != out[j].SourceEventID {
			return out[i].SourceEventID < out[j].SourceEventID
		}
		return out[i].Month.Before(out[j].Month)
	})
	return out, nil
}

// Calculations returns every calculation in log order.
func (s *Service) Calculations(ctx context.Context) ([]Calculation, error) {
	rows, err := s.store.Rows(ctx, TableCalculations)
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[Calculation](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

// LatestCalculation returns the most recent calculation, nil if none.
func (s *Service) LatestCalculation(ctx context.Context) (*Calculation, error) {
	calcs, err := s.Calculations(ctx)
	if err != nil || len(calcs) == 0 {
		return nil, err
	}
	return &calcs[len(calcs)-1], nil
}

// Decisions returns every decision in log order.
func (s *Service) Decisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.store.Rows(ctx, TableDecisions)
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[Decision](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

// PaymentPlans returns every plan in log order.
func (s *Service) PaymentPlans(ctx context.Context) ([]PaymentPlan, error) {
	rows, err := s.store.Rows(ctx, TablePaymentPlans)
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[PaymentPlan](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

// LatestPaymentPlan returns the most recently prepared plan, nil if none.
func (s *Service) LatestPaymentPlan(ctx context.Context) (*PaymentPlan, error) {
	plans, err := s.PaymentPlans(ctx)
	if err != nil {
		return nil, err
	}
	return latestPlan(plans), nil
}

func latestPlan(plans []PaymentPlan) *PaymentPlan {
	var latest *PaymentPlan
	for i := range plans {
		if latest == nil || plans[i].SequenceID > latest.SequenceID {
			latest = &plans[i]
		}
	}
	return latest
}

// Ledger returns the per-month summaries.
func (s *Service) Ledger(ctx context.Context) ([]LedgerSummary, error) {
	return Summaries(ctx, s.store)
}

// LedgerEntries returns the ToBePaid and Processed entries of a month.
func (s *Service) LedgerEntries(ctx context.Context, month generic.Month) ([]LedgerEntry, error) {
	entries, err := MonthEntries(ctx, s.store, month)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SequenceID < entries[j].SequenceID })
	return entries, nil
}

// Events returns the log after the watermark.
func (s *Service) Events(ctx context.Context, since int64) ([]generic.Event, error) {
	return s.log.Since(ctx, since)
}
