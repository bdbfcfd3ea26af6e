/*
pipeline.go - Causal chain between the steps of the lifecycle

CHAIN (bus in brackets):
  ChangePushed                         [domain]      -> DataPushed
  DataPushed                           [integration] -> CalculationPerformed
  DecisionCalculationValidated[...]    [domain]      -> DecisionApprovedForPaymentReconciliation
  DecisionApprovedForPaymentReconciliation
                                       [integration] -> PaymentPlanPrepared, or
                                                        PaymentPlanReplaced + PaymentPlanPreparedInReplacement
  PaymentProcessed                     [domain]      -> TransactionProcessed
  TransactionProcessed                 [integration] -> (ledger read model)

DELIVERY:
  Messages may be delivered more than once. Each handler first looks up the
  events caused by its trigger (the log indexes the causation id) and does
  nothing if its output is already there. Output events carry the trigger
  uid as causation id.

  Handlers validate against the current state and append with the same
  optimistic decide loop as commands. A rejection is returned to the bus,
  which hands it back to the command that started the chain.
*/
package welfare

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/benefit-engine/generic"
)

func (s *Service) registerPipeline() {
	s.domain.Subscribe(TypeChangePushed, s.onChangePushed)
	s.domain.Subscribe(TypeDecisionValidated, s.onDecisionValidated)
	s.domain.Subscribe(TypeDecisionValidatedWithExistingPlan, s.onDecisionValidated)
	s.domain.Subscribe(TypePaymentProcessed, s.onPaymentProcessed)

	s.onIntegration(TypeDataPushed, s.onDataPushed)
	s.onIntegration(TypeDecisionApproved, s.onDecisionApproved)
}

// onIntegration subscribes h on the integration bus. When that bus delivers
// asynchronously nobody flushes the domain bus afterwards, so the handler
// does it itself.
func (s *Service) onIntegration(t generic.EventType, h generic.Handler) {
	if _, ok := s.integration.(generic.Flusher); ok {
		s.integration.Subscribe(t, h)
		return
	}
	s.integration.Subscribe(t, func(ctx context.Context, ev generic.Event) error {
		s.pipelineMu.Lock()
		defer s.pipelineMu.Unlock()
		if err := h(ctx, ev); err != nil {
			return err
		}
		if err := generic.FlushAll(ctx, s.domain); err != nil {
			return err
		}
		return s.engine.CatchUpAll(ctx)
	})
}

// react appends the output of a handler for trigger unless an event of type
// produces caused by trigger is already in the log.
func (s *Service) react(ctx context.Context, trigger generic.Event, produces generic.EventType, build func(ctx context.Context) ([]Payload, error)) error {
	stored, err := s.appendChecked(ctx, func(ctx context.Context) ([]generic.Event, error) {
		done, err := s.produced(ctx, trigger, produces)
		if err != nil || done {
			return nil, err
		}
		payloads, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return newEvents(&trigger, payloads...)
	})
	if err != nil {
		return err
	}
	return s.publish(ctx, stored...)
}

func (s *Service) produced(ctx context.Context, trigger generic.Event, t generic.EventType) (bool, error) {
	events, err := s.log.ByForeignKey(ctx, trigger.EventUID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.Type == t && ev.CausationID == trigger.EventUID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) onChangePushed(ctx context.Context, ev generic.Event) error {
	pushed, err := DecodeAs[ChangePushed](ev)
	if err != nil {
		return err
	}
	return s.react(ctx, ev, TypeDataPushed, func(context.Context) ([]Payload, error) {
		return []Payload{DataPushed{ChangeID: pushed.ChangeID, PushSequenceID: ev.SequenceID}}, nil
	})
}

func (s *Service) onDataPushed(ctx context.Context, ev generic.Event) error {
	data, err := DecodeAs[DataPushed](ev)
	if err != nil {
		return err
	}
	return s.react(ctx, ev, TypeCalculationPerformed, func(ctx context.Context) ([]Payload, error) {
		resources, err := ResourcesAt(ctx, s.log, data.PushSequenceID)
		if err != nil {
			return nil, err
		}
		return []Payload{CalculationPerformed{
			CalculationID:       uuid.NewString(),
			ChangeID:            data.ChangeID,
			MonthlyCalculations: Calculate(resources, s.rate),
		}}, nil
	})
}

func (s *Service) onDecisionValidated(ctx context.Context, ev generic.Event) error {
	var approved DecisionApprovedForPaymentReconciliation
	payload, err := Decode(ev)
	if err != nil {
		return err
	}
	switch e := payload.(type) {
	case DecisionCalculationValidated:
		approved = DecisionApprovedForPaymentReconciliation{DecisionID: e.DecisionID, CalculationID: e.CalculationID, ChangeID: e.ChangeID}
	case DecisionCalculationValidatedWithExistingPlan:
		approved = DecisionApprovedForPaymentReconciliation{DecisionID: e.DecisionID, CalculationID: e.CalculationID, ChangeID: e.ChangeID, PaymentPlanID: e.PaymentPlanID}
	default:
		return nil
	}

	return s.react(ctx, ev, TypeDecisionApproved, func(ctx context.Context) ([]Payload, error) {
		calc, ok, err := getRow[Calculation](ctx, s.store, TableCalculations, approved.CalculationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, generic.Reject(generic.RuleNotFound, "calculation %s does not exist", approved.CalculationID)
		}
		approved.Amounts = netAmounts(calc)
		return []Payload{approved}, nil
	})
}

func (s *Service) onDecisionApproved(ctx context.Context, ev generic.Event) error {
	approved, err := DecodeAs[DecisionApprovedForPaymentReconciliation](ev)
	if err != nil {
		return err
	}
	produces := TypePaymentPlanPrepared
	if approved.PaymentPlanID != "" {
		produces = TypePaymentPlanPreparedInReplacement
	}
	return s.react(ctx, ev, produces, func(ctx context.Context) ([]Payload, error) {
		return s.reconcile(ctx, approved.DecisionID, approved.CalculationID, approved.PaymentPlanID, approved.Amounts)
	})
}

func (s *Service) onPaymentProcessed(ctx context.Context, ev generic.Event) error {
	processed, err := DecodeAs[PaymentProcessed](ev)
	if err != nil {
		return err
	}
	return s.react(ctx, ev, TypeTransactionProcessed, func(context.Context) ([]Payload, error) {
		return []Payload{TransactionProcessed{
			TransactionID: uuid.NewString(),
			PaymentPlanID: processed.PaymentPlanID,
			PaymentID:     processed.PaymentID,
			Month:         processed.Month,
			Amount:        processed.Amount,
		}}, nil
	})
}
