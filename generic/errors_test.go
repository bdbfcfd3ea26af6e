package generic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/benefit-engine/generic"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		retryable bool
		rejection bool
		rule      generic.Rule
	}{
		{"validation", generic.Invalid("amount", "must be positive"), true, false, false, ""},
		{"rejection", generic.Reject(generic.RuleDecisionExists, "calc-1"), true, false, true, generic.RuleDecisionExists},
		{"stale", &generic.StaleReferenceError{Kind: "paymentPlan", Expected: "p1", Actual: "p2"}, true, false, true, generic.RuleStaleReference},
		{"conflict", generic.ErrConcurrentModification, false, true, false, ""},
		{"duplicate", generic.ErrDuplicateEventUID, true, false, false, ""},
		{"storage", &generic.StorageError{Op: "append", Err: errors.New("disk full")}, false, true, false, ""},
		{"wrapped rejection", fmt.Errorf("push: %w", generic.Reject(generic.RuleInvalidChangeStatus, "Open")), true, false, true, generic.RuleInvalidChangeStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, generic.IsClientError(tt.err))
			assert.Equal(t, tt.retryable, generic.IsRetryable(tt.err))
			assert.Equal(t, tt.rejection, generic.IsRejection(tt.err))
			assert.Equal(t, tt.rule, generic.RuleOf(tt.err))
		})
	}
}

func TestRejectNotFoundUnwrapsToErrNotFound(t *testing.T) {
	err := generic.Reject(generic.RuleNotFound, "change %s", "chg-1")

	assert.ErrorIs(t, err, generic.ErrNotFound)
	assert.ErrorIs(t, err, generic.ErrBusinessRule)
	assert.NotErrorIs(t, generic.Reject(generic.RuleExistingPlan, "x"), generic.ErrNotFound)
}

func TestProjectionErrorKeepsCause(t *testing.T) {
	cause := &generic.StorageError{Op: "upsert", Err: errors.New("locked")}
	err := &generic.ProjectionError{Projection: "ledger", SequenceID: 12, Err: cause}

	assert.ErrorIs(t, err, generic.ErrProjection)
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.Contains(t, err.Error(), "ledger")
}
