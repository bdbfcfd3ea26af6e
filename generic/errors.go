/*
errors.go - Centralized error types for the generic engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these (or wrap them) so that callers can tell a
  business-rule rejection from a technical failure with errors.Is/As.

ERROR CATEGORIES:
  1. Validation errors - Malformed command input, nothing is written
  2. Rejections - A business rule refused the command, nothing is written
  3. Projection errors - A materialized view write failed, batch rolled back
  4. Storage errors - The log is unavailable, retried by the caller's cadence

USAGE:
  if errors.Is(err, generic.ErrBusinessRule) {
      var rej *generic.RejectionError
      errors.As(err, &rej)
      fmt.Println("rejected by", rej.Rule)
  }

SEE ALSO:
  - eventlog.go: Returns ValidationError, StorageError, ErrConcurrentModification
  - projection.go: Returns ProjectionError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. The log is unaffected.
	ErrValidation = errors.New("validation failed")

	// ErrBusinessRule is returned when a command is refused by a business rule.
	ErrBusinessRule = errors.New("business rule rejection")

	// ErrStaleReference is returned when a caller's "latest" reference no longer
	// matches the system's latest state.
	ErrStaleReference = errors.New("stale reference")

	// ErrProjection is returned when a materialized view could not be updated.
	ErrProjection = errors.New("projection failed")

	// ErrStorage is returned when the event log or a projection store is unavailable.
	ErrStorage = errors.New("storage unavailable")

	// ErrConcurrentModification is returned when an optimistic append finds
	// that the log moved since the caller read it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateEventUID is returned when an event with the same uid already exists.
	ErrDuplicateEventUID = errors.New("duplicate event uid")

	// ErrInvalidPeriod is returned when a month range is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrNotFound is returned when a referenced aggregate or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusFull is returned when a bounded bus cannot accept another message.
	ErrBusFull = errors.New("bus is full")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is a shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Rule names a business rule that can reject a command.
type Rule string

const (
	RuleChangeAlreadyOpen   Rule = "change_already_open"
	RuleInvalidChangeStatus Rule = "invalid_change_status"
	RuleDecisionExists      Rule = "decision_exists"
	RuleStaleReference      Rule = "stale_reference"
	RuleExistingPlan        Rule = "existing_plan"
	RuleNotFound            Rule = "not_found"
	RuleNothingToProcess    Rule = "nothing_to_process"
)

// RejectionError is a named business-rule rejection.
type RejectionError struct {
	Rule   Rule
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Rule, e.Reason)
}

func (e *RejectionError) Unwrap() []error {
	if e.Rule == RuleNotFound {
		return []error{ErrBusinessRule, ErrNotFound}
	}
	return []error{ErrBusinessRule}
}

// Reject builds a *RejectionError.
func Reject(rule Rule, format string, args ...any) error {
	return &RejectionError{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// StaleReferenceError reports an optimistic-concurrency mismatch on a "latest" id.
type StaleReferenceError struct {
	Kind     string // "calculation" or "paymentPlan"
	Expected string // what the caller believed was latest
	Actual   string // what the log says is latest
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale %s reference: got %q, latest is %q", e.Kind, e.Expected, e.Actual)
}

func (e *StaleReferenceError) Unwrap() []error {
	return []error{ErrStaleReference, ErrBusinessRule}
}

// ProjectionError wraps a failed projection write. The event's batch was
// rolled back and will be retried on the next poll.
type ProjectionError struct {
	Projection string
	SequenceID int64
	Err        error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s at event %d: %v", e.Projection, e.SequenceID, e.Err)
}

func (e *ProjectionError) Unwrap() []error { return []error{ErrProjection, e.Err} }

// StorageError wraps a failed read or write of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to the caller's input or
// the current state of the system (as opposed to a technical failure).
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrDuplicateEventUID) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsRejection returns true for business-rule rejections, including stale references.
func IsRejection(err error) bool {
	return errors.Is(err, ErrBusinessRule)
}

// RuleOf returns the rule that rejected err, or "" if err is not a rejection.
func RuleOf(err error) Rule {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Rule
	}
	var stale *StaleReferenceError
	if errors.As(err, &stale) {
		return RuleStaleReference
	}
	return ""
}
