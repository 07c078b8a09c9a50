/*
errors.go - Centralized error types for the warehouse engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As or the helpers below.

ERROR CATEGORIES:
  1. Record errors - bad or late data; the record is rejected and reported,
     the batch continues for every other natural key
  2. Configuration errors - a defect in rules or schemas; fatal, the batch
     stops immediately
  3. Concurrency errors - two writers raced on one natural key; retried

SEE ALSO:
  - merge.go: OutOfOrderEffectiveDateError
  - facts.go: ReferenceResolutionError
  - latefee.go: RuleGapError, AmbiguousRuleMatchError
*/
package warehouse

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutOfOrderEffectiveDate is returned when a dimension record does not
	// start strictly after the open version of its natural key.
	ErrOutOfOrderEffectiveDate = errors.New("out-of-order effective date")

	// ErrReferenceResolution is returned when a fact references a natural key
	// with no version valid on the event date.
	ErrReferenceResolution = errors.New("reference resolution failed")

	// ErrRuleGap is returned when late-fee buckets do not cover every
	// non-negative delay.
	ErrRuleGap = errors.New("late-fee rule gap")

	// ErrAmbiguousRuleMatch is returned when two late-fee buckets overlap.
	ErrAmbiguousRuleMatch = errors.New("ambiguous late-fee rule match")

	// ErrNonMonotonicRates is returned when a longer delay maps to a lower rate.
	ErrNonMonotonicRates = errors.New("late-fee rates decrease with delay")

	// ErrInvalidSchema is returned for malformed dimension or fact schemas.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrConcurrentSupersession is returned by stores when the current version
	// changed between read and write (compare-and-swap failure).
	ErrConcurrentSupersession = errors.New("concurrent supersession")

	// ErrDuplicateIdempotencyKey is returned when a fact with the same
	// idempotency key already exists. Expected on replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrUnknownSubject is returned for records naming an unregistered
	// dimension or fact table.
	ErrUnknownSubject = errors.New("unknown record subject")

	// ErrInvalidRecord is returned for records missing a natural key, date
	// or required field.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrVersionNotFound is returned when closing or touching a surrogate key
	// that does not exist.
	ErrVersionNotFound = errors.New("dimension version not found")

	// ErrBatchNotFound is returned when a batch run does not exist.
	ErrBatchNotFound = errors.New("batch not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry context for manual reprocessing
// =============================================================================

// OutOfOrderEffectiveDateError reports a late-arriving dimension record.
type OutOfOrderEffectiveDateError struct {
	Key           EntityKey
	EffectiveDate Date
	OpenFrom      Date // valid_from of the open version
	Reason        string
}

func (e *OutOfOrderEffectiveDateError) Error() string {
	return fmt.Sprintf("out-of-order effective date for %s: %s does not start after open version from %s (%s)",
		e.Key, e.EffectiveDate, e.OpenFrom, e.Reason)
}

func (e *OutOfOrderEffectiveDateError) Unwrap() error { return ErrOutOfOrderEffectiveDate }

// ReferenceResolutionError reports a dangling fact reference.
type ReferenceResolutionError struct {
	Table      FactTable
	NaturalKey NaturalKey // the transaction's own key
	EventDate  Date
	Dimension  DimensionKind
	Reference  NaturalKey
	// EarliestFrom is the first valid_from of the referenced entity, nil if
	// the entity was never seen.
	EarliestFrom *Date
}

func (e *ReferenceResolutionError) Error() string {
	if e.EarliestFrom == nil {
		return fmt.Sprintf("%s %s: %s %q has never been seen (event date %s)",
			e.Table, e.NaturalKey, e.Dimension, e.Reference, e.EventDate)
	}
	return fmt.Sprintf("%s %s: %s %q has no version on %s (earliest version starts %s)",
		e.Table, e.NaturalKey, e.Dimension, e.Reference, e.EventDate, e.EarliestFrom)
}

func (e *ReferenceResolutionError) Unwrap() error { return ErrReferenceResolution }

// RuleGapError reports uncovered delays in the late-fee schedule.
type RuleGapError struct {
	FromMonths int
	Reason     string
}

func (e *RuleGapError) Error() string {
	return fmt.Sprintf("late-fee schedule gap at %d months: %s", e.FromMonths, e.Reason)
}

func (e *RuleGapError) Unwrap() error { return ErrRuleGap }

// AmbiguousRuleMatchError reports overlapping late-fee buckets.
type AmbiguousRuleMatchError struct {
	Months int
	First  string
	Second string
}

func (e *AmbiguousRuleMatchError) Error() string {
	return fmt.Sprintf("late-fee rules %q and %q both match %d months", e.First, e.Second, e.Months)
}

func (e *AmbiguousRuleMatchError) Unwrap() error { return ErrAmbiguousRuleMatch }

// ConcurrentSupersessionConflictError is surfaced once retries are exhausted.
type ConcurrentSupersessionConflictError struct {
	Key      EntityKey
	Attempts int
	Err      error
}

func (e *ConcurrentSupersessionConflictError) Error() string {
	return fmt.Sprintf("concurrent supersession on %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConcurrentSupersessionConflictError) Unwrap() error { return ErrConcurrentSupersession }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	var conflict *ConcurrentSupersessionConflictError
	if errors.As(err, &conflict) {
		return false // already retried
	}
	return errors.Is(err, ErrConcurrentSupersession)
}

// IsRecordError returns true if the error rejects a single record.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrOutOfOrderEffectiveDate) ||
		errors.Is(err, ErrReferenceResolution) ||
		errors.Is(err, ErrUnknownSubject) ||
		errors.Is(err, ErrInvalidRecord)
}

// IsConfigError returns true if the error is a systemic configuration defect.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrRuleGap) ||
		errors.Is(err, ErrAmbiguousRuleMatch) ||
		errors.Is(err, ErrNonMonotonicRates) ||
		errors.Is(err, ErrInvalidSchema)
}
