/*
errors.go - Centralized error types for the balance engine

ERROR CATEGORIES:
  1. Validation errors - bad ranges, bad fields, unknown accounts.
     Nothing is written when one of these is returned.
  2. Conflict errors - another writer won; retry the whole range.
  3. Scheduling errors - the write committed but one or more ranges
     failed to recompute. Recompute is idempotent, so re-running
     RecalcRange over the reported ranges is always safe.

USAGE:
  if errors.Is(err, balance.ErrAccountNotFound) { ... }

  var serr *balance.ScheduleError
  if errors.As(err, &serr) {
      for _, f := range serr.Failures { ... }
  }
*/
package balance

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid range")

	// ErrAccountNotFound is returned when the account directory has no such account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when updating or deleting a missing transaction.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAccountExists is returned when creating an account whose ID is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrDuplicateTransaction is returned when inserting an ID that already exists.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrInvalidChange is returned for a change with neither a before nor an after image.
	ErrInvalidChange = errors.New("invalid change")

	// ErrInvalidAmount is returned when a money string cannot be represented exactly.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidField is returned when a required field is missing or malformed.
	ErrInvalidField = errors.New("invalid field")

	// ErrCurrencyMismatch is returned when a write uses a currency the account does not hold.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrConcurrentModification is returned when the store detects a competing writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RangeError describes a rejected date range.
type RangeError struct {
	From   Day
	To     Day
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range [%s, %s]: %s", e.From, e.To, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// FieldError describes a rejected input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

func (e *FieldError) Unwrap() error { return ErrInvalidField }

// RangeFailure is one pending range that failed to recompute.
type RangeFailure struct {
	Range PendingRange
	Err   error
}

// ScheduleError aggregates every range that failed during one scheduler run.
// The triggering write is already committed when this is returned.
type ScheduleError struct {
	Failures []RangeFailure
}

func (e *ScheduleError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s: %v", f.Range.Key, f.Range.Range, f.Err))
	}
	return fmt.Sprintf("recompute failed for %d range(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *ScheduleError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-running the whole operation might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidField) ||
		errors.Is(err, ErrInvalidChange) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrDuplicateTransaction)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
