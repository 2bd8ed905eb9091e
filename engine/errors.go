/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure in this package is a value returned to the caller; nothing
  here is fatal to the process.

ERROR CATEGORIES:
  1. Validation errors - Malformed input, rejected before anything is written
  2. Transition errors - State machine precondition violated, state unchanged
  3. Storage errors - Durability layer failure, retryable
  4. Unknown enumeration values - Treated as normal negative outcomes

USAGE:
  Callers branch with errors.Is on the sentinels:

    if errors.Is(err, engine.ErrInvalidTransition) {
        // report a conflict
    }
    if engine.IsRetryable(err) {
        // back off and retry
    }

SEE ALSO:
  - events.go: Validation of scored events and assessments
  - subscription.go: TransitionError producers
  - store/sqlite/sqlite.go: StorageError producers
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input is malformed (negative points,
	// unknown enumeration value, missing user).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a state machine precondition
	// is violated. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStorageUnavailable is returned when the durability layer fails.
	// Callers decide their own backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnknownMilestoneType is returned for milestone types outside the closed set.
	ErrUnknownMilestoneType = errors.New("unknown milestone type")

	// ErrUnknownCapability is returned by rule lookups for unknown capabilities.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrEventNotFound is returned when verifying an event that was never recorded.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidLevelTable is returned when a level table cannot be used.
	ErrInvalidLevelTable = errors.New("invalid level table")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError records the attempted move between two states.
type TransitionError struct {
	Machine string // "subscription" or "milestone"
	UserID  UserID
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s for %s: cannot move from %s to %s", e.Machine, e.UserID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StorageError wraps a failure of the underlying store. It matches both
// ErrStorageUnavailable and the original cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// Unavailable wraps err as a StorageError for op. Nil stays nil, and errors
// that already carry an engine classification are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownMilestoneType) ||
		errors.Is(err, ErrUnknownCapability)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}
