/*
errors.go - Centralized error types for the ledger, rewards and rules core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Services wrap these errors with context; callers classify them with the
  helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any mutation
  2. Not-found errors - unknown identifiers
  3. Conflict errors - the request collides with existing state; do not
     blindly retry
  4. Store errors - storage-level failures; ErrConcurrentModification is
     safe to retry because the whole transaction rolled back

USAGE:
  if core.IsConflict(err) {
      // surface as 409
  }

SEE ALSO:
  - api/handlers.go: Maps categories to HTTP status codes
*/
package core

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

// Validation
var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrSelfReferral          = errors.New("referrer and referred user cannot be the same")
	ErrInvalidCondition      = errors.New("invalid condition tree")
	ErrInvalidAction         = errors.New("invalid action definition")
	ErrInvalidRule           = errors.New("invalid rule")
	ErrInvalidEntry          = errors.New("invalid ledger entry")
	ErrInvalidEmail          = errors.New("invalid email")
	ErrInvalidCursor         = errors.New("invalid pagination cursor")
	ErrInvalidStatus         = errors.New("invalid status")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

// Not found
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEntryNotFound  = errors.New("ledger entry not found")
	ErrRewardNotFound = errors.New("reward not found")
	ErrRuleNotFound   = errors.New("rule not found")
)

// Conflict
var (
	// ErrIdempotencyConflict is returned when a key is reused with different
	// request parameters.
	ErrIdempotencyConflict = errors.New("idempotency key already used with different request parameters")
	ErrAlreadyReversed     = errors.New("entry has already been reversed")
	ErrAlreadyVoid         = errors.New("entry is already void")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNoCreditEntry       = errors.New("no credit entry found for reward")
	ErrEmailTaken          = errors.New("user with this email already exists")
)

// Store
var (
	// ErrDuplicateIdempotencyKey is returned by stores when the unique
	// constraint on an idempotency key fires. Services translate it into a
	// replay or an ErrIdempotencyConflict.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a compare-and-set write or
	// a serializable transaction loses a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError names the attempted transition and what was allowed.
type InvalidTransitionError struct {
	From    RewardStatus
	To      RewardStatus
	Allowed []RewardStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		parts := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			parts[i] = string(s)
		}
		allowed = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("invalid status transition from %s to %s (allowed: %s)", e.From, e.To, allowed)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// FieldError reports which input field failed validation.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Err, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrInvalidCondition) ||
		errors.Is(err, ErrInvalidAction) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrMissingIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsConflict returns true if the request collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrAlreadyVoid) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNoCreditEntry) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
