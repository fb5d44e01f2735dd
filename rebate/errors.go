/*
errors.go - Centralized error types for the rebate engine

PURPOSE:
  All error types in one place. Callers classify with errors.Is / errors.As
  or with the helpers at the bottom of this file; the HTTP layer maps the
  classes onto status codes.

ERROR CATEGORIES:
  1. Input errors - InvalidFormat, OutOfRange, PrecisionExceeded, InvalidArgument
  2. Lookup errors - NotFound, NoConfig, NoAgency
  3. Consistency errors - ConcurrentModification, IllegalTransition

  Input and lookup errors are returned before any write. Consistency errors
  mean the caller may retry.

SEE ALSO:
  - rate.go: Produces RateError
  - store/sqlite/sqlite.go: Maps SQLite constraint failures onto these sentinels
*/
package rebate

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidFormat is returned when a rate does not parse as a number.
	ErrInvalidFormat = errors.New("rebate rate is not a number")

	// ErrOutOfRange is returned when a rate is outside [0, 100].
	ErrOutOfRange = errors.New("rebate rate must be between 0 and 100")

	// ErrPrecisionExceeded is returned when a rate has more than 2 decimal places.
	ErrPrecisionExceeded = errors.New("rebate rate allows at most 2 decimal places")

	// ErrInvalidArgument is returned for malformed request fields
	// (unknown platform, target type, effect type, negative offset...).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidEffectiveDate is returned when an immediate change would start
	// before the record it replaces.
	ErrInvalidEffectiveDate = errors.New("effective date precedes the active configuration")

	// ErrNotFound is returned when a talent, agency or config doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrNoConfig is returned when an agency exists but has no active rate.
	ErrNoConfig = errors.New("agency has no active rebate configuration")

	// ErrNoAgency is returned when an agency operation targets an independent talent.
	ErrNoAgency = errors.New("talent does not belong to an agency")

	// ErrConcurrentModification is returned when the active record changed
	// between read and write. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrIllegalTransition is returned for any status move other than
	// pending->active or active->expired.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrDuplicateIdempotencyKey is returned by stores when a key is reused.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RateError reports why a raw rate was rejected.
type RateError struct {
	Raw string
	Err error
}

func (e *RateError) Error() string {
	return fmt.Sprintf("invalid rebate rate %q: %v", e.Raw, e.Err)
}

func (e *RateError) Unwrap() error { return e.Err }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "talent", "agency", "config"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError describes a rejected status move.
type TransitionError struct {
	ConfigID ConfigID
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("config %s: cannot move from %s to %s", e.ConfigID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrPrecisionExceeded) ||
		errors.Is(err, ErrInvalidArgument)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnprocessable returns true when the request is well formed but the
// current state doesn't allow it.
func IsUnprocessable(err error) bool {
	return errors.Is(err, ErrNoConfig) ||
		errors.Is(err, ErrNoAgency) ||
		errors.Is(err, ErrInvalidEffectiveDate) ||
		errors.Is(err, ErrIllegalTransition)
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return "INVALID_FORMAT"
	case errors.Is(err, ErrOutOfRange):
		return "OUT_OF_RANGE"
	case errors.Is(err, ErrPrecisionExceeded):
		return "PRECISION_EXCEEDED"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrInvalidEffectiveDate):
		return "INVALID_EFFECTIVE_DATE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNoConfig):
		return "NO_CONFIG"
	case errors.Is(err, ErrNoAgency):
		return "NO_AGENCY"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "DUPLICATE_IDEMPOTENCY_KEY"
	default:
		return "INTERNAL"
	}
}
