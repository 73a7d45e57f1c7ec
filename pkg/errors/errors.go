// Package apperrors defines the standardized error kinds of the paper-trading core.
package apperrors

import "errors"

// Core error kinds. Callers classify with errors.Is and wrap with fmt.Errorf("...: %w", ...).
var (
	// ErrValidation marks a malformed request or an OHLC/alignment violation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing candle, order, or run report.
	ErrNotFound = errors.New("not found")

	// ErrDeterministicSafety marks an operation that would need a candle the store
	// does not have. The operation aborts without persisting anything.
	ErrDeterministicSafety = errors.New("deterministic safety violation")

	// ErrRiskRejected marks a pre-trade risk rejection. The reason text is stable
	// and recorded verbatim on the rejected order.
	ErrRiskRejected = errors.New("risk rejected")

	// ErrInvalidStateTransition marks an illegal order lifecycle transition,
	// e.g. canceling a FILLED order.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrIdempotencyConflict marks a replayed idempotency key whose payload does
	// not match the original order.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrStoreUnavailable marks an unreachable backing store; retryable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrVendorUnavailable marks a failing market-data vendor; retryable.
	ErrVendorUnavailable = errors.New("vendor unavailable")
)
