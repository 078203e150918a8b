// Package errors is the error vocabulary for slate.
//
// It re-exports github.com/cockroachdb/errors (stack traces, hints, details,
// marking) and defines the sentinels the job engine reports. Callers compare
// with errors.Is and add context with errors.Wrap; the sentinel survives.
//
//	if errors.Is(err, errors.ErrBusy) {
//	    // another worker holds the claim, try again later
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
	Join         = crdb.Join
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinels.
var (
	// ErrNotFound indicates the requested job or item does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict
	ErrConflict = New("resource conflict")
)

// Job engine sentinels. All but ErrBusy and ErrFatal are conflicts; see
// IsConflict.
var (
	// ErrAlreadyActive: an unterminated job exists for the same owner and type.
	ErrAlreadyActive = New("job already active")

	// ErrBusy: another worker holds a live claim on the job. Transient.
	ErrBusy = New("job claimed by another worker")

	// ErrStaleDecision: the decision id no longer matches the pending decision.
	ErrStaleDecision = New("stale decision")

	// ErrClaimLost: the caller's claim expired or was stolen mid-tick.
	ErrClaimLost = New("claim lost")

	// ErrTerminal: the job is completed, failed or stopped.
	ErrTerminal = New("job is terminal")

	// ErrInvalidTransition: a status change that the state machine forbids.
	ErrInvalidTransition = New("invalid state transition")

	// ErrFatal marks an unrecoverable work-unit error; the job fails immediately.
	ErrFatal = New("fatal")
)

// Fatal marks err so the tick executor fails the whole job instead of
// retrying the item.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrFatal)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsStaleState reports whether err means the caller's view of the job is out
// of date and should be re-synced rather than treated as a failure.
func IsStaleState(err error) bool {
	return err != nil && (Is(err, ErrStaleDecision) || Is(err, ErrClaimLost))
}

// IsConflict reports whether err conflicts with the job's current state.
// The HTTP layer answers these with 409.
func IsConflict(err error) bool {
	return err != nil && IsAny(err, ErrConflict, ErrAlreadyActive, ErrStaleDecision,
		ErrClaimLost, ErrTerminal, ErrInvalidTransition)
}

// IsTransient reports errors that are safe to retry without persisting anything.
func IsTransient(err error) bool {
	return err != nil && (Is(err, ErrBusy) || Is(err, ErrRateLimited) || Is(err, ErrTimeout) || Is(err, ErrServiceUnavailable))
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
