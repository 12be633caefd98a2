// Package rerr defines the typed error taxonomy shared by every component
// of the scheduling service: ValidationError, Conflict, Transient,
// Permanent, Cancelled, and SolverFailure. Handlers and the worker
// classify failures by wrapping a sentinel with fmt.Errorf("...: %w", Sentinel)
// and recover the class at the boundary with errors.Is/errors.As.
package rerr

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy class of a wrapped error.
var (
	ErrValidation   = errors.New("validation_error")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient")
	ErrPermanent    = errors.New("permanent")
	ErrCancelled    = errors.New("cancelled")
	ErrSolverFailed = errors.New("solver_failure")
	ErrNotFound     = errors.New("not_found")
)

// Validationf wraps a message as a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Conflictf wraps a message as a Conflict.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Transientf wraps a message as a Transient error.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

// Permanentf wraps a message as a Permanent error.
func Permanentf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrPermanent)...)
}

// NotFoundf wraps a message as a NotFound error.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// SolverFailuref wraps a message as a SolverFailure.
func SolverFailuref(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrSolverFailed)...)
}

// Is reports whether err belongs to the given taxonomy class.
func Is(err, class error) bool {
	return errors.Is(err, class)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound reports whether err represents a missing object/run.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err represents a CAS loss or precondition failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// HTTPStatus maps an error's taxonomy class to the response code mandated
// by the error propagation policy: ValidationError/NotFound/Conflict get
// their specific codes, everything else is an opaque 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	default:
		return 500
	}
}
