// Package apperr holds the error kinds shared by the ingestion pipeline,
// the maintenance jobs and the query router.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransientProvider marks provider failures worth retrying: rate
	// limits, timeouts, 5xx responses and dropped connections.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrPermanentProvider marks provider failures that will not improve on
	// retry, such as malformed input.
	ErrPermanentProvider = errors.New("permanent provider error")
	// ErrGraphWriteConflict is a retryable graph store failure (deadlock,
	// leader switch, lock timeout). Writes are upserts so a retry is safe.
	ErrGraphWriteConflict = errors.New("graph write conflict")
	// ErrQueryGeneration marks a generated graph query that could not be
	// parsed or executed.
	ErrQueryGeneration = errors.New("query generation error")
	// ErrValidation rejects malformed input before any work is created.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
)

// Error attaches an operation name to one of the error kinds above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, op string, err error) error {
	var existing *Error
	if errors.As(err, &existing) && errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return wrap(ErrTransientProvider, op, err)
}

func Permanent(op string, err error) error {
	return wrap(ErrPermanentProvider, op, err)
}

func Conflict(op string, err error) error {
	return wrap(ErrGraphWriteConflict, op, err)
}

func QueryGeneration(op string, err error) error {
	return wrap(ErrQueryGeneration, op, err)
}

// Validation builds a validation error from a message.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op string, err error) error {
	return wrap(ErrNotFound, op, err)
}

// IsRetryable reports whether err should be retried with backoff. Unknown
// errors are treated as transient; context cancellation never is.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrPermanentProvider),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrQueryGeneration):
		return false
	default:
		return true
	}
}

// IsPermanent reports whether err must fail a unit without further retries.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err) && !errors.Is(err, context.Canceled)
}
