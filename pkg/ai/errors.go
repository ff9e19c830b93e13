package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/menome/thelink/backend/pkg/apperr"
)

// ParseError is returned when a structured reply could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DecodeStructured decodes raw model output into out, wrapping failures in a
// *ParseError.
func DecodeStructured(raw string, out any) error {
	if err := UnmarshalFlexible(raw, out); err != nil {
		return &ParseError{Raw: raw, Err: err}
	}
	return nil
}

// ClassifyStatus maps an HTTP status returned by a provider onto the error
// taxonomy. Rate limits, timeouts, conflicts and server errors are
// transient; any other 4xx is permanent.
func ClassifyStatus(op string, status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return apperr.Transient(op, err)
	case status >= 400:
		return apperr.Permanent(op, err)
	default:
		return ClassifyError(op, err)
	}
}

// ClassifyError handles provider errors that carry no HTTP status. Parse
// failures and cancellation pass through untouched.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, apperr.ErrTransientProvider) || errors.Is(err, apperr.ErrPermanentProvider) {
		return err
	}
	// timeouts, dropped connections and anything else unrecognised
	return apperr.Transient(op, err)
}
