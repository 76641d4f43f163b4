package extract

import (
	"context"
	"errors"
	"net"

	"github.com/kalambet/inciq/internal/engine"
)

// TransientError marks a failure that may succeed on a later attempt:
// timeouts, rate limits, server errors and unusable model output.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a record that can never be extracted as is, such as
// a payload that does not conform to the listing schema.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify wraps retryable backend failures in a TransientError. parent is the
// caller's context: a deadline on the per-call context is transient, while
// cancellation of the parent is returned unchanged so the caller can stop.
func classify(parent context.Context, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}
	var se *engine.StatusError
	if errors.As(err, &se) {
		if se.Retryable() {
			return &TransientError{Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &TransientError{Err: err}
	}
	return err
}
