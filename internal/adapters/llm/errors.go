package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a temporary failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError is a permanent failure that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// statusError classifies an HTTP status: 408, 429 and 5xx are transient.
func statusError(provider string, status int, body string) error {
	err := fmt.Errorf("%s returned status %d: %s", provider, status, body)
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return NewTransientError(err)
	}
	return NewFatalError(err)
}
