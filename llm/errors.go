package llm

import (
	"errors"
)

// Planner calls fail in two ways: the endpoint hiccupped (rate limit,
// timeout, 5xx) and the same request may succeed shortly, or the
// request itself is bad (auth, malformed prompt, unknown model) and
// repeating it only burns budget. Providers classify each failure into
// one of the two wrappers below; the client's retry loop and the
// planner's fallback chain branch on them.

// TransientError marks a failure worth retrying against the same
// endpoint.
type TransientError struct {
	cause error
}

// NewTransientError wraps a retryable failure.
func NewTransientError(err error) error {
	return &TransientError{cause: err}
}

func (e *TransientError) Error() string { return e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// FatalError marks a failure that no amount of retrying will fix.
type FatalError struct {
	cause error
}

// NewFatalError wraps a non-retryable failure.
func NewFatalError(err error) error {
	return &FatalError{cause: err}
}

func (e *FatalError) Error() string { return e.cause.Error() }
func (e *FatalError) Unwrap() error { return e.cause }

// IsTransient reports whether err carries a TransientError anywhere in
// its chain.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err carries a FatalError anywhere in its
// chain.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
