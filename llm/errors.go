package llm

import "errors"

// Completion failures fall into two classes, and the distinction drives two
// retry layers: the client walks its fallback chain and backs off on
// transient errors, and the worker requeues a failed generation job while
// attempt budget remains. A fatal error stops both immediately.

// classedError tags a wrapped error with its retry class.
type classedError struct {
	err   error
	fatal bool
}

func (e *classedError) Error() string { return e.err.Error() }
func (e *classedError) Unwrap() error { return e.err }

// NewTransientError marks an error as retryable: endpoint overload,
// timeouts, 5xx responses.
func NewTransientError(err error) error {
	return &classedError{err: err}
}

// NewFatalError marks an error as permanent: bad credentials, malformed
// requests, unknown models. Retrying cannot help.
func NewFatalError(err error) error {
	return &classedError{err: err, fatal: true}
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	var ce *classedError
	return errors.As(err, &ce) && !ce.fatal
}

// IsFatal reports whether retrying the error is pointless. The worker fails
// a generation job outright on a fatal error instead of spending its
// attempt budget on it.
func IsFatal(err error) bool {
	var ce *classedError
	return errors.As(err, &ce) && ce.fatal
}
