// Package errs holds the error taxonomy shared by the claim engine, the lock
// manager and the job dispatcher. Callers wrap these with fmt.Errorf("...: %w")
// and test with errors.Is.
package errs

import "errors"

var (
	// ErrLockTimeout means the issue lock stayed busy through every retry.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrTransactionConflict means a concurrent writer won; retry the whole operation.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrExternalUnavailable covers timeouts and rate limits from collaborators.
	ErrExternalUnavailable = errors.New("external service unavailable")
	// ErrDuplicateEvent is returned when an event was already applied.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrInvalidConfiguration stops processing for one repository until an operator fixes it.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrMaxAttemptsExceeded marks a job that moved to the dead letter queue.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	// ErrNotFound is returned by lookups that found no row.
	ErrNotFound = errors.New("not found")
)

// Transient reports whether retrying the same operation later can succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrExternalUnavailable)
}

// Permanent reports errors that must not be retried blindly.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMaxAttemptsExceeded)
}
