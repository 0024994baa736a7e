package depcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by dependency operations on a backend
	// built without SupportsDependencies.
	ErrNotSupported = errors.New("depcache: operation not supported by this backend")

	ErrTooManyTransactionAttempts = errors.New("depcache: too many transaction attempts")
	ErrTooManyGetAttempts         = errors.New("depcache: too many get-item attempts")

	// ErrInvalidItem marks stored payloads that could not be decoded, as
	// opposed to transport failures.
	ErrInvalidItem = errors.New("depcache: invalid cache item")

	ErrNilStore = errors.New("depcache: store is required")

	// ErrInvalidDependency rejects empty dependency names and names
	// containing '\n', which would break the dependencies record.
	ErrInvalidDependency = errors.New("depcache: invalid dependency name")
)

// RetryError is returned when an optimistic transaction kept losing races.
// Nothing was written by the failed operation.
type RetryError struct {
	Op       string
	Key      string
	Attempts int
	Err      error // ErrTooManyTransactionAttempts or ErrTooManyGetAttempts
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s %q: gave up after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

type InvalidItemError struct {
	Key string
	Err error
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("depcache: invalid cache item %q: %v", e.Key, e.Err)
}

func (e *InvalidItemError) Unwrap() []error {
	errs := []error{ErrInvalidItem}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
