package sequence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means a referenced sequence, contact, step or enrollment is absent
	ErrNotFound = errors.New("not found")
	// ErrValidation means malformed configuration or input
	ErrValidation = errors.New("validation failed")
	// ErrConflict means a concurrent worker won the claim
	ErrConflict = errors.New("concurrent modification")
	// ErrAlreadyEnrolled means the contact already has an open enrollment in the sequence
	ErrAlreadyEnrolled = errors.New("contact already enrolled")
	// ErrInvalidTransition means the requested status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransientError wraps a failed external call that may succeed on retry
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
