package alerting

import (
	"errors"
	"fmt"
)

// Error kinds returned by Engine operations. Match with errors.Is.
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrValidation          = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
	ErrUnavailable         = errors.New("dependency unavailable")
)

// Store-level conditions. The engine translates these into the kinds above.
var (
	// ErrDuplicateOpen is returned by Store.Create when the beneficiary already
	// has a non-resolved alert in the same category.
	ErrDuplicateOpen = errors.New("open alert already exists for beneficiary and category")

	// ErrVersionConflict is returned by Store.Apply when the stored version no
	// longer matches the expected one or the alert became terminal.
	ErrVersionConflict = errors.New("alert version conflict")
)

// Error carries the failed operation and alert alongside its kind.
type Error struct {
	Kind    error
	Op      string
	AlertID string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.AlertID != "" {
		msg += " (alert " + e.AlertID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, alertID string, cause error) *Error {
	return &Error{Kind: kind, Op: op, AlertID: alertID, Err: cause}
}

func validationf(op, alertID, format string, args ...any) *Error {
	return newError(ErrValidation, op, alertID, fmt.Errorf(format, args...))
}

// Kind returns the error kind of err, or nil if err is not one of the engine kinds.
func Kind(err error) error {
	for _, k := range []error{ErrAlertNotFound, ErrValidation, ErrInvalidTransition, ErrConcurrencyConflict, ErrPersistence, ErrUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
