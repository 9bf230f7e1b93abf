package loader

import (
	"errors"
	"fmt"
)

// Loader errors.
var (
	// ErrAccessDenied is returned when a plugin may not load a unit.
	ErrAccessDenied = errors.New("loader: access denied")

	// ErrUnitNotFound is returned when an allowed unit exists nowhere.
	ErrUnitNotFound = errors.New("loader: unit not found")

	// ErrAlreadyDefined is returned when a unit name is defined twice.
	ErrAlreadyDefined = errors.New("loader: unit already defined")
)

// AccessError reports a refused unit. Err carries the underlying cause,
// such as a gate rejection or a signature failure, and may be nil.
type AccessError struct {
	Unit   string
	Reason string
	Err    error
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrAccessDenied, e.Unit)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrAccessDenied and the cause.
func (e *AccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAccessDenied}
	}
	return []error{ErrAccessDenied, e.Err}
}

// NotFoundError reports an allowed unit that no source provides.
type NotFoundError struct {
	Unit string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnitNotFound, e.Unit)
}

func (e *NotFoundError) Unwrap() error {
	return ErrUnitNotFound
}
