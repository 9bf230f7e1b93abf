package manifest

import (
	"errors"
	"fmt"
)

// Manifest errors.
var (
	// ErrMissingField is returned when a required manifest key is absent.
	ErrMissingField = errors.New("manifest: required field missing")

	// ErrInvalidField is returned when a manifest key is present but unusable.
	ErrInvalidField = errors.New("manifest: invalid field")

	// ErrIncompatibleAPI is returned when the declared API bounds exclude the host version.
	ErrIncompatibleAPI = errors.New("manifest: incompatible api version")

	// ErrUnknownFormat is returned for manifest files with an unrecognized extension.
	ErrUnknownFormat = errors.New("manifest: unknown format")
)

// FieldError names the manifest field that failed to parse.
type FieldError struct {
	Field  string
	Reason string
	err    error
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.err, e.Field)
	}
	return fmt.Sprintf("%v: %s: %s", e.err, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.err
}

func missing(field string) error {
	return &FieldError{Field: field, err: ErrMissingField}
}

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...), err: ErrInvalidField}
}

// VersionError reports which API bound rejected the host version.
type VersionError struct {
	Host       string
	Constraint string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v: host %s does not satisfy %s", ErrIncompatibleAPI, e.Host, e.Constraint)
}

func (e *VersionError) Unwrap() error {
	return ErrIncompatibleAPI
}
