package config

import (
	"errors"
	"fmt"
)

// ErrFileNotFound indicates the configuration file doesn't exist.
var ErrFileNotFound = errors.New("config file not found")

// ParseError is a TOML syntax or type error. Line and Column are zero when
// the decoder could not place it.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError names a setting that holds an unusable value.
type ValidationError struct {
	// Path is the dotted setting name, such as broker.max_restarts.
	Path    string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Path, e.Message, e.Value)
}
