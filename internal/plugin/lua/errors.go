package lua

import (
	"errors"
	"fmt"
)

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a call exceeds its timeout.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrNotFunction is returned when a callable was expected.
	ErrNotFunction = errors.New("lua value is not a function")
)

// RuntimeError is a Lua error raised while running plugin code.
type RuntimeError struct {
	Chunk string
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("lua %s: %v", e.Chunk, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
