package convert

import (
	"errors"
	"fmt"
)

var (
	ErrConversionInProgress = errors.New("conversion in progress")
	ErrStopped              = errors.New("conversion stopped")
	ErrNoOutput             = errors.New("converter produced no output")
)

// StreamError is a read failure on one of the converter's output streams.
type StreamError struct {
	Stream string // stdout or stderr
	Err    error
}

func (e *StreamError) Error() string {
	return "reading converter " + e.Stream + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ExitError reports a converter which exited with a non-zero status. Err
// is the underlying *exec.ExitError.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("converter exited with status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
