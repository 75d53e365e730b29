// Package taskerrors provides structured error types for task handler
// failures. TaskError preserves error chains and supports errors.Is/As while
// remaining flat enough to store verbatim in a task's error_message column.
package taskerrors

import (
	"context"
	"errors"
	"fmt"
)

// TaskError represents a structured handler failure that preserves message and
// causal context while still implementing the standard error interface. Errors
// may be nested via Cause to retain diagnostics across requeues.
type TaskError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Timeout marks failures caused by the dispatcher's per-task deadline.
	Timeout bool
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause *TaskError
}

// New constructs a TaskError with the provided message.
func New(message string) *TaskError {
	if message == "" {
		message = "task error"
	}
	return &TaskError{Message: message}
}

// Errorf formats according to a format specifier and returns a TaskError.
func Errorf(format string, args ...any) *TaskError {
	return New(fmt.Sprintf(format, args...))
}

// NewWithCause constructs a TaskError that wraps an underlying error. The
// cause is converted into a TaskError chain so metadata survives storage while
// still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *TaskError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &TaskError{
		Message: message,
		Timeout: errors.Is(cause, context.DeadlineExceeded),
		Cause:   FromError(cause),
	}
}

// NewTimeout constructs a TaskError marking a per-task execution timeout.
func NewTimeout(message string) *TaskError {
	te := New(message)
	te.Timeout = true
	return te
}

// FromError converts an arbitrary error into a TaskError chain.
func FromError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{
		Message: err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// IsTimeout reports whether any error in the chain is a timeout failure.
func IsTimeout(err error) bool {
	for te := FromError(err); te != nil; te = te.Cause {
		if te.Timeout {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying task error to support errors.Is/As.
func (e *TaskError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
