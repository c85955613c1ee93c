package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrContention = errors.New("contention: retry budget exhausted")
)

// FieldError is one caller-input problem located by a slash separated path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + " " + f.Message
}

// ValidationError reports caller input that was rejected before any state changed.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, f := range e.Errors {
		parts = append(parts, f.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a single-field validation error.
func NewValidationError(path, format string, args ...any) *ValidationError {
	e := &ValidationError{}
	e.add(path, format, args...)
	return e
}

// ReplayError is returned when a well-formed log cannot be folded into the derived state.
type ReplayError struct {
	TaskID   string
	Event    Event
	Snapshot *TaskState
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("apply log %s to task %s: %v", e.Event.ID, e.TaskID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
