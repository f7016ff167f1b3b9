// Package errors provides coded application errors shared by every layer of
// the approval engine. Handlers translate codes into HTTP and gRPC statuses.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"

	// Workflow engine taxonomy.
	ErrCodeDefinitionNotFound   Code = "DEFINITION_NOT_FOUND"
	ErrCodeNoApproverResolved   Code = "NO_APPROVER_RESOLVED"
	ErrCodeInstanceNotFound     Code = "INSTANCE_NOT_FOUND"
	ErrCodeInstanceTerminal     Code = "INSTANCE_TERMINAL"
	ErrCodeStepMismatch         Code = "STEP_MISMATCH"
	ErrCodeDuplicateDecision    Code = "DUPLICATE_DECISION"
	ErrCodeGraphInvalid         Code = "GRAPH_INVALID"
	ErrCodeActiveInstanceExists Code = "ACTIVE_INSTANCE_EXISTS"
	ErrCodeDelegationOverlap    Code = "DELEGATION_OVERLAP"
)

// Error is a coded error carrying an optional field name and cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Wrapping an error
// that already carries a code keeps the original code.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if stderrors.As(err, &existing) {
		code = existing.Code
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource of the given kind.
func NotFound(kind, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// InvalidInput reports a validation failure for a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is re-exported so callers importing this package as "errors" keep
// access to the standard helper.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
