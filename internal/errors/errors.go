// Package errors provides the structured error taxonomy shared by the
// locator, privilege gate, namespace manager and collectors.
//
// Example usage:
//
//	err := errors.WrapWithContext(
//	    errors.ErrCodeToolInvocationFailed,
//	    "perf record exited non-zero",
//	    waitErr,
//	    map[string]any{"pid": pid, "stderr": stderr},
//	)
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a failure for logging and outcome reporting.
type ErrorCode string

const (
	// ErrCodeTargetUnresolvable means no process matched the requested target.
	ErrCodeTargetUnresolvable ErrorCode = "TARGET_UNRESOLVABLE"
	// ErrCodePrivilegeDenied means a required capability was not available.
	ErrCodePrivilegeDenied ErrorCode = "PRIVILEGE_DENIED"
	// ErrCodeToolInvocationFailed means a subprocess or API call failed or
	// produced malformed output.
	ErrCodeToolInvocationFailed ErrorCode = "TOOL_INVOCATION_FAILED"
	// ErrCodePathUnwritable means an output namespace could not be created.
	ErrCodePathUnwritable ErrorCode = "PATH_UNWRITABLE"
	// ErrCodeMissingSnapshot means auto targeting ran without a snapshot.
	ErrCodeMissingSnapshot ErrorCode = "MISSING_SNAPSHOT"
	// ErrCodeInvalidRequest indicates malformed or invalid input.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// StructuredError carries a code, a message, the underlying cause and
// optional key/value context for diagnostics.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a StructuredError with the given code and message.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message}
}

// NewWithContext creates a StructuredError with context information.
func NewWithContext(code ErrorCode, message string, context map[string]any) *StructuredError {
	return &StructuredError{Code: code, Message: message, Context: context}
}

// Wrap wraps an existing error with a code.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause}
}

// WrapWithContext wraps an error with a code and context information.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause, Context: context}
}

// CodeOf returns the code of the first StructuredError in err's chain,
// or ErrCodeInternal when there is none. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}
