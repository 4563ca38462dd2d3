// Package engine drives a reconciliation session: snapshot the
// target, mirror its state into the workspace, run the external
// installer, diff the outcome, and apply the delta back to the
// target.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a session error for exit handling and
// reporting.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on a
	// later run, such as an unreachable upstream index.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that will not resolve
	// without operator action, such as malformed target metadata.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassDegraded indicates a partial failure the session
	// survived, reported so the operator knows the install is
	// incomplete.
	ErrorClassDegraded ErrorClass = "degraded"
)

// SessionError is a classified error with enough context to identify
// the offending package or file.
type SessionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure category for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the distribution name or target path involved.
	Resource string `json:"resource,omitempty"`

	// Operation is what the session was doing when it failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SessionError) Unwrap() error {
	return e.Err
}

func (e *SessionError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *SessionError {
	return &SessionError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *SessionError {
	return &SessionError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewDegradedError creates a new degraded error.
func NewDegradedError(message string, err error) *SessionError {
	return &SessionError{
		Class:   ErrorClassDegraded,
		Message: message,
		Err:     err,
	}
}

// WithResource adds the involved distribution or path to an error.
func (e *SessionError) WithResource(resource string) *SessionError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *SessionError) WithOperation(operation string) *SessionError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *SessionError) WithCode(code string) *SessionError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *SessionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *SessionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Session error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNoTargetFound       = "NO_TARGET_FOUND"
	ErrCodeMalformedMetadata   = "MALFORMED_METADATA"
	ErrCodeUpstreamUnreachable = "UPSTREAM_UNREACHABLE"
	ErrCodeInstallerFailure    = "INSTALLER_FAILURE"
	ErrCodeTargetIO            = "TARGET_IO"
	ErrCodeCompilationFailure  = "COMPILATION_FAILURE"
)
