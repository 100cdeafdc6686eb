// Package errors provides the structured error type shared by ari packages.
//
// ContextualError records which component failed, what it was doing, an
// optional HTTP status and the underlying cause. The standard errors.Is and
// errors.As see the cause through Unwrap.
//
// Usage:
//
//	err := errors.New("credentials", "Fetch", cause).WithStatusCode(502)
package errors

import (
	stderrors "errors"
	"fmt"
)

// ContextualError describes a failure inside one component operation.
type ContextualError struct {
	// Component is the package or subsystem (e.g. "session", "tools", "credentials").
	Component string

	// Operation is the action in progress (e.g. "Connect", "Invoke").
	Operation string

	// StatusCode is an optional HTTP status from a collaborator.
	StatusCode int

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a ContextualError with the given component, operation, and cause.
func New(component, operation string, cause error) *ContextualError {
	return &ContextualError{
		Component: component,
		Operation: operation,
		Cause:     cause,
	}
}

// Error returns "[component] operation (status N): cause".
func (e *ContextualError) Error() string {
	base := fmt.Sprintf("[%s] %s", e.Component, e.Operation)

	if e.StatusCode != 0 {
		base += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}

	return base
}

// Unwrap returns the underlying cause.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// WithStatusCode sets the status code and returns the same error.
func (e *ContextualError) WithStatusCode(code int) *ContextualError {
	e.StatusCode = code
	return e
}

// StatusCode returns the status code of the first ContextualError in err's
// chain that carries one, or 0.
func StatusCode(err error) int {
	for err != nil {
		var ce *ContextualError
		if !stderrors.As(err, &ce) {
			return 0
		}
		if ce.StatusCode != 0 {
			return ce.StatusCode
		}
		err = ce.Cause
	}
	return 0
}
