package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is matched by errors.Is for calls naming a tool that is
// not registered or not enabled.
var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError names the tool that could not be dispatched.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Unwrap returns ErrUnknownTool.
func (e *UnknownToolError) Unwrap() error {
	return ErrUnknownTool
}

// ValidationError reports arguments that fail the tool's schema.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Detail)
}

// CollaboratorError reports a failed backend call. Message is the backend's
// own error text when it sent one.
type CollaboratorError struct {
	Tool       string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *CollaboratorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("tool %s: %s (status %d)", e.Tool, msg, e.StatusCode)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, msg)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// ErrorMessage returns the text placed in a tool response's error field:
// the collaborator's message when there is one, the full error otherwise.
func ErrorMessage(err error) string {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		if ce.Message != "" {
			return ce.Message
		}
		if ce.Err != nil {
			return ce.Err.Error()
		}
	}
	return err.Error()
}
