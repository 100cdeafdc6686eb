package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for fields the ContextHandler copies onto every record.
const (
	// ContextKeyComponent names the subsystem emitting the record.
	ContextKeyComponent contextKey = "component"

	// ContextKeySessionID identifies the live session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyToolCallID correlates a tool dispatch with the model's call.
	ContextKeyToolCallID contextKey = "tool_call_id"
)

// allContextKeys lists the keys extracted for logging, in output order.
var allContextKeys = []contextKey{
	ContextKeyComponent,
	ContextKeySessionID,
	ContextKeyToolCallID,
}

// WithComponent returns a new context with the component name set.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ContextKeyComponent, component)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithToolCallID returns a new context with the tool call ID set.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyToolCallID, id)
}
