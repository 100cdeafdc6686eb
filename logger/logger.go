// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Session lifecycle logging (connect, go-away, reconnect, teardown)
//   - Tool dispatch logging
//   - Automatic token, API key and bearer redaction
//   - Level-based verbosity control
//   - Context fields (component, session ID, tool call ID) via ContextHandler
//
// All exported functions use the global DefaultLogger which can be configured
// for different outputs and log levels.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = slog.LevelInfo
)

func init() {
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}
	rebuild()
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rebuild() {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(l slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	rebuild()
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects log output, e.g. to a file while a terminal UI owns the screen.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
	rebuild()
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// LogContext logs at an arbitrary level with the fields carried by ctx.
func LogContext(ctx context.Context, l slog.Level, msg string, args ...any) {
	DefaultLogger.Log(ctx, l, msg, args...)
}

// ToolCall logs a tool dispatch with its outcome. The call ID travels on ctx.
func ToolCall(ctx context.Context, name string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "tool", name)
	if err != nil {
		allAttrs = append(allAttrs, "error", err.Error())
		allAttrs = append(allAttrs, attrs...)
		WarnContext(ctx, "tool call failed", allAttrs...)
		return
	}
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "tool call resolved", allAttrs...)
}

var (
	// secretPatterns contains compiled regular expressions for detecting sensitive data.
	secretPatterns = []*regexp.Regexp{
		// Google API keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),
		// Bearer tokens
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),
		// credentials carried in query strings
		regexp.MustCompile(`(access_token|key|token)=[^&\s"']+`),
	}
)

// RedactSensitiveData removes API keys, tokens and other credentials from strings.
// Query parameters keep their name so URLs stay readable.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer") {
				return "Bearer [REDACTED]"
			}
			if name, _, ok := strings.Cut(match, "="); ok {
				return name + "=[REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}
