package session

import (
	"log/slog"
	"time"

	"github.com/almuete/ari/protocol"
)

// Status is the connection state of the engine.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ExpirySource tells where an expiry estimate came from.
type ExpirySource string

const (
	// ExpiryEstimated is the client-side assumption armed on connect.
	ExpiryEstimated ExpirySource = "estimated"
	// ExpiryServer was declared by a go-away message.
	ExpiryServer ExpirySource = "server"
)

// Expiry is the session-lifetime countdown.
type Expiry struct {
	Deadline time.Time
	Source   ExpirySource
}

// Remaining returns the time left at now, never negative.
func (x Expiry) Remaining(now time.Time) time.Duration {
	if d := x.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ExpiryView is the countdown as seen at snapshot time.
type ExpiryView struct {
	Remaining time.Duration
	Source    ExpirySource
}

// Millis returns Remaining in whole milliseconds.
func (v ExpiryView) Millis() int64 {
	return v.Remaining.Milliseconds()
}

// LogEntry is one diagnostic line.
type LogEntry struct {
	ID      string
	Time    time.Time
	Level   slog.Level
	Message string
}

// TranscriptSnapshot is a point-in-time copy of a Transcript.
type TranscriptSnapshot struct {
	Current string
	History []string
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Status    Status
	Streaming bool
	SessionID string
	StartedAt time.Time

	// Expiry is nil when no countdown is armed.
	Expiry *ExpiryView

	LastMessageType    string
	GoAwayReceived     bool
	ReconnectScheduled bool

	Input  TranscriptSnapshot
	Output TranscriptSnapshot

	// Logs holds at most MaxLogEntries entries, newest first.
	Logs []LogEntry
}

// EventKind identifies what changed.
type EventKind int

const (
	EventStatus EventKind = iota
	EventTranscript
	EventLog
	EventCountdown
	EventToolCall
	EventInterrupted
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventTranscript:
		return "transcript"
	case EventLog:
		return "log"
	case EventCountdown:
		return "countdown"
	case EventToolCall:
		return "toolCall"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Stream names a transcript direction.
type Stream string

const (
	StreamInput  Stream = "input"
	StreamOutput Stream = "output"
)

// Event notifies subscribers of a change. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind EventKind
	Time time.Time

	// EventStatus
	Status    Status
	Streaming bool

	// EventTranscript
	Stream Stream
	Text   string

	// EventLog
	Log LogEntry

	// EventCountdown
	Expiry ExpiryView

	// EventToolCall
	ToolCalls []protocol.ToolCall
}
