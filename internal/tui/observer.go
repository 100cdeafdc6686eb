package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/almuete/ari/session"
)

// Sender is the part of *tea.Program the observer uses.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer bridges engine events to bubbletea messages.
type Observer struct {
	program Sender
}

// NewObserver creates an observer that sends to program.
func NewObserver(program Sender) *Observer {
	return &Observer{program: program}
}

// OnEvent is a session listener. It is goroutine-safe.
func (o *Observer) OnEvent(ev session.Event) {
	if o.program != nil {
		o.program.Send(EventMsg{Event: ev})
	}
}
