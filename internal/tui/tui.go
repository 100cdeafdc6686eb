// Package tui renders a live voice session in the terminal and maps keys to
// engine actions.
package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/almuete/ari/session"
)

// Display limits.
const (
	MinTerminalWidth = 60
	maxLogLines      = 8
	maxHistoryLines  = 3
)

// Controller is the engine surface the UI drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	StartCapture(ctx context.Context) error
	StopCapture()
	Snapshot() session.Snapshot
}

// Source is a Controller that also publishes events.
type Source interface {
	Controller
	Subscribe(fn func(session.Event)) (unsubscribe func())
}

// Action names a user-triggered engine call.
type Action string

const (
	ActionConnect      Action = "connect"
	ActionDisconnect   Action = "disconnect"
	ActionStartCapture Action = "start capture"
	ActionStopCapture  Action = "stop capture"
)

// Model is the bubbletea application state.
type Model struct {
	ctx  context.Context
	ctrl Controller

	width  int
	height int

	snap    session.Snapshot
	pending Action
	lastErr string
}

// NewModel returns a model driving ctrl. ctx bounds connect and capture calls.
func NewModel(ctx context.Context, ctrl Controller) *Model {
	return &Model{
		ctx:   ctx,
		ctrl:  ctrl,
		width: MinTerminalWidth,
		snap:  ctrl.Snapshot(),
	}
}

// EventMsg carries an engine event into the program.
type EventMsg struct {
	Event session.Event
}

// ActionDoneMsg reports the outcome of an Action.
type ActionDoneMsg struct {
	Action Action
	Err    error
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case EventMsg:
		m.snap = m.ctrl.Snapshot()
		return m, nil

	case ActionDoneMsg:
		if m.pending == msg.Action {
			m.pending = ""
		}
		if msg.Err != nil {
			m.lastErr = string(msg.Action) + ": " + msg.Err.Error()
		} else {
			m.lastErr = ""
		}
		m.snap = m.ctrl.Snapshot()
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	//nolint:exhaustive // Only handling specific keys
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeySpace:
		return m.toggleCapture()
	case tea.KeyRunes:
		if len(msg.Runes) == 0 {
			return m, nil
		}
		switch msg.Runes[0] {
		case 'q':
			return m, tea.Quit
		case 'c':
			return m.start(ActionConnect)
		case 'd':
			return m.start(ActionDisconnect)
		case ' ':
			return m.toggleCapture()
		}
	default:
	}
	return m, nil
}

func (m *Model) toggleCapture() (tea.Model, tea.Cmd) {
	if m.snap.Streaming {
		return m.start(ActionStopCapture)
	}
	return m.start(ActionStartCapture)
}

// start runs a blocking action off the update loop. Keys are ignored while
// another action is in flight.
func (m *Model) start(a Action) (tea.Model, tea.Cmd) {
	if m.pending != "" {
		return m, nil
	}
	m.pending = a
	ctx, ctrl := m.ctx, m.ctrl
	return m, func() tea.Msg {
		return ActionDoneMsg{Action: a, Err: run(ctx, ctrl, a)}
	}
}

func run(ctx context.Context, ctrl Controller, a Action) error {
	switch a {
	case ActionConnect:
		return ctrl.Connect(ctx)
	case ActionDisconnect:
		ctrl.Disconnect()
	case ActionStartCapture:
		return ctrl.StartCapture(ctx)
	case ActionStopCapture:
		ctrl.StopCapture()
	default:
		return errors.New("unknown action")
	}
	return nil
}

// Run starts the program, forwards engine events until it exits and
// disconnects afterwards.
func Run(ctx context.Context, engine Source) error {
	model := NewModel(ctx, engine)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	unsubscribe := engine.Subscribe(NewObserver(p).OnEvent)
	defer unsubscribe()
	defer engine.Disconnect()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
