package tui

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/almuete/ari/session"
)

const (
	colorPurple    = "#7C3AED"
	colorGreen     = "#10B981"
	colorAmber     = "#F59E0B"
	colorRed       = "#EF4444"
	colorLightGray = "#9CA3AF"
	colorLightBlue = "#60A5FA"
)

var (
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPurple))
	labelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorLightBlue))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorLightGray))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAmber))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorLightGray)).Italic(true)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorLightGray)).
			Padding(0, 1)
)

// View implements tea.Model.
func (m *Model) View() string {
	width := max(m.width, MinTerminalWidth)
	inner := width - 4

	parts := []string{
		m.renderHeader(),
		m.renderTranscript("You", m.snap.Input, inner),
		m.renderTranscript("Model", m.snap.Output, inner),
		m.renderLogs(inner),
		m.renderFooter(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) renderHeader() string {
	items := []string{
		statusStyle(m.snap.Status).Render(m.snap.Status.String()),
		captureLabel(m.snap.Streaming),
		"⏱  " + countdownLabel(m.snap.Expiry),
	}
	if m.snap.ReconnectScheduled {
		items = append(items, warnStyle.Render("reconnect scheduled"))
	}
	if m.pending != "" {
		items = append(items, dimStyle.Render(string(m.pending)+"…"))
	}

	lines := []string{bannerStyle.Render("ari"), strings.Join(items, "  •  ")}
	if m.snap.SessionID != "" {
		lines = append(lines, dimStyle.Render("session "+m.snap.SessionID))
	}
	if m.lastErr != "" {
		lines = append(lines, errorStyle.Render(m.lastErr))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusConnected:
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorGreen))
	case session.StatusConnecting:
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAmber))
	default:
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorLightGray))
	}
}

func captureLabel(streaming bool) string {
	if streaming {
		return "🎙  listening"
	}
	return "🎙  muted"
}

// countdownLabel renders the remaining session time as m:ss.
func countdownLabel(v *session.ExpiryView) string {
	if v == nil {
		return "--:--"
	}
	secs := int(v.Remaining.Round(time.Second) / time.Second)
	label := fmt.Sprintf("%d:%02d", secs/60, secs%60)
	if v.Source == session.ExpiryServer {
		label += " (server)"
	}
	return label
}

func (m *Model) renderTranscript(title string, t session.TranscriptSnapshot, width int) string {
	var lines []string
	history := t.History
	if len(history) > maxHistoryLines {
		history = history[len(history)-maxHistoryLines:]
	}
	for _, h := range history {
		lines = append(lines, dimStyle.Render(truncate(h, width)))
	}
	if t.Current != "" {
		lines = append(lines, truncate(t.Current, width))
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("…"))
	}
	body := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return sectionStyle.Width(width).Render(labelStyle.Render(title) + "\n" + body)
}

func (m *Model) renderLogs(width int) string {
	logs := m.snap.Logs
	if len(logs) > maxLogLines {
		logs = logs[:maxLogLines]
	}
	lines := make([]string, 0, len(logs)+1)
	lines = append(lines, labelStyle.Render("Log"))
	for _, e := range logs {
		line := fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), levelLabel(e.Level), e.Message)
		lines = append(lines, logStyle(e.Level).Render(truncate(line, width)))
	}
	return sectionStyle.Width(width).Render(strings.Join(lines, "\n"))
}

func levelLabel(l slog.Level) string {
	return strings.ToLower(l.String())
}

func logStyle(l slog.Level) lipgloss.Style {
	switch {
	case l >= slog.LevelError:
		return errorStyle
	case l >= slog.LevelWarn:
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

func (m *Model) renderFooter() string {
	items := []string{"c: connect", "d: disconnect", "space: mic on/off", "q: quit"}
	return helpStyle.Render(strings.Join(items, "  •  "))
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
