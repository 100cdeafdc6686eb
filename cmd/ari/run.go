package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/almuete/ari/internal/tui"
	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/session"
)

const (
	flagHeadless = "headless"
	flagLogFile  = "log-file"

	shutdownTimeout = 5 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a live voice session",
	Long: `Start a live voice session. By default an interactive terminal UI is
shown: c connects, space toggles the microphone, d disconnects and q quits.
With --headless the session connects, starts capture immediately and prints
events as log lines until interrupted.`,
	RunE: runSession,
}

func init() {
	addOverrideFlags(runCmd)
	runCmd.Flags().Bool(flagHeadless, false, "Run without the terminal UI")
	runCmd.Flags().String(flagLogFile, "", "Write logs to this file (default ari.log in TUI mode)")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, _ []string) error {
	v, err := newSettings(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfiguration(v)
	if err != nil {
		return err
	}
	headless := v.GetBool(flagHeadless)

	logFile := v.GetString(flagLogFile)
	if logFile == "" && !headless {
		logFile = "ari.log"
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
		defer logger.SetOutput(nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if headless {
		return runHeadless(ctx, a.engine, cmd.OutOrStdout())
	}
	return tui.Run(ctx, a.engine)
}

// runHeadless connects, streams the microphone and prints events until ctx
// ends.
func runHeadless(ctx context.Context, engine tui.Source, out io.Writer) error {
	unsubscribe := engine.Subscribe(func(ev session.Event) {
		if line := formatEvent(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	})
	defer unsubscribe()

	if err := engine.Connect(ctx); err != nil {
		return err
	}
	defer engine.Disconnect()
	if err := engine.StartCapture(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// formatEvent renders an event as one line. Countdown ticks are skipped and
// log entries already reach the logger.
func formatEvent(ev session.Event) string {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case session.EventStatus:
		return fmt.Sprintf("%s status %s streaming=%t", ts, ev.Status, ev.Streaming)
	case session.EventTranscript:
		return fmt.Sprintf("%s %s: %s", ts, ev.Stream, ev.Text)
	case session.EventToolCall:
		names := make([]string, len(ev.ToolCalls))
		for i, c := range ev.ToolCalls {
			names[i] = c.Name
		}
		return fmt.Sprintf("%s tool calls %v", ts, names)
	case session.EventInterrupted:
		return ts + " interrupted"
	default:
		return ""
	}
}
