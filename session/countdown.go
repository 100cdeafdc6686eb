package session

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/protocol"
)

// runCountdown emits EventCountdown on every tick of the session's ticker.
func (e *Engine) runCountdown(ctx context.Context, gen uint64, ticker clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !e.tick(gen) {
				return
			}
		}
	}
}

func (e *Engine) tick(gen uint64) bool {
	e.mu.Lock()
	defer e.unlock()

	if e.st.gen != gen {
		return false
	}
	if e.st.expiry == nil {
		return true
	}

	view := e.expiryViewLocked()
	e.emitLocked(Event{Kind: EventCountdown, Expiry: view})
	if view.Remaining == 0 && !e.st.expiredLogged {
		e.st.expiredLogged = true
		e.logLocked(slog.LevelWarn, "session time limit reached", "source", string(view.Source))
	}

	// Without a go-away the estimate is the only warning before the server
	// drops the session.
	if view.Source == ExpiryEstimated && e.cfg.AutoReconnect &&
		e.st.reconnectTimer == nil && view.Remaining <= e.cfg.ReconnectLead {
		e.scheduleReconnectLocked(gen, reconnectDelay(view.Remaining, e.cfg.ReconnectLead))
	}
	return true
}

// handleGoAway replaces the countdown with the server-declared one and, when
// enabled, schedules a reconnect ReconnectLead before the deadline.
func (e *Engine) handleGoAway(gen uint64, ga *protocol.GoAway) {
	metrics.RecordGoAway()

	e.mu.Lock()
	defer e.unlock()
	if e.st.gen != gen {
		return
	}

	timeLeft := ga.TimeLeft
	if !ga.TimeLeftKnown {
		timeLeft = 0
		e.logLocked(slog.LevelWarn, "go-away without a usable time left")
	}

	e.st.goAwayReceived = true
	e.st.expiredLogged = false
	e.st.expiry = &Expiry{Deadline: e.clock.Now().Add(timeLeft), Source: ExpiryServer}
	e.emitLocked(Event{Kind: EventCountdown, Expiry: e.expiryViewLocked()})
	e.logLocked(slog.LevelWarn, "server go-away", "time_left", timeLeft.String())

	if !e.cfg.AutoReconnect {
		return
	}

	e.scheduleReconnectLocked(gen, reconnectDelay(timeLeft, e.cfg.ReconnectLead))
}

// scheduleReconnectLocked replaces any pending reconnect timer.
func (e *Engine) scheduleReconnectLocked(gen uint64, delay time.Duration) {
	if e.st.reconnectTimer != nil {
		e.st.reconnectTimer.Stop()
	}
	// Clocks may run the callback while holding their own lock, and
	// reconnect reads the clock.
	e.st.reconnectTimer = e.clock.AfterFunc(delay, func() { go e.reconnect(gen) })
	e.logLocked(slog.LevelInfo, "reconnect scheduled", "in", delay.String())
}

// reconnect tears the session down, keeping the visible countdown, and
// connects again. Capture resumes if it was running.
func (e *Engine) reconnect(gen uint64) {
	e.mu.Lock()
	if e.st.gen != gen || e.st.status != StatusConnected {
		e.unlock()
		return
	}
	e.st.reconnectTimer = nil
	wasStreaming := e.st.streaming
	e.logLocked(slog.LevelInfo, "reconnecting ahead of session expiry")
	release := e.teardownLocked(reasonReconnect, true)
	torn := e.st.gen
	e.unlock()

	release()
	e.redial(torn, wasStreaming)
}

// redial connects again after the teardown that produced generation torn.
// A Disconnect in between moves the generation on and cancels it.
func (e *Engine) redial(torn uint64, resumeCapture bool) {
	ctx := context.Background()
	if err := e.connect(ctx, &torn); err != nil {
		return
	}
	metrics.RecordReconnect()
	if !resumeCapture {
		return
	}
	if err := e.startCapture(ctx, false); err != nil {
		e.log(slog.LevelWarn, "capture not resumed after reconnect", "error", err)
	}
}

// reconnectDelay is timeLeft minus lead, clamped at zero.
func reconnectDelay(timeLeft, lead time.Duration) time.Duration {
	return max(timeLeft-lead, 0)
}
