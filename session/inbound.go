package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/almuete/ari/audio"
	"github.com/almuete/ari/internal/streaming"
	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/protocol"
)

const kindMalformed = "malformed"

// receive processes inbound messages strictly in arrival order, then
// handles the end of the connection.
func (e *Engine) receive(ctx context.Context, gen uint64, tr Transport) {
	msgCh := make(chan []byte, inboundBuffer)
	var loopErr error
	go func() {
		loopErr = tr.ReceiveLoop(ctx, msgCh)
		close(msgCh)
	}()

	for data := range msgCh {
		e.handleMessage(gen, data)
	}
	e.handleClosed(gen, loopErr)
}

// handleMessage never lets a failure escape: malformed messages and
// handler panics are logged and the session continues.
func (e *Engine) handleMessage(gen uint64, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logIfCurrent(gen, slog.LevelError, "inbound handler panic", "panic", r)
			logger.Debug("inbound handler stack", "component", component, "stack", string(debug.Stack()))
		}
	}()

	in, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordInboundMessage(kindMalformed)
		e.logIfCurrent(gen, slog.LevelWarn, "skipping malformed message", "error", err)
		return
	}
	metrics.RecordInboundMessage(in.Kind.String())

	if !e.noteKind(gen, in.Kind) {
		return
	}

	switch in.Kind {
	case protocol.KindSetupComplete:
		e.logIfCurrent(gen, slog.LevelInfo, "setup complete")
	case protocol.KindContent:
		e.handleContent(gen, in.Content)
	case protocol.KindToolCall:
		e.handleToolCall(gen, in.ToolCalls)
	case protocol.KindToolCallCancellation:
		e.handleCancellation(gen, in.CancelledIDs)
	case protocol.KindSessionResumptionUpdate:
		e.handleResumption(gen, in.Resumption)
	case protocol.KindGoAway:
		e.handleGoAway(gen, in.GoAway)
	default:
		e.logIfCurrent(gen, slog.LevelDebug, "ignoring unknown message")
	}
}

// noteKind records the last message type and reports whether gen is live.
func (e *Engine) noteKind(gen uint64, kind protocol.Kind) bool {
	e.mu.Lock()
	defer e.unlock()
	if e.st.gen != gen {
		return false
	}
	e.st.lastType = kind.String()
	return true
}

func (e *Engine) handleContent(gen uint64, c *protocol.Content) {
	if c == nil {
		return
	}

	if c.InputTranscript != "" {
		if e.mergeTranscript(gen, StreamInput, c.InputTranscript) {
			return
		}
	}

	output := c.OutputTranscript
	if output == "" && len(c.Text) > 0 {
		output = c.JoinedText()
	}
	if output != "" {
		if e.mergeTranscript(gen, StreamOutput, output) {
			return
		}
	}

	for _, part := range c.Audio {
		e.playAudio(gen, part)
	}

	if c.Interrupted {
		e.handleInterrupted(gen)
	}
	if c.TurnComplete {
		e.logIfCurrent(gen, slog.LevelDebug, "turn complete")
	}
}

// mergeTranscript folds a fragment into its stream and checks user speech,
// and model speech when StopOnModelSpeech is set, for a stop phrase. It
// reports whether the session was stopped.
func (e *Engine) mergeTranscript(gen uint64, stream Stream, fragment string) bool {
	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return true
	}

	t := &e.st.output
	if stream == StreamInput {
		t = &e.st.input
	}
	current := t.Merge(fragment)
	e.emitLocked(Event{Kind: EventTranscript, Stream: stream, Text: current})

	if stream != StreamInput && !e.cfg.StopOnModelSpeech {
		e.unlock()
		return false
	}
	phrase, ok := e.stop.Match(current)
	if !ok {
		e.unlock()
		return false
	}

	// The generation bump in teardownLocked makes this run once per session
	// no matter how many matching fragments are already queued.
	tr := e.st.transport
	e.logLocked(slog.LevelInfo, "stop phrase heard", "phrase", phrase, "stream", string(stream))
	release := e.teardownLocked(reasonStopPhrase, false)
	e.unlock()

	if tr != nil {
		if err := tr.Send(protocol.AudioStreamEndMessage()); err != nil {
			e.log(slog.LevelDebug, "audio stream end not sent", "error", err)
		}
	}
	release()
	return true
}

func (e *Engine) playAudio(gen uint64, part protocol.AudioPart) {
	rate, ok := protocol.ParseAudioMIMEType(part.MIMEType, e.cfg.ReceiveSampleRate)
	if !ok {
		e.logIfCurrent(gen, slog.LevelDebug, "ignoring non-PCM inline data", "mime_type", part.MIMEType)
		return
	}

	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return
	}
	player := e.st.player
	e.unlock()
	if player == nil {
		e.logIfCurrent(gen, slog.LevelDebug, "dropping audio before playback is open")
		return
	}

	raw, err := audio.DecodeBase64(part.Data)
	if err != nil {
		e.logIfCurrent(gen, slog.LevelWarn, "undecodable audio payload", "error", err)
		return
	}
	samples := audio.Resample(audio.PCM16ToFloat(audio.BytesToPCM16(raw)), rate, player.SampleRate())
	if _, err := player.Enqueue(samples); err != nil {
		if !errors.Is(err, audio.ErrPlayerClosed) {
			e.logIfCurrent(gen, slog.LevelWarn, "playback failed", "error", err)
		}
		return
	}
	metrics.RecordAudioChunkPlayed()
}

func (e *Engine) handleInterrupted(gen uint64) {
	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return
	}
	player := e.st.player
	e.emitLocked(Event{Kind: EventInterrupted})
	e.logLocked(slog.LevelInfo, "model interrupted by user", "flush", e.cfg.FlushOnInterrupt)
	e.unlock()

	if e.cfg.FlushOnInterrupt && player != nil {
		if err := player.Flush(); err != nil {
			e.logIfCurrent(gen, slog.LevelWarn, "playback flush failed", "error", err)
		}
	}
}

// handleToolCall resolves the batch on its own goroutine so inbound
// processing continues. The combined reply goes out only on the transport
// that delivered the calls.
func (e *Engine) handleToolCall(gen uint64, calls []protocol.ToolCall) {
	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return
	}
	ctx, tr := e.st.ctx, e.st.transport
	e.emitLocked(Event{Kind: EventToolCall, ToolCalls: calls})
	e.logLocked(slog.LevelInfo, "tool calls received", "count", len(calls), "names", toolNames(calls))
	e.unlock()

	if len(calls) == 0 || tr == nil {
		return
	}
	go e.resolveTools(ctx, gen, tr, calls)
}

func (e *Engine) resolveTools(ctx context.Context, gen uint64, tr Transport, calls []protocol.ToolCall) {
	responses := e.resolve(ctx, calls)

	e.mu.Lock()
	if e.st.gen != gen || e.st.transport != tr {
		e.logLocked(slog.LevelInfo, "dropping tool responses for a closed session", "count", len(responses))
		e.unlock()
		return
	}
	kept := responses[:0]
	for _, r := range responses {
		if _, gone := e.st.cancelled[r.ID]; gone {
			continue
		}
		kept = append(kept, r)
	}
	e.unlock()

	if len(kept) == 0 {
		return
	}
	if err := tr.Send(protocol.ToolResponseMessage(kept)); err != nil {
		e.logIfCurrent(gen, slog.LevelWarn, "tool response not sent", "error", err)
		return
	}
	e.logIfCurrent(gen, slog.LevelInfo, "tool responses sent", "count", len(kept))
}

func (e *Engine) resolve(ctx context.Context, calls []protocol.ToolCall) []protocol.FunctionResponse {
	if e.deps.Tools != nil {
		return e.deps.Tools.ResolveBatch(ctx, calls)
	}
	out := make([]protocol.FunctionResponse, len(calls))
	for i, c := range calls {
		out[i] = protocol.FunctionResponse{
			ID:       c.ID,
			Name:     c.Name,
			Response: map[string]any{"error": fmt.Sprintf("tool %q is not available", c.Name)},
		}
	}
	return out
}

func toolNames(calls []protocol.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func (e *Engine) handleCancellation(gen uint64, ids []string) {
	e.mu.Lock()
	defer e.unlock()
	if e.st.gen != gen {
		return
	}
	for _, id := range ids {
		e.st.cancelled[id] = struct{}{}
	}
	e.logLocked(slog.LevelInfo, "tool calls cancelled", "ids", ids)
}

func (e *Engine) handleResumption(gen uint64, r *protocol.Resumption) {
	if r == nil {
		return
	}
	e.mu.Lock()
	defer e.unlock()
	if e.st.gen != gen {
		return
	}
	if r.Resumable && r.Handle != "" {
		e.st.resumeHandle = r.Handle
		e.logLocked(slog.LevelDebug, "resumption handle updated")
	}
}

// handleClosed reacts to the end of the receive loop. A close the engine
// did not initiate moves to Disconnected; if a go-away reconnect was still
// pending it runs right away.
func (e *Engine) handleClosed(gen uint64, err error) {
	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return
	}

	attrs := []any{}
	var ce *streaming.CloseError
	switch {
	case errors.As(err, &ce):
		attrs = append(attrs, "code", ce.Code, "reason", ce.Reason)
	case err != nil:
		attrs = append(attrs, "error", err)
	}
	if e.st.goAwayReceived {
		e.logLocked(slog.LevelInfo, "transport closed after go-away", attrs...)
	} else {
		e.logLocked(slog.LevelWarn, "transport closed without go-away", attrs...)
	}

	pending := e.st.reconnectTimer != nil
	wasStreaming := e.st.streaming
	reason := reasonRemote
	if pending {
		reason = reasonReconnect
	}
	release := e.teardownLocked(reason, pending)
	torn := e.st.gen
	e.unlock()

	release()
	if pending {
		e.redial(torn, wasStreaming)
	}
}
