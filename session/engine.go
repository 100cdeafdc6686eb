// Package session implements the real-time voice session engine.
//
// An Engine owns one logical session at a time: it fetches a credential,
// opens the transport, sends the setup message, streams microphone frames
// up, schedules model audio for gapless playback, resolves tool calls,
// merges transcripts, watches for stop phrases and renews the connection
// ahead of a server go-away.
//
// All mutable state lives in one record guarded by one mutex. Every
// connection is tagged with a generation number; callbacks from timers,
// devices and receive loops carry the generation they were started under
// and do nothing once it is stale. Listeners registered with Subscribe are
// called outside the lock, possibly from several goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/almuete/ari/audio"
	"github.com/almuete/ari/config"
	"github.com/almuete/ari/credentials"
	arierrors "github.com/almuete/ari/errors"
	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/protocol"
	"github.com/almuete/ari/telemetry"
)

const (
	component = "session"

	// DefaultCountdownInterval is how often EventCountdown fires.
	DefaultCountdownInterval = time.Second

	inboundBuffer = 64
)

// Disconnect reasons reported to metrics.
const (
	reasonClient     = "client"
	reasonRemote     = "remote_close"
	reasonReconnect  = "reconnect"
	reasonStopPhrase = "stop_phrase"
	reasonSetup      = "setup_failed"
)

var (
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("session is not connected")

	// ErrConnectAborted is returned by Connect when Disconnect ran while the
	// connection was being established.
	ErrConnectAborted = errors.New("connect aborted")
)

// ToolResolver resolves tool-call batches. *tools.Dispatcher implements it.
type ToolResolver interface {
	Declarations() []protocol.FunctionDeclaration
	ResolveBatch(ctx context.Context, calls []protocol.ToolCall) []protocol.FunctionResponse
}

// Config holds the engine settings.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
	// Greeting is sent as a user turn when capture starts. Empty skips it.
	Greeting string

	SendSampleRate    int
	ReceiveSampleRate int
	FrameSamples      int

	EstimatedDuration time.Duration
	AutoReconnect     bool
	ReconnectLead     time.Duration
	CountdownInterval time.Duration

	// FlushOnInterrupt drops scheduled playback when the model reports a
	// barge-in. When false the interruption is only logged.
	FlushOnInterrupt bool

	StopPhrases []string

	// StopOnModelSpeech also matches stop phrases against the output
	// transcript. By default only user speech ends the session.
	StopOnModelSpeech bool

	SessionResumption        bool
	ContextWindowCompression bool
}

// FromConfig maps the file configuration onto engine settings.
func FromConfig(c *config.Config) Config {
	return Config{
		Model:                    c.Model,
		Voice:                    c.Voice,
		SystemInstruction:        c.SystemInstruction,
		Greeting:                 c.Greeting,
		SendSampleRate:           c.Audio.SendSampleRate,
		ReceiveSampleRate:        c.Audio.ReceiveSampleRate,
		FrameSamples:             c.Audio.FrameSamples,
		EstimatedDuration:        c.Session.EstimatedDuration,
		AutoReconnect:            c.Session.AutoReconnect,
		ReconnectLead:            c.Session.ReconnectLead,
		FlushOnInterrupt:         c.Session.FlushOnInterrupt,
		StopPhrases:              c.Session.StopPhrases,
		StopOnModelSpeech:        c.Session.StopOnModelSpeech,
		SessionResumption:        c.Session.AutoReconnect,
		ContextWindowCompression: c.Session.ContextWindowCompression,
	}
}

func (c *Config) defaults() {
	if c.SendSampleRate <= 0 {
		c.SendSampleRate = config.DefaultSendSampleRate
	}
	if c.ReceiveSampleRate <= 0 {
		c.ReceiveSampleRate = config.DefaultReceiveSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.DefaultFrameSamples
	}
	if c.EstimatedDuration <= 0 {
		c.EstimatedDuration = config.DefaultEstimatedDuration
	}
	if c.ReconnectLead < 0 {
		c.ReconnectLead = 0
	}
	if c.CountdownInterval <= 0 {
		c.CountdownInterval = DefaultCountdownInterval
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Credentials credentials.Source
	Dial        Dialer
	// Tools may be nil; every call is then answered with an error.
	Tools      ToolResolver
	Microphone audio.Microphone
	Speaker    audio.Speaker
	// Clock defaults to the real clock.
	Clock clock.WithTickerAndDelayedExecution
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Engine is the session state machine. Create it with NewEngine.
type Engine struct {
	cfg   Config
	deps  Deps
	clock clock.WithTickerAndDelayedExecution
	stop  *StopMatcher

	mu     sync.Mutex
	st     state
	outbox []Event

	listenersMu  sync.Mutex
	listeners    map[uint64]func(Event)
	nextListener uint64
}

// state is the single record of session state. Guarded by Engine.mu.
type state struct {
	gen uint64

	status          Status
	streaming       bool
	captureStarting bool

	sessionID      string
	logCtx         context.Context // component and session ID for structured logs
	startedAt      time.Time
	expiry         *Expiry
	expiredLogged  bool
	lastType       string
	goAwayReceived bool
	resumeHandle   string
	cancelled      map[string]struct{}

	input  Transcript
	output Transcript
	logs   *logRing

	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	capture   audio.Capture
	uplink    *uplink
	player    *audio.Player

	countdown      clock.Ticker
	reconnectTimer clock.Timer
}

// NewEngine creates an idle engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Credentials == nil {
		return nil, errors.New("session: credentials source is required")
	}
	if deps.Dial == nil {
		return nil, errors.New("session: dialer is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer(nil)
	}
	cfg.defaults()

	return &Engine{
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		stop:      NewStopMatcher(cfg.StopPhrases),
		st:        state{logs: newLogRing(MaxLogEntries)},
		listeners: make(map[uint64]func(Event)),
	}, nil
}

// Subscribe registers fn for every event and returns a function that
// removes it.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.listenersMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			delete(e.listeners, id)
			e.listenersMu.Unlock()
		})
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.st
	snap := Snapshot{
		Status:             st.status,
		Streaming:          st.streaming,
		SessionID:          st.sessionID,
		StartedAt:          st.startedAt,
		LastMessageType:    st.lastType,
		GoAwayReceived:     st.goAwayReceived,
		ReconnectScheduled: st.reconnectTimer != nil,
		Input:              st.input.snapshot(),
		Output:             st.output.snapshot(),
		Logs:               st.logs.newestFirst(),
	}
	if st.expiry != nil {
		v := e.expiryViewLocked()
		snap.Expiry = &v
	}
	return snap
}

// Config returns the effective settings.
func (e *Engine) Config() Config {
	return e.cfg
}

// unlock releases e.mu and delivers the events queued while it was held.
func (e *Engine) unlock() {
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	e.dispatch(events)
}

func (e *Engine) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	e.listenersMu.Lock()
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.listenersMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			e.callListener(fn, ev)
		}
	}
}

func (e *Engine) callListener(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session listener panic", "event", ev.Kind.String(), "panic", r)
		}
	}()
	fn(ev)
}

func (e *Engine) emitLocked(ev Event) {
	ev.Time = e.clock.Now()
	e.outbox = append(e.outbox, ev)
}

func (e *Engine) emitStatusLocked() {
	e.emitLocked(Event{Kind: EventStatus, Status: e.st.status, Streaming: e.st.streaming})
}

func (e *Engine) expiryViewLocked() ExpiryView {
	return ExpiryView{
		Remaining: e.st.expiry.Remaining(e.clock.Now()),
		Source:    e.st.expiry.Source,
	}
}

// logLocked records a diagnostic entry and mirrors it to the structured
// logger.
func (e *Engine) logLocked(level slog.Level, msg string, args ...any) {
	entry := LogEntry{
		ID:      uuid.NewString(),
		Time:    e.clock.Now(),
		Level:   level,
		Message: logger.RedactSensitiveData(formatEntry(msg, args)),
	}
	e.st.logs.add(entry)
	e.emitLocked(Event{Kind: EventLog, Log: entry})

	ctx := e.st.logCtx
	if ctx == nil {
		ctx = logger.WithComponent(context.Background(), component)
	}
	logger.LogContext(ctx, level, msg, args...)
}

// log is logLocked for callers that do not hold the lock.
func (e *Engine) log(level slog.Level, msg string, args ...any) {
	e.mu.Lock()
	e.logLocked(level, msg, args...)
	e.unlock()
}

// logIfCurrent logs only while gen is still the live generation.
func (e *Engine) logIfCurrent(gen uint64, level slog.Level, msg string, args ...any) {
	e.mu.Lock()
	if e.st.gen == gen {
		e.logLocked(level, msg, args...)
	}
	e.unlock()
}

func formatEntry(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

// Connect opens a session. It is a no-op while a session is connecting or
// connected. A credential or transport failure is logged, leaves the
// engine disconnected and is returned; there is no retry.
func (e *Engine) Connect(ctx context.Context) error {
	return e.connect(ctx, nil)
}

// connect opens a session. A non-nil torn makes it a reconnect, which only
// proceeds while the generation is still the one its teardown left.
func (e *Engine) connect(ctx context.Context, torn *uint64) error {
	isReconnect := torn != nil
	e.mu.Lock()
	if isReconnect && e.st.gen != *torn {
		e.logLocked(slog.LevelInfo, "reconnect cancelled")
		e.unlock()
		return ErrConnectAborted
	}
	if e.st.status != StatusDisconnected {
		e.unlock()
		return nil
	}
	e.st.gen++
	gen := e.st.gen
	e.st.status = StatusConnecting
	e.st.sessionID = uuid.NewString()
	e.st.logCtx = logger.WithSessionID(logger.WithComponent(context.Background(), component), e.st.sessionID)
	e.st.goAwayReceived = false
	e.st.lastType = ""
	e.st.cancelled = make(map[string]struct{})
	if !isReconnect {
		e.st.input.Reset()
		e.st.output.Reset()
	}
	sessionID := e.st.sessionID
	handle := e.st.resumeHandle
	e.emitStatusLocked()
	e.logLocked(slog.LevelInfo, "connecting", "reconnect", isReconnect)
	e.unlock()

	start := e.clock.Now()
	ctx, span := e.deps.Tracer.Start(ctx, "session.connect", trace.WithAttributes(
		telemetry.AttrSessionID.String(sessionID),
		telemetry.AttrModel.String(protocol.ModelPath(e.cfg.Model)),
		telemetry.AttrReconnect.Bool(isReconnect),
	))
	defer span.End()

	fail := func(op string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordConnect(metrics.StatusError, e.clock.Since(start).Seconds())

		e.mu.Lock()
		if e.st.gen == gen {
			e.st.status = StatusDisconnected
			e.st.expiry = nil
			e.emitStatusLocked()
		}
		attrs := []any{"step", op, "error", err}
		if code := arierrors.StatusCode(err); code != 0 {
			attrs = append(attrs, "status", code)
		}
		e.logLocked(slog.LevelError, "connect failed", attrs...)
		e.unlock()
		return arierrors.New(component, op, err)
	}

	token, err := e.deps.Credentials.Fetch(ctx)
	if err != nil {
		return fail("FetchCredential", err)
	}

	// The session outlives the caller's context but keeps its trace and session ID.
	sessCtx, cancel := context.WithCancel(logger.WithSessionID(context.WithoutCancel(ctx), sessionID))
	tr, err := e.deps.Dial(sessCtx, token)
	if err != nil {
		cancel()
		return fail("Dial", err)
	}

	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		_ = tr.Close()
		cancel()
		return ErrConnectAborted
	}
	e.st.transport = tr
	e.st.ctx = sessCtx
	e.st.cancel = cancel
	e.unlock()

	if err := tr.Send(protocol.SetupMessage(e.setupConfig(handle))); err != nil {
		e.mu.Lock()
		var release func()
		if e.st.gen == gen {
			release = e.teardownLocked(reasonSetup, false)
		}
		e.unlock()
		if release != nil {
			release()
		}
		return fail("SendSetup", err)
	}

	e.mu.Lock()
	if e.st.gen != gen {
		e.unlock()
		return ErrConnectAborted
	}
	now := e.clock.Now()
	e.st.status = StatusConnected
	e.st.startedAt = now
	e.st.expiry = &Expiry{Deadline: now.Add(e.cfg.EstimatedDuration), Source: ExpiryEstimated}
	e.st.expiredLogged = false
	ticker := e.clock.NewTicker(e.cfg.CountdownInterval)
	e.st.countdown = ticker
	e.emitStatusLocked()
	e.emitLocked(Event{Kind: EventCountdown, Expiry: e.expiryViewLocked()})
	e.logLocked(slog.LevelInfo, "connected", "resumed", handle != "")
	e.unlock()

	metrics.RecordConnect(metrics.StatusSuccess, e.clock.Since(start).Seconds())
	metrics.RecordSessionOpen()
	span.SetAttributes(attribute.Bool("ari.resumed", handle != ""))

	go e.runCountdown(sessCtx, gen, ticker)
	go e.receive(sessCtx, gen, tr)
	return nil
}

func (e *Engine) setupConfig(handle string) protocol.SetupConfig {
	cfg := protocol.SetupConfig{
		Model:                    e.cfg.Model,
		Voice:                    e.cfg.Voice,
		SystemInstruction:        e.cfg.SystemInstruction,
		InputTranscription:       true,
		OutputTranscription:      true,
		SessionResumption:        e.cfg.SessionResumption,
		ResumptionHandle:         handle,
		ContextWindowCompression: e.cfg.ContextWindowCompression,
	}
	if e.deps.Tools != nil {
		cfg.Tools = e.deps.Tools.Declarations()
	}
	return cfg
}

// Disconnect ends the session: timers are cancelled, capture and playback
// released, the transport closed and the countdown reset. Idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.st.status == StatusDisconnected && e.st.transport == nil && e.st.expiry == nil {
		// still invalidates a redial that has not started yet
		e.st.gen++
		e.unlock()
		return
	}
	e.logLocked(slog.LevelInfo, "disconnecting")
	release := e.teardownLocked(reasonClient, false)
	e.unlock()
	release()
}

// teardownLocked invalidates the current generation and detaches every
// resource. The returned function closes them and must run after the lock
// is released. With preserveCountdown the visible expiry survives.
func (e *Engine) teardownLocked(reason string, preserveCountdown bool) func() {
	st := &e.st
	st.gen++

	if st.countdown != nil {
		st.countdown.Stop()
		st.countdown = nil
	}
	if st.reconnectTimer != nil {
		st.reconnectTimer.Stop()
		st.reconnectTimer = nil
	}
	if !preserveCountdown {
		st.expiry = nil
	}

	cancel, tr, capture, player := st.cancel, st.transport, st.capture, st.player
	st.ctx, st.cancel, st.transport, st.capture, st.uplink, st.player = nil, nil, nil, nil, nil, nil
	st.captureStarting = false
	st.cancelled = nil

	if st.status == StatusConnected {
		metrics.RecordSessionClosed(reason)
	}
	if st.status != StatusDisconnected || st.streaming {
		st.status = StatusDisconnected
		st.streaming = false
		e.emitStatusLocked()
	}

	return func() {
		if capture != nil {
			closeQuietly("capture", capture.Close)
		}
		if player != nil {
			closeQuietly("playback", player.Close)
		}
		if tr != nil {
			closeQuietly("transport", tr.Close)
		}
		if cancel != nil {
			cancel()
		}
	}
}

func closeQuietly(what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Debug("release failed", "component", component, "resource", what, "error", err)
	}
}
