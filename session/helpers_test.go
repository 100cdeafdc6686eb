package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/almuete/ari/audio"
	"github.com/almuete/ari/config"
	"github.com/almuete/ari/credentials"
	"github.com/almuete/ari/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeTransport records outbound messages as decoded JSON and feeds
// inbound messages from a channel.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []map[string]any
	sendErr error

	inbound   chan []byte
	remote    chan error
	done      chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	closeEntered chan struct{}
	closeGate    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 32),
		remote:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) ReceiveLoop(ctx context.Context, msgCh chan<- []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case err := <-f.remote:
			return err
		case data := <-f.inbound:
			select {
			case msgCh <- data:
			case <-ctx.Done():
				return ctx.Err()
			case <-f.done:
				return nil
			}
		}
	}
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.mu.Lock()
	entered, gate := f.closeEntered, f.closeGate
	f.closeEntered = nil
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			close(entered)
		}
		<-gate
	}
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// blockClose makes Close wait for the returned gate. entered is closed when
// the first Close call starts waiting.
func (f *fakeTransport) blockClose() (entered <-chan struct{}, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeEntered = make(chan struct{})
	f.closeGate = make(chan struct{})
	return f.closeEntered, f.closeGate
}

func (f *fakeTransport) deliver(msg string) {
	f.inbound <- []byte(msg)
}

func (f *fakeTransport) closeRemotely(err error) {
	f.remote <- err
}

// messages returns the sent messages carrying key at the top level.
func (f *fakeTransport) messages(key string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.sent {
		if v, ok := m[key].(map[string]any); ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeTransport) first() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[0]
}

func (f *fakeTransport) audioFrames() []map[string]any {
	var out []map[string]any
	for _, m := range f.messages("realtimeInput") {
		if a, ok := m["audio"].(map[string]any); ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeTransport) streamEnds() int {
	n := 0
	for _, m := range f.messages("realtimeInput") {
		if end, _ := m["audioStreamEnd"].(bool); end {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu         sync.Mutex
	tokens     []string
	transports []*fakeTransport
	err        error
	sendErr    error
}

func (d *fakeDialer) dial(_ context.Context, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	t.sendErr = d.sendErr
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type fakeCapture struct {
	rate   int
	closes atomic.Int32
}

func (c *fakeCapture) SampleRate() int { return c.rate }

func (c *fakeCapture) Close() error {
	c.closes.Add(1)
	return nil
}

type fakeMic struct {
	mu        sync.Mutex
	rate      int
	err       error
	gate      chan struct{}
	opens     int
	onSamples func([]float32)
	captures  []*fakeCapture
}

func (m *fakeMic) Open(_ context.Context, onSamples func([]float32)) (audio.Capture, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	m.onSamples = onSamples
	c := &fakeCapture{rate: m.rate}
	m.captures = append(m.captures, c)
	return c, nil
}

func (m *fakeMic) emit(samples []float32) {
	m.mu.Lock()
	fn := m.onSamples
	m.mu.Unlock()
	fn(samples)
}

func (m *fakeMic) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

func (m *fakeMic) capture(i int) *fakeCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures[i]
}

type fakeSink struct {
	mu        sync.Mutex
	written   int
	flushes   int
	closes    int
	resumeErr error
}

func (s *fakeSink) Resume() error { return s.resumeErr }

func (s *fakeSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written += len(samples)
	return nil
}

func (s *fakeSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSink) stats() (written, flushes, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.flushes, s.closes
}

type fakeSpeaker struct {
	mu        sync.Mutex
	rates     []int
	sinks     []*fakeSink
	err       error
	resumeErr error
}

func (s *fakeSpeaker) Open(_ context.Context, sampleRate int) (audio.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.rates = append(s.rates, sampleRate)
	sink := &fakeSink{resumeErr: s.resumeErr}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *fakeSpeaker) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

func (s *fakeSpeaker) sink(i int) *fakeSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[i]
}

type failingSource struct{ err error }

func (f failingSource) Fetch(context.Context) (string, error) { return "", f.err }

type harness struct {
	eng      *Engine
	dialer   *fakeDialer
	mic      *fakeMic
	speaker  *fakeSpeaker
	clock    *testingclock.FakeClock
	recorder *tracetest.SpanRecorder

	mu     sync.Mutex
	events []Event
}

type option func(*Config, *Deps)

func withTools(r ToolResolver) option {
	return func(_ *Config, d *Deps) { d.Tools = r }
}

func withCredentials(s credentials.Source) option {
	return func(_ *Config, d *Deps) { d.Credentials = s }
}

func withConfig(fn func(*Config)) option {
	return func(c *Config, _ *Deps) { fn(c) }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	h := &harness{
		dialer:   &fakeDialer{},
		mic:      &fakeMic{rate: 16000},
		speaker:  &fakeSpeaker{},
		clock:    testingclock.NewFakeClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		recorder: tracetest.NewSpanRecorder(),
	}

	cfg := Config{
		Model:             "gemini-live-test",
		Voice:             "Puck",
		SystemInstruction: "be brief",
		Greeting:          "Hello!",
		AutoReconnect:     true,
		ReconnectLead:     2500 * time.Millisecond,
		StopPhrases:       config.DefaultStopPhrases,
		SessionResumption: true,
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.recorder))
	deps := Deps{
		Credentials: credentials.StaticSource("ephemeral-token"),
		Dial:        h.dialer.dial,
		Microphone:  h.mic,
		Speaker:     h.speaker,
		Clock:       h.clock,
		Tracer:      tp.Tracer("session-test"),
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}

	eng, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	h.eng = eng

	unsubscribe := eng.Subscribe(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		unsubscribe()
		eng.Disconnect()
	})
	return h
}

func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, h.eng.Connect(context.Background()))
	require.Equal(t, StatusConnected, h.eng.Snapshot().Status)
	return h.dialer.latest()
}

func (h *harness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) hasLog(substr string) bool {
	for _, entry := range h.eng.Snapshot().Logs {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

func (h *harness) waitForLog(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.hasLog(substr) }, waitFor, tick, "log %q", substr)
}

// blockingResolver holds every batch until release is closed.
type blockingResolver struct {
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingResolver) Declarations() []protocol.FunctionDeclaration {
	return []protocol.FunctionDeclaration{{Name: "slow_tool", Description: "waits"}}
}

func (r *blockingResolver) ResolveBatch(_ context.Context, calls []protocol.ToolCall) []protocol.FunctionResponse {
	r.calls.Add(1)
	<-r.release
	out := make([]protocol.FunctionResponse, len(calls))
	for i, c := range calls {
		out[i] = protocol.FunctionResponse{ID: c.ID, Name: c.Name, Response: map[string]any{"output": "done"}}
	}
	return out
}

var errBoom = errors.New("boom")
