// Package pulse implements the audio device interfaces on PulseAudio.
package pulse

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/almuete/ari/audio"
)

const (
	appName  = "ari"
	iconName = "audio-input-microphone"

	// DefaultCaptureRate matches common hardware; the engine resamples to the wire rate.
	DefaultCaptureRate = 48000

	// fragmentBytes is 20 ms of mono s16 at 48 kHz.
	fragmentBytes = 1920

	playbackLatency = 0.05
)

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName(iconName),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// Microphone records mono 16-bit PCM from a Pulse source.
type Microphone struct {
	// Source is the Pulse source name; empty selects the server default.
	Source string
	// SampleRate is the requested record rate; zero means DefaultCaptureRate.
	SampleRate int
}

var _ audio.Microphone = (*Microphone)(nil)

// Open starts a record stream and delivers float samples to onSamples
// until the returned capture is closed or ctx is done.
func (m *Microphone) Open(ctx context.Context, onSamples func([]float32)) (audio.Capture, error) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = DefaultCaptureRate
	}

	client, err := newClient()
	if err != nil {
		return nil, err
	}

	var source *pulse.Source
	if m.Source == "" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(m.Source)
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", m.Source, err)
	}

	c := &capture{
		client:    client,
		rate:      rate,
		onSamples: onSamples,
		done:      make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(rate),
		pulse.RecordBufferFragmentSize(fragmentBytes),
		pulse.RecordMediaName("ari voice session"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	return c, nil
}

type capture struct {
	client    *pulse.Client
	stream    *pulse.RecordStream
	rate      int
	onSamples func([]float32)

	mu      sync.Mutex
	pending []byte
	closed  bool
	done    chan struct{}
}

func (c *capture) SampleRate() int {
	return c.rate
}

// onPCM converts whole samples and keeps an odd trailing byte for the next call.
func (c *capture) onPCM(buf []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.pending = append(c.pending, buf...)
	whole := len(c.pending) &^ 1
	samples := audio.PCM16ToFloat(audio.BytesToPCM16(c.pending[:whole]))
	c.pending = append(c.pending[:0], c.pending[whole:]...)
	c.mu.Unlock()

	if len(samples) > 0 && c.onSamples != nil {
		c.onSamples(samples)
	}
	return len(buf), nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	c.client.Close()
	return nil
}

// Speaker plays mono 16-bit PCM through the default Pulse sink.
type Speaker struct{}

var _ audio.Speaker = Speaker{}

// Open starts a playback stream that plays queued samples and emits
// silence while the queue is empty.
func (Speaker) Open(_ context.Context, sampleRate int) (audio.Sink, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	s := &sink{client: client}
	stream, err := client.NewPlayback(
		pulse.Int16Reader(s.queue.fill),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(playbackLatency),
		pulse.PlaybackMediaName("ari voice session"),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create pulse playback stream: %w", err)
	}
	s.stream = stream
	stream.Start()
	return s, nil
}

type sink struct {
	client *pulse.Client
	stream *pulse.PlaybackStream
	queue  sampleQueue

	closeOnce sync.Once
}

func (s *sink) Write(samples []float32) error {
	if err := s.stream.Error(); err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	return s.queue.push(audio.FloatToPCM16(samples))
}

func (s *sink) Flush() error {
	s.queue.clear()
	return nil
}

func (s *sink) Close() error {
	s.closeOnce.Do(func() {
		s.queue.close()
		s.stream.Stop()
		s.stream.Close()
		s.client.Close()
	})
	return nil
}

// sampleQueue is the buffer between the engine and the Pulse reader callback.
type sampleQueue struct {
	mu      sync.Mutex
	samples []int16
	closed  bool
}

func (q *sampleQueue) push(samples []int16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return io.ErrClosedPipe
	}
	q.samples = append(q.samples, samples...)
	return nil
}

func (q *sampleQueue) clear() {
	q.mu.Lock()
	q.samples = q.samples[:0]
	q.mu.Unlock()
}

func (q *sampleQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.samples = nil
	q.mu.Unlock()
}

// fill copies queued samples into buf and pads with silence on underflow.
func (q *sampleQueue) fill(buf []int16) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, pulse.EndOfData
	}
	n := copy(buf, q.samples)
	q.samples = q.samples[:copy(q.samples, q.samples[n:])]
	clear(buf[n:])
	return len(buf), nil
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
