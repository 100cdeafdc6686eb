package audio

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrPlayerClosed is returned by Enqueue after Close.
var ErrPlayerClosed = errors.New("player is closed")

// Sink is an output device that plays float samples in the order written.
type Sink interface {
	// Write queues samples for playback after everything written before.
	Write(samples []float32) error
	// Flush drops queued samples that have not played yet.
	Flush() error
	// Close releases the device.
	Close() error
}

// Resumer is implemented by sinks that may start suspended and need an
// explicit resume before they produce sound.
type Resumer interface {
	Resume() error
}

// Player schedules decoded chunks back-to-back on a Sink. It keeps a
// playback cursor: the instant the last queued sample finishes. A new chunk
// starts at max(cursor, now), so chunks arriving in bursts play gap-free and
// chunks arriving after a silence start immediately.
type Player struct {
	sink       Sink
	sampleRate int
	clock      clock.PassiveClock

	mu     sync.Mutex
	cursor time.Time
	closed bool
}

// NewPlayer creates a Player writing to sink at sampleRate.
func NewPlayer(sink Sink, sampleRate int, clk clock.PassiveClock) *Player {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Player{
		sink:       sink,
		sampleRate: sampleRate,
		clock:      clk,
		cursor:     clk.Now(),
	}
}

// SampleRate returns the rate the sink was opened at.
func (p *Player) SampleRate() int {
	return p.sampleRate
}

// Enqueue schedules samples and returns their start time.
func (p *Player) Enqueue(samples []float32) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return time.Time{}, ErrPlayerClosed
	}
	if len(samples) == 0 {
		return p.cursor, nil
	}

	start := p.cursor
	if now := p.clock.Now(); now.After(start) {
		start = now
	}

	if err := p.sink.Write(samples); err != nil {
		return time.Time{}, err
	}
	p.cursor = start.Add(SamplesDuration(len(samples), p.sampleRate))
	return start, nil
}

// Cursor returns the time at which the next chunk would start if nothing
// else plays first.
func (p *Player) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Pending returns how much scheduled audio has not played yet.
func (p *Player) Pending() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d := p.cursor.Sub(p.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Flush drops queued audio and resets the cursor to now.
func (p *Player) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.cursor = p.clock.Now()
	return p.sink.Flush()
}

// Resume wakes the sink if it supports it.
func (p *Player) Resume() error {
	if r, ok := p.sink.(Resumer); ok {
		return r.Resume()
	}
	return nil
}

// Close releases the sink. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.sink.Close()
}
