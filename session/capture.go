package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/almuete/ari/audio"
	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/protocol"
)

const roleUser = "user"

var errCaptureCancelled = errors.New("capture start cancelled by stop")

// uplink turns capture callbacks into fixed-size frames: resample to the
// send rate, quantize, accumulate, send every complete frame.
type uplink struct {
	mu       sync.Mutex
	fromRate int
	toRate   int
	frames   *audio.FrameAccumulator
	send     func(frame []int16) error
	failed   bool
}

func newUplink(toRate, frameSamples int, send func([]int16) error) *uplink {
	return &uplink{
		toRate: toRate,
		frames: audio.NewFrameAccumulator(frameSamples),
		send:   send,
	}
}

// setRate sets the capture rate. Samples pushed before it is known are
// dropped.
func (u *uplink) setRate(rate int) {
	u.mu.Lock()
	u.fromRate = rate
	u.mu.Unlock()
}

// push returns the first send error, once.
func (u *uplink) push(samples []float32) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.fromRate <= 0 {
		return nil
	}
	pcm := audio.FloatToPCM16(audio.Resample(samples, u.fromRate, u.toRate))
	for _, frame := range u.frames.Push(pcm) {
		if err := u.send(frame); err != nil {
			if u.failed {
				return nil
			}
			u.failed = true
			return err
		}
		metrics.RecordAudioFrameSent()
	}
	return nil
}

// StartCapture opens playback and the microphone and starts streaming
// frames. It needs a connected session and is a no-op while capture is
// running or starting. A failure releases whatever was opened, is logged,
// and leaves the connection as it was.
func (e *Engine) StartCapture(ctx context.Context) error {
	return e.startCapture(ctx, true)
}

func (e *Engine) startCapture(ctx context.Context, greet bool) (err error) {
	if e.deps.Microphone == nil || e.deps.Speaker == nil {
		return errors.New("session: audio devices are not configured")
	}

	e.mu.Lock()
	if e.st.status != StatusConnected {
		e.unlock()
		return ErrNotConnected
	}
	if e.st.streaming || e.st.captureStarting {
		e.unlock()
		return nil
	}
	e.st.captureStarting = true
	gen := e.st.gen
	tr := e.st.transport
	player := e.st.player
	e.unlock()

	var (
		openedPlayer *audio.Player
		capture      audio.Capture
	)
	defer func() {
		if err == nil {
			return
		}
		if capture != nil {
			closeQuietly("capture", capture.Close)
		}
		if openedPlayer != nil {
			closeQuietly("playback", openedPlayer.Close)
		}
		e.mu.Lock()
		if e.st.gen == gen {
			e.st.captureStarting = false
			e.logLocked(slog.LevelError, "capture failed to start", "error", err)
		}
		e.unlock()
	}()

	if player == nil {
		sink, err := e.deps.Speaker.Open(ctx, e.cfg.ReceiveSampleRate)
		if err != nil {
			return err
		}
		openedPlayer = audio.NewPlayer(sink, e.cfg.ReceiveSampleRate, e.clock)
		if err := openedPlayer.Resume(); err != nil {
			e.logIfCurrent(gen, slog.LevelWarn, "playback resume failed", "error", err)
		}
	}

	if greet && e.cfg.Greeting != "" {
		if err := tr.Send(protocol.TextTurnMessage(roleUser, e.cfg.Greeting)); err != nil {
			return err
		}
	}

	up := newUplink(e.cfg.SendSampleRate, e.cfg.FrameSamples, func(frame []int16) error {
		return e.sendFrame(gen, frame)
	})
	capture, err = e.deps.Microphone.Open(ctx, func(samples []float32) {
		if err := up.push(samples); err != nil {
			e.logIfCurrent(gen, slog.LevelWarn, "audio frame not sent", "error", err)
		}
	})
	if err != nil {
		capture = nil
		return err
	}
	up.setRate(capture.SampleRate())

	e.mu.Lock()
	if e.st.gen != gen || e.st.status != StatusConnected {
		e.unlock()
		return ErrNotConnected
	}
	if !e.st.captureStarting {
		e.unlock()
		return errCaptureCancelled
	}
	if openedPlayer != nil {
		e.st.player = openedPlayer
	}
	e.st.capture = capture
	e.st.uplink = up
	e.st.streaming = true
	e.st.captureStarting = false
	e.emitStatusLocked()
	e.logLocked(slog.LevelInfo, "capture started", "device_rate", capture.SampleRate(), "send_rate", e.cfg.SendSampleRate)
	e.unlock()
	return nil
}

// sendFrame sends one frame if gen is still streaming.
func (e *Engine) sendFrame(gen uint64, frame []int16) error {
	e.mu.Lock()
	if e.st.gen != gen || !e.st.streaming || e.st.transport == nil {
		e.unlock()
		return nil
	}
	tr := e.st.transport
	e.unlock()

	return tr.Send(protocol.AudioMessage(audio.PCM16ToBytes(frame), e.cfg.SendSampleRate))
}

// StopCapture releases the microphone and, if the transport is open, marks
// the end of the audio stream. Playback keeps running. Idempotent.
func (e *Engine) StopCapture() {
	e.mu.Lock()
	if !e.st.streaming && !e.st.captureStarting {
		e.unlock()
		return
	}
	capture := e.st.capture
	tr := e.st.transport
	e.st.capture = nil
	e.st.uplink = nil
	e.st.streaming = false
	e.st.captureStarting = false
	e.emitStatusLocked()
	e.logLocked(slog.LevelInfo, "capture stopped")
	e.unlock()

	if capture != nil {
		closeQuietly("capture", capture.Close)
	}
	if tr != nil {
		if err := tr.Send(protocol.AudioStreamEndMessage()); err != nil {
			e.log(slog.LevelDebug, "audio stream end not sent", "error", err)
		}
	}
}
