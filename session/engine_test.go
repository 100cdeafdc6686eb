package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almuete/ari/audio"
	arierrors "github.com/almuete/ari/errors"
	"github.com/almuete/ari/internal/streaming"
	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/tools"
)

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{Dial: (&fakeDialer{}).dial})
	require.Error(t, err)

	_, err = NewEngine(Config{}, Deps{Credentials: failingSource{}})
	require.Error(t, err)
}

func TestNewEngine_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := h.eng.Config()
	assert.Equal(t, 16000, cfg.SendSampleRate)
	assert.Equal(t, 24000, cfg.ReceiveSampleRate)
	assert.Equal(t, audio.DefaultFrameSamples, cfg.FrameSamples)
	assert.Equal(t, 10*time.Minute, cfg.EstimatedDuration)
	assert.Equal(t, time.Second, cfg.CountdownInterval)
}

func TestConnect_SendsSetupAndArmsEstimate(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	assert.Equal(t, []string{"ephemeral-token"}, h.dialer.tokens)

	first := tr.first()
	require.Contains(t, first, "setup")
	setup := first["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-live-test", setup["model"])
	assert.Contains(t, setup, "inputAudioTranscription")
	assert.Contains(t, setup, "outputAudioTranscription")
	assert.Contains(t, setup, "systemInstruction")
	gen := setup["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])

	snap := h.eng.Snapshot()
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, h.clock.Now(), snap.StartedAt)
	require.NotNil(t, snap.Expiry)
	assert.Equal(t, ExpiryEstimated, snap.Expiry.Source)
	assert.Equal(t, int64(600000), snap.Expiry.Millis())
	assert.False(t, snap.Streaming)

	spans := h.recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "session.connect", spans[0].Name())
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes and reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnect_StructuredLogsCarrySessionID(t *testing.T) {
	var out lockedBuffer
	logger.SetOutput(&out)
	defer logger.SetOutput(nil)

	h := newHarness(t)
	h.connect(t)
	id := h.eng.Snapshot().SessionID
	require.NotEmpty(t, id)

	logs := out.String()
	assert.Contains(t, logs, "msg=connecting")
	assert.Contains(t, logs, "component=session")
	assert.Contains(t, logs, "session_id="+id)
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, "msg=connecting") {
			assert.Equal(t, 1, strings.Count(line, "session_id="), line)
		}
	}
}

func TestConnect_NoOpWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.eng.Connect(context.Background()))
	assert.Equal(t, 1, h.dialer.count())
}

func TestConnect_CredentialFailure(t *testing.T) {
	h := newHarness(t, withCredentials(failingSource{err: errBoom}))

	err := h.eng.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, 0, h.dialer.count(), "no transport without a credential")
	snap := h.eng.Snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Nil(t, snap.Expiry)
	assert.True(t, h.hasLog("connect failed"))
}

func TestConnect_CredentialFailureLogsStatus(t *testing.T) {
	rejected := arierrors.New("credentials", "Fetch", errBoom).WithStatusCode(http.StatusUnauthorized)
	h := newHarness(t, withCredentials(failingSource{err: rejected}))

	require.Error(t, h.eng.Connect(context.Background()))
	assert.True(t, h.hasLog("status=401"))
}

func TestConnect_DialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errBoom

	err := h.eng.Connect(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StatusDisconnected, h.eng.Snapshot().Status)

	// A later attempt may succeed.
	h.dialer.err = nil
	h.connect(t)
}

func TestConnect_SetupSendFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.sendErr = errBoom

	err := h.eng.Connect(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StatusDisconnected, h.eng.Snapshot().Status)
	assert.EqualValues(t, 1, h.dialer.transport(0).closes.Load())
}

func TestDisconnect_ReleasesEverythingOnce(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	h.eng.Disconnect()
	h.eng.Disconnect()

	snap := h.eng.Snapshot()
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.False(t, snap.Streaming)
	assert.Nil(t, snap.Expiry)
	assert.EqualValues(t, 1, tr.closes.Load())
	assert.EqualValues(t, 1, h.mic.capture(0).closes.Load())
	_, _, closes := h.speaker.sink(0).stats()
	assert.Equal(t, 1, closes)
}

func TestDisconnect_WhenIdle(t *testing.T) {
	h := newHarness(t)
	h.eng.Disconnect()
	assert.Empty(t, h.eventsOf(EventStatus))
}

func TestGoAway_ServerExpiryAndReconnect(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)

	first.deliver(`{"goAway":{"timeLeft":"5s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)

	snap := h.eng.Snapshot()
	require.NotNil(t, snap.Expiry)
	assert.Equal(t, ExpiryServer, snap.Expiry.Source)
	assert.Equal(t, int64(5000), snap.Expiry.Millis())
	assert.True(t, snap.GoAwayReceived)
	assert.Equal(t, "goAway", snap.LastMessageType)

	h.clock.Step(time.Second)
	later := h.eng.Snapshot().Expiry
	require.NotNil(t, later)
	assert.Less(t, later.Remaining, snap.Expiry.Remaining)
	assert.Equal(t, int64(4000), later.Millis())

	h.clock.Step(1499 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.count(), "reconnect must wait for the lead time")

	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool {
		return h.dialer.count() == 2 && h.eng.Snapshot().Status == StatusConnected
	}, waitFor, tick)

	assert.EqualValues(t, 1, first.closes.Load())
	assert.False(t, h.eng.Snapshot().ReconnectScheduled)
	assert.Contains(t, h.dialer.transport(1).first(), "setup")
}

func TestGoAway_HugeTimeLeftDoesNotReconnectEarly(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)

	first.deliver(`{"goAway":{"timeLeft":{"seconds":"1e13"}}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)

	snap := h.eng.Snapshot()
	require.NotNil(t, snap.Expiry)
	assert.Equal(t, ExpiryServer, snap.Expiry.Source)
	assert.Greater(t, snap.Expiry.Remaining, 100*365*24*time.Hour)
	assert.False(t, h.hasLog("without a usable time left"))

	h.clock.Step(time.Minute)
	assert.Never(t, func() bool { return h.dialer.count() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)
}

func TestReconnect_DisconnectDuringTeardownCancelsRedial(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	entered, gate := tr.blockClose()

	tr.deliver(`{"goAway":{"timeLeft":"0s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)
	h.clock.Step(time.Millisecond)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("reconnect teardown did not close the transport")
	}
	h.eng.Disconnect()
	close(gate)

	h.waitForLog(t, "reconnect cancelled")
	snap := h.eng.Snapshot()
	assert.Equal(t, 1, h.dialer.count())
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Nil(t, snap.Expiry)
	assert.False(t, snap.ReconnectScheduled)
}

func TestReconnect_DisconnectBeforeRemoteCloseRedial(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"goAway":{"timeLeft":"5s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)
	entered, gate := tr.blockClose()

	tr.closeRemotely(errBoom)
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("remote close did not release the transport")
	}
	h.eng.Disconnect()
	close(gate)

	h.waitForLog(t, "reconnect cancelled")
	assert.Equal(t, 1, h.dialer.count())
	assert.Equal(t, StatusDisconnected, h.eng.Snapshot().Status)
}

func TestGoAway_WithoutAutoReconnect(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.AutoReconnect = false }))
	tr := h.connect(t)

	tr.deliver(`{"goAway":{"timeLeft":"5s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().GoAwayReceived }, waitFor, tick)

	snap := h.eng.Snapshot()
	assert.False(t, snap.ReconnectScheduled)
	assert.Equal(t, ExpiryServer, snap.Expiry.Source)

	h.clock.Step(10 * time.Second)
	assert.Equal(t, 1, h.dialer.count())
}

func TestGoAway_ShortTimeLeftReconnectsImmediately(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"go_away":{"time_left":{"seconds":"1","nanos":500000000}}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)
	assert.Equal(t, int64(1500), h.eng.Snapshot().Expiry.Millis())

	// the timer is due at once; any clock movement fires it
	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, waitFor, tick)
}

func TestGoAway_RemoteCloseRunsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"goAway":{"timeLeft":"60s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)

	tr.closeRemotely(&streaming.CloseError{Code: 1001, Reason: "going away"})
	require.Eventually(t, func() bool {
		return h.dialer.count() == 2 && h.eng.Snapshot().Status == StatusConnected
	}, waitFor, tick)
	assert.True(t, h.hasLog("transport closed after go-away"))
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		timeLeft, lead, want time.Duration
	}{
		{5 * time.Second, 2500 * time.Millisecond, 2500 * time.Millisecond},
		{2 * time.Second, 2500 * time.Millisecond, 0},
		{0, 2500 * time.Millisecond, 0},
		{time.Minute, 0, time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%s", tt.timeLeft, tt.lead), func(t *testing.T) {
			assert.Equal(t, tt.want, reconnectDelay(tt.timeLeft, tt.lead))
		})
	}
}

func TestResumptionHandleUsedOnReconnect(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"sessionResumptionUpdate":{"newHandle":"resume-1","resumable":true}}`)
	tr.deliver(`{"goAway":{"timeLeft":"0s"}}`)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)
	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.dialer.transport(1).first() != nil }, waitFor, tick)

	setup := h.dialer.transport(1).first()["setup"].(map[string]any)
	assert.Equal(t, map[string]any{"handle": "resume-1"}, setup["sessionResumption"])
}

func TestCountdown_TicksAndLogsExpiry(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.AutoReconnect = false }))
	h.connect(t)

	h.clock.Step(time.Second)
	require.Eventually(t, func() bool {
		for _, ev := range h.eventsOf(EventCountdown) {
			if ev.Expiry.Remaining == 10*time.Minute-time.Second {
				return true
			}
		}
		return false
	}, waitFor, tick)

	h.clock.Step(10 * time.Minute)
	h.waitForLog(t, "session time limit reached")
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)
}

func TestCountdown_EstimatedExpiryReconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.clock.Step(10*time.Minute - 2*time.Second)
	require.Eventually(t, func() bool { return h.eng.Snapshot().ReconnectScheduled }, waitFor, tick)
	assert.Equal(t, 1, h.dialer.count())

	h.clock.Step(time.Millisecond)
	require.Eventually(t, func() bool {
		snap := h.eng.Snapshot()
		return h.dialer.count() == 2 && snap.Status == StatusConnected
	}, waitFor, tick)

	snap := h.eng.Snapshot()
	require.NotNil(t, snap.Expiry)
	assert.Equal(t, ExpiryEstimated, snap.Expiry.Source)
	assert.Equal(t, 10*time.Minute, snap.Expiry.Remaining)
	assert.False(t, snap.ReconnectScheduled)
	assert.True(t, h.hasLog("reconnecting ahead of session expiry"))
}

func TestTranscripts_MergeHeuristic(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	for _, text := range []string{"Hello", "Hello there", "Good morning"} {
		tr.deliver(fmt.Sprintf(`{"serverContent":{"outputTranscription":{"text":%q}}}`, text))
	}

	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Output.Current == "Good morning"
	}, waitFor, tick)
	assert.Equal(t, []string{"Hello there"}, h.eng.Snapshot().Output.History)
	assert.NotEmpty(t, h.eventsOf(EventTranscript))
}

func TestTranscripts_TextPartsFallback(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"serverContent":{"modelTurn":{"parts":[{"text":"Sure, "},{"text":"one moment."}]}}}`)
	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Output.Current == "Sure, one moment."
	}, waitFor, tick)
}

func TestStopPhrase_TearsDownExactlyOnce(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	tr.deliver(`{"serverContent":{"inputTranscription":{"text":"okay goodbye then"}}}`)
	tr.deliver(`{"serverContent":{"inputTranscription":{"text":"goodbye"}}}`)
	tr.deliver(`{"server_content":{"input_transcription":{"text":"bye bye"}}}`)

	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Status == StatusDisconnected
	}, waitFor, tick)
	// give queued fragments a chance to be (ignored and) drained
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 1, tr.closes.Load())
	assert.Equal(t, 1, tr.streamEnds())
	assert.EqualValues(t, 1, h.mic.capture(0).closes.Load())
	_, _, closes := h.speaker.sink(0).stats()
	assert.Equal(t, 1, closes)

	disconnects := 0
	for _, ev := range h.eventsOf(EventStatus) {
		if ev.Status == StatusDisconnected {
			disconnects++
		}
	}
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, h.dialer.count())
}

func TestStopPhrase_ModelSpeechIgnored(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"serverContent":{"outputTranscription":{"text":"Goodbye!"}}}`)
	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Output.Current == "Goodbye!"
	}, waitFor, tick)
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)
}

func TestStopPhrase_ModelSpeechWhenEnabled(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.StopOnModelSpeech = true }))
	tr := h.connect(t)

	tr.deliver(`{"serverContent":{"outputTranscription":{"text":"Okay, goodbye!"}}}`)
	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Status == StatusDisconnected
	}, waitFor, tick)

	assert.EqualValues(t, 1, tr.closes.Load())
	assert.True(t, h.hasLog("stream=output"))
	assert.Equal(t, 1, h.dialer.count())
}

func TestStartCapture_RequiresConnection(t *testing.T) {
	h := newHarness(t)
	err := h.eng.StartCapture(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.mic.openCount())
}

func TestStartCapture_Twice(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	require.NoError(t, h.eng.StartCapture(context.Background()))
	require.NoError(t, h.eng.StartCapture(context.Background()))

	assert.Equal(t, 1, h.mic.openCount())
	assert.Equal(t, 1, h.speaker.openCount())
	assert.Equal(t, []int{24000}, h.speaker.rates)
	assert.True(t, h.eng.Snapshot().Streaming)

	turns := tr.messages("clientContent")
	require.Len(t, turns, 1, "greeting is sent once")
	assert.Equal(t, true, turns[0]["turnComplete"])
}

func TestStartCapture_ConcurrentDuringPermissionWait(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.mic.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.eng.StartCapture(context.Background()) }()

	require.Eventually(t, func() bool {
		h.eng.mu.Lock()
		defer h.eng.mu.Unlock()
		return h.eng.st.captureStarting
	}, waitFor, tick)

	require.NoError(t, h.eng.StartCapture(context.Background()))
	close(h.mic.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.mic.openCount())
	assert.True(t, h.eng.Snapshot().Streaming)
}

func TestStartCapture_MicrophoneDenied(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.mic.err = errors.New("permission denied")

	err := h.eng.StartCapture(context.Background())
	require.Error(t, err)

	snap := h.eng.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status, "connection is unaffected")
	assert.False(t, snap.Streaming)
	_, _, closes := h.speaker.sink(0).stats()
	assert.Equal(t, 1, closes, "playback opened for this attempt is released")
	assert.True(t, h.hasLog("capture failed to start"))

	// a retry works once the device is available
	h.mic.err = nil
	require.NoError(t, h.eng.StartCapture(context.Background()))
	assert.Equal(t, 2, h.speaker.openCount())
}

func TestStartCapture_SpeakerFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.speaker.err = errBoom

	require.ErrorIs(t, h.eng.StartCapture(context.Background()), errBoom)
	assert.Equal(t, 0, h.mic.openCount())
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)
}

func TestStartCapture_PlaybackResumeFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.speaker.resumeErr = errBoom

	require.NoError(t, h.eng.StartCapture(context.Background()))
	assert.True(t, h.eng.Snapshot().Streaming)
	assert.True(t, h.hasLog("playback resume failed"))
}

func TestCapture_SendsOnlyWholeFrames(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	rng := rand.New(rand.NewSource(42))
	total := 0
	for range 200 {
		n := 1 + rng.Intn(700)
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = rng.Float32()*2 - 1
		}
		h.mic.emit(samples)
		total += n
	}

	frames := tr.audioFrames()
	require.Len(t, frames, total/audio.DefaultFrameSamples)
	for _, f := range frames {
		assert.Equal(t, "audio/pcm;rate=16000", f["mimeType"])
		raw, err := audio.DecodeBase64(f["data"].(string))
		require.NoError(t, err)
		assert.Len(t, raw, audio.DefaultFrameSamples*2)
	}
}

func TestCapture_ResamplesDeviceRate(t *testing.T) {
	h := newHarness(t)
	h.mic.rate = 48000
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	h.mic.emit(make([]float32, 960))
	assert.Len(t, tr.audioFrames(), 1)
}

func TestStopCapture(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	h.eng.StopCapture()
	h.eng.StopCapture()

	assert.Equal(t, 1, tr.streamEnds())
	assert.EqualValues(t, 1, h.mic.capture(0).closes.Load())
	assert.False(t, h.eng.Snapshot().Streaming)
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)

	_, _, closes := h.speaker.sink(0).stats()
	assert.Equal(t, 0, closes, "playback stays open")

	// frames after stop are not sent
	h.mic.emit(make([]float32, 640))
	assert.Empty(t, tr.audioFrames())
}

func TestInboundAudio_ScheduledForPlayback(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	pcm := audio.PCM16ToBytes(make([]int16, 480))
	tr.deliver(fmt.Sprintf(
		`{"serverContent":{"modelTurn":{"parts":[`+
			`{"inlineData":{"mimeType":"image/png","data":"AAAA"}},`+
			`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":%q}}]}}}`,
		audio.EncodeBase64(pcm)))

	sink := h.speaker.sink(0)
	require.Eventually(t, func() bool {
		written, _, _ := sink.stats()
		return written == 480
	}, waitFor, tick)
}

func TestInboundAudio_ResampledToPlaybackRate(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	pcm := audio.PCM16ToBytes(make([]int16, 160))
	tr.deliver(fmt.Sprintf(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=16000","data":%q}}]}}}`,
		audio.EncodeBase64(pcm)))

	sink := h.speaker.sink(0)
	require.Eventually(t, func() bool {
		written, _, _ := sink.stats()
		return written == 240
	}, waitFor, tick)
}

func TestInterrupted(t *testing.T) {
	for _, flush := range []bool{false, true} {
		t.Run(fmt.Sprintf("flush=%v", flush), func(t *testing.T) {
			h := newHarness(t, withConfig(func(c *Config) { c.FlushOnInterrupt = flush }))
			tr := h.connect(t)
			require.NoError(t, h.eng.StartCapture(context.Background()))

			tr.deliver(`{"serverContent":{"interrupted":true}}`)
			require.Eventually(t, func() bool { return len(h.eventsOf(EventInterrupted)) == 1 }, waitFor, tick)

			_, flushes, _ := h.speaker.sink(0).stats()
			if flush {
				assert.Equal(t, 1, flushes)
			} else {
				assert.Equal(t, 0, flushes)
			}
		})
	}
}

func TestToolCalls_OneCombinedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/search" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"search quota exceeded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	d, err := tools.NewDispatcher(tools.NewClient(srv.URL + "/"))
	require.NoError(t, err)

	h := newHarness(t, withTools(d))
	tr := h.connect(t)

	setup := tr.first()["setup"].(map[string]any)
	decls := setup["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	assert.Len(t, decls, 4)

	tr.deliver(`{"toolCall":{"functionCalls":[` +
		`{"id":"c1","name":"geocode_address","args":{"address":"1 Main St"}},` +
		`{"id":"c2","name":"search_places","args":{"query":"coffee","radius_meters":"500"}},` +
		`{"id":"c3","name":"web_search","args":{"query":"weather"}}]}}`)

	require.Eventually(t, func() bool { return len(tr.messages("toolResponse")) == 1 }, waitFor, tick)

	responses := tr.messages("toolResponse")[0]["functionResponses"].([]any)
	require.Len(t, responses, 3)

	byID := map[string]map[string]any{}
	for _, r := range responses {
		entry := r.(map[string]any)
		byID[entry["id"].(string)] = entry["response"].(map[string]any)
	}
	assert.Contains(t, byID["c1"], "output")
	assert.Contains(t, byID["c2"], "output")
	assert.Contains(t, byID["c3"]["error"], "search quota exceeded")
	assert.NotContains(t, byID["c3"], "output")

	require.Len(t, h.eventsOf(EventToolCall), 1)
}

func TestToolCalls_WithoutResolver(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"tool_call":{"function_calls":[{"id":"x","name":"geocode_address","args":{}}]}}`)
	require.Eventually(t, func() bool { return len(tr.messages("toolResponse")) == 1 }, waitFor, tick)

	responses := tr.messages("toolResponse")[0]["functionResponses"].([]any)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].(map[string]any)["response"], "error")
}

func TestToolCalls_CancelledIDsDropped(t *testing.T) {
	r := &blockingResolver{release: make(chan struct{})}
	h := newHarness(t, withTools(r))
	tr := h.connect(t)

	tr.deliver(`{"toolCall":{"functionCalls":[{"id":"a","name":"slow_tool"},{"id":"b","name":"slow_tool"}]}}`)
	tr.deliver(`{"toolCallCancellation":{"ids":["a"]}}`)
	require.Eventually(t, func() bool {
		return h.eng.Snapshot().LastMessageType == "toolCallCancellation" && r.calls.Load() == 1
	}, waitFor, tick)

	close(r.release)
	require.Eventually(t, func() bool { return len(tr.messages("toolResponse")) == 1 }, waitFor, tick)

	responses := tr.messages("toolResponse")[0]["functionResponses"].([]any)
	require.Len(t, responses, 1)
	assert.Equal(t, "b", responses[0].(map[string]any)["id"])
}

func TestToolCalls_DroppedAfterDisconnect(t *testing.T) {
	r := &blockingResolver{release: make(chan struct{})}
	h := newHarness(t, withTools(r))
	tr := h.connect(t)

	tr.deliver(`{"toolCall":{"functionCalls":[{"id":"a","name":"slow_tool"}]}}`)
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, waitFor, tick)

	h.eng.Disconnect()
	close(r.release)

	h.waitForLog(t, "dropping tool responses")
	assert.Empty(t, tr.messages("toolResponse"))
}

func TestInbound_MalformedSkipped(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`this is not json`)
	tr.deliver(`{"serverContent":{"inputTranscription":{"text":"still here"}}}`)

	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Input.Current == "still here"
	}, waitFor, tick)
	assert.True(t, h.hasLog("skipping malformed message"))
	assert.Equal(t, StatusConnected, h.eng.Snapshot().Status)
}

func TestInbound_SetupCompleteAndUnknown(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)

	tr.deliver(`{"setupComplete":{}}`)
	h.waitForLog(t, "setup complete")

	tr.deliver(`{"usageMetadata":{"totalTokenCount":3}}`)
	require.Eventually(t, func() bool {
		return h.eng.Snapshot().LastMessageType == "unknown"
	}, waitFor, tick)
}

func TestRemoteClose_WithoutGoAway(t *testing.T) {
	h := newHarness(t)
	tr := h.connect(t)
	require.NoError(t, h.eng.StartCapture(context.Background()))

	tr.closeRemotely(&streaming.CloseError{Code: 1011, Reason: "internal error"})

	require.Eventually(t, func() bool {
		return h.eng.Snapshot().Status == StatusDisconnected
	}, waitFor, tick)
	assert.False(t, h.eng.Snapshot().Streaming)
	assert.True(t, h.hasLog("transport closed without go-away code=1011"))
	assert.Equal(t, 1, h.dialer.count(), "no reconnect without a go-away")
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t)

	var got []EventKind
	unsubscribe := h.eng.Subscribe(func(ev Event) { got = append(got, ev.Kind) })
	h.connect(t)
	unsubscribe()
	unsubscribe()

	n := len(got)
	assert.Contains(t, got, EventStatus)
	assert.Contains(t, got, EventLog)

	h.eng.Disconnect()
	assert.Len(t, got, n)
}

func TestSubscribe_PanickingListener(t *testing.T) {
	h := newHarness(t)
	h.eng.Subscribe(func(Event) { panic("listener bug") })

	h.connect(t)
	assert.NotEmpty(t, h.eventsOf(EventStatus), "other listeners still run")
}

func TestSnapshot_LogsNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	logs := h.eng.Snapshot().Logs
	require.GreaterOrEqual(t, len(logs), 2)
	assert.Contains(t, logs[0].Message, "connected")
	assert.Contains(t, logs[len(logs)-1].Message, "connecting")
}
