// Package metrics holds the Prometheus collectors for live sessions and
// tool dispatch, plus an exporter that serves them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ari"

// Label values shared by callers.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// sessionsActive is 1 while a transport is open.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open live session connections",
		},
	)

	connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from connect request to setup sent, in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// connectsTotal status: success, credential_error, dial_error, setup_error
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of connect attempts",
		},
		[]string{"status"},
	)

	disconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of session teardowns by reason",
		},
		[]string{"reason"},
	)

	goAwaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "go_aways_total",
			Help:      "Total number of go-away notices received",
		},
	)

	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnects triggered by session expiry",
		},
	)

	inboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Total number of server messages by kind",
		},
		[]string{"kind"},
	)

	audioFramesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Total number of microphone frames sent",
		},
	)

	audioChunksPlayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_played_total",
			Help:      "Total number of model audio chunks scheduled for playback",
		},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	toolBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_batch_size",
			Help:      "Number of calls per tool-call batch",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)

	allMetrics = []prometheus.Collector{
		sessionsActive,
		connectDuration,
		connectsTotal,
		disconnectsTotal,
		goAwaysTotal,
		reconnectsTotal,
		inboundMessagesTotal,
		audioFramesSentTotal,
		audioChunksPlayedTotal,
		toolCallDuration,
		toolCallsTotal,
		toolBatchSize,
	}
)

// RecordConnect records a connect attempt and how long it took.
func RecordConnect(status string, durationSeconds float64) {
	connectsTotal.WithLabelValues(status).Inc()
	connectDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSessionOpen marks a transport as open.
func RecordSessionOpen() {
	sessionsActive.Inc()
}

// RecordSessionClosed marks a transport as closed for reason.
func RecordSessionClosed(reason string) {
	sessionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordGoAway counts a go-away notice.
func RecordGoAway() {
	goAwaysTotal.Inc()
}

// RecordReconnect counts an expiry-driven reconnect.
func RecordReconnect() {
	reconnectsTotal.Inc()
}

// RecordInboundMessage counts a server message by kind.
func RecordInboundMessage(kind string) {
	inboundMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordAudioFrameSent counts one outbound microphone frame.
func RecordAudioFrameSent() {
	audioFramesSentTotal.Inc()
}

// RecordAudioChunkPlayed counts one inbound audio chunk.
func RecordAudioChunkPlayed() {
	audioChunksPlayedTotal.Inc()
}

// RecordToolCall records a tool call.
func RecordToolCall(toolName, status string, durationSeconds float64) {
	toolCallDuration.WithLabelValues(toolName).Observe(durationSeconds)
	toolCallsTotal.WithLabelValues(toolName, status).Inc()
}

// RecordToolBatch records the size of a tool-call batch.
func RecordToolBatch(size int) {
	toolBatchSize.Observe(float64(size))
}
