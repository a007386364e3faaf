package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sttclient_sessions_total",
		Help: "Total number of transcription sessions by outcome",
	}, []string{"outcome"}) // outcome: "started", "failed" or "stopped"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sttclient_session_duration_seconds",
		Help:    "Duration of transcription sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Transport metrics
	connectionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sttclient_connection_open",
		Help: "Whether the streaming channel is currently open (0 or 1)",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sttclient_reconnect_attempts_total",
		Help: "Total number of reconnection attempts",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sttclient_messages_sent_total",
		Help: "Total number of messages sent to the transcription service",
	}, []string{"event"})

	// Audio metrics
	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sttclient_audio_bytes_sent_total",
		Help: "Total PCM16 bytes sent to the transcription service",
	})

	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sttclient_audio_frames_total",
		Help: "Total captured audio frames by result",
	}, []string{"result"}) // result: "sent" or "dropped"

	// Transcript metrics
	transcriptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sttclient_transcripts_total",
		Help: "Total transcript results received",
	}, []string{"kind"}) // kind: "interim" or "final"

	responseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sttclient_response_latency_seconds",
		Help:    "Time between consecutive transcription responses",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"kind"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sttclient_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	sessionsTotal.WithLabelValues("started").Inc()
}

// RecordSessionEnd records the end of a session; only the first call counts
func (m *Metrics) RecordSessionEnd(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	duration := time.Since(m.startTime)
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(duration.Seconds())

	logger := WithComponent("metrics")
	logger.Debug().
		Str("session_id", m.sessionID).
		Str("outcome", outcome).
		Dur("duration", duration).
		Msg("Session ended")
}

// RecordTranscript records a transcript result and the latency measured for it
func (m *Metrics) RecordTranscript(isFinal bool, latency time.Duration) {
	kind := "interim"
	if isFinal {
		kind = "final"
	}
	transcriptsTotal.WithLabelValues(kind).Inc()
	responseLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordFrame records the fate of a captured audio frame
func (m *Metrics) RecordFrame(result string) {
	audioFrames.WithLabelValues(result).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordMessageSent records an outbound message by event name
func RecordMessageSent(event string) {
	messagesSent.WithLabelValues(event).Inc()
}

// RecordAudioBytes records PCM bytes sent to the service
func RecordAudioBytes(bytes int) {
	audioBytesSent.Add(float64(bytes))
}

// SetConnectionOpen updates the connection gauge
func SetConnectionOpen(open bool) {
	if open {
		connectionOpen.Set(1)
		return
	}
	connectionOpen.Set(0)
}

// IncrementReconnectAttempts increments the reconnection attempt counter
func IncrementReconnectAttempts() {
	reconnectAttempts.Inc()
}
