package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_streamer_active_sessions",
		Help: "Number of capture sessions currently streaming",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_streamer_sessions_total",
		Help: "Total number of capture sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_streamer_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Pipeline metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_audio_bytes_total",
		Help: "Total audio bytes by pipeline stage",
	}, []string{"stage"}) // captured, converted, discarded

	conversionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_streamer_conversion_errors_total",
		Help: "Capture buffers dropped because conversion failed",
	})

	inputLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_streamer_input_level_rms",
		Help: "RMS level of the last converted block",
	})

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_streamer_speech_segments_total",
		Help: "Speech segments detected by voice activity detection",
	})

	// Delivery metrics
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_chunks_total",
		Help: "Outbound chunks by delivery status",
	}, []string{"status"}) // success, error, dropped

	deliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_streamer_delivery_queue_depth",
		Help: "Chunks waiting for the delivery worker",
	})

	deliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_streamer_delivery_latency_seconds",
		Help:    "Time from chunk emission to delivery completion",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Connection metrics
	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_streamer_connected",
		Help: "Whether the streaming connection is up (1) or down (0)",
	})

	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_inbound_messages_total",
		Help: "Messages received from the speech service by kind",
	}, []string{"kind"})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audio_streamer_tts_latency_seconds",
		Help:    "TTS request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audio_streamer_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_streamer_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Error types for RecordError
const (
	ErrorPermission = "permission"
	ErrorConversion = "conversion"
	ErrorDelivery   = "delivery"
	ErrorConnection = "connection"
	ErrorCapture    = "capture"
)

// SessionMetrics tracks metrics for a single capture session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordCaptured records native-format bytes delivered by the capture tap
func (m *SessionMetrics) RecordCaptured(bytes int) {
	audioBytes.WithLabelValues("captured").Add(float64(bytes))
}

// RecordConverted records bytes produced by the converter
func (m *SessionMetrics) RecordConverted(bytes int) {
	audioBytes.WithLabelValues("converted").Add(float64(bytes))
}

// RecordDiscarded records the remainder dropped at stop
func (m *SessionMetrics) RecordDiscarded(bytes int) {
	audioBytes.WithLabelValues("discarded").Add(float64(bytes))
}

// RecordConversionError records a dropped capture buffer
func (m *SessionMetrics) RecordConversionError() {
	conversionErrors.Inc()
	errorsTotal.WithLabelValues(ErrorConversion, "converter").Inc()
}

// RecordInputLevel records the RMS of the last converted block
func (m *SessionMetrics) RecordInputLevel(rms float64) {
	inputLevel.Set(rms)
}

// RecordSpeechStart records the start of a detected speech segment
func (m *SessionMetrics) RecordSpeechStart() {
	speechSegments.Inc()
}

// RecordChunk records the outcome of one outbound chunk
func RecordChunk(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	chunksTotal.WithLabelValues(status).Inc()
	deliveryLatency.Observe(latency.Seconds())
}

// RecordChunkDropped records a chunk evicted by backpressure
func RecordChunkDropped() {
	chunksTotal.WithLabelValues("dropped").Inc()
}

// SetQueueDepth publishes the delivery queue depth
func SetQueueDepth(n int) {
	deliveryQueueDepth.Set(float64(n))
}

// SetConnected publishes the connection state
func SetConnected(up bool) {
	if up {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// RecordInbound records an inbound message by kind
func RecordInbound(kind string) {
	inboundMessages.WithLabelValues(kind).Inc()
}

// RecordTTS records one TTS request
func RecordTTS(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
	ttsLatency.Observe(latency.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
