package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus metrics
	busRefCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_bus_connection_refs",
		Help: "Outstanding acquisitions of the shared bus connection",
	})

	busDials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_bus_dials_total",
		Help: "Physical bus connections opened",
	})

	busState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_bus_connection_state",
		Help: "Bus connection state (0=disconnected, 1=connecting, 2=connected, 3=errored)",
	})

	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_active_sessions",
		Help: "Number of paired sessions",
	})

	pairingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_pairing_attempts_total",
		Help: "Pairing attempts by result",
	}, []string{"result"}) // result: "ok", "invalid_code", "connection_error"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_session_duration_seconds",
		Help:    "Duration of paired sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	// Bridge metrics
	bridgeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_bridge_messages_total",
		Help: "Bridge messages by direction and type",
	}, []string{"direction", "type"})

	bridgeSilences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_bridge_silence_timeouts_total",
		Help: "Outward commands left unanswered past the silence timeout",
	})

	// Transcript metrics
	transcriptLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_transcript_lines_total",
		Help: "Finalised transcript lines by publication status",
	}, []string{"status"}) // status: "published", "skipped", "failed", "duplicate"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "companion_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single paired session
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

// RecordPairing records the outcome of a pairing attempt
func RecordPairing(result string) {
	pairingAttempts.WithLabelValues(result).Inc()
}

// RecordBridgeMessage records a bridge message; direction is "in" or "out"
func RecordBridgeMessage(direction, messageType string) {
	bridgeMessages.WithLabelValues(direction, messageType).Inc()
}

// RecordSilence records an unanswered outward command
func RecordSilence() {
	bridgeSilences.Inc()
}

// RecordTranscriptLine records what happened to a finalised line
func RecordTranscriptLine(status string) {
	transcriptLines.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// SetBusRefCount publishes the shared connection's reference count
func SetBusRefCount(refs int) {
	busRefCount.Set(float64(refs))
}

// SetBusState publishes the shared connection's state
func SetBusState(state int) {
	busState.Set(float64(state))
}

// IncrementBusDials counts a new physical connection
func IncrementBusDials() {
	busDials.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
