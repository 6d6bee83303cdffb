package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client metrics
	connectedClientsSource atomic.Pointer[func() int]

	connectedClients = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dictation_gateway_connected_clients",
		Help: "Number of clients currently registered",
	}, func() float64 {
		if count := connectedClientsSource.Load(); count != nil {
			return float64((*count)())
		}
		return 0
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dictation_gateway_active_connections",
		Help: "Number of open phone WebSocket connections",
	})

	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_gateway_connections_total",
		Help: "Total number of phone WebSocket connections accepted",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dictation_gateway_connection_duration_seconds",
		Help:    "Lifetime of phone WebSocket connections in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_gateway_heartbeat_evictions_total",
		Help: "Total number of clients evicted for missing heartbeats",
	})

	// Protocol metrics
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_gateway_messages_total",
		Help: "Total number of decoded messages by type",
	}, []string{"type"})

	decodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_gateway_decode_errors_total",
		Help: "Total number of frames dropped because they failed to decode",
	})

	acksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_gateway_acks_total",
		Help: "Total number of acknowledgments sent by acknowledged type",
	}, []string{"ack_type"})

	// Event metrics
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_gateway_events_total",
		Help: "Total number of events emitted to the event sink",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_gateway_events_dropped_total",
		Help: "Total number of events dropped for slow UI subscribers",
	})

	// Injection metrics
	injectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_gateway_injections_total",
		Help: "Total number of text injections",
	}, []string{"status"})

	injectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dictation_gateway_injection_latency_seconds",
		Help:    "Text injection latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// Rules metrics
	rulesetVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dictation_gateway_ruleset_version",
		Help: "Current text rule set version",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dictation_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// ConnectionMetrics tracks metrics for a single phone connection
type ConnectionMetrics struct {
	startTime time.Time
}

// NewConnectionMetrics records an accepted connection
func NewConnectionMetrics() *ConnectionMetrics {
	activeConnections.Inc()
	totalConnections.Inc()
	return &ConnectionMetrics{startTime: time.Now()}
}

// RecordClosed records the end of the connection
func (m *ConnectionMetrics) RecordClosed() {
	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// TrackConnectedClients makes the registered client gauge read count at
// scrape time. The last call wins.
func TrackConnectedClients(count func() int) {
	connectedClientsSource.Store(&count)
}

// RecordEvictions counts clients removed by the heartbeat sweep
func RecordEvictions(n int) {
	evictionsTotal.Add(float64(n))
}

// RecordMessage counts a decoded message
func RecordMessage(msgType string) {
	messagesTotal.WithLabelValues(msgType).Inc()
}

// RecordDecodeError counts a dropped frame
func RecordDecodeError() {
	decodeErrorsTotal.Inc()
}

// RecordAck counts an acknowledgment sent to a phone
func RecordAck(ackType string) {
	acksTotal.WithLabelValues(ackType).Inc()
}

// RecordEvent counts an emitted event
func RecordEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts an event a UI subscriber was too slow to receive
func RecordEventDropped() {
	eventsDropped.Inc()
}

// RecordInjection counts an injection attempt and its latency.
// status is one of success, error, rejected.
func RecordInjection(status string, latency time.Duration) {
	injectionsTotal.WithLabelValues(status).Inc()
	injectionLatency.Observe(latency.Seconds())
}

// SetRulesetVersion publishes the current rule set version
func SetRulesetVersion(version int64) {
	rulesetVersion.Set(float64(version))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
