package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/livemap/internal/domain/permission"
	"github.com/GriffinCanCode/livemap/internal/domain/protocol"
	"github.com/GriffinCanCode/livemap/internal/domain/readiness"
	"github.com/GriffinCanCode/livemap/internal/domain/reconciler"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/resilience"
)

const namespace = "livemap"

// Metrics holds all Prometheus metrics. It satisfies session.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsTotal       prometheus.Counter
	Samples             prometheus.Counter
	Decisions           *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	SandboxMessages     *prometheus.CounterVec
	AvailabilityResults *prometheus.CounterVec

	// WebSocket metrics
	WSConnections *prometheus.GaugeVec
	WSMessages    *prometheus.CounterVec

	// Upstream metrics
	BreakerTransitions *prometheus.CounterVec

	startTime time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot holds current values for the JSON status endpoint
type Snapshot struct {
	TotalRequests  int64   `json:"total_requests"`
	TotalErrors    int64   `json:"total_errors"`
	ActiveSessions int64   `json:"active_sessions"`
	Injections     int64   `json:"injections"`
	Connections    int64   `json:"connections"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	UptimeSeconds  float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewMetrics registers all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of mounted map sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions mounted",
		}),
		Samples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_total",
			Help:      "Position samples delivered to sessions",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_decisions_total",
			Help:      "Reconciliation outcomes by decision",
		}, []string{"decision"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_transitions_total",
			Help:      "Sandbox readiness transitions by target stage",
		}, []string{"stage"}),
		SandboxMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_messages_total",
			Help:      "Messages received from the sandbox by kind",
		}, []string{"kind"}),
		AvailabilityResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_results_total",
			Help:      "Location availability check results",
		}, []string{"result"}),

		WSConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of active WebSocket connections",
		}, []string{"role"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Total number of WebSocket messages",
		}, []string{"direction", "type"}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes",
		}, []string{"name", "to"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SessionStarted counts a mounted session
func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.mu.Lock()
	m.snapshot.ActiveSessions++
	m.mu.Unlock()
}

// SessionEnded counts an unmounted session
func (m *Metrics) SessionEnded() {
	m.SessionsActive.Dec()
	m.mu.Lock()
	m.snapshot.ActiveSessions--
	m.mu.Unlock()
}

// SampleReceived counts a delivered position sample
func (m *Metrics) SampleReceived() {
	m.Samples.Inc()
}

// Decision counts a reconciliation outcome
func (m *Metrics) Decision(d reconciler.Decision) {
	m.Decisions.WithLabelValues(d.String()).Inc()
	if d == reconciler.Injected {
		m.mu.Lock()
		m.snapshot.Injections++
		m.mu.Unlock()
	}
}

// Transition counts a readiness transition
func (m *Metrics) Transition(stage readiness.Stage) {
	m.Transitions.WithLabelValues(stage.String()).Inc()
}

// Message counts a sandbox message
func (m *Metrics) Message(kind protocol.Kind) {
	m.SandboxMessages.WithLabelValues(kind.String()).Inc()
}

// Availability counts an availability check result
func (m *Metrics) Availability(a permission.Availability) {
	m.AvailabilityResults.WithLabelValues(a.String()).Inc()
}

// BreakerChanged counts a circuit breaker transition. Its signature matches
// resilience.Settings.OnStateChange.
func (m *Metrics) BreakerChanged(name string, _ resilience.State, to resilience.State) {
	m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// WSConnected tracks a new WebSocket connection for role
func (m *Metrics) WSConnected(role string) {
	m.WSConnections.WithLabelValues(role).Inc()
	m.mu.Lock()
	m.snapshot.Connections++
	m.mu.Unlock()
}

// WSDisconnected tracks a closed WebSocket connection for role
func (m *Metrics) WSDisconnected(role string) {
	m.WSConnections.WithLabelValues(role).Dec()
	m.mu.Lock()
	m.snapshot.Connections--
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// Snapshot returns the current summary values
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	if s.TotalRequests > 0 {
		s.AvgLatencyMS = s.totalDuration / float64(s.TotalRequests) * 1000
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
