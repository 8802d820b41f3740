package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus instruments for the synchronization core.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter

	pollTicksTotal    *prometheus.CounterVec
	pollFailuresTotal *prometheus.CounterVec

	stepsTotal           prometheus.Counter
	stepFailuresTotal    prometheus.Counter
	commandFailuresTotal *prometheus.CounterVec
	autoStepEnabled      prometheus.Gauge

	connectAttemptsTotal prometheus.Counter
	connectFailuresTotal prometheus.Counter
	connectedSessions    prometheus.Gauge
}

// New creates and registers the synchronization core's metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_requests_total",
			Help: "Total number of HTTP requests received on the ops surface",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of ops responses with error status (4xx or 5xx)",
		}),
		pollTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_poll_ticks_total",
			Help: "Total number of completed poll ticks per tier",
		}, []string{"tier"}),
		pollFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_poll_failures_total",
			Help: "Total number of poll ticks that failed per tier",
		}, []string{"tier"}),
		stepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_steps_total",
			Help: "Total number of simulation step commands issued",
		}),
		stepFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_step_failures_total",
			Help: "Total number of simulation step commands that failed",
		}),
		commandFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_command_failures_total",
			Help: "Total number of operator commands rejected by the backend",
		}, []string{"command"}),
		autoStepEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_auto_step_enabled",
			Help: "Whether the automatic stepping loop is enabled (1) or not (0)",
		}),
		connectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_connect_attempts_total",
			Help: "Total number of media session negotiation attempts",
		}),
		connectFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_connect_failures_total",
			Help: "Total number of media session negotiation attempts that failed",
		}),
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connected_sessions",
			Help: "Number of media sessions currently in the connected state",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pollTicksTotal,
		m.pollFailuresTotal,
		m.stepsTotal,
		m.stepFailuresTotal,
		m.commandFailuresTotal,
		m.autoStepEnabled,
		m.connectAttemptsTotal,
		m.connectFailuresTotal,
		m.connectedSessions,
	)

	return m
}

// IncRequests increments the ops request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the ops error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncPollTick records a completed poll tick for the named tier.
func (m *Metrics) IncPollTick(tier string) {
	m.pollTicksTotal.WithLabelValues(tier).Inc()
}

// IncPollFailure records a failed poll tick for the named tier.
func (m *Metrics) IncPollFailure(tier string) {
	m.pollFailuresTotal.WithLabelValues(tier).Inc()
}

// IncSteps increments the step command counter.
func (m *Metrics) IncSteps() {
	m.stepsTotal.Inc()
}

// IncStepFailures increments the failed step counter.
func (m *Metrics) IncStepFailures() {
	m.stepFailuresTotal.Inc()
}

// IncCommandFailure records a rejected operator command by name.
func (m *Metrics) IncCommandFailure(command string) {
	m.commandFailuresTotal.WithLabelValues(command).Inc()
}

// SetAutoStepEnabled reflects the auto-step flag.
func (m *Metrics) SetAutoStepEnabled(enabled bool) {
	if enabled {
		m.autoStepEnabled.Set(1)
	} else {
		m.autoStepEnabled.Set(0)
	}
}

// IncConnectAttempts increments the negotiation attempt counter.
func (m *Metrics) IncConnectAttempts() {
	m.connectAttemptsTotal.Inc()
}

// IncConnectFailures increments the failed negotiation counter.
func (m *Metrics) IncConnectFailures() {
	m.connectFailuresTotal.Inc()
}

// SetConnectedSessions sets the connected session gauge.
func (m *Metrics) SetConnectedSessions(n int) {
	m.connectedSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. connected session count).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
