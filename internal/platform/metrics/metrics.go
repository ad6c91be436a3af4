package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream orchestrator.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	sessionsAdded   *prometheus.CounterVec
	sessionsStopped *prometheus.CounterVec
	buildFailures   prometheus.Counter
	wiringErrors    prometheus.Counter
	skippedStreams  *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_sessions_added_total",
			Help: "Total number of sessions registered, by output kind",
		}, []string{"kind"}),
		sessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_sessions_stopped_total",
			Help: "Total number of sessions that reached a terminal state, by reason",
		}, []string{"reason"}),
		buildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_build_failures_total",
			Help: "Total number of processing graphs that failed to build",
		}),
		wiringErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_wiring_errors_total",
			Help: "Total number of runtime link failures inside port-added callbacks",
		}),
		skippedStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_skipped_streams_total",
			Help: "Elementary streams ignored because their encoding is not wanted",
		}, []string{"encoding"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_active_sessions",
			Help: "Number of sessions whose graph is running",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsAdded,
		m.sessionsStopped,
		m.buildFailures,
		m.wiringErrors,
		m.skippedStreams,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsAdded counts a newly registered session.
func (m *Metrics) IncSessionsAdded(kind string) {
	m.sessionsAdded.WithLabelValues(kind).Inc()
}

// IncSessionsStopped counts a session reaching Stopped with the given reason.
func (m *Metrics) IncSessionsStopped(reason string) {
	m.sessionsStopped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncBuildFailures() {
	m.buildFailures.Inc()
}

func (m *Metrics) IncWiringErrors() {
	m.wiringErrors.Inc()
}

func (m *Metrics) IncSkippedStreams(encoding string) {
	m.skippedStreams.WithLabelValues(encoding).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
