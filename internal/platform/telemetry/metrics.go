// Package telemetry records per-request outcomes of the gateway: Prometheus
// metrics on the request path and a request log written off the request
// path by a background worker.
package telemetry

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	latency      *prometheus.SummaryVec
	rateLimited  *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	dropped      prometheus.Counter
	sinkErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the gateway.",
		}, []string{"endpoint", "method", "service", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint", "method", "service", "status"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "request_latency_seconds",
			Help:       "End-to-end request latency quantiles.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"endpoint", "method", "service", "status"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Requests rejected before forwarding, by reason.",
		}, []string{"reason"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per downstream (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_total",
			Help:      "Request log records dropped because the buffer was full.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_sink_errors_total",
			Help:      "Failed request log writes, by sink.",
		}, []string{"sink"}),
	}
	reg.MustRegister(
		m.requests, m.duration, m.latency, m.rateLimited, m.authFailures,
		m.circuitState, m.dropped, m.sinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry, for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest counts a completed request and its latency.
func (m *Metrics) ObserveRequest(r Record) {
	labels := prometheus.Labels{
		"endpoint": r.Endpoint,
		"method":   r.Method,
		"service":  r.Service,
		"status":   strconv.Itoa(r.Status),
	}
	secs := r.Duration.Seconds()
	m.requests.With(labels).Inc()
	m.duration.With(labels).Observe(secs)
	m.latency.With(labels).Observe(secs)
}

// RateLimited counts a rate limit rejection in the given scope.
func (m *Metrics) RateLimited(scope string) {
	m.rateLimited.WithLabelValues(scope).Inc()
}

// AuthFailure counts a request rejected by the authentication stages.
func (m *Metrics) AuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// SetCircuitState exports a breaker state.
func (m *Metrics) SetCircuitState(service string, state int) {
	m.circuitState.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) recordDropped() {
	m.dropped.Inc()
}

func (m *Metrics) recordSinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
