// Package metrics provides Prometheus metrics for the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil or disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	// Authentication metrics
	authRequestsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Upstream (identity provider, database) metrics
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec

	// Account operation outcomes
	accountOpsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates metrics on a private registry.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(m.registry)

	m.authRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_auth_requests_total",
		Help: "Total successful bearer authentications",
	}, []string{"mode"})

	m.authFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_auth_failures_total",
		Help: "Total failed bearer authentications",
	}, []string{"mode", "reason"})

	m.upstreamRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_upstream_requests_total",
		Help: "Total calls to upstream services",
	}, []string{"service", "operation", "outcome"})

	m.upstreamRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bustrack_upstream_request_duration_seconds",
		Help:    "Upstream call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "operation"})

	m.accountOpsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_account_operations_total",
		Help: "Account operations by result (success, failure, partial)",
	}, []string{"operation", "result"})

	m.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bustrack_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bustrack_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// Registry returns the backing registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.on() {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess(mode string) {
	if !m.on() {
		return
	}
	m.authRequestsTotal.WithLabelValues(mode).Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(mode, reason string) {
	if !m.on() {
		return
	}
	m.authFailuresTotal.WithLabelValues(mode, reason).Inc()
}

// ObserveUpstream records one upstream call.
func (m *Metrics) ObserveUpstream(service, operation string, err error, elapsed time.Duration) {
	if !m.on() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamRequestsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.upstreamRequestDuration.WithLabelValues(service, operation).Observe(elapsed.Seconds())
}

// RecordAccountOp records the result of an account operation.
func (m *Metrics) RecordAccountOp(operation, result string) {
	if !m.on() {
		return
	}
	m.accountOpsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if !m.on() {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
