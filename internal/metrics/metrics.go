// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bq_gateway"

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	inflightQuery prometheus.Gauge
}

// New creates and registers the gateway collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of end-to-end HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 9),
		}, []string{"method", "route"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Count of result cache lookups by result",
		}, []string{"result"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Count of requests rejected by the per-caller rate limit",
		}),

		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warehouse",
			Name:      "jobs_total",
			Help:      "Count of warehouse query jobs by outcome",
		}, []string{"outcome"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "warehouse",
			Name:      "job_duration_seconds",
			Help:      "Histogram of warehouse job wall time from submit to last row",
			Buckets:   prometheus.ExponentialBuckets(0.05, 3, 8),
		}, []string{"outcome"}),

		inflightQuery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "warehouse",
			Name:      "jobs_in_flight",
			Help:      "Number of warehouse jobs currently executing",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.cacheLookups,
		m.rateLimited,
		m.jobs,
		m.jobDuration,
		m.inflightQuery,
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// CacheLookup records a cache lookup result (CacheHit, CacheMiss, CacheError).
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// JobStarted marks a warehouse job as in flight.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inflightQuery.Inc()
}

// JobFinished records a warehouse job outcome, e.g. "succeeded" or an error
// kind, and its duration.
func (m *Metrics) JobFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightQuery.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
