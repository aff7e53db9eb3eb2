// Package metrics exposes Prometheus instrumentation for jobs, plans,
// credits and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reelmix"

// Metrics holds every collector of the process. All methods are safe on a
// nil receiver so components can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted       prometheus.Counter
	jobsTerminal      *prometheus.CounterVec
	plansFinished     *prometheus.CounterVec
	planRetries       *prometheus.CounterVec
	transcodeDuration *prometheus.HistogramVec
	plansInFlight     prometheus.Gauge
	creditsReserved   prometheus.Counter
	creditsRefunded   prometheus.Counter

	httpRequests  *prometheus.CounterVec
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	requestSize   *prometheus.HistogramVec
	responseSize  *prometheus.HistogramVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs accepted and reserved",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_terminal_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"status"}),
		plansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_finished_total",
			Help:      "Mix plans finished by outcome",
		}, []string{"outcome", "kind"}),
		planRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_retries_total",
			Help:      "Transcode retries by failure kind",
		}, []string{"kind"}),
		transcodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Wall clock time of one transcode attempt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"outcome"}),
		plansInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plans_in_flight",
			Help:      "Transcodes currently running",
		}),
		creditsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_reserved_total",
			Help:      "Credits debited at job admission",
		}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits refunded for unproduced plans",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_bytes_total",
			Help:      "Total bytes received in HTTP requests",
		}, []string{"method", "route"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Total bytes sent in HTTP responses",
		}, []string{"method", "route", "status"}),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "route"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsStarted,
		m.jobsTerminal,
		m.plansFinished,
		m.planRetries,
		m.transcodeDuration,
		m.plansInFlight,
		m.creditsReserved,
		m.creditsRefunded,
		m.httpRequests,
		m.bytesReceived,
		m.bytesSent,
		m.requestSize,
		m.responseSize,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MustRegister adds extra collectors, such as a JobStateCollector
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(cs...)
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobStarted(reserved int64) {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
	m.creditsReserved.Add(float64(reserved))
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(status).Inc()
}

// PlanFinished records a plan outcome. kind is empty for successes.
func (m *Metrics) PlanFinished(outcome, kind string) {
	if m == nil {
		return
	}
	m.plansFinished.WithLabelValues(outcome, kind).Inc()
}

func (m *Metrics) PlanRetried(kind string) {
	if m == nil {
		return
	}
	m.planRetries.WithLabelValues(kind).Inc()
}

// TranscodeStarted increments the in-flight gauge and returns the func that
// records the attempt's duration and decrements it again.
func (m *Metrics) TranscodeStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.plansInFlight.Inc()
	return func(outcome string) {
		m.plansInFlight.Dec()
		m.transcodeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) CreditsRefunded(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsRefunded.Add(float64(amount))
}
