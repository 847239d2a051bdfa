package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide container of Prometheus collectors.
type Metrics struct {
	// HTTP ingress
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Dispatch pipeline
	DispatchLatency       *prometheus.HistogramVec
	DispatchOutcomesTotal *prometheus.CounterVec
	ScorerFallbackTotal   prometheus.Counter
	AckTimeoutTotal       prometheus.Counter
	RedispatchTotal       *prometheus.CounterVec

	// Routing collaborator
	RouteFallbackTotal prometheus.Counter
	RouteBreakerState  prometheus.Gauge
	RouteLatency       prometheus.Histogram

	// Fleet reconciliation
	SweeperCorrectionsTotal *prometheus.CounterVec
	ActiveFaults            prometheus.Gauge
	ActiveTrips              prometheus.Gauge

	// System
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge

	// Service identity
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics registers and returns the process-wide Metrics collectors.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled by the dispatch ingress",
			},
			[]string{"route", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests handled by the dispatch ingress",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"route"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		DispatchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_latency_seconds",
				Help:      "Time from fault creation to a candidate vehicle being reserved",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"engine"},
		),

		DispatchOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_outcomes_total",
				Help:      "Outcomes of dispatch attempts",
			},
			[]string{"outcome"}, // assigned, no_candidate, error
		),

		ScorerFallbackTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scorer_fallback_total",
				Help:      "Number of times the ML scorer was unavailable and the rule-based scorer was used instead",
			},
		),

		AckTimeoutTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ack_timeout_total",
				Help:      "Number of assignment acknowledgements that timed out",
			},
		),

		RedispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "redispatch_total",
				Help:      "Number of faults re-dispatched after an ack timeout or rejection",
			},
			[]string{"reason"},
		),

		RouteFallbackTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_fallback_total",
				Help:      "Number of times the routing collaborator fell back to the straight-line estimate",
			},
		),

		RouteBreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_breaker_state",
				Help:      "Circuit breaker state for the routing collaborator (0=closed, 1=half-open, 2=open)",
			},
		),

		RouteLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "route_latency_seconds",
				Help:      "Latency of calls to the routing collaborator",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		SweeperCorrectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweeper_corrections_total",
				Help:      "Number of inconsistencies corrected by the stuck-vehicle sweeper",
			},
			[]string{"kind"},
		),

		ActiveFaults: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_faults",
				Help:      "Current number of faults not in a terminal state",
			},
		),

		ActiveTrips: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_trips",
				Help:      "Current number of ongoing trips",
			},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide Metrics, initializing a default instance
// if InitMetrics has not yet been called.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("dispatchcore", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records an HTTP ingress request.
func (m *Metrics) RecordHTTPRequest(route string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordDispatch records the outcome and latency of a dispatch attempt.
func (m *Metrics) RecordDispatch(engine string, outcome string, duration time.Duration) {
	m.DispatchLatency.WithLabelValues(engine).Observe(duration.Seconds())
	m.DispatchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRedispatch records a re-dispatch and its triggering reason.
func (m *Metrics) RecordRedispatch(reason string) {
	m.RedispatchTotal.WithLabelValues(reason).Inc()
}

// RecordSweeperCorrection records a correction made by the stuck-vehicle sweeper.
func (m *Metrics) RecordSweeperCorrection(kind string) {
	m.SweeperCorrectionsTotal.WithLabelValues(kind).Inc()
}

// SetServiceInfo sets the service_info gauge to 1 for the given labels.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a dedicated HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
