// ABOUTME: Prometheus collectors for turns, agent runs, store calls and HTTP requests
// ABOUTME: Implements the observer hooks of the chat and agentrun packages

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/rag-gateway/internal/agentrun"
)

const namespace = "rag_gateway"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	// Agent run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunPolls    prometheus.Histogram

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	StreamsInFlight     prometheus.Gauge
}

// New creates all metrics on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of chat turns by outcome",
		},
		[]string{"outcome"},
	)
	m.TurnDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of chat turns from first write to last envelope",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
	)

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of sub-agent runs by assistant and final state",
		},
		[]string{"assistant", "state"},
	)
	m.RunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Duration of sub-agent runs",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
		},
		[]string{"assistant"},
	)
	m.RunPolls = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_polls",
			Help:      "Status polls needed per sub-agent run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"operation", "status"},
	)
	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of store operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	m.StreamsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_in_flight",
			Help:      "Number of chat streams currently open",
		},
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records a finished chat turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(elapsed.Seconds())
}

// ObserveRun records a finished sub-agent run.
func (m *Metrics) ObserveRun(assistantID string, state agentrun.State, polls int, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(assistantID, string(state)).Inc()
	m.RunDuration.WithLabelValues(assistantID).Observe(elapsed.Seconds())
	m.RunPolls.Observe(float64(polls))
}

// ObserveStore records one store call.
func (m *Metrics) ObserveStore(operation string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

var _ agentrun.RunObserver = (*Metrics)(nil)
