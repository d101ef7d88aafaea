// Package metrics exposes session and render telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cozy-insight/composer/internal/render"
)

// Collector implements composition.Recorder and render.Observer on a private
// registry
type Collector struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	stale       *prometheus.CounterVec
	sessions    prometheus.Gauge
	autosaves   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates a collector. The namespace defaults to "composer".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "composer"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Committed session operations",
		},
		[]string{"op"},
	)

	c.rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rejections_total",
			Help:      "Rejected session operations by error kind",
		},
		[]string{"op", "kind"},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "state_transitions_total",
			Help:      "Dispatcher transitions by chart type and target state",
		},
		[]string{"chart_type", "state"},
	)

	c.stale = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "stale_responses_total",
			Help:      "Dataset responses discarded because a newer request superseded them",
		},
		[]string{"chart_type"},
	)

	c.sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open editing sessions",
		},
	)

	c.autosaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "autosaves_total",
			Help:      "Autosave attempts by result",
		},
		[]string{"result"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route"},
	)

	c.registry.MustRegister(
		c.operations,
		c.rejections,
		c.transitions,
		c.stale,
		c.sessions,
		c.autosaves,
		c.httpRequests,
		c.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordOperation counts a committed operation
func (c *Collector) RecordOperation(op string) {
	c.operations.WithLabelValues(op).Inc()
}

// RecordRejection counts a rejected operation
func (c *Collector) RecordRejection(op, kind string) {
	c.rejections.WithLabelValues(op, kind).Inc()
}

// ObserveState counts a dispatcher transition
func (c *Collector) ObserveState(chartType string, state render.State) {
	if chartType == "" {
		chartType = "none"
	}
	c.transitions.WithLabelValues(chartType, state.String()).Inc()
}

// ObserveStale counts a discarded response
func (c *Collector) ObserveStale(chartType string) {
	if chartType == "" {
		chartType = "none"
	}
	c.stale.WithLabelValues(chartType).Inc()
}

// SessionOpened increments the active session gauge
func (c *Collector) SessionOpened() {
	c.sessions.Inc()
}

// SessionClosed decrements the active session gauge
func (c *Collector) SessionClosed() {
	c.sessions.Dec()
}

// RecordAutosave counts an autosave attempt
func (c *Collector) RecordAutosave(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.autosaves.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served request
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}
