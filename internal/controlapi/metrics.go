package controlapi

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments SPEC_FULL.md section 5 names for
// the control surface's /metrics endpoint: run counts by status, iteration
// durations, coordinator queue depth, and event bus lag. Grounded on
// tracing/metrics.go's promauto.New*Vec registration shape.
type Metrics struct {
	RunsByStatus      *prometheus.GaugeVec
	IterationDuration *prometheus.HistogramVec
	CoordQueueDepth   prometheus.Gauge
	EventBusLag       prometheus.Histogram
}

// NewMetrics registers a fresh Metrics under namespace (default
// "taskdaemon").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "taskdaemon"
	}
	return &Metrics{
		RunsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_by_status",
			Help:      "Current number of runs in each (kind, status) pair.",
		}, []string{"kind", "status"}),
		IterationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Duration of a single ralph iteration, from prompt build to decide.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		CoordQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_queue_depth",
			Help:      "Pending messages queued in the coordinator actor's request channel.",
		}),
		EventBusLag: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_bus_lag_seconds",
			Help:      "Time between an event's TimeMs and its delivery to a subscriber.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RegisterMetricsEndpoint mounts /metrics on e, matching
// tracing/metrics_handler.go's RegisterMetricsEndpoint.
func RegisterMetricsEndpoint(e *echo.Echo, path string) {
	if path == "" {
		path = "/metrics"
	}
	h := promhttp.Handler()
	e.GET(path, func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
