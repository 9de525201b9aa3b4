// Package metrics exposes the gateway and worker's Prometheus collectors:
// queue depth per pool, dispatch latency, live worker counts, and
// connected WebSocket clients.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peagen_queue_depth",
			Help: "Number of envelopes currently queued, by pool",
		},
		[]string{"pool"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peagen_dispatch_latency_seconds",
			Help:    "Time from a task's submission to its successful dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peagen_workers_total",
			Help: "Number of registered workers by pool and status",
		},
		[]string{"pool", "status"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peagen_tasks_submitted_total",
			Help: "Total number of tasks submitted, by pool and kind",
		},
		[]string{"pool", "kind"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peagen_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state, by pool and status",
		},
		[]string{"pool", "status"},
	)

	TasksRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peagen_tasks_requeued_total",
			Help: "Total number of tasks requeued, by reason",
		},
		[]string{"reason"},
	)

	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "peagen_websocket_connections",
			Help: "Number of currently connected WebSocket clients",
		},
	)

	WebsocketSlowClientDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "peagen_websocket_slow_client_drops_total",
			Help: "Total number of WebSocket clients disconnected for a full send buffer",
		},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peagen_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds, by method and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		DispatchLatency,
		WorkersTotal,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TasksRequeuedTotal,
		WebsocketConnections,
		WebsocketSlowClientDropsTotal,
		RPCRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
