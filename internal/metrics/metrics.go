// Package metrics exposes the orchestrator's Prometheus gauges/counters,
// grounded directly on the teacher's pkg/metrics: same package-level var
// block of prometheus.New*, the same init()-time MustRegister, and the
// same Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActivationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulebook_orchestrator_activations_total",
			Help: "Total number of activations by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rulebook_orchestrator_queue_depth",
			Help: "Number of pending requests per worker queue",
		},
		[]string{"queue"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebook_orchestrator_restarts_total",
			Help: "Total number of activation restarts by reason",
		},
		[]string{"reason"},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulebook_orchestrator_monitor_cycle_duration_seconds",
			Help:    "Time taken for one monitor loop tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rulebook_orchestrator_monitor_cycles_total",
			Help: "Total number of monitor loop ticks completed",
		},
	)

	StaleQueuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebook_orchestrator_stale_queues_total",
			Help: "Total number of worker queues found stale by the monitor loop, by outcome",
		},
		[]string{"outcome"},
	)

	WebsocketConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rulebook_orchestrator_websocket_connections",
			Help: "Number of currently-connected rulebook worker websocket sessions",
		},
	)

	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rulebook_orchestrator_events_received_total",
			Help: "Total number of websocket event messages received by type",
		},
		[]string{"type"},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rulebook_orchestrator_container_start_duration_seconds",
			Help:    "Time taken for the container engine to start a rulebook process",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ActivationsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(MonitorCyclesTotal)
	prometheus.MustRegister(StaleQueuesTotal)
	prometheus.MustRegister(WebsocketConnectionsTotal)
	prometheus.MustRegister(EventsReceivedTotal)
	prometheus.MustRegister(ContainerStartDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
