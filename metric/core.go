package metric

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the gateway pipeline metrics
type Metrics struct {
	// Frames and decoding
	FramesReceived *prometheus.CounterVec // source
	FramesDropped  *prometheus.CounterVec // reason

	// Change filter
	Decisions      *prometheus.CounterVec // measurement, decision, reason
	TrackedDevices *prometheus.GaugeVec   // measurement

	// Dispatch and sinks
	DispatchErrors  *prometheus.CounterVec   // sink
	Published       *prometheus.CounterVec   // sink, status
	Resends         *prometheus.CounterVec   // sink
	PublishDuration *prometheus.HistogramVec // sink
	SinkConnected   *prometheus.GaugeVec     // sink
}

// NewMetrics creates the core gateway metrics. They are registered by NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Total number of advertisement frames received",
		}, []string{"source"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames dropped before the change filter, by reason",
		}, []string{"reason"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "decisions_total",
			Help:      "Change filter decisions",
		}, []string{"measurement", "decision", "reason"}),

		TrackedDevices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "filter",
			Name:      "tracked_devices",
			Help:      "Devices with change filter state",
		}, []string{"measurement"}),

		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "errors_total",
			Help:      "Fan-out enqueue failures other than a full queue",
		}, []string{"sink"}),

		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "publish_total",
			Help:      "Publish attempts by outcome",
		}, []string{"sink", "status"}),

		Resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "resend_total",
			Help:      "Items re-queued after a failed publish",
		}, []string{"sink"}),

		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "publish_duration_seconds",
			Help:      "Publish call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"sink"}),

		SinkConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "connected",
			Help:      "Sink connection state (0=disconnected, 1=connected)",
		}, []string{"sink"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesReceived,
		m.FramesDropped,
		m.Decisions,
		m.TrackedDevices,
		m.DispatchErrors,
		m.Published,
		m.Resends,
		m.PublishDuration,
		m.SinkConnected,
	}
}

// ReasonLabel folds per-count reasons such as "lastdata:3" into a bounded label value.
func ReasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i > 0 {
		return reason[:i]
	}
	return reason
}
