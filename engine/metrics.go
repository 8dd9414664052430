package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvigw/metric"
)

// engineMetrics holds metrics owned by the engine itself. The pipeline counters live in
// metric.Metrics.
type engineMetrics struct {
	running        prometheus.Gauge
	blacklisted    prometheus.Gauge
	handleDuration *prometheus.HistogramVec // data format
	forwarded      *prometheus.CounterVec   // measurement, job
}

// newEngineMetrics registers the engine metrics. A nil registry disables them.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "running",
			Help:      "1 while the engine is running",
		}),

		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "blacklisted_macs",
			Help:      "Number of blacklisted mac addresses, configured and learned",
		}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "frame_duration_seconds",
			Help:      "Time spent handling one decoded frame",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"format"}),

		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "items_total",
			Help:      "Items handed to the router, by measurement and job kind",
		}, []string{"measurement", "job"}),
	}

	if err := registry.RegisterGauge("engine", "running", m.running); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "blacklisted_macs", m.blacklisted); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "frame_duration", m.handleDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "items", m.forwarded); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

func (m *engineMetrics) setBlacklisted(n int) {
	if m != nil {
		m.blacklisted.Set(float64(n))
	}
}

func (m *engineMetrics) observeFrame(format int, seconds float64) {
	if m != nil {
		m.handleDuration.WithLabelValues(strconv.Itoa(format)).Observe(seconds)
	}
}

func (m *engineMetrics) recordItem(measurement, job string) {
	if m != nil {
		m.forwarded.WithLabelValues(measurement, job).Inc()
	}
}
