package buffer

import (
	"github.com/c360/ruuvigw/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// bufferMetrics holds Prometheus metrics for one buffer. A nil receiver records nothing.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, name string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	counter := func(n, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        n,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(n, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        n,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:      counter("writes_total", "Total number of items put into the queue"),
		reads:       counter("reads_total", "Total number of items taken from the queue"),
		overflows:   counter("overflows_total", "Total number of puts that found the queue full"),
		drops:       counter("drops_total", "Total number of items evicted by the overflow policy"),
		size:        gauge("size", "Current number of queued items"),
		utilization: gauge("utilization", "Queue utilization (0.0 to 1.0)"),
	}

	for key, c := range map[string]prometheus.Counter{
		"writes": m.writes, "reads": m.reads, "overflows": m.overflows, "drops": m.drops,
	} {
		if err := registry.RegisterCounter("queue_"+name, key, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge("queue_"+name, "size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("queue_"+name, "utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	if m == nil {
		return
	}
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
