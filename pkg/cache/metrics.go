package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvigw/metric"
)

// cacheMetrics are the per cache series. Hits and misses share one lookups family split by
// result so their ratio is a single query.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, component string) (*cacheMetrics, error) {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   metric.Namespace,
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"component": component},
		}
	}

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts(opts("lookups_total",
		"Cache lookups by result")), []string{"result"})
	m := &cacheMetrics{
		hits:   lookups.WithLabelValues("hit"),
		misses: lookups.WithLabelValues("miss"),
		evictions: prometheus.NewCounter(prometheus.CounterOpts(opts("evictions_total",
			"Entries evicted to stay within the size bound"))),
		size: prometheus.NewGauge(prometheus.GaugeOpts(opts("entries",
			"Entries currently held"))),
	}

	if err := registry.RegisterCounterVec(component, "cache_lookups", lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(component, "cache_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
