// Package metric provides the Prometheus registry shared by every gateway component.
//
// A MetricsRegistry owns a private prometheus.Registry (never the global default, so
// several gateways can live in one test binary), the core gateway metrics in Metrics,
// and the Go runtime collectors. Components register their own collectors under a
// "service.metric" key; registering the same key twice is an Invalid error.
//
//	registry := metric.NewMetricsRegistry()
//	registry.Metrics.FramesReceived.WithLabelValues("udp").Inc()
//
// Components treat a nil *MetricsRegistry as "metrics disabled".
package metric
