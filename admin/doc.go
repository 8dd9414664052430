// Package admin serves the gateway's operational HTTP surface.
//
// Routes:
//
//	GET /metrics         Prometheus exposition of the metrics registry
//	GET /healthz         liveness, always 200 while the process serves
//	GET /readyz          200 when the engine runs and no component is unhealthy
//	GET /health          aggregated health.Status as JSON
//	GET /api/devices     tracked device states, grouped by measurement
//	GET /api/sinks       per sink worker counters and connection state
//	GET /api/blacklist   configured and learned blacklisted macs
//	GET /api/config      running configuration without source and sink options
//	GET /api/version     build version
package admin
