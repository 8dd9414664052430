// Package ruuvigw is a gateway for Ruuvi BLE sensor tags. It receives advertisement frames,
// decodes the Ruuvi data formats, drops implausible and unchanged readings, and forwards the
// rest to time-series databases, brokers and local stores.
//
// # Pipeline
//
//	source ─▶ decode ─▶ validate ─▶ change filter ─▶ record builder ─▶ router
//	                                      ▲                                │
//	                          lastdata refresher                  queue per sink
//	                                                                       │
//	                                                                 sink worker
//
// A reading is evaluated once per measurement definition. Each measurement decides on its
// own whether the reading is forwarded and to which sinks. Every sink owns a bounded queue
// that drops its oldest item when full, so a slow or disconnected sink never stalls the
// others or the sources.
//
// # Packages
//
// Data path:
//   - message: frames, readings, records, dispatch items, mac normalisation
//   - message/codec: json, msgpack and cbor payload encodings for broker sinks
//   - processor/decode: Ruuvi data format 3 and 5 decoders
//   - processor/validate: calibration offsets and plausibility bounds
//   - processor/filter: per device change filter and lastdata refresher
//   - processor/record: output records with rounding, tags and derived values
//   - dispatch: router, drop-oldest queues and sink workers
//   - scheduler: periodic jobs (lastdata, sink supervision)
//   - engine: wires every stage from a config.Config
//
// Sources (input/...): udp, mqtt, nats, websocket and replay, sharing input/adv to parse
// advertisement structures.
//
// Sinks (output/...): influx, mqtt, nats, kafka, file, sqlite, webhook and websocket.
//
// Infrastructure:
//   - config: layered JSON/YAML loading, defaults, env overrides, validation
//   - errors: classified errors (transient, invalid, fatal) and retry policy
//   - metric, health: Prometheus registry and component health
//   - admin: HTTP surface for metrics, health probes and device state
//   - natsclient, pkg/mqttconn, pkg/tlsutil: broker connections and TLS
//
// # Binary
//
//	ruuvigw --config /etc/ruuvigw/ruuvigw.yaml
//	ruuvigw --config base.yaml --overlay site.yaml --log-format text
//	ruuvigw --config ruuvigw.yaml --validate
package ruuvigw
