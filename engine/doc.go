// Package engine owns the gateway pipeline for one configuration.
//
// # Overview
//
// An Engine is built once from a config.Config. It creates the decoder, the range validator,
// one change filter per measurement, the record builder, one queue and worker per enabled
// sink, the frame sources and the scheduler, then runs them until stopped.
//
// # Data flow
//
//	FrameSource ──HandleFrame──▶ mac policy ──▶ sample limiter ──▶ decode ──▶ validate
//	                                                                           │
//	             ┌─────────────────────────────────────────────────────────────┘
//	             ▼
//	   per measurement: filter.Evaluate ──▶ record.Builder ──▶ dispatch.Router
//	                                                               │
//	                                            queue per sink ◀───┘
//	                                                 │
//	                                            dispatch.Worker ──▶ sink
//
// The scheduler drives two kinds of jobs: "lastdata", which re-emits the last reading of
// quiet devices through the same builder and router, and one "supervise:<sink>" job per sink
// that connects or pings the sink through its worker.
//
// # MAC policy
//
// A frame is dropped before decoding when its mac is blacklisted, or when a whitelist is in
// effect and the mac is not on it. With whitelist_from_tags an empty whitelist is seeded
// from the tag name map. With blacklist_on_error a mac whose frame fails to decode is
// blacklisted unless it is whitelisted.
//
// # Lifecycle
//
//	eng, err := engine.New(cfg, engine.WithMetricsRegistry(reg), engine.WithLogger(logger))
//	if err := eng.Start(ctx); err != nil { ... }
//	<-ctx.Done()
//	err = eng.Stop(shutdownCtx)
//
// Start returns once every goroutine is launched. Stop cancels them, waits for them to end
// and closes the sinks. An engine is not restartable.
package engine
