// Package buffer provides a bounded, thread-safe ring buffer with a configurable overflow
// policy, always-on statistics and optional Prometheus metrics.
//
// The default policy is DropOldest: a put into a full buffer evicts the oldest item and
// always succeeds. Consumers block on Get until an item arrives, the context ends or the
// buffer is closed.
//
//	ring, err := buffer.NewRing[*message.Item](100,
//		buffer.WithDropCallback[*message.Item](onDrop),
//		buffer.WithMetrics[*message.Item](registry, "influx"),
//	)
//
//	_ = ring.TryPut(item)
//	item, err := ring.Get(ctx)
package buffer
