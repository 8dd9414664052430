// Package dispatch fans forwarded items out to per-sink queues and drains each queue into
// its sink.
//
// Every sink owns one bounded Queue. Router.Dispatch copies an item onto the queues named
// by the measurement's output list, in order. A full queue evicts its oldest item; only a
// closed queue or an unknown sink name aborts the fan-out.
//
// A Worker is the single consumer of a queue. While its sink is connected it publishes
// items one at a time. A failed publish marks the sink disconnected, flags the item as a
// resend and puts it back on the queue; the worker then waits until Reconnect, driven by
// a supervisor ticker, brings the sink back.
package dispatch
