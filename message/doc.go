// Package message defines the values that flow through the gateway: the raw Frame handed
// over by a capture backend, the decoded Reading, and the dispatch Item carrying output
// Records to the sinks.
package message
