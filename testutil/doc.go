// Package testutil provides shared test doubles for the gateway: known Ruuvi advertisement
// vectors, an in-memory sink that records what it is given and a source that replays a
// fixed list of frames.
package testutil
