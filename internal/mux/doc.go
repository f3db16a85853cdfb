// Package mux is the lifecycle controller of the tick multiplexer.
//
// A Multiplexer owns the subscription registry, the fan-out dispatcher and
// at most one upstream session. It opens the session when the first
// consumer subscribes, registers and removes groups as instruments come and
// go, closes the session when the last consumer leaves, and reconnects with
// exponential backoff (replaying every registered instrument) when the
// connection is lost while consumers remain.
//
// Control operations are serialised by one mutex so feed commands for a
// group are never reordered. The registry has its own lock, so the read
// loop's fan-out never waits behind network I/O.
package mux
