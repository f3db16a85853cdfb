// Package metrics exposes Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream session state, reconnects and frame/decode counters
//   - Registry size: instruments, consumers, groups in use
//   - Fan-out throughput, race drops, per-tick recipients and latency
//   - Downstream consumers, commands and dropped events
//   - Journal inserts, flushes and errors
package metrics
