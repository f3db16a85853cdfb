// Package buffer provides the bounded per-consumer outbound queue.
//
// A Ring holds at most its capacity; pushing into a full ring discards the
// oldest queued item so a slow reader always sees the most recent data and
// never blocks the writer. Readers wait on Ready and then drain in batches.
package buffer
