// Package fanout delivers decoded ticks to the consumers of the instrument
// their group resolves to.
//
// Dispatch runs on the upstream read loop. It resolves the group and copies
// the consumer set under the registry lock, then delivers outside it. Each
// Sink is a non-blocking push into a bounded per-consumer queue, so a slow
// consumer loses its own oldest events and never delays anyone else.
package fanout
