// Package registry implements the Subscription Registry and Group Allocator.
//
// The registry is the authoritative mapping between instruments, the feed
// group each one is registered under, and the downstream consumers that
// want it. Three relations are maintained together under one mutex:
//
//   - instrument → consumer set (never empty while the instrument exists)
//   - instrument → group id
//   - group id → instrument
//
// No operation performs I/O while holding the lock. Callers turn the
// returned results (new instrument, instrument removed) into feed frames.
package registry
