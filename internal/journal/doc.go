// Package journal records multiplexer lifecycle events (upstream session
// transitions, instrument registrations, consumer connections) and writes
// them to the feed_events table in batches.
//
// Recording never blocks: entries go into a bounded ring that drops the
// oldest entry when the database falls behind. All rows are append-only.
package journal
