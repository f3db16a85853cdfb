// Package auth supplies the access token used in the feed's LOGIN frame.
//
// CachingProvider issues tokens through the REST API and keeps them in a
// Store (Redis when configured, otherwise process memory) until shortly
// before they expire. After the feed rejects a token the multiplexer calls
// Invalidate so the next login fetches a fresh one.
package auth
