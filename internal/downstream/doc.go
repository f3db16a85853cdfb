// Package downstream serves consumers over WebSocket.
//
// Each connection becomes one consumer with its own id, a read pump that
// turns JSON commands into Subscribe and Unsubscribe calls, and a write pump
// that sends replies and tick events. Events wait in a bounded ring that
// drops the oldest entry when the consumer falls behind; replies always go
// out before queued events. Closing the connection removes every
// subscription of the consumer.
//
// Commands:
//
//	{"action":"subscribe","instrument":"005930.KS"}
//	{"action":"unsubscribe","instrument":"005930.KS"}
//
// Replies:
//
//	{"type":"subscribed","instrument":"005930.KS"}
//	{"type":"error","code":"validation","error":"instrument is required"}
package downstream
