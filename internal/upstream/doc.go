// Package upstream manages the single WebSocket session to the real-time
// tick feed.
//
// A Session walks Disconnected → Connecting → Authenticating → Running and
// back to Disconnected. While Running, exactly one read loop goroutine owns
// the transport's read side: it echoes PING frames, decodes REAL frames into
// model.Tick values and hands them to a TickHandler, and reports an
// unexpected loss of the connection through the OnLost callback exactly
// once. Register and remove commands may be sent concurrently with the read
// loop; the transport serialises writes.
//
// Frames (JSON text messages, keyed by "trnm"):
//
//	LOGIN   {"trnm":"LOGIN","token":"..."} → {"trnm":"LOGIN","return_code":0,"return_msg":"..."}
//	REG     {"trnm":"REG","grp_no":"0001","refresh":"1","data":[{"item":["005930"],"type":["0B"]}]}
//	REMOVE  {"trnm":"REMOVE","grp_no":"0001","refresh":"1","data":[...]}
//	REAL    {"trnm":"REAL","data":[{"type":"0B","item":"005930","grp_no":"0001","values":{"10":"-71000",...}}]}
//	PING    echoed back verbatim
package upstream
