// Package gateway defines the websocket wire format shared by the server
// endpoint (gateway/websocket) and the client transport (mirror/wsclient).
//
// Every frame is a JSON envelope:
//
//	{"type": "get", "id": "7", "timestamp": 1712345678901, "payload": {...}}
//
// Client requests use the dispatcher event names (call, get, set, watch,
// unwatch, listen, unlisten). The server answers each request with a
// "reply" envelope carrying the request id; a missing payload means the
// request produced no reply. The server pushes "update" and "signal"
// envelopes without an id.
package gateway
