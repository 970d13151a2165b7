// Package dispatcher routes client requests to running sources and
// delivers their updates and signals back to the clients.
//
// A Dispatcher owns the set of running sources and one Session per client
// connection. Every request, and every outgoing push, is authorized first;
// a session that fails authorization is detached and receives nothing
// more.
//
// Updates are batched: the first pending change arms a single shared
// timer, and when it fires every subscriber gets one consolidated
// message covering all sources:
//
//	{"zynq1": {"age": 12, "values": {"ttl": {"val3": true}}}}
//
// Requests that name several sources are handled per source. Unknown ids
// are skipped and failures inside a source are logged and recovered.
package dispatcher
