// Package mirror keeps a client-side copy of the source values a client
// follows.
//
// A Mirror caches the value tree of every source it has seen together with
// the age each part of the tree is known to be current at. Watches are
// tracked per callback and merged into one watch tree per source; only the
// parts no other callback already follows are sent to the server, and only
// the parts no callback follows any more are unwatched. Gets are answered
// from the cache where the mirror is watching and fetched in one round trip
// otherwise.
//
// The network side is a Transport; mirror/wsclient provides one over the
// websocket endpoint.
package mirror
