// Package labctrl serves lab hardware to remote clients as live value trees.
//
// # Architecture
//
// Every piece of hardware is a source: a tree of named values with a
// version counter (the age). Clients read, write and watch paths in those
// trees over one websocket connection per client.
//
//	┌─────────────────────────────────────┐
//	│        Clients (labctl, web)        │  mirror: cached trees,
//	│      mirror + mirror/wsclient       │  per-path ages
//	└─────────────────────────────────────┘
//	           ↑ update / signal pushes, replies
//	┌─────────────────────────────────────┐
//	│          gateway/websocket          │  envelopes, one session
//	│                                     │  per connection
//	└─────────────────────────────────────┘
//	           ↑ requests         ↓
//	┌─────────────────────────────────────┐
//	│             dispatcher              │  routing, batched flush,
//	│                                     │  per-delivery auth
//	└─────────────────────────────────────┘
//	           ↑ diffs            ↓ set / call
//	┌─────────────────────────────────────┐
//	│   sources: zynq, demo, meta, ...    │  source.Core keeps values,
//	│                                     │  watchers and signals
//	└─────────────────────────────────────┘
//	           ↑ polling          ↓ commands
//	┌─────────────────────────────────────┐
//	│     transport (ZeroMQ DEALER)       │  correlated request/reply
//	└─────────────────────────────────────┘
//
// # Updates
//
// A source change produces a diff against the previous tree and bumps the
// age. The dispatcher collects pending diffs from every source and sends
// them on one shared timer, so a burst of changes reaches each client as a
// single update message. Each delivery is authorized at the moment it is
// sent; a session that fails authorization is detached from everything.
//
// Clients pass the age they already hold when they watch or get a path.
// The server sends nothing for a path whose age has not moved.
//
// # Packages
//
//   - tree: value trees, merge and diff, watch trees
//   - source, registry: the generic source core and the type registry
//   - dispatcher, auth: routing, flushing and authorization
//   - gateway/websocket: the client endpoint
//   - zynq, transport, cmdlist: the Zynq controller driver
//   - sources/demo, sources/meta, sourcestore: simulated and catalog sources
//   - mirror, mirror/wsclient: the client side
//   - cmd/labctrl, cmd/labctl: server and console binaries
package labctrl
