// Package zynq drives a Zynq-based timing and RF controller.
//
// Client encodes the controller's binary protocol (all little-endian)
// over a transport.Dealer. Driver is the source exposing the controller
// to clients. Its value tree holds:
//
//	connected, running   liveness
//	clock                clock divider, 255 = off
//	ttl.valN, ttl.ovrN   TTL outputs and overrides, N < 32
//	dds.freqN, ...       DDS frequency, amplitude and phase, N < 22
//	dds.ovr_freqN, ...   DDS overrides
//	ttl.nameN, dds.nameN channel names
//
// The driver heartbeats the device (state_id and name_id) and resyncs the
// tree whenever the device reports a new state, an unknown state, a
// running sequence, or a minute has passed. Ten seconds without a reply
// marks the device disconnected and reopens the socket.
//
// Client writes update the tree at once and queue the device commands on
// a single writer goroutine, so commands reach the device in write order.
// Failed writes are logged; the next resync corrects the tree.
package zynq
