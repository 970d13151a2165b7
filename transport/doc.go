// Package transport implements correlated request/reply over a message
// socket.
//
// A Dealer prefixes every request with a routing frame [0x05, u32 id] and
// an empty delimiter. The peer echoes the routing frame, so replies can
// arrive in any order:
//
//	d := transport.NewDealer("tcp://10.0.0.2:6666", transport.ZMQDialer(), logger, nil)
//	if err := d.Open(); err != nil {
//		return err
//	}
//	frames, err := d.Query(ctx, []byte("get_clock"))
//
// One reader goroutine runs while requests are pending. Close and AbortAll
// reject everything in flight with errors.ErrSocketClosed.
//
// Production sockets are ZeroMQ DEALER sockets (ZMQDialer); MemSocket and
// MemDialer stand in for them in tests.
package transport
