package transport

import (
	"sync"

	"github.com/c360/labctrl/errors"
)

// MemSocket is an in-memory FrameSocket. The peer side reads requests
// from Requests and answers with Reply.
type MemSocket struct {
	requests chan [][]byte
	replies  chan [][]byte
	done     chan struct{}
	once     sync.Once
}

// NewMemSocket creates a connected in-memory socket pair
func NewMemSocket() *MemSocket {
	return &MemSocket{
		requests: make(chan [][]byte, 64),
		replies:  make(chan [][]byte, 64),
		done:     make(chan struct{}),
	}
}

// Send implements FrameSocket
func (s *MemSocket) Send(frames [][]byte) error {
	select {
	case <-s.done:
		return errors.ErrSocketClosed
	default:
	}
	select {
	case s.requests <- frames:
		return nil
	case <-s.done:
		return errors.ErrSocketClosed
	}
}

// Recv implements FrameSocket
func (s *MemSocket) Recv() ([][]byte, error) {
	select {
	case frames := <-s.replies:
		return frames, nil
	case <-s.done:
		return nil, errors.ErrSocketClosed
	}
}

// Close implements FrameSocket
func (s *MemSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed is closed once the socket is
func (s *MemSocket) Closed() <-chan struct{} {
	return s.done
}

// Requests delivers what the client sent
func (s *MemSocket) Requests() <-chan [][]byte {
	return s.requests
}

// Reply queues frames for the client. It reports false once the socket is
// closed.
func (s *MemSocket) Reply(frames [][]byte) bool {
	select {
	case s.replies <- frames:
		return true
	case <-s.done:
		return false
	}
}

// MemDialer hands out a fresh MemSocket per dial and lets the peer
// observe each one.
type MemDialer struct {
	mu      sync.Mutex
	err     error
	sockets chan *MemSocket
	dials   int
}

// NewMemDialer creates a dialer. Every new socket is also sent on
// Sockets.
func NewMemDialer() *MemDialer {
	return &MemDialer{sockets: make(chan *MemSocket, 16)}
}

// Dial implements Dialer
func (m *MemDialer) Dial(string) (FrameSocket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.err != nil {
		return nil, m.err
	}
	s := NewMemSocket()
	select {
	case m.sockets <- s:
	default:
	}
	return s, nil
}

// FailWith makes the following dials return err; nil restores them.
func (m *MemDialer) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Dials counts dial attempts
func (m *MemDialer) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Sockets delivers each socket as it is dialed
func (m *MemDialer) Sockets() <-chan *MemSocket {
	return m.sockets
}

// SplitRequest returns the routing frame of a request and its payload
// frames, the peer-side counterpart of the reply parsing in Dealer.
func SplitRequest(frames [][]byte) (addr []byte, payload [][]byte, ok bool) {
	if len(frames) < 2 || len(frames[0]) != addrSize || frames[0][0] != addrMarker || len(frames[1]) != 0 {
		return nil, nil, false
	}
	return frames[0], frames[2:], true
}
