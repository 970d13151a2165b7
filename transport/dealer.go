package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/metric"
)

// Reply routing frame: a marker byte followed by the u32 request id.
const (
	addrMarker = 0x05
	addrSize   = 5
)

// recvRetryDelay paces the reader after a receive error on a live socket.
var recvRetryDelay = 50 * time.Millisecond

// FrameSocket is a message socket carrying multipart frames.
type FrameSocket interface {
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	Close() error
}

// Dialer opens a FrameSocket connected to addr.
type Dialer func(addr string) (FrameSocket, error)

type reply struct {
	frames [][]byte
	err    error
}

// Dealer issues correlated requests over one FrameSocket. Each request
// carries an id in its first frame; the device echoes the frame back and
// the reader hands the rest of the reply to the waiting caller.
type Dealer struct {
	addr    string
	dial    Dialer
	logger  *slog.Logger
	metrics *metric.Metrics

	sendMu sync.Mutex

	mu      sync.Mutex
	sock    FrameSocket
	reader  FrameSocket
	waiters map[uint32]chan reply

	// abandoned ids were sent but their caller gave up. They stay reserved
	// until the device answers or the socket is recreated.
	abandoned map[uint32]struct{}
	maxID     uint32
}

// NewDealer creates a closed Dealer for addr. Call Open before querying.
func NewDealer(addr string, dial Dialer, logger *slog.Logger, metrics *metric.Metrics) *Dealer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dealer{
		addr:      addr,
		dial:      dial,
		logger:    logger.With("component", "dealer", "addr", addr),
		metrics:   metrics,
		waiters:   make(map[uint32]chan reply),
		abandoned: make(map[uint32]struct{}),
	}
}

// Addr returns the endpoint the dealer connects to
func (d *Dealer) Addr() string {
	return d.addr
}

// Open connects the socket. It does nothing when already open.
func (d *Dealer) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sock != nil {
		return nil
	}
	sock, err := d.dial(d.addr)
	if err != nil {
		return errors.WrapTransient(err, "Dealer", "Open", fmt.Sprintf("dial %s", d.addr))
	}
	d.sock = sock
	d.logger.Debug("Socket opened")
	return nil
}

// Close closes the socket and rejects every pending request.
func (d *Dealer) Close() error {
	d.mu.Lock()
	sock := d.sock
	d.sock = nil
	d.mu.Unlock()

	var err error
	if sock != nil {
		err = sock.Close()
		d.logger.Debug("Socket closed")
	}
	d.AbortAll()
	return errors.Wrap(err, "Dealer", "Close", "close socket")
}

// Reconnect closes and reopens the socket.
func (d *Dealer) Reconnect() error {
	if err := d.Close(); err != nil {
		d.logger.Warn("Error closing socket", "error", err)
	}
	return d.Open()
}

// IsOpen reports whether the socket is open
func (d *Dealer) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sock != nil
}

// Pending returns the number of requests waiting for a reply
func (d *Dealer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// AbortAll rejects every pending request with ErrSocketClosed.
func (d *Dealer) AbortAll() {
	d.mu.Lock()
	waiters := d.waiters
	d.waiters = make(map[uint32]chan reply)
	d.abandoned = make(map[uint32]struct{})
	d.maxID = 0
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- reply{err: errors.WrapTransient(errors.ErrSocketClosed, "Dealer", "AbortAll", "wait for reply")}
	}
	d.metrics.SetPendingQueries(d.addr, 0)
}

// Query sends frames as one request and waits for the matching reply,
// returning the frames after the delimiter. Cancelling ctx abandons only
// this request.
func (d *Dealer) Query(ctx context.Context, frames ...[]byte) ([][]byte, error) {
	d.mu.Lock()
	sock := d.sock
	if sock == nil {
		d.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrSocketClosed, "Dealer", "Query", "send request")
	}
	d.maxID++
	id := d.maxID
	ch := make(chan reply, 1)
	d.waiters[id] = ch
	pending := len(d.waiters)
	if d.reader != sock {
		d.reader = sock
		go d.readLoop(sock)
	}
	d.mu.Unlock()
	d.metrics.SetPendingQueries(d.addr, pending)

	addr := make([]byte, addrSize)
	addr[0] = addrMarker
	binary.LittleEndian.PutUint32(addr[1:], id)
	msg := make([][]byte, 0, len(frames)+2)
	msg = append(msg, addr, []byte{})
	msg = append(msg, frames...)

	d.sendMu.Lock()
	err := sock.Send(msg)
	d.sendMu.Unlock()
	if err != nil {
		d.pop(id)
		return nil, errors.WrapTransient(err, "Dealer", "Query", "send request")
	}

	select {
	case r := <-ch:
		return r.frames, r.err
	case <-ctx.Done():
		d.abandon(id)
		return nil, ctx.Err()
	}
}

// pop removes a waiter. Ids restart once nothing is pending or abandoned.
func (d *Dealer) pop(id uint32) (chan reply, bool) {
	d.mu.Lock()
	ch, ok := d.waiters[id]
	delete(d.waiters, id)
	if !ok {
		delete(d.abandoned, id)
	}
	d.resetIDs()
	pending := len(d.waiters)
	d.mu.Unlock()
	d.metrics.SetPendingQueries(d.addr, pending)
	return ch, ok
}

// abandon drops the caller of id but keeps the id reserved for the reply
// that is still on its way.
func (d *Dealer) abandon(id uint32) {
	d.mu.Lock()
	if _, ok := d.waiters[id]; ok {
		delete(d.waiters, id)
		d.abandoned[id] = struct{}{}
	}
	pending := len(d.waiters)
	d.mu.Unlock()
	d.metrics.SetPendingQueries(d.addr, pending)
}

// resetIDs restarts numbering when no id is in flight. Callers hold mu.
func (d *Dealer) resetIDs() {
	if len(d.waiters) == 0 && len(d.abandoned) == 0 {
		d.maxID = 0
	}
}

// readLoop receives replies on sock while requests are pending.
func (d *Dealer) readLoop(sock FrameSocket) {
	for {
		frames, err := sock.Recv()

		d.mu.Lock()
		if d.sock != sock {
			if d.reader == sock {
				d.reader = nil
			}
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if err != nil {
			d.logger.Debug("Receive failed", "error", err)
			time.Sleep(recvRetryDelay)
		} else if id, payload, ok := splitReply(frames); ok {
			if ch, found := d.pop(id); found {
				ch <- reply{frames: payload}
			} else {
				d.logger.Debug("Dropped reply without caller", "id", id)
			}
		}

		d.mu.Lock()
		if len(d.waiters) == 0 && d.reader == sock {
			d.reader = nil
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
	}
}

// splitReply checks the routing frame and strips it along with everything
// up to the empty delimiter.
func splitReply(frames [][]byte) (uint32, [][]byte, bool) {
	if len(frames) == 0 {
		return 0, nil, false
	}
	addr := frames[0]
	if len(addr) != addrSize || addr[0] != addrMarker {
		return 0, nil, false
	}
	id := binary.LittleEndian.Uint32(addr[1:])
	rest := frames[1:]
	for len(rest) > 0 {
		f := rest[0]
		rest = rest[1:]
		if len(f) == 0 {
			break
		}
	}
	return id, rest, true
}
