package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/errors"
)

func openDealer(t *testing.T) (*Dealer, *MemSocket, *MemDialer) {
	t.Helper()
	dialer := NewMemDialer()
	d := NewDealer("mem://device", dialer.Dial, nil, nil)
	require.NoError(t, d.Open())
	t.Cleanup(func() { _ = d.Close() })
	return d, <-dialer.Sockets(), dialer
}

// echo answers every request with its payload reversed in frame order.
func echo(sock *MemSocket) {
	for {
		select {
		case req := <-sock.Requests():
			addr, payload, ok := SplitRequest(req)
			if !ok {
				continue
			}
			out := [][]byte{addr, {}}
			for i := len(payload) - 1; i >= 0; i-- {
				out = append(out, payload[i])
			}
			sock.Reply(out)
		case <-sock.Closed():
			return
		}
	}
}

func requestID(req [][]byte) uint32 {
	return binary.LittleEndian.Uint32(req[0][1:])
}

func TestDealer_Query(t *testing.T) {
	d, sock, _ := openDealer(t)
	go echo(sock)

	frames, err := d.Query(context.Background(), []byte("set_ttl"), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2}, []byte("set_ttl")}, frames)
	assert.Equal(t, 0, d.Pending())
}

func TestDealer_ConcurrentQueries(t *testing.T) {
	d, sock, _ := openDealer(t)
	go echo(sock)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frames, err := d.Query(context.Background(), []byte{byte(i)})
			assert.NoError(t, err)
			assert.Equal(t, [][]byte{{byte(i)}}, frames)
		}(i)
	}
	wg.Wait()
}

func TestDealer_OutOfOrderReplies(t *testing.T) {
	d, sock, _ := openDealer(t)
	ctx := context.Background()

	results := make(chan string, 2)
	go func() {
		f, err := d.Query(ctx, []byte("first"))
		if err == nil {
			results <- "first:" + string(f[0])
		}
	}()
	req1 := <-sock.Requests()
	go func() {
		f, err := d.Query(ctx, []byte("second"))
		if err == nil {
			results <- "second:" + string(f[0])
		}
	}()
	req2 := <-sock.Requests()
	assert.Equal(t, uint32(1), requestID(req1))
	assert.Equal(t, uint32(2), requestID(req2))

	sock.Reply([][]byte{req2[0], {}, []byte("b")})
	assert.Equal(t, "second:b", <-results)
	sock.Reply([][]byte{req1[0], {}, []byte("a")})
	assert.Equal(t, "first:a", <-results)
}

func TestDealer_IDsRestartWhenIdle(t *testing.T) {
	d, sock, _ := openDealer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := d.Query(ctx, []byte("state_id"))
			assert.NoError(t, err)
		}()
		req := <-sock.Requests()
		assert.Equal(t, uint32(1), requestID(req))
		sock.Reply([][]byte{req[0], {}, {0}})
		<-done
	}
}

func TestDealer_IgnoresMalformedReplies(t *testing.T) {
	d, sock, _ := openDealer(t)

	done := make(chan [][]byte, 1)
	go func() {
		f, err := d.Query(context.Background(), []byte("get_clock"))
		assert.NoError(t, err)
		done <- f
	}()
	req := <-sock.Requests()

	sock.Reply(nil)
	sock.Reply([][]byte{{0x04, 1, 0, 0, 0}, {}, {9}})
	sock.Reply([][]byte{{0x05, 99, 0, 0, 0}, {}, {9}})
	// extra envelope frames before the delimiter are skipped
	sock.Reply([][]byte{req[0], []byte("hop"), {}, {7}})

	assert.Equal(t, [][]byte{{7}}, <-done)
}

func TestDealer_AbortAll(t *testing.T) {
	d, sock, _ := openDealer(t)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := d.Query(context.Background(), []byte("wait_seq"))
			errs <- err
		}()
		<-sock.Requests()
	}
	require.Eventually(t, func() bool { return d.Pending() == 3 }, time.Second, time.Millisecond)

	d.AbortAll()
	for i := 0; i < 3; i++ {
		err := <-errs
		assert.ErrorIs(t, err, errors.ErrSocketClosed)
		assert.True(t, errors.IsTransient(err))
	}
	assert.Equal(t, 0, d.Pending())
	assert.True(t, d.IsOpen())
}

func TestDealer_ContextCancelRemovesOnlyThatRequest(t *testing.T) {
	d, sock, _ := openDealer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := d.Query(ctx, []byte("wait_seq"))
		cancelled <- err
	}()
	<-sock.Requests()

	kept := make(chan [][]byte, 1)
	go func() {
		f, err := d.Query(context.Background(), []byte("get_clock"))
		assert.NoError(t, err)
		kept <- f
	}()
	req := <-sock.Requests()

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 1, d.Pending())

	sock.Reply([][]byte{req[0], {}, {42}})
	assert.Equal(t, [][]byte{{42}}, <-kept)
}

func TestDealer_LateReplyToCancelledRequest(t *testing.T) {
	d, sock, _ := openDealer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := d.Query(ctx, []byte("wait_seq"))
		cancelled <- err
	}()
	first := <-sock.Requests()
	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 0, d.Pending())

	got := make(chan [][]byte, 1)
	go func() {
		f, err := d.Query(context.Background(), []byte("state_id"))
		assert.NoError(t, err)
		got <- f
	}()
	second := <-sock.Requests()
	require.NotEqual(t, requestID(first), requestID(second), "id of the cancelled request is still reserved")

	sock.Reply([][]byte{first[0], {}, []byte("wait_seq-reply")})
	sock.Reply([][]byte{second[0], {}, []byte("state_id-reply")})
	assert.Equal(t, [][]byte{[]byte("state_id-reply")}, <-got)

	// with nothing in flight numbering starts over
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := d.Query(context.Background(), []byte("get_clock"))
		assert.NoError(t, err)
	}()
	third := <-sock.Requests()
	assert.Equal(t, uint32(1), requestID(third))
	sock.Reply([][]byte{third[0], {}, {0}})
	<-done
}

func TestDealer_AbortAllReleasesCancelledIDs(t *testing.T) {
	d, sock, _ := openDealer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := d.Query(ctx, []byte("wait_seq"))
		cancelled <- err
	}()
	<-sock.Requests()
	cancel()
	<-cancelled

	d.AbortAll()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := d.Query(context.Background(), []byte("state_id"))
		assert.NoError(t, err)
	}()
	req := <-sock.Requests()
	assert.Equal(t, uint32(1), requestID(req))
	sock.Reply([][]byte{req[0], {}, {0}})
	<-done
}

func TestDealer_CloseAndReconnect(t *testing.T) {
	d, sock, dialer := openDealer(t)

	errs := make(chan error, 1)
	go func() {
		_, err := d.Query(context.Background(), []byte("state_id"))
		errs <- err
	}()
	<-sock.Requests()

	require.NoError(t, d.Close())
	assert.ErrorIs(t, <-errs, errors.ErrSocketClosed)
	assert.False(t, d.IsOpen())

	_, err := d.Query(context.Background(), []byte("state_id"))
	assert.ErrorIs(t, err, errors.ErrSocketClosed)

	require.NoError(t, d.Reconnect())
	assert.Equal(t, 2, dialer.Dials())
	next := <-dialer.Sockets()
	go echo(next)

	frames, err := d.Query(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x")}, frames)

	// Open on an open dealer is a no-op
	require.NoError(t, d.Open())
	assert.Equal(t, 2, dialer.Dials())
}

func TestDealer_OpenFailure(t *testing.T) {
	dialer := NewMemDialer()
	dialer.FailWith(errors.ErrConnectionTimeout)
	d := NewDealer("mem://device", dialer.Dial, nil, nil)

	err := d.Open()
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, d.IsOpen())

	dialer.FailWith(nil)
	require.NoError(t, d.Open())
	assert.True(t, d.IsOpen())
	require.NoError(t, d.Close())
}

func TestSplitReply(t *testing.T) {
	tests := []struct {
		name    string
		frames  [][]byte
		id      uint32
		payload [][]byte
		ok      bool
	}{
		{"empty", nil, 0, nil, false},
		{"short addr", [][]byte{{5, 1}}, 0, nil, false},
		{"wrong marker", [][]byte{{6, 1, 0, 0, 0}, {}}, 0, nil, false},
		{"no payload", [][]byte{{5, 3, 0, 0, 0}, {}}, 3, [][]byte{}, true},
		{"payload", [][]byte{{5, 0, 1, 0, 0}, {}, {1}, {2}}, 256, [][]byte{{1}, {2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, payload, ok := splitReply(tt.frames)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.id, id)
				assert.Equal(t, tt.payload, payload)
			}
		})
	}
}
