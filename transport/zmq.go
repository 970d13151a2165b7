package transport

import (
	"context"
	"time"

	"github.com/go-zeromq/zmq4"
)

// DefaultDialRetry is the interval between connection attempts.
const DefaultDialRetry = 250 * time.Millisecond

type zmqSocket struct {
	sock zmq4.Socket
}

func (s *zmqSocket) Send(frames [][]byte) error {
	return s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (s *zmqSocket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}

// ZMQDialer opens ZeroMQ DEALER sockets. The sockets live until closed,
// independent of any request context.
func ZMQDialer(opts ...zmq4.Option) Dialer {
	if len(opts) == 0 {
		opts = []zmq4.Option{zmq4.WithDialerRetry(DefaultDialRetry)}
	}
	return func(addr string) (FrameSocket, error) {
		sock := zmq4.NewDealer(context.Background(), opts...)
		if err := sock.Dial(addr); err != nil {
			_ = sock.Close()
			return nil, err
		}
		return &zmqSocket{sock: sock}, nil
	}
}
