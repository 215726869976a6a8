//go:build zmq

package zmqsock

import (
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/danmuck/tensorbridge/internal/protocol"
)

// socket is not safe for concurrent use; mq.Publisher and mq.Subscriber
// serialize access.
type socket struct {
	ctx    *Context
	sock   *zmq.Socket
	poller *zmq.Poller
	closed bool
}

func (s *socket) Bind(endpoint string) error {
	if err := s.sock.Bind(endpoint); err != nil {
		return fmt.Errorf("zmqsock: bind %s: %w", endpoint, mapErr(err))
	}
	return nil
}

func (s *socket) Connect(endpoint string) error {
	if err := s.sock.Connect(endpoint); err != nil {
		return fmt.Errorf("zmqsock: connect %s: %w", endpoint, mapErr(err))
	}
	return nil
}

func (s *socket) Send(parts [][]byte, dontWait bool) error {
	if s.closed {
		return fmt.Errorf("%w: socket closed", protocol.ErrShutdown)
	}
	msg := make([]interface{}, len(parts))
	for i, part := range parts {
		msg[i] = part
	}
	var err error
	if dontWait {
		_, err = s.sock.SendMessageDontwait(msg...)
	} else {
		_, err = s.sock.SendMessage(msg...)
	}
	return mapErr(err)
}

func (s *socket) Poll(timeout time.Duration) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("%w: socket closed", protocol.ErrShutdown)
	}
	if s.poller == nil {
		return false, fmt.Errorf("zmqsock: poll on a send-only socket")
	}
	polled, err := s.poller.Poll(timeout)
	if err != nil {
		return false, mapErr(err)
	}
	return len(polled) > 0, nil
}

func (s *socket) Recv() ([][]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: socket closed", protocol.ErrShutdown)
	}
	parts, err := s.sock.RecvMessageBytes(zmq.DONTWAIT)
	if err != nil {
		return nil, mapErr(err)
	}
	return parts, nil
}

// Close closes the socket and releases its context reference once.
func (s *socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.sock.Close()
	s.ctx.Release()
	return mapErr(err)
}
