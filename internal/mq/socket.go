// Package mq carries tensor frames over a message-queue PUB/SUB socket.
//
// Every message is two parts: the fixed frame header and the raw row-major
// payload. Shape travels in each header, so a subscriber can bind to a
// stream from its first frame.
package mq

import (
	"errors"
	"time"
)

// ErrWouldBlock is returned by Socket.Send with dontWait when the outbound
// queue is full.
var ErrWouldBlock = errors.New("mq: send would block")

// SocketOptions are applied before bind/connect.
type SocketOptions struct {
	// HWM is the send or receive high-water mark in messages.
	HWM    int
	Linger time.Duration
}

// Socket is one PUB or SUB endpoint. Implementations report transport
// termination as protocol.ErrShutdown.
type Socket interface {
	Bind(endpoint string) error
	Connect(endpoint string) error
	// Send transmits all parts as one message.
	Send(parts [][]byte, dontWait bool) error
	// Poll waits up to timeout for an inbound message. Zero does not wait.
	Poll(timeout time.Duration) (bool, error)
	// Recv returns the next complete message.
	Recv() ([][]byte, error)
	Close() error
}

// Transport opens sockets. Subscriber sockets subscribe to every message.
type Transport interface {
	NewPublisherSocket(opts SocketOptions) (Socket, error)
	NewSubscriberSocket(opts SocketOptions) (Socket, error)
}
