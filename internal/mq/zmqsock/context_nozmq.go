//go:build !zmq

package zmqsock

import (
	"errors"

	"github.com/danmuck/tensorbridge/internal/mq"
)

// Enabled reports whether this binary carries the ZeroMQ transport.
const Enabled = false

// ErrUnsupported is returned when the binary was built without -tags=zmq.
var ErrUnsupported = errors.New("zmqsock: built without zmq support, rebuild with -tags=zmq")

type Context struct{}

func NewContext() (*Context, error) { return nil, ErrUnsupported }

func (c *Context) Acquire() error { return ErrUnsupported }
func (c *Context) Release()       {}
func (c *Context) Refs() int      { return 0 }
func (c *Context) Terminate()     {}

func (c *Context) NewPublisherSocket(mq.SocketOptions) (mq.Socket, error) {
	return nil, ErrUnsupported
}

func (c *Context) NewSubscriberSocket(mq.SocketOptions) (mq.Socket, error) {
	return nil, ErrUnsupported
}
