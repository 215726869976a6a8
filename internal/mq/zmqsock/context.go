//go:build zmq

// Package zmqsock implements mq.Transport over ZeroMQ.
//
// Build with -tags=zmq; libzmq must be installed.
package zmqsock

import (
	"fmt"
	"sync"
	"syscall"

	zmq "github.com/pebbe/zmq4"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol"
)

// Enabled reports whether this binary carries the ZeroMQ transport.
const Enabled = true

// Context is a reference-counted ZeroMQ context. Every socket holds one
// reference. Only the owner calls Terminate, and the underlying context is
// terminated once the last reference is released.
type Context struct {
	mu          sync.Mutex
	ctx         *zmq.Context
	refs        int
	terminating bool
	terminated  bool
}

func NewContext() (*Context, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmqsock: new context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Acquire takes a reference. It fails once Terminate was called.
func (c *Context) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminating {
		return fmt.Errorf("%w: zmq context terminating", protocol.ErrShutdown)
	}
	c.refs++
	return nil
}

// Release drops a reference taken by Acquire.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 && c.terminating {
		c.termLocked()
	}
}

// Refs reports the outstanding references.
func (c *Context) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Terminate refuses new sockets and terminates the context as soon as no
// socket holds a reference.
func (c *Context) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminating {
		return
	}
	c.terminating = true
	if c.refs == 0 {
		c.termLocked()
		return
	}
	logs.Infof("zmqsock.Context.Terminate deferred refs=%d", c.refs)
}

func (c *Context) termLocked() {
	if c.terminated {
		return
	}
	c.terminated = true
	if err := c.ctx.Term(); err != nil {
		logs.Warnf("zmqsock.Context.Terminate err=%v", err)
		return
	}
	logs.Debugf("zmqsock.Context.Terminate done")
}

func (c *Context) NewPublisherSocket(opts mq.SocketOptions) (mq.Socket, error) {
	return c.newSocket(zmq.PUB, opts)
}

func (c *Context) NewSubscriberSocket(opts mq.SocketOptions) (mq.Socket, error) {
	return c.newSocket(zmq.SUB, opts)
}

func (c *Context) newSocket(kind zmq.Type, opts mq.SocketOptions) (mq.Socket, error) {
	if err := c.Acquire(); err != nil {
		return nil, err
	}
	sock, err := c.ctx.NewSocket(kind)
	if err != nil {
		c.Release()
		return nil, mapErr(err)
	}
	if err := configure(sock, kind, opts); err != nil {
		sock.Close()
		c.Release()
		return nil, err
	}
	s := &socket{ctx: c, sock: sock}
	if kind == zmq.SUB {
		s.poller = zmq.NewPoller()
		s.poller.Add(sock, zmq.POLLIN)
	}
	return s, nil
}

func configure(sock *zmq.Socket, kind zmq.Type, opts mq.SocketOptions) error {
	hwm := max(opts.HWM, 1)
	if err := sock.SetLinger(opts.Linger); err != nil {
		return fmt.Errorf("zmqsock: linger: %w", mapErr(err))
	}
	switch kind {
	case zmq.PUB:
		if err := sock.SetSndhwm(hwm); err != nil {
			return fmt.Errorf("zmqsock: sndhwm: %w", mapErr(err))
		}
		// full pipes report EAGAIN instead of dropping
		if err := sock.SetXpubNodrop(true); err != nil {
			return fmt.Errorf("zmqsock: xpub_nodrop: %w", mapErr(err))
		}
	case zmq.SUB:
		if err := sock.SetRcvhwm(hwm); err != nil {
			return fmt.Errorf("zmqsock: rcvhwm: %w", mapErr(err))
		}
		if err := sock.SetSubscribe(""); err != nil {
			return fmt.Errorf("zmqsock: subscribe: %w", mapErr(err))
		}
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch zmq.AsErrno(err) {
	case zmq.Errno(syscall.EAGAIN):
		return mq.ErrWouldBlock
	case zmq.ETERM:
		return fmt.Errorf("%w: %v", protocol.ErrShutdown, err)
	}
	return err
}
