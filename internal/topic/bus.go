package topic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/tensorbridge/internal/protocol"
)

var ErrNodeClosed = errors.New("topic: node closed")

// Bus is an in-process middleware. Nodes created from one Bus see each
// other's channels; latched channels keep their last message.
type Bus struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string][]*busSub
}

func NewBus() *Bus {
	return &Bus{
		retained: make(map[string][]byte),
		subs:     make(map[string][]*busSub),
	}
}

// NewNode joins the bus.
func (b *Bus) NewNode(name string) *BusNode {
	return &BusNode{bus: b, name: name, notify: make(chan struct{}, 1)}
}

func (b *Bus) publish(channel string, payload []byte, latched bool) {
	msg := append([]byte(nil), payload...)
	b.mu.Lock()
	if latched {
		b.retained[channel] = msg
	}
	subs := append([]*busSub(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.node.enqueue(s, msg)
	}
}

func (b *Bus) attach(s *busSub) {
	b.mu.Lock()
	b.subs[s.channel] = append(b.subs[s.channel], s)
	retained, ok := b.retained[s.channel]
	b.mu.Unlock()
	if ok && s.qos.Latched {
		s.node.enqueue(s, retained)
	}
}

func (b *Bus) detach(s *busSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.channel]
	for i, cur := range list {
		if cur == s {
			b.subs[s.channel] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// BusNode is a Node on an in-process Bus.
type BusNode struct {
	bus    *Bus
	name   string
	notify chan struct{}

	mu     sync.Mutex
	subs   []*busSub
	closed bool
}

type busSub struct {
	node    *BusNode
	channel string
	qos     QoS
	handler Handler
	// pending is guarded by node.mu.
	pending [][]byte
	closed  bool
}

type busChannel struct {
	node    *BusNode
	channel string
	qos     QoS
}

func (n *BusNode) Name() string { return n.name }

func (n *BusNode) Advertise(channel string, qos QoS) (Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	return &busChannel{node: n, channel: channel, qos: qos}, nil
}

func (c *busChannel) Publish(payload []byte) error {
	c.node.mu.Lock()
	closed := c.node.closed
	c.node.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", protocol.ErrShutdown, ErrNodeClosed)
	}
	c.node.bus.publish(c.channel, payload, c.qos.Latched)
	return nil
}

func (c *busChannel) Close() error { return nil }

func (n *BusNode) Subscribe(channel string, qos QoS, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("topic: nil handler for %s", channel)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNodeClosed
	}
	s := &busSub{node: n, channel: channel, qos: qos, handler: h}
	n.subs = append(n.subs, s)
	n.mu.Unlock()
	n.bus.attach(s)
	return s, nil
}

func (s *busSub) Close() error {
	n := s.node
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	for i, cur := range n.subs {
		if cur == s {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	n.bus.detach(s)
	return nil
}

func (n *BusNode) enqueue(s *busSub, msg []byte) {
	n.mu.Lock()
	if n.closed || s.closed {
		n.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	if depth := max(s.qos.Depth, 1); len(s.pending) > depth {
		s.pending = s.pending[len(s.pending)-depth:]
	}
	n.mu.Unlock()
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

type delivery struct {
	handler Handler
	payload []byte
}

func (n *BusNode) drain() ([]delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("%w: %w", protocol.ErrShutdown, ErrNodeClosed)
	}
	var out []delivery
	for _, s := range n.subs {
		for _, msg := range s.pending {
			out = append(out, delivery{handler: s.handler, payload: msg})
		}
		s.pending = nil
	}
	return out, nil
}

func (n *BusNode) SpinOnce(timeout time.Duration) error {
	batch, err := n.drain()
	if err != nil {
		return err
	}
	if len(batch) == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-n.notify:
		case <-timer.C:
		}
		timer.Stop()
		if batch, err = n.drain(); err != nil {
			return err
		}
	}
	for _, d := range batch {
		if err := d.handler(d.payload); err != nil {
			return err
		}
	}
	return nil
}

func (n *BusNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	for _, s := range subs {
		s.closed = true
		s.pending = nil
	}
	n.mu.Unlock()
	for _, s := range subs {
		n.bus.detach(s)
	}
	return nil
}
