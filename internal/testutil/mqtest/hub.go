// Package mqtest provides an in-memory mq.Transport for tests.
//
// Sockets on one Hub that share an endpoint string are linked no matter
// which side bound. Each publisher-to-subscriber pipe holds at most the sum
// of both high-water marks, and a full pipe blocks or refuses sends the way a
// no-drop PUB socket does.
package mqtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol"
)

type Hub struct {
	mu      sync.Mutex
	bound   map[string]bool
	subs    map[string][]*subSocket
	done    chan struct{}
	stopped bool
}

func NewHub() *Hub {
	return &Hub{
		bound: make(map[string]bool),
		subs:  make(map[string][]*subSocket),
		done:  make(chan struct{}),
	}
}

// Terminate makes every socket on the hub report protocol.ErrShutdown.
func (h *Hub) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)
}

func (h *Hub) NewPublisherSocket(opts mq.SocketOptions) (mq.Socket, error) {
	if err := h.alive(); err != nil {
		return nil, err
	}
	return &pubSocket{hub: h, hwm: max(opts.HWM, 1)}, nil
}

func (h *Hub) NewSubscriberSocket(opts mq.SocketOptions) (mq.Socket, error) {
	if err := h.alive(); err != nil {
		return nil, err
	}
	return &subSocket{
		hub:    h,
		hwm:    max(opts.HWM, 1),
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}, nil
}

// Pending reports how many messages wait in subscriber pipes on endpoint.
func (h *Hub) Pending(endpoint string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.subs[endpoint] {
		n += len(s.queue)
	}
	return n
}

func (h *Hub) alive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("%w: hub terminated", protocol.ErrShutdown)
	}
	return nil
}

func (h *Hub) bind(endpoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("%w: hub terminated", protocol.ErrShutdown)
	}
	if h.bound[endpoint] {
		return fmt.Errorf("mqtest: address in use %s", endpoint)
	}
	h.bound[endpoint] = true
	return nil
}

func (h *Hub) unbind(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bound, endpoint)
}

func (h *Hub) attach(endpoint string, s *subSocket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[endpoint] = append(h.subs[endpoint], s)
}

func (h *Hub) detach(endpoint string, s *subSocket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[endpoint]
	for i, cur := range list {
		if cur == s {
			h.subs[endpoint] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

type pubSocket struct {
	hub      *Hub
	hwm      int
	endpoint string
	didBind  bool
	closed   bool
}

func (p *pubSocket) Bind(endpoint string) error {
	if err := p.hub.bind(endpoint); err != nil {
		return err
	}
	p.endpoint, p.didBind = endpoint, true
	return nil
}

func (p *pubSocket) Connect(endpoint string) error {
	if err := p.hub.alive(); err != nil {
		return err
	}
	p.endpoint = endpoint
	return nil
}

func (p *pubSocket) Send(parts [][]byte, dontWait bool) error {
	if p.closed {
		return fmt.Errorf("mqtest: send on closed socket")
	}
	msg := make([][]byte, len(parts))
	for i, part := range parts {
		msg[i] = append([]byte(nil), part...)
	}
	for {
		h := p.hub
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return fmt.Errorf("%w: hub terminated", protocol.ErrShutdown)
		}
		var full *subSocket
		for _, s := range h.subs[p.endpoint] {
			if len(s.queue) >= s.hwm+p.hwm {
				full = s
				break
			}
		}
		if full == nil {
			for _, s := range h.subs[p.endpoint] {
				s.queue = append(s.queue, msg)
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
		if dontWait {
			return mq.ErrWouldBlock
		}
		select {
		case <-full.space:
		case <-h.done:
		}
	}
}

func (p *pubSocket) Poll(time.Duration) (bool, error) {
	return false, fmt.Errorf("mqtest: poll on publisher socket")
}

func (p *pubSocket) Recv() ([][]byte, error) {
	return nil, fmt.Errorf("mqtest: recv on publisher socket")
}

func (p *pubSocket) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.didBind {
		p.hub.unbind(p.endpoint)
	}
	return nil
}

type subSocket struct {
	hub      *Hub
	hwm      int
	endpoint string
	didBind  bool
	closed   bool

	// queue is guarded by hub.mu.
	queue  [][][]byte
	notify chan struct{}
	space  chan struct{}
}

func (s *subSocket) Bind(endpoint string) error {
	if err := s.hub.bind(endpoint); err != nil {
		return err
	}
	s.endpoint, s.didBind = endpoint, true
	s.hub.attach(endpoint, s)
	return nil
}

func (s *subSocket) Connect(endpoint string) error {
	if err := s.hub.alive(); err != nil {
		return err
	}
	s.endpoint = endpoint
	s.hub.attach(endpoint, s)
	return nil
}

func (s *subSocket) Send([][]byte, bool) error {
	return fmt.Errorf("mqtest: send on subscriber socket")
}

func (s *subSocket) Poll(timeout time.Duration) (bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		h := s.hub
		h.mu.Lock()
		stopped, n := h.stopped, len(s.queue)
		h.mu.Unlock()
		if stopped {
			return false, fmt.Errorf("%w: hub terminated", protocol.ErrShutdown)
		}
		if n > 0 {
			return true, nil
		}
		if deadline == nil {
			return false, nil
		}
		select {
		case <-s.notify:
		case <-h.done:
		case <-deadline:
			return false, nil
		}
	}
}

func (s *subSocket) Recv() ([][]byte, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, fmt.Errorf("%w: hub terminated", protocol.ErrShutdown)
	}
	if len(s.queue) == 0 {
		return nil, mq.ErrWouldBlock
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	select {
	case s.space <- struct{}{}:
	default:
	}
	return msg, nil
}

func (s *subSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.endpoint != "" {
		s.hub.detach(s.endpoint, s)
	}
	if s.didBind {
		s.hub.unbind(s.endpoint)
	}
	return nil
}
