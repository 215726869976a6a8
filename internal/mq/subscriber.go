package mq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/frame"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// SubscriberConfig configures one inbound stream.
type SubscriberConfig struct {
	Endpoint string
	// Bind listens on the endpoint instead of dialing it.
	Bind      bool
	QueueSize int
	Linger    time.Duration
	// Conflate keeps only the newest complete frame among those queued.
	Conflate bool
	// Timeout bounds each poll. Zero returns immediately.
	Timeout time.Duration
}

type Subscriber struct {
	cfg       SubscriberConfig
	transport Transport

	mu      sync.Mutex
	sock    Socket
	running bool
	closed  bool
}

func NewSubscriber(transport Transport, cfg SubscriberConfig) (*Subscriber, error) {
	if transport == nil {
		return nil, protocol.Configf("mq.NewSubscriber", "transport", "message-queue transport is required")
	}
	if cfg.Endpoint == "" {
		return nil, protocol.Configf("mq.NewSubscriber", "endpoint", "endpoint is required")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return &Subscriber{cfg: cfg, transport: transport}, nil
}

func (s *Subscriber) Endpoint() string       { return s.cfg.Endpoint }
func (s *Subscriber) Timeout() time.Duration { return s.cfg.Timeout }

// Run opens the socket and subscribes to every frame. Repeated calls are
// no-ops.
func (s *Subscriber) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.closed {
		return fmt.Errorf("%w: subscriber closed", protocol.ErrShutdown)
	}
	sock, err := s.transport.NewSubscriberSocket(SocketOptions{HWM: s.cfg.QueueSize, Linger: s.cfg.Linger})
	if err != nil {
		return err
	}
	if s.cfg.Bind {
		err = sock.Bind(s.cfg.Endpoint)
	} else {
		err = sock.Connect(s.cfg.Endpoint)
	}
	if err != nil {
		sock.Close()
		return err
	}
	s.sock = sock
	s.running = true
	logs.Infof("mq.Subscriber.Run endpoint=%s bind=%t hwm=%d conflate=%t timeout=%s",
		s.cfg.Endpoint, s.cfg.Bind, s.cfg.QueueSize, s.cfg.Conflate, s.cfg.Timeout)
	return nil
}

// ReceiveLatest waits up to timeout for a frame. It returns a nil header and
// nil error when nothing arrived. With conflate on, every frame already
// queued behind the first is drained and only the newest complete pair is
// returned. Malformed frames are protocol errors; a terminating transport
// reports protocol.ErrShutdown.
func (s *Subscriber) ReceiveLatest(timeout time.Duration) (*frame.Header, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("%w: subscriber closed", protocol.ErrShutdown)
	}
	if !s.running {
		return nil, nil, ErrNotRunning
	}

	ready, err := s.sock.Poll(timeout)
	if err != nil {
		return nil, nil, s.transportErr(err)
	}
	if !ready {
		return nil, nil, nil
	}
	parts, err := s.sock.Recv()
	if err != nil {
		return nil, nil, s.transportErr(err)
	}

	if s.cfg.Conflate {
		drained := 0
		for {
			more, err := s.sock.Poll(0)
			if err != nil {
				return nil, nil, s.transportErr(err)
			}
			if !more {
				break
			}
			next, err := s.sock.Recv()
			if err != nil {
				return nil, nil, s.transportErr(err)
			}
			parts = next
			drained++
		}
		if drained > 0 {
			logs.Debugf("mq.Subscriber.ReceiveLatest conflated endpoint=%s skipped=%d", s.cfg.Endpoint, drained)
		}
	}

	h, payload, err := frame.DecodeFrame(parts)
	if err != nil {
		return nil, nil, err
	}
	return &h, payload, nil
}

func (s *Subscriber) transportErr(err error) error {
	if errors.Is(err, protocol.ErrShutdown) {
		logs.Warnf("mq.Subscriber transport terminating endpoint=%s", s.cfg.Endpoint)
		s.closeLocked()
		return err
	}
	return fmt.Errorf("mq: receive %s: %w", s.cfg.Endpoint, err)
}

// PayloadTensor converts a received payload. With copyPayload false the
// tensor aliases the payload buffer.
func (s *Subscriber) PayloadTensor(h *frame.Header, payload []byte, copyPayload bool) (*tensor.Tensor, error) {
	if h == nil {
		return nil, protocol.Protocolf("mq.Subscriber.PayloadTensor", "header", "missing header")
	}
	return frame.PayloadTensor(*h, payload, copyPayload)
}

func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close releases the socket. Safe to call more than once and after the
// transport has already been torn down.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Subscriber) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.running = false
	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	if errors.Is(err, protocol.ErrShutdown) {
		return nil
	}
	return err
}
