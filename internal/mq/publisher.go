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

var ErrNotRunning = errors.New("mq: not running, call Run first")

// PublisherConfig configures one outbound stream.
type PublisherConfig struct {
	Endpoint string
	// Connect dials the endpoint instead of binding it.
	Connect   bool
	QueueSize int
	Linger    time.Duration
	// DropIfBusy sends without blocking and reports false when the queue
	// is full.
	DropIfBusy bool
}

// Publisher sends tensor frames. It never enables socket-level conflation:
// conflating a multi-part message can drop one part and pair a header with
// the wrong payload. DropIfBusy is the only load-shedding policy.
type Publisher struct {
	cfg       PublisherConfig
	transport Transport

	mu      sync.Mutex
	sock    Socket
	seq     uint64
	running bool
	closed  bool
}

func NewPublisher(transport Transport, cfg PublisherConfig) (*Publisher, error) {
	if transport == nil {
		return nil, protocol.Configf("mq.NewPublisher", "transport", "message-queue transport is required")
	}
	if cfg.Endpoint == "" {
		return nil, protocol.Configf("mq.NewPublisher", "endpoint", "endpoint is required")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Publisher{cfg: cfg, transport: transport}, nil
}

func (p *Publisher) Endpoint() string { return p.cfg.Endpoint }

// Run opens the socket. Repeated calls are no-ops.
func (p *Publisher) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.closed {
		return fmt.Errorf("%w: publisher closed", protocol.ErrShutdown)
	}
	sock, err := p.transport.NewPublisherSocket(SocketOptions{HWM: p.cfg.QueueSize, Linger: p.cfg.Linger})
	if err != nil {
		return err
	}
	if p.cfg.Connect {
		err = sock.Connect(p.cfg.Endpoint)
	} else {
		err = sock.Bind(p.cfg.Endpoint)
	}
	if err != nil {
		sock.Close()
		return err
	}
	p.sock = sock
	p.running = true
	logs.Infof("mq.Publisher.Run endpoint=%s connect=%t hwm=%d drop_if_busy=%t",
		p.cfg.Endpoint, p.cfg.Connect, p.cfg.QueueSize, p.cfg.DropIfBusy)
	return nil
}

// PublishTensor sends t as one frame with the current sequence number. It
// returns false with a nil error when the frame was dropped because the
// queue was full or the transport is terminating.
func (p *Publisher) PublishTensor(t *tensor.Tensor, flags uint8) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, nil
	}
	if !p.running {
		return false, ErrNotRunning
	}

	parts := frame.EncodeFrame(t, flags, p.seq)
	err := p.sock.Send(parts, p.cfg.DropIfBusy)
	switch {
	case err == nil:
		p.seq++
		return true, nil
	case errors.Is(err, ErrWouldBlock):
		logs.Debugf("mq.Publisher.PublishTensor dropped endpoint=%s seq=%d reason=queue_full", p.cfg.Endpoint, p.seq)
		return false, nil
	case errors.Is(err, protocol.ErrShutdown):
		logs.Warnf("mq.Publisher.PublishTensor transport terminating endpoint=%s", p.cfg.Endpoint)
		p.closeLocked()
		return false, nil
	default:
		return false, fmt.Errorf("mq: publish %s: %w", p.cfg.Endpoint, err)
	}
}

// Seq is the sequence number the next accepted frame will carry.
func (p *Publisher) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Close releases the socket. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.running = false
	if p.sock == nil {
		return nil
	}
	err := p.sock.Close()
	p.sock = nil
	if errors.Is(err, protocol.ErrShutdown) {
		return nil
	}
	return err
}
