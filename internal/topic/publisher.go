package topic

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// PublisherConfig describes one outbound stream. The shape is fixed for the
// publisher's lifetime.
type PublisherConfig struct {
	Namespace string
	Name      string
	Rows      int
	Cols      int
	DType     tensor.DType
	QueueSize int
}

// Publisher announces rows, cols and dtype once on latched channels and then
// publishes data on each update.
type Publisher struct {
	cfg      PublisherConfig
	node     Node
	channels endpoint.Channels

	mu      sync.Mutex
	data    *tensor.Tensor
	out     [4]Channel
	running bool
	closed  bool
}

func NewPublisher(node Node, cfg PublisherConfig) (*Publisher, error) {
	const op = "topic.NewPublisher"
	if node == nil {
		return nil, protocol.Configf(op, "node", "topic backend requires a node")
	}
	if cfg.Name == "" {
		return nil, protocol.Configf(op, "name", "tensor name is required")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	data, err := tensor.New(cfg.Rows, cfg.Cols, cfg.DType)
	if err != nil {
		return nil, protocol.Configf(op, "shape", "%v", err)
	}
	fillInitial(data)
	return &Publisher{
		cfg:      cfg,
		node:     node,
		channels: endpoint.ChannelsFor(cfg.Namespace, cfg.Name),
		data:     data,
	}, nil
}

// fillInitial marks floating point buffers as not yet written.
func fillInitial(t *tensor.Tensor) {
	nan32, nan64 := float32(math.NaN()), math.NaN()
	for r := 0; r < t.Rows(); r++ {
		for c := 0; c < t.Cols(); c++ {
			switch t.DType() {
			case tensor.Float32:
				t.SetFloat32(r, c, nan32)
			case tensor.Float64:
				t.SetFloat64(r, c, nan64)
			}
		}
	}
}

func (p *Publisher) Channels() endpoint.Channels { return p.channels }

// Data is the transmit buffer. Fill it, then call Publish.
func (p *Publisher) Data() *tensor.Tensor { return p.data }

// Run advertises the four channels, publishes the metadata triple and an
// initial data sample. Repeated calls are no-ops.
func (p *Publisher) Run() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if p.closed {
		return fmt.Errorf("%w: publisher closed", protocol.ErrShutdown)
	}

	qos := QoS{Depth: p.cfg.QueueSize, Latched: true}
	names := [4]string{p.channels.Data, p.channels.Rows, p.channels.Cols, p.channels.DType}
	for i, name := range names {
		ch, err := p.node.Advertise(name, qos)
		if err != nil {
			p.closeChannelsLocked()
			return fmt.Errorf("topic: advertise %s: %w", name, err)
		}
		p.out[i] = ch
	}

	meta := [3]int32{int32(p.cfg.Rows), int32(p.cfg.Cols), int32(p.cfg.DType)}
	for i, v := range meta {
		payload, err := EncodeScalar(v)
		if err != nil {
			return err
		}
		if err := p.out[i+1].Publish(payload); err != nil {
			return fmt.Errorf("topic: publish metadata %s: %w", names[i+1], err)
		}
	}
	if err := p.publishLocked(); err != nil {
		return err
	}
	p.running = true
	logs.Infof("topic.Publisher.Run node=%s channel=%s shape=%dx%d dtype=%s depth=%d",
		p.node.Name(), p.channels.Data, p.cfg.Rows, p.cfg.Cols, p.cfg.DType, p.cfg.QueueSize)
	return nil
}

// Publish sends the current transmit buffer.
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: publisher closed", protocol.ErrShutdown)
	}
	if !p.running {
		return fmt.Errorf("topic: publisher %s not running", p.channels.Data)
	}
	return p.publishLocked()
}

func (p *Publisher) publishLocked() error {
	payload, err := EncodeArray(p.data)
	if err != nil {
		return err
	}
	return p.out[0].Publish(payload)
}

// Close releases the channels. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.running = false
	return p.closeChannelsLocked()
}

func (p *Publisher) closeChannelsLocked() error {
	var err error
	for i, ch := range p.out {
		if ch == nil {
			continue
		}
		err = multierr.Append(err, ch.Close())
		p.out[i] = nil
	}
	return err
}
