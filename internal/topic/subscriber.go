package topic

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/protocol/session"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

type SubscriberConfig struct {
	Namespace string
	Name      string
	QueueSize int
}

// Subscriber performs the metadata handshake and then keeps the newest data
// sample in a single slot. Handlers run inside Node.SpinOnce; readers poll
// Latest with the generation they last consumed.
type Subscriber struct {
	cfg      SubscriberConfig
	node     Node
	channels endpoint.Channels
	meta     *session.Metadata

	mu      sync.Mutex
	subs    []Subscription
	started bool
	bound   bool
	closed  bool
	fatal   error

	slotMu sync.Mutex
	slot   *tensor.Tensor
	gen    atomic.Uint64
}

func NewSubscriber(node Node, cfg SubscriberConfig) (*Subscriber, error) {
	const op = "topic.NewSubscriber"
	if node == nil {
		return nil, protocol.Configf(op, "node", "topic backend requires a node")
	}
	if cfg.Name == "" {
		return nil, protocol.Configf(op, "name", "tensor name is required")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Subscriber{
		cfg:      cfg,
		node:     node,
		channels: endpoint.ChannelsFor(cfg.Namespace, cfg.Name),
		meta:     session.NewMetadata(endpoint.StreamName(cfg.Namespace, cfg.Name)),
	}, nil
}

func (s *Subscriber) Channels() endpoint.Channels { return s.channels }

// Run subscribes the metadata channels on first call and reports true once
// the handshake has completed and the data channel is subscribed. A fatal
// handshake or data error observed by a handler is returned here.
func (s *Subscriber) Run() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return false, s.fatal
	}
	if s.closed {
		return false, nil
	}
	if !s.started {
		if err := s.subscribeMetadataLocked(); err != nil {
			return false, err
		}
		s.started = true
	}
	if s.bound {
		return true, nil
	}
	rows, cols, dtype, ok := s.meta.Shape()
	if !ok {
		return false, nil
	}
	slot, err := tensor.New(rows, cols, dtype)
	if err != nil {
		return false, protocol.Protocolf("topic.Subscriber.Run", "shape", "%v", err)
	}
	s.slotMu.Lock()
	s.slot = slot
	s.slotMu.Unlock()

	sub, err := s.node.Subscribe(s.channels.Data, QoS{Depth: s.cfg.QueueSize, Latched: true}, s.onData)
	if err != nil {
		return false, fmt.Errorf("topic: subscribe %s: %w", s.channels.Data, err)
	}
	s.subs = append(s.subs, sub)
	s.bound = true
	logs.Infof("topic.Subscriber.Run bound node=%s channel=%s shape=%dx%d dtype=%s",
		s.node.Name(), s.channels.Data, rows, cols, dtype)
	return true, nil
}

func (s *Subscriber) subscribeMetadataLocked() error {
	qos := QoS{Depth: s.cfg.QueueSize, Latched: true}
	meta := []struct {
		channel string
		field   session.Field
	}{
		{s.channels.Rows, session.FieldRows},
		{s.channels.Cols, session.FieldCols},
		{s.channels.DType, session.FieldDType},
	}
	for _, m := range meta {
		sub, err := s.node.Subscribe(m.channel, qos, s.onMetadata(m.field))
		if err != nil {
			return fmt.Errorf("topic: subscribe %s: %w", m.channel, err)
		}
		s.subs = append(s.subs, sub)
	}
	logs.Debugf("topic.Subscriber.Run awaiting metadata node=%s stream=%s", s.node.Name(), endpoint.StreamName(s.cfg.Namespace, s.cfg.Name))
	return nil
}

func (s *Subscriber) onMetadata(field session.Field) Handler {
	return func(payload []byte) error {
		v, err := DecodeScalar(payload)
		if err == nil {
			err = s.meta.Observe(field, v)
		}
		if err != nil {
			s.latch(err)
		}
		return err
	}
}

func (s *Subscriber) onData(payload []byte) error {
	const op = "topic.Subscriber.onData"
	msg, err := DecodeArray(payload)
	if err != nil {
		s.latch(err)
		return err
	}

	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.slot == nil {
		return nil
	}
	if dtype := tensor.DType(msg.DType); dtype != s.slot.DType() {
		err = protocol.Mismatch(protocol.ErrConsistency, op, "dtype", s.slot.DType(), dtype)
	} else if len(msg.Data) != s.slot.NBytes() {
		err = protocol.Mismatch(protocol.ErrProtocol, op, "payload_nbytes", s.slot.NBytes(), len(msg.Data))
	}
	if err != nil {
		s.latch(err)
		return err
	}
	copy(s.slot.Bytes(), msg.Data)
	s.gen.Add(1)
	return nil
}

func (s *Subscriber) latch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
		logs.Errorf("topic.Subscriber fatal stream=%s err=%v", endpoint.StreamName(s.cfg.Namespace, s.cfg.Name), err)
	}
}

// Err returns the first fatal error seen by a handler.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Subscriber) GotMetadata() bool { return s.meta.Complete() }

// Shape is valid once GotMetadata reports true.
func (s *Subscriber) Shape() (rows, cols int, dtype tensor.DType, ok bool) {
	return s.meta.Shape()
}

// Generation counts data samples accepted so far.
func (s *Subscriber) Generation() uint64 { return s.gen.Load() }

// Latest copies the newest sample into dst when one newer than afterGen has
// arrived, and returns its generation.
func (s *Subscriber) Latest(dst *tensor.Tensor, afterGen uint64) (uint64, bool, error) {
	if s.gen.Load() <= afterGen {
		return afterGen, false, nil
	}
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.slot == nil {
		return afterGen, false, nil
	}
	if err := dst.CopyFrom(s.slot); err != nil {
		return afterGen, false, protocol.Mismatch(protocol.ErrConsistency, "topic.Subscriber.Latest", "shape",
			fmt.Sprintf("%dx%d %s", s.slot.Rows(), s.slot.Cols(), s.slot.DType()),
			fmt.Sprintf("%dx%d %s", dst.Rows(), dst.Cols(), dst.DType()))
	}
	return s.gen.Load(), true, nil
}

// Close unsubscribes every channel. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for _, sub := range s.subs {
		err = multierr.Append(err, sub.Close())
	}
	s.subs = nil
	return err
}
