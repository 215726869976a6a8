package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/observability"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/protocol/frame"
	"github.com/danmuck/tensorbridge/internal/shm"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/topic"
)

// InboundBridge writes a received stream into a shared tensor it owns. It
// stays in StateAwaitingShape until the stream has told it the shape, then
// moves to StateBound. A transport shutdown moves it to StateStopped.
type InboundBridge struct {
	cfg   Config
	track tracker

	mqSub    *mq.Subscriber
	topicSub *topic.Subscriber

	mu      sync.Mutex
	state   State
	dst     *shm.Server
	rx      *tensor.Tensor
	lastGen uint64
}

func NewInbound(cfg Config) (*InboundBridge, error) {
	const op = "bridge.NewInbound"
	cfg, err := cfg.validate(op)
	if err != nil {
		return nil, err
	}
	b := &InboundBridge{cfg: cfg, state: StateAwaitingShape}

	var target string
	switch cfg.Backend {
	case BackendMQ:
		ep, err := cfg.resolveEndpoint(op)
		if err != nil {
			return nil, err
		}
		b.mqSub, err = mq.NewSubscriber(cfg.Transport, mq.SubscriberConfig{
			Endpoint:  ep,
			Bind:      cfg.Bind,
			QueueSize: cfg.Session.QueueSize,
			Linger:    cfg.Session.Linger,
			Conflate:  cfg.Session.Conflate,
			Timeout:   cfg.Session.ReceiveTimeout,
		})
		if err != nil {
			return nil, err
		}
		target = ep
	case BackendTopic:
		b.topicSub, err = topic.NewSubscriber(cfg.Node, topic.SubscriberConfig{
			Namespace: cfg.Namespace,
			Name:      cfg.Name,
			QueueSize: cfg.Session.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		target = b.topicSub.Channels().Data
	}
	b.track.status = Status{
		Name:      cfg.stream(),
		Direction: Inbound,
		Backend:   cfg.Backend,
		State:     StateAwaitingShape,
		Target:    target,
	}
	return b, nil
}

func (b *InboundBridge) Name() string         { return b.cfg.stream() }
func (b *InboundBridge) Direction() Direction { return Inbound }
func (b *InboundBridge) Backend() Backend     { return b.cfg.Backend }
func (b *InboundBridge) Status() Status       { return b.track.snapshot() }

// DestinationNamespace is where the mirrored tensor is created.
func (b *InboundBridge) DestinationNamespace() string {
	return endpoint.Remap(b.cfg.Namespace, b.cfg.RemapNamespace)
}

// Destination is the owned shared tensor, or nil before it is created.
func (b *InboundBridge) Destination() shm.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dst == nil {
		return nil
	}
	return b.dst
}

// Run opens the subscription and waits for the shape. mq learns it from the
// first data frame, which is written before Run reports true; topic learns it
// from the metadata handshake. After the transport shuts down Run reports
// false.
func (b *InboundBridge) Run(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateBound:
		return true, nil
	case StateStopped, StateClosed:
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch b.cfg.Backend {
	case BackendMQ:
		return b.runMQLocked(ctx)
	default:
		return b.runTopicLocked()
	}
}

func (b *InboundBridge) runMQLocked(ctx context.Context) (bool, error) {
	if err := b.mqSub.Run(); err != nil {
		return b.transportLocked("bridge.Inbound.Run", err)
	}
	h, payload, err := b.mqSub.ReceiveLatest(b.mqSub.Timeout())
	if err != nil {
		return b.transportLocked("bridge.Inbound.Run", err)
	}
	if h == nil || h.MsgType != frame.MsgData {
		return false, nil
	}
	rows, cols, stringTensor := int(h.Rows), int(h.Cols), h.StringTensor()
	if err := b.createLocked(rows, cols, h.DType, stringTensor); err != nil {
		return false, err
	}
	rx, err := b.mqSub.PayloadTensor(h, payload, false)
	if err != nil {
		return false, err
	}
	// stay awaiting until the first frame has landed
	ok, err := b.writeLocked(ctx, rx, true)
	if err != nil || !ok {
		return false, err
	}
	b.boundLocked(rows, cols, h.DType, stringTensor)
	return true, nil
}

func (b *InboundBridge) runTopicLocked() (bool, error) {
	ready, err := b.topicSub.Run()
	if err != nil || !ready {
		return false, err
	}
	rows, cols, dtype, _ := b.topicSub.Shape()
	if err := b.createLocked(rows, cols, dtype, false); err != nil {
		return false, err
	}
	if b.rx, err = tensor.New(rows, cols, dtype); err != nil {
		return false, err
	}
	b.boundLocked(rows, cols, dtype, false)
	return true, nil
}

// createLocked opens the destination tensor. A destination left from an
// earlier attempt is reused when the shape still matches.
func (b *InboundBridge) createLocked(rows, cols int, dtype tensor.DType, stringTensor bool) error {
	const op = "bridge.Inbound.bind"
	if b.dst != nil {
		d := b.dst
		if d.Rows() == rows && d.Cols() == cols && d.DType() == dtype && d.StringTensor() == stringTensor {
			return nil
		}
		if err := b.dst.Close(); err != nil {
			logs.Warnf("%s close stale destination stream=%s err=%v", op, b.Name(), err)
		}
		b.dst = nil
	}
	dst, err := shm.NewServer(shm.ServerConfig{
		Namespace:         b.DestinationNamespace(),
		Name:              b.cfg.Name,
		Rows:              rows,
		Cols:              cols,
		DType:             dtype,
		StringTensor:      stringTensor,
		ForceReconnection: b.cfg.ForceReconnection,
	})
	if err != nil {
		return protocol.Protocolf(op, "shape", "%s: %v", b.Name(), err)
	}
	if err := dst.Run(); err != nil {
		return fmt.Errorf("bridge: create destination %s: %w", b.Name(), err)
	}
	b.dst = dst
	return nil
}

// boundLocked leaves AwaitingShape.
func (b *InboundBridge) boundLocked(rows, cols int, dtype tensor.DType, stringTensor bool) {
	b.state = StateBound
	b.track.set(func(s *Status) {
		s.State = StateBound
		s.Rows, s.Cols, s.DType = rows, cols, dtype.String()
	})
	observability.RecordBound(b.Name(), string(b.cfg.Backend))
	logs.Infof("bridge.Inbound.bind stream=%s backend=%s destination=%s shape=%dx%d dtype=%s string=%t",
		b.Name(), b.cfg.Backend, b.dst.Path(), rows, cols, dtype, stringTensor)
}

// transportLocked parks the bridge once the mq transport has shut down and
// folds other transient errors into a false result.
func (b *InboundBridge) transportLocked(op string, err error) (bool, error) {
	if errors.Is(err, protocol.ErrShutdown) && b.state != StateStopped {
		logs.Warnf("%s transport stopped stream=%s err=%v", op, b.Name(), err)
		b.state = StateStopped
		b.track.set(func(s *Status) { s.State = StateStopped })
	}
	return recoverable(err)
}

// Update writes the newest frame into the destination. It reports false when
// nothing new arrived, the destination stayed busy or the bridge is not bound.
func (b *InboundBridge) Update(ctx context.Context, retry bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBound {
		return false, nil
	}
	began := time.Now()
	defer func() { observability.RecordUpdate(b.Name(), string(Inbound), time.Since(began)) }()

	var rx *tensor.Tensor
	switch b.cfg.Backend {
	case BackendMQ:
		h, payload, err := b.mqSub.ReceiveLatest(b.mqSub.Timeout())
		if err != nil {
			return b.transportLocked("bridge.Inbound.Update", err)
		}
		if h == nil || h.MsgType != frame.MsgData {
			return false, nil
		}
		if err := b.checkShapeLocked(int(h.Rows), int(h.Cols), h.DType); err != nil {
			return false, err
		}
		if rx, err = b.mqSub.PayloadTensor(h, payload, false); err != nil {
			return false, err
		}
	case BackendTopic:
		if err := b.topicSub.Err(); err != nil {
			return false, err
		}
		gen, fresh, err := b.topicSub.Latest(b.rx, b.lastGen)
		if err != nil || !fresh {
			return false, err
		}
		b.lastGen = gen
		rx = b.rx
	}
	observability.RecordFrame(b.Name(), string(Inbound), string(b.cfg.Backend), observability.FrameReceived)
	return b.writeLocked(ctx, rx, retry)
}

func (b *InboundBridge) checkShapeLocked(rows, cols int, dtype tensor.DType) error {
	const op = "bridge.Inbound.Update"
	switch {
	case rows != b.dst.Rows():
		return protocol.Mismatch(protocol.ErrConsistency, op, "rows", b.dst.Rows(), rows)
	case cols != b.dst.Cols():
		return protocol.Mismatch(protocol.ErrConsistency, op, "cols", b.dst.Cols(), cols)
	case dtype != b.dst.DType():
		return protocol.Mismatch(protocol.ErrConsistency, op, "dtype", b.dst.DType(), dtype)
	}
	return nil
}

func (b *InboundBridge) writeLocked(ctx context.Context, rx *tensor.Tensor, retry bool) (bool, error) {
	ok, busy, err := accessShared(ctx, b.cfg.Session.Retry, retry, func() (bool, error) {
		return b.dst.Write(rx, 0)
	})
	recordAccess(b.Name(), "write", ok, busy, Inbound, b.cfg.Backend)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		return false, fmt.Errorf("bridge: write %s: %w", b.Name(), err)
	}
	if !ok {
		return false, nil
	}
	observability.RecordFrame(b.Name(), string(Inbound), string(b.cfg.Backend), observability.FrameWritten)
	b.track.frame(time.Now())
	return true, nil
}

// Close releases the subscription and then the destination tensor. Safe to
// call more than once. Teardown failures are logged, never returned.
func (b *InboundBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return nil
	}
	b.state = StateClosed

	var err error
	if b.mqSub != nil {
		err = multierr.Append(err, b.mqSub.Close())
	}
	if b.topicSub != nil {
		err = multierr.Append(err, b.topicSub.Close())
	}
	if b.dst != nil {
		err = multierr.Append(err, b.dst.Close())
	}
	if err != nil {
		logs.Warnf("bridge.Inbound.Close stream=%s err=%v", b.Name(), err)
	}
	b.track.set(func(s *Status) { s.State = StateClosed })
	return nil
}
