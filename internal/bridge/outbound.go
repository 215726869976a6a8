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

// OutboundBridge publishes a shared tensor.
type OutboundBridge struct {
	cfg    Config
	source shm.Handle
	track  tracker

	mu       sync.Mutex
	mqPub    *mq.Publisher
	topicPub *topic.Publisher
	tx       *tensor.Tensor
	start    int
	flags    uint8
	running  bool
	stopped  bool
	closed   bool
}

// NewOutbound validates cfg and prepares the publisher. Nothing is opened
// until Run.
func NewOutbound(cfg Config) (*OutboundBridge, error) {
	const op = "bridge.NewOutbound"
	cfg, err := cfg.validate(op)
	if err != nil {
		return nil, err
	}
	if err := cfg.Slice.Check(); err != nil {
		return nil, protocol.Configf(op, "slice", "%v", err)
	}

	b := &OutboundBridge{cfg: cfg, source: cfg.Source}
	if b.source == nil {
		b.source = shm.NewClient(cfg.Namespace, cfg.Name)
	}

	target := endpoint.ChannelsFor(cfg.Namespace, cfg.Name).Data
	if cfg.Backend == BackendMQ {
		ep, err := cfg.resolveEndpoint(op)
		if err != nil {
			return nil, err
		}
		b.mqPub, err = mq.NewPublisher(cfg.Transport, mq.PublisherConfig{
			Endpoint:   ep,
			Connect:    cfg.Connect,
			QueueSize:  cfg.Session.QueueSize,
			Linger:     cfg.Session.Linger,
			DropIfBusy: cfg.Session.DropIfBusy,
		})
		if err != nil {
			return nil, err
		}
		target = ep
	}
	b.track.status = Status{
		Name:      cfg.stream(),
		Direction: Outbound,
		Backend:   cfg.Backend,
		State:     StateIdle,
		Target:    target,
	}
	return b, nil
}

func (b *OutboundBridge) Name() string         { return b.cfg.stream() }
func (b *OutboundBridge) Direction() Direction { return Outbound }
func (b *OutboundBridge) Backend() Backend     { return b.cfg.Backend }
func (b *OutboundBridge) Status() Status       { return b.track.snapshot() }

// Run attaches the source, binds the slice and opens the publisher. It
// reports false while the source tensor does not exist yet and after the
// transport has shut down.
func (b *OutboundBridge) Run(ctx context.Context) (bool, error) {
	const op = "bridge.Outbound.Run"
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.stopped {
		return false, nil
	}
	if b.running {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// an attached client re-attaches when the owner replaced the segment
	if b.cfg.Source == nil || !b.source.IsRunning() {
		if err := b.source.Run(); err != nil {
			if protocol.IsRecoverable(err) {
				logs.Debugf("%s source not ready stream=%s err=%v", op, b.Name(), err)
			}
			return recoverable(err)
		}
	}

	full := b.source.Rows()
	cols, dtype := b.source.Cols(), b.source.DType()
	b.flags = 0
	if b.source.StringTensor() {
		if b.cfg.Slice != nil {
			return false, protocol.Configf(op, "slice", "string tensor %s is sent whole, slices are not supported", b.Name())
		}
		b.flags = frame.FlagStringTensor
	}
	start, rows, err := b.cfg.Slice.Resolve(full)
	if err != nil {
		return false, protocol.Configf(op, "slice", "%s: %v", b.Name(), err)
	}
	b.start = start

	switch b.cfg.Backend {
	case BackendMQ:
		if b.tx, err = tensor.New(rows, cols, dtype); err != nil {
			return false, err
		}
		if err := b.mqPub.Run(); err != nil {
			if errors.Is(err, protocol.ErrShutdown) {
				b.stopLocked(op, err)
			}
			return recoverable(err)
		}
	case BackendTopic:
		if b.topicPub != nil && !sameShape(b.topicPub.Data(), rows, cols, dtype) {
			logs.Infof("%s source reshaped stream=%s shape=%dx%d dtype=%s", op, b.Name(), rows, cols, dtype)
			if err := b.topicPub.Close(); err != nil {
				logs.Warnf("%s close stale publisher stream=%s err=%v", op, b.Name(), err)
			}
			b.topicPub = nil
		}
		if b.topicPub == nil {
			b.topicPub, err = topic.NewPublisher(b.cfg.Node, topic.PublisherConfig{
				Namespace: b.cfg.Namespace,
				Name:      b.cfg.Name,
				Rows:      rows,
				Cols:      cols,
				DType:     dtype,
				QueueSize: b.cfg.Session.QueueSize,
			})
			if err != nil {
				return false, err
			}
		}
		if err := b.topicPub.Run(); err != nil {
			return recoverable(err)
		}
		b.tx = b.topicPub.Data()
	}

	b.running = true
	b.track.set(func(s *Status) {
		s.State = StateRunning
		s.Rows, s.Cols, s.DType = rows, cols, dtype.String()
	})
	logs.Infof("%s stream=%s backend=%s slice=%s shape=%dx%d dtype=%s string=%t",
		op, b.Name(), b.cfg.Backend, b.cfg.Slice, rows, cols, dtype, b.flags&frame.FlagStringTensor != 0)
	return true, nil
}

// Update reads the slice from the source and publishes it. It reports false
// when the source is busy, the queue refused the frame or the bridge is not
// running. A source closed by its owner drops the bridge back to idle so the
// next Run re-attaches.
func (b *OutboundBridge) Update(ctx context.Context, retry bool) (bool, error) {
	const op = "bridge.Outbound.Update"
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.closed {
		return false, nil
	}
	began := time.Now()
	defer func() { observability.RecordUpdate(b.Name(), string(Outbound), time.Since(began)) }()

	ok, busy, err := accessShared(ctx, b.cfg.Session.Retry, retry, func() (bool, error) {
		return b.source.Read(b.tx, b.start)
	})
	recordAccess(b.Name(), "read", ok, busy, Outbound, b.cfg.Backend)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		if errors.Is(err, protocol.ErrUnavailable) {
			logs.Infof("%s source gone stream=%s err=%v", op, b.Name(), err)
			b.running = false
			b.track.set(func(s *Status) { s.State = StateIdle })
			return false, nil
		}
		return false, fmt.Errorf("bridge: read %s: %w", b.Name(), err)
	}
	if !ok {
		return false, nil
	}

	switch b.cfg.Backend {
	case BackendMQ:
		sent, err := b.mqPub.PublishTensor(b.tx, b.flags)
		if err != nil {
			return false, err
		}
		if !sent {
			observability.RecordFrame(b.Name(), string(Outbound), string(b.cfg.Backend), observability.FrameDropped)
			if !b.mqPub.IsRunning() {
				b.stopLocked(op, protocol.ErrShutdown)
			}
			return false, nil
		}
	case BackendTopic:
		if err := b.topicPub.Publish(); err != nil {
			if errors.Is(err, protocol.ErrShutdown) {
				b.stopLocked(op, err)
			}
			return recoverable(err)
		}
	}
	observability.RecordFrame(b.Name(), string(Outbound), string(b.cfg.Backend), observability.FrameSent)
	b.track.frame(time.Now())
	return true, nil
}

func sameShape(t *tensor.Tensor, rows, cols int, dtype tensor.DType) bool {
	return t.Rows() == rows && t.Cols() == cols && t.DType() == dtype
}

// stopLocked parks the bridge after its transport shut down.
func (b *OutboundBridge) stopLocked(op string, cause error) {
	logs.Warnf("%s transport stopped stream=%s err=%v", op, b.Name(), cause)
	b.running = false
	b.stopped = true
	b.track.set(func(s *Status) { s.State = StateStopped })
}

// Close releases the publisher and then the source. Safe to call more than
// once. Teardown failures are logged, never returned.
func (b *OutboundBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.running = false

	var err error
	if b.mqPub != nil {
		err = multierr.Append(err, b.mqPub.Close())
	}
	if b.topicPub != nil {
		err = multierr.Append(err, b.topicPub.Close())
	}
	if b.cfg.Source == nil {
		err = multierr.Append(err, b.source.Close())
	}
	if err != nil {
		logs.Warnf("bridge.Outbound.Close stream=%s err=%v", b.Name(), err)
	}
	b.track.set(func(s *Status) { s.State = StateClosed })
	return nil
}
