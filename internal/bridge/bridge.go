// Package bridge mirrors a shared tensor across a transport in either
// direction.
//
// An outbound bridge reads a row window of a shared tensor and publishes it.
// An inbound bridge learns the shape from the stream, creates the destination
// tensor and writes every newer frame into it. Each bridge is bound to one
// backend at construction and never switches.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/observability"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/protocol/session"
	"github.com/danmuck/tensorbridge/internal/shm"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/topic"
)

type Backend string

const (
	BackendMQ    Backend = "mq"
	BackendTopic Backend = "topic"
)

func ParseBackend(raw string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(raw))); b {
	case BackendMQ, BackendTopic:
		return b, nil
	default:
		return "", protocol.Configf("bridge.ParseBackend", "backend", "unsupported backend %q (want mq or topic)", raw)
	}
}

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// State is a bridge lifecycle stage.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateAwaitingShape State = "awaiting_shape"
	StateBound         State = "bound"
	// StateStopped follows a transport shutdown. Run reports false until
	// the bridge is closed.
	StateStopped State = "stopped"
	StateClosed  State = "closed"
)

// Config describes one bridge.
type Config struct {
	Backend   Backend
	Namespace string
	Name      string
	Session   session.Config

	// Resolver and Endpoint place the mq stream. Zero values use the
	// default resolver with no override.
	Resolver endpoint.Resolver
	Endpoint endpoint.Override
	// Transport serves the mq backend.
	Transport mq.Transport
	// Node serves the topic backend.
	Node topic.Node

	// Slice limits an outbound bridge to a row window. Nil sends every row.
	Slice *tensor.Slice
	// Source overrides the shared tensor an outbound bridge reads. Nil
	// attaches to the segment named by Namespace and Name.
	Source shm.Handle
	// Connect makes an outbound mq publisher dial instead of bind.
	Connect bool

	// RemapNamespace places an inbound destination under another namespace.
	RemapNamespace string
	// ForceReconnection lets an inbound bridge replace a stale destination.
	ForceReconnection bool
	// Bind makes an inbound mq subscriber listen instead of dial.
	Bind bool
}

func (c Config) stream() string { return endpoint.StreamName(c.Namespace, c.Name) }

func (c Config) validate(op string) (Config, error) {
	if c.Name == "" {
		return c, protocol.Configf(op, "name", "tensor name is required")
	}
	backend, err := ParseBackend(string(c.Backend))
	if err != nil {
		return c, err
	}
	c.Backend = backend
	switch backend {
	case BackendMQ:
		if c.Transport == nil {
			return c, protocol.Configf(op, "transport", "mq backend requires a message-queue transport")
		}
	case BackendTopic:
		if c.Node == nil {
			return c, protocol.Configf(op, "node", "topic backend requires a node")
		}
	}
	c.Session = c.Session.WithDefaults()
	c.Resolver = c.Resolver.WithDefaults()
	return c, nil
}

func (c Config) resolveEndpoint(op string) (string, error) {
	ep, err := c.Resolver.Resolve(c.Namespace, c.Name, c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return ep, nil
}

// Bridge is the lifecycle shared by both directions.
type Bridge interface {
	Name() string
	Direction() Direction
	Backend() Backend
	// Run brings the bridge up. It reports false while a prerequisite is
	// still missing; call it again until it reports true.
	Run(ctx context.Context) (bool, error)
	// Update moves at most one frame. With retry set, a busy shared tensor
	// is retried until it is free or ctx is done.
	Update(ctx context.Context, retry bool) (bool, error)
	Status() Status
	Close() error
}

// Status is a point-in-time view of a bridge.
type Status struct {
	Name       string    `json:"name"`
	Direction  Direction `json:"direction"`
	Backend    Backend   `json:"backend"`
	State      State     `json:"state"`
	Target     string    `json:"target"`
	Rows       int       `json:"rows,omitempty"`
	Cols       int       `json:"cols,omitempty"`
	DType      string    `json:"dtype,omitempty"`
	Frames     uint64    `json:"frames"`
	LastUpdate time.Time `json:"last_update,omitzero"`
}

// tracker holds the status fields both directions update.
type tracker struct {
	mu     sync.Mutex
	status Status
}

func (t *tracker) set(fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *tracker) frame(now time.Time) {
	t.set(func(s *Status) {
		s.Frames++
		s.LastUpdate = now
	})
}

// accessShared runs one shared tensor read or write. With retry set it backs
// off per policy until the segment is free, an error occurs or ctx is done.
// busy counts attempts refused by the segment lock.
func accessShared(ctx context.Context, policy session.BackoffConfig, retry bool, fn func() (bool, error)) (ok bool, busy int, err error) {
	attempt := func() bool {
		ok, err = fn()
		if err != nil || ok {
			return true
		}
		busy++
		return false
	}
	if !retry {
		attempt()
		return ok, busy, err
	}
	if ctxErr := session.Retry(ctx, policy, attempt); ctxErr != nil {
		return false, busy, ctxErr
	}
	return ok, busy, err
}

// recoverable folds transient conditions into a false result.
func recoverable(err error) (bool, error) {
	if protocol.IsRecoverable(err) {
		return false, nil
	}
	return false, err
}

func recordAccess(name, op string, ok bool, busy int, direction Direction, backend Backend) {
	observability.RecordShmRetries(name, op, busy)
	if !ok && busy > 0 {
		observability.RecordFrame(name, string(direction), string(backend), observability.FrameBusy)
	}
}
