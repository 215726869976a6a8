// Package runner drives a group of bridges from one goroutine: topic nodes
// are spun, bridges that are not up yet are run, and running bridges are
// updated once per tick.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/danmuck/tensorbridge/internal/bridge"
	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/topic"
)

type Config struct {
	Name string
	// Interval is the update period.
	Interval time.Duration
	// Retry makes updates wait out a busy shared tensor.
	Retry bool
	// SpinTimeout bounds how long each node spin waits for traffic.
	SpinTimeout time.Duration
	Clock       clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Name:     "default",
		Interval: 10 * time.Millisecond,
		Retry:    true,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.SpinTimeout < 0 {
		c.SpinTimeout = 0
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type Runner struct {
	cfg     Config
	bridges []bridge.Bridge
	nodes   []topic.Node
	// ready is read by status handlers while a step is in flight.
	ready []atomic.Bool

	// mu serializes steps and Close. lastErr holds the last logged error
	// per operation so a repeating failure is logged once.
	mu      sync.Mutex
	lastErr map[string]string
}

// New builds a runner for bridges. nodes are the topic nodes those bridges
// use; each is spun once per step before any bridge runs.
func New(cfg Config, bridges []bridge.Bridge, nodes ...topic.Node) *Runner {
	return &Runner{
		cfg:     cfg.WithDefaults(),
		bridges: bridges,
		nodes:   nodes,
		ready:   make([]atomic.Bool, len(bridges)),
		lastErr: make(map[string]string),
	}
}

func (r *Runner) Name() string { return r.cfg.Name }

// Ready reports whether every bridge has come up.
func (r *Runner) Ready() bool {
	for i := range r.ready {
		if !r.ready[i].Load() {
			return false
		}
	}
	return true
}

func (r *Runner) Statuses() []bridge.Status {
	out := make([]bridge.Status, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b.Status())
	}
	return out
}

// Step performs one pass and returns how many bridges moved a frame. Fatal
// bridge errors stop the pass and are returned; other errors are logged once
// until they change or clear. A bridge that drops out of its running state
// is run again on the next pass.
func (r *Runner) Step(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.nodes {
		what := "spin " + n.Name()
		if err := n.SpinOnce(r.cfg.SpinTimeout); err != nil {
			if err := r.handle(ctx, what, err); err != nil {
				return 0, err
			}
			continue
		}
		r.cleared(what)
	}

	moved := 0
	for i, b := range r.bridges {
		if !r.ready[i].Load() {
			what := "run " + b.Name()
			ok, err := b.Run(ctx)
			if err != nil {
				if err := r.handle(ctx, what, err); err != nil {
					return moved, err
				}
				continue
			}
			r.cleared(what)
			if !ok {
				continue
			}
			r.ready[i].Store(true)
			logs.Infof("runner.Runner.Step ready group=%s bridge=%s direction=%s backend=%s",
				r.cfg.Name, b.Name(), b.Direction(), b.Backend())
			continue
		}
		what := "update " + b.Name()
		ok, err := b.Update(ctx, r.cfg.Retry)
		if err != nil {
			if err := r.handle(ctx, what, err); err != nil {
				return moved, err
			}
			continue
		}
		r.cleared(what)
		if ok {
			moved++
			continue
		}
		if st := b.Status().State; !up(st) {
			r.ready[i].Store(false)
			logs.Infof("runner.Runner.Step down group=%s bridge=%s state=%s", r.cfg.Name, b.Name(), st)
		}
	}
	return moved, nil
}

// up reports whether a bridge in state s is moving frames. Anything else
// sends it back through Run.
func up(s bridge.State) bool {
	return s == bridge.StateRunning || s == bridge.StateBound
}

func (r *Runner) handle(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	if protocol.IsFatal(err) {
		return fmt.Errorf("runner %s: %s: %w", r.cfg.Name, what, err)
	}
	msg := err.Error()
	if r.lastErr[what] == msg {
		logs.Debugf("runner.Runner.Step group=%s %s repeated err=%v", r.cfg.Name, what, err)
		return nil
	}
	r.lastErr[what] = msg
	logs.Warnf("runner.Runner.Step group=%s %s err=%v", r.cfg.Name, what, err)
	return nil
}

func (r *Runner) cleared(what string) {
	if _, ok := r.lastErr[what]; !ok {
		return
	}
	delete(r.lastErr, what)
	logs.Infof("runner.Runner.Step group=%s %s recovered", r.cfg.Name, what)
}

// Run steps on every tick until ctx is done or a bridge fails fatally.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.Ticker(r.cfg.Interval)
	defer ticker.Stop()
	logs.Infof("runner.Runner.Run group=%s bridges=%d nodes=%d interval=%s retry=%t",
		r.cfg.Name, len(r.bridges), len(r.nodes), r.cfg.Interval, r.cfg.Retry)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Step(ctx); err != nil {
				if errors.Is(err, ctx.Err()) {
					return nil
				}
				logs.Errorf("runner.Runner.Run group=%s err=%v", r.cfg.Name, err)
				return err
			}
		}
	}
}

// Close closes every bridge and then every node.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, b := range r.bridges {
		err = multierr.Append(err, b.Close())
	}
	for _, n := range r.nodes {
		err = multierr.Append(err, n.Close())
	}
	return err
}
