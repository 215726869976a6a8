// Package daemon wires a loaded configuration into running bridge groups and
// the status server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/config"
	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/mq/zmqsock"
	"github.com/danmuck/tensorbridge/internal/runner"
	"github.com/danmuck/tensorbridge/internal/status"
	"github.com/danmuck/tensorbridge/internal/topic"
	"github.com/danmuck/tensorbridge/internal/topic/mqttnode"
)

// Transports supplies the backends bridges are built on. MQ may be nil when
// no group uses the mq backend. NewNode is called once per group that uses
// the topic backend.
type Transports struct {
	MQ      mq.Transport
	NewNode func(group string) (topic.Node, error)
	// Close runs after every runner has been closed.
	Close func() error
}

// Service runs every configured group until shutdown.
type Service struct {
	cfg        config.DaemonConfig
	transports Transports
	runners    []*runner.Runner
	status     *status.Server
}

// NewService builds transports from cfg: ZeroMQ for the mq backend and MQTT
// or the in-process bus for the topic backend.
func NewService(cfg config.DaemonConfig) (*Service, error) {
	t, err := DefaultTransports(cfg)
	if err != nil {
		return nil, err
	}
	return NewServiceWithTransports(cfg, t)
}

func NewServiceWithTransports(cfg config.DaemonConfig, t Transports) (*Service, error) {
	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, transports: t}
	if err := s.build(); err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	groups := make([]status.Group, 0, len(s.runners))
	for _, r := range s.runners {
		groups = append(groups, r)
	}
	s.status = status.New(status.Config{
		ID:          cfg.Name,
		Addr:        cfg.StatusAddr,
		CorsOrigins: cfg.CorsOrigins,
		Token:       cfg.StatusToken,
	}, groups...)
	return s, nil
}

// DefaultTransports opens the transports cfg's groups need.
func DefaultTransports(cfg config.DaemonConfig) (Transports, error) {
	var t Transports
	if cfg.UsesBackend(bridge.BackendMQ) {
		zctx, err := zmqsock.NewContext()
		if err != nil {
			return Transports{}, fmt.Errorf("daemon: mq transport: %w", err)
		}
		t.MQ = zctx
		t.Close = func() error {
			zctx.Terminate()
			return nil
		}
	}
	switch cfg.TopicTransport {
	case config.TopicBus:
		bus := topic.NewBus()
		t.NewNode = func(group string) (topic.Node, error) {
			return bus.NewNode(cfg.Name + "." + group), nil
		}
	default:
		t.NewNode = func(group string) (topic.Node, error) {
			n, err := mqttnode.Dial(cfg.Name+"."+group, cfg.MQTT)
			if err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return t, nil
}

func (s *Service) build() error {
	for _, g := range s.cfg.Groups {
		var node topic.Node
		var nodes []topic.Node
		if g.UsesBackend(bridge.BackendTopic) {
			if s.transports.NewNode == nil {
				return fmt.Errorf("daemon: group %s: no topic transport", g.Name)
			}
			n, err := s.transports.NewNode(g.Name)
			if err != nil {
				return fmt.Errorf("daemon: group %s: %w", g.Name, err)
			}
			node, nodes = n, []topic.Node{n}
		}

		bridges := make([]bridge.Bridge, 0, len(g.Bridges))
		for _, spec := range g.Bridges {
			b, err := spec.Build(s.transports.MQ, node)
			if err != nil {
				closeAll(bridges, nodes)
				return fmt.Errorf("daemon: group %s: bridge %s/%s: %w", g.Name, spec.Namespace, spec.Name, err)
			}
			bridges = append(bridges, b)
		}
		s.runners = append(s.runners, runner.New(g.RunnerConfig(), bridges, nodes...))
		logs.Infof("daemon.Service.build group=%s bridges=%d interval=%s", g.Name, len(bridges), g.Interval)
	}
	return nil
}

// Run blocks until SIGINT or SIGTERM, or until a group fails fatally.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs every group and the status server until ctx is done. Resources
// are released before it returns.
func (s *Service) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	if s.cfg.StatusAddr != "" {
		g.Go(func() error { return s.status.Serve(gctx) })
	}
	logs.Infof("daemon.Service.Serve name=%s groups=%d status_addr=%q", s.cfg.Name, len(s.runners), s.cfg.StatusAddr)

	err := g.Wait()
	if closeErr := s.Close(); closeErr != nil {
		logs.Warnf("daemon.Service.Serve close err=%v", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) Status() *status.Server { return s.status }

func (s *Service) Runners() []*runner.Runner { return s.runners }

// Close closes every group and then the transports.
func (s *Service) Close() error {
	var err error
	for _, r := range s.runners {
		err = multierr.Append(err, r.Close())
	}
	s.runners = nil
	if s.transports.Close != nil {
		err = multierr.Append(err, s.transports.Close())
		s.transports.Close = nil
	}
	return err
}

func closeAll(bridges []bridge.Bridge, nodes []topic.Node) {
	for _, b := range bridges {
		_ = b.Close()
	}
	for _, n := range nodes {
		_ = n.Close()
	}
}
