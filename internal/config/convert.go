package config

import (
	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/runner"
	"github.com/danmuck/tensorbridge/internal/topic"
)

// BridgeConfig attaches the daemon's transports to b. Only the one
// matching b.Backend is used.
func (b BridgeSpec) BridgeConfig(transport mq.Transport, node topic.Node) bridge.Config {
	cfg := bridge.Config{
		Backend:           b.Backend,
		Namespace:         b.Namespace,
		Name:              b.Name,
		Session:           b.Session,
		Endpoint:          endpoint.Override{IP: b.IP, Port: b.Port},
		Slice:             b.Slice,
		Connect:           b.Connect,
		RemapNamespace:    b.RemapNamespace,
		ForceReconnection: b.ForceReconnection,
		Bind:              b.Bind,
	}
	switch b.Backend {
	case bridge.BackendMQ:
		cfg.Transport = transport
	case bridge.BackendTopic:
		cfg.Node = node
	}
	return cfg
}

// Build constructs the bridge b describes.
func (b BridgeSpec) Build(transport mq.Transport, node topic.Node) (bridge.Bridge, error) {
	cfg := b.BridgeConfig(transport, node)
	if b.Direction == bridge.Inbound {
		in, err := bridge.NewInbound(cfg)
		if err != nil {
			return nil, err
		}
		return in, nil
	}
	out, err := bridge.NewOutbound(cfg)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g GroupConfig) RunnerConfig() runner.Config {
	return runner.Config{Name: g.Name, Interval: g.Interval, Retry: g.Retry}
}

// UsesBackend reports whether any bridge in the group needs backend.
func (g GroupConfig) UsesBackend(backend bridge.Backend) bool {
	for _, b := range g.Bridges {
		if b.Backend == backend {
			return true
		}
	}
	return false
}
