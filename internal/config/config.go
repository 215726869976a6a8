package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/protocol/session"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/topic/mqttnode"
)

// Topic node transports.
const (
	TopicMQTT = "mqtt"
	TopicBus  = "bus"
)

// DaemonConfig is the resolved daemon configuration.
type DaemonConfig struct {
	Name       string
	StatusAddr string
	// StatusToken, when set, guards the group endpoints with a bearer token.
	StatusToken    string
	CorsOrigins    []string
	TopicTransport string
	MQTT           mqttnode.Config
	Defaults       StreamDefaults
	Groups         []GroupConfig
}

// StreamDefaults apply to every bridge that does not override them.
type StreamDefaults struct {
	Session  session.Config
	Interval time.Duration
	Retry    bool
}

// GroupConfig is a set of bridges driven by one runner.
type GroupConfig struct {
	Name     string
	Interval time.Duration
	Retry    bool
	Bridges  []BridgeSpec
}

// BridgeSpec is one configured bridge. Transports are attached by the daemon.
type BridgeSpec struct {
	Direction         bridge.Direction
	Backend           bridge.Backend
	Namespace         string
	Name              string
	Slice             *tensor.Slice
	IP                string
	Port              int
	Connect           bool
	Bind              bool
	RemapNamespace    string
	ForceReconnection bool
	Session           session.Config
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name:           "tensorbridge",
		StatusAddr:     ":9400",
		TopicTransport: TopicMQTT,
		MQTT:           mqttnode.DefaultConfig(),
		Defaults: StreamDefaults{
			Session:  session.DefaultConfig(),
			Interval: 10 * time.Millisecond,
			Retry:    true,
		},
	}
}

type fileConfig struct {
	Name           string       `toml:"name"`
	StatusAddr     string       `toml:"status_addr"`
	StatusToken    string       `toml:"status_token,omitempty"`
	CorsOrigins    []string     `toml:"cors_origins"`
	TopicTransport string       `toml:"topic_transport"`
	MQTT           fileMQTT     `toml:"mqtt"`
	Defaults       fileDefaults `toml:"defaults"`
	Groups         []fileGroup  `toml:"groups"`
}

type fileMQTT struct {
	Broker         string `toml:"broker"`
	ClientID       string `toml:"client_id"`
	TopicPrefix    string `toml:"topic_prefix"`
	QoS            int    `toml:"qos"`
	ConnectTimeout string `toml:"connect_timeout"`
	OpTimeout      string `toml:"op_timeout"`
}

type fileDefaults struct {
	QueueSize      int    `toml:"queue_size"`
	Linger         string `toml:"linger"`
	ReceiveTimeout string `toml:"receive_timeout"`
	Conflate       bool   `toml:"conflate"`
	DropIfBusy     bool   `toml:"drop_if_busy"`
	Interval       string `toml:"interval"`
	Retry          bool   `toml:"retry"`
}

type fileGroup struct {
	Name     string       `toml:"name"`
	Interval string       `toml:"interval,omitempty"`
	Retry    *bool        `toml:"retry,omitempty"`
	Bridges  []fileBridge `toml:"bridges"`
}

// fileBridge uses pointers for stream settings so unset keys inherit the
// defaults table.
type fileBridge struct {
	Direction         string  `toml:"direction"`
	Backend           string  `toml:"backend"`
	Namespace         string  `toml:"namespace,omitempty"`
	Name              string  `toml:"name"`
	SliceStart        *int    `toml:"slice_start,omitempty"`
	SliceRows         *int    `toml:"slice_rows,omitempty"`
	IP                string  `toml:"ip,omitempty"`
	Port              int     `toml:"port,omitempty"`
	Connect           bool    `toml:"connect,omitempty"`
	Bind              bool    `toml:"bind,omitempty"`
	RemapNamespace    string  `toml:"remap_namespace,omitempty"`
	ForceReconnection bool    `toml:"force_reconnection,omitempty"`
	QueueSize         *int    `toml:"queue_size,omitempty"`
	Linger            *string `toml:"linger,omitempty"`
	ReceiveTimeout    *string `toml:"receive_timeout,omitempty"`
	Conflate          *bool   `toml:"conflate,omitempty"`
	DropIfBusy        *bool   `toml:"drop_if_busy,omitempty"`
}

// LoadDaemonConfig reads path, overlays it on DefaultDaemonConfig and
// validates the result.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return DaemonConfig{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("topic_transport") {
		cfg.TopicTransport = strings.ToLower(strings.TrimSpace(raw.TopicTransport))
	}
	if err := overlayMQTT(meta, raw.MQTT, &cfg.MQTT); err != nil {
		return DaemonConfig{}, err
	}
	if err := overlayDefaults(meta, raw.Defaults, &cfg.Defaults); err != nil {
		return DaemonConfig{}, err
	}

	for i, g := range raw.Groups {
		group, err := resolveGroup(g, cfg.Defaults)
		if err != nil {
			return DaemonConfig{}, fmt.Errorf("groups[%d]: %w", i, err)
		}
		cfg.Groups = append(cfg.Groups, group)
	}

	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func overlayMQTT(meta toml.MetaData, raw fileMQTT, out *mqttnode.Config) error {
	if meta.IsDefined("mqtt", "broker") {
		out.Broker = strings.TrimSpace(raw.Broker)
	}
	if meta.IsDefined("mqtt", "client_id") {
		out.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("mqtt", "topic_prefix") {
		out.TopicPrefix = strings.Trim(strings.TrimSpace(raw.TopicPrefix), "/")
	}
	if meta.IsDefined("mqtt", "qos") {
		if raw.QoS < 0 || raw.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", raw.QoS)
		}
		out.QoS = byte(raw.QoS)
	}
	if meta.IsDefined("mqtt", "connect_timeout") {
		d, err := parseDuration("mqtt.connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return err
		}
		out.ConnectTimeout = d
	}
	if meta.IsDefined("mqtt", "op_timeout") {
		d, err := parseDuration("mqtt.op_timeout", raw.OpTimeout)
		if err != nil {
			return err
		}
		out.OpTimeout = d
	}
	return nil
}

func overlayDefaults(meta toml.MetaData, raw fileDefaults, out *StreamDefaults) error {
	if meta.IsDefined("defaults", "queue_size") {
		out.Session.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("defaults", "linger") {
		d, err := parseDuration("defaults.linger", raw.Linger)
		if err != nil {
			return err
		}
		out.Session.Linger = d
	}
	if meta.IsDefined("defaults", "receive_timeout") {
		d, err := parseDuration("defaults.receive_timeout", raw.ReceiveTimeout)
		if err != nil {
			return err
		}
		out.Session.ReceiveTimeout = d
	}
	if meta.IsDefined("defaults", "conflate") {
		out.Session.Conflate = raw.Conflate
	}
	if meta.IsDefined("defaults", "drop_if_busy") {
		out.Session.DropIfBusy = raw.DropIfBusy
	}
	if meta.IsDefined("defaults", "interval") {
		d, err := parseDuration("defaults.interval", raw.Interval)
		if err != nil {
			return err
		}
		out.Interval = d
	}
	if meta.IsDefined("defaults", "retry") {
		out.Retry = raw.Retry
	}
	return nil
}

func resolveGroup(raw fileGroup, defaults StreamDefaults) (GroupConfig, error) {
	g := GroupConfig{
		Name:     strings.TrimSpace(raw.Name),
		Interval: defaults.Interval,
		Retry:    defaults.Retry,
	}
	if raw.Interval != "" {
		d, err := parseDuration("interval", raw.Interval)
		if err != nil {
			return GroupConfig{}, err
		}
		g.Interval = d
	}
	if raw.Retry != nil {
		g.Retry = *raw.Retry
	}
	for i, b := range raw.Bridges {
		spec, err := resolveBridge(b, defaults.Session)
		if err != nil {
			return GroupConfig{}, fmt.Errorf("bridges[%d]: %w", i, err)
		}
		g.Bridges = append(g.Bridges, spec)
	}
	return g, nil
}

func resolveBridge(raw fileBridge, defaults session.Config) (BridgeSpec, error) {
	spec := BridgeSpec{
		Direction:         bridge.Direction(strings.ToLower(strings.TrimSpace(raw.Direction))),
		Namespace:         strings.Trim(strings.TrimSpace(raw.Namespace), "/"),
		Name:              strings.TrimSpace(raw.Name),
		IP:                strings.TrimSpace(raw.IP),
		Port:              raw.Port,
		Connect:           raw.Connect,
		Bind:              raw.Bind,
		RemapNamespace:    strings.TrimSpace(raw.RemapNamespace),
		ForceReconnection: raw.ForceReconnection,
		Session:           defaults,
	}
	backend, err := bridge.ParseBackend(raw.Backend)
	if err != nil {
		return BridgeSpec{}, err
	}
	spec.Backend = backend

	if raw.SliceStart != nil || raw.SliceRows != nil {
		if raw.SliceStart == nil || raw.SliceRows == nil {
			return BridgeSpec{}, fmt.Errorf("slice_start and slice_rows must be set together")
		}
		spec.Slice = tensor.RowWindow(*raw.SliceStart, *raw.SliceRows)
	}
	if raw.QueueSize != nil {
		spec.Session.QueueSize = *raw.QueueSize
	}
	if raw.Linger != nil {
		if spec.Session.Linger, err = parseDuration("linger", *raw.Linger); err != nil {
			return BridgeSpec{}, err
		}
	}
	if raw.ReceiveTimeout != nil {
		if spec.Session.ReceiveTimeout, err = parseDuration("receive_timeout", *raw.ReceiveTimeout); err != nil {
			return BridgeSpec{}, err
		}
	}
	if raw.Conflate != nil {
		spec.Session.Conflate = *raw.Conflate
	}
	if raw.DropIfBusy != nil {
		spec.Session.DropIfBusy = *raw.DropIfBusy
	}
	return spec, nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	switch cfg.TopicTransport {
	case TopicMQTT, TopicBus:
	default:
		return fmt.Errorf("topic_transport must be %q or %q, got %q", TopicMQTT, TopicBus, cfg.TopicTransport)
	}
	if cfg.TopicTransport == TopicMQTT && cfg.UsesBackend(bridge.BackendTopic) && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required for topic bridges")
	}
	if cfg.Defaults.Session.QueueSize < 1 {
		return fmt.Errorf("defaults.queue_size must be >= 1")
	}
	if cfg.Defaults.Interval <= 0 {
		return fmt.Errorf("defaults.interval must be positive")
	}

	groups := make(map[string]bool, len(cfg.Groups))
	streams := make(map[string]bool)
	for i, g := range cfg.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d] missing name", i)
		}
		if groups[g.Name] {
			return fmt.Errorf("groups[%d] duplicate name %q", i, g.Name)
		}
		groups[g.Name] = true
		if g.Interval <= 0 {
			return fmt.Errorf("group %s: interval must be positive", g.Name)
		}
		for j, b := range g.Bridges {
			if err := ValidateBridgeSpec(b); err != nil {
				return fmt.Errorf("group %s bridges[%d] invalid: %w", g.Name, j, err)
			}
			key := string(b.Direction) + ":" + string(b.Backend) + ":" + b.Namespace + "/" + b.Name
			if streams[key] {
				return fmt.Errorf("group %s bridges[%d] duplicates %s", g.Name, j, key)
			}
			streams[key] = true
		}
	}
	return nil
}

func ValidateBridgeSpec(b BridgeSpec) error {
	switch b.Direction {
	case bridge.Outbound, bridge.Inbound:
	default:
		return fmt.Errorf("direction must be outbound or inbound, got %q", b.Direction)
	}
	if _, err := bridge.ParseBackend(string(b.Backend)); err != nil {
		return err
	}
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := b.Slice.Check(); err != nil {
		return fmt.Errorf("slice: %w", err)
	}
	if b.Slice != nil && b.Direction == bridge.Inbound {
		return fmt.Errorf("slices apply to outbound bridges only")
	}
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("port %d out of range", b.Port)
	}
	if b.Session.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1")
	}
	return nil
}

// UsesBackend reports whether any group has a bridge on backend.
func (c DaemonConfig) UsesBackend(backend bridge.Backend) bool {
	for _, g := range c.Groups {
		if g.UsesBackend(backend) {
			return true
		}
	}
	return false
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
