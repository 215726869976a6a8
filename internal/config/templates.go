package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template kinds.
const (
	KindDaemon = "daemon"
	KindMQ     = "mq"
	KindTopic  = "topic"
)

func Template(kind string) (string, error) {
	var doc fileConfig
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		doc = templateDoc(mqGroup(), topicGroup())
	case KindMQ:
		doc = templateDoc(mqGroup())
	case KindTopic:
		doc = templateDoc(topicGroup())
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func templateDoc(groups ...fileGroup) fileConfig {
	d := DefaultDaemonConfig()
	return fileConfig{
		Name:           d.Name,
		StatusAddr:     d.StatusAddr,
		CorsOrigins:    []string{"http://localhost:3000"},
		TopicTransport: d.TopicTransport,
		MQTT: fileMQTT{
			Broker:         d.MQTT.Broker,
			TopicPrefix:    d.MQTT.TopicPrefix,
			QoS:            int(d.MQTT.QoS),
			ConnectTimeout: d.MQTT.ConnectTimeout.String(),
			OpTimeout:      d.MQTT.OpTimeout.String(),
		},
		Defaults: fileDefaults{
			QueueSize:      d.Defaults.Session.QueueSize,
			Linger:         d.Defaults.Session.Linger.String(),
			ReceiveTimeout: d.Defaults.Session.ReceiveTimeout.String(),
			Conflate:       d.Defaults.Session.Conflate,
			DropIfBusy:     d.Defaults.Session.DropIfBusy,
			Interval:       d.Defaults.Interval.String(),
			Retry:          d.Defaults.Retry,
		},
		Groups: groups,
	}
}

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func mqGroup() fileGroup {
	return fileGroup{
		Name:     "robot",
		Interval: "5ms",
		Bridges: []fileBridge{
			{
				Direction:  "outbound",
				Backend:    "mq",
				Namespace:  "robot",
				Name:       "joint_state",
				SliceStart: intPtr(0),
				SliceRows:  intPtr(1),
				DropIfBusy: boolPtr(true),
			},
			{
				Direction:      "inbound",
				Backend:        "mq",
				Namespace:      "robot",
				Name:           "command",
				RemapNamespace: "robot_mirror",
				ReceiveTimeout: strPtr("1ms"),
			},
		},
	}
}

func topicGroup() fileGroup {
	return fileGroup{
		Name:  "vision",
		Retry: boolPtr(false),
		Bridges: []fileBridge{
			{
				Direction: "outbound",
				Backend:   "topic",
				Namespace: "vision",
				Name:      "detections",
				QueueSize: intPtr(4),
			},
			{
				Direction:         "inbound",
				Backend:           "topic",
				Namespace:         "vision",
				Name:              "labels",
				RemapNamespace:    "vision_mirror",
				ForceReconnection: true,
			},
		},
	}
}
