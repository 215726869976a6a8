package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/testutil/mqtest"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDaemonConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "lab"
topic_transport = "bus"
status_token = " s3cret "

[defaults]
queue_size = 2
receive_timeout = "3ms"

[[groups]]
name = "arm"

[[groups.bridges]]
direction = "outbound"
backend = "mq"
namespace = "/arm/"
name = "joints"
slice_start = 1
slice_rows = 2
port = 25001
drop_if_busy = true

[[groups.bridges]]
direction = "inbound"
backend = "topic"
namespace = "arm"
name = "goal"
remap_namespace = "arm_mirror"
queue_size = 8
conflate = false
`)
	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	require.Equal(t, "lab", cfg.Name)
	require.Equal(t, ":9400", cfg.StatusAddr)
	require.Equal(t, "s3cret", cfg.StatusToken)
	require.Equal(t, TopicBus, cfg.TopicTransport)
	require.Equal(t, 2, cfg.Defaults.Session.QueueSize)
	require.Equal(t, 3*time.Millisecond, cfg.Defaults.Session.ReceiveTimeout)
	require.True(t, cfg.Defaults.Session.Conflate, "default kept")

	require.Len(t, cfg.Groups, 1)
	g := cfg.Groups[0]
	require.Equal(t, 10*time.Millisecond, g.Interval)
	require.True(t, g.Retry)
	require.Len(t, g.Bridges, 2)

	out := g.Bridges[0]
	require.Equal(t, bridge.Outbound, out.Direction)
	require.Equal(t, bridge.BackendMQ, out.Backend)
	require.Equal(t, "arm", out.Namespace)
	require.Equal(t, tensor.RowWindow(1, 2), out.Slice)
	require.Equal(t, 2, out.Session.QueueSize)
	require.True(t, out.Session.DropIfBusy)

	in := g.Bridges[1]
	require.Equal(t, 8, in.Session.QueueSize)
	require.False(t, in.Session.Conflate)
	require.Equal(t, 3*time.Millisecond, in.Session.ReceiveTimeout)
	require.Equal(t, "arm_mirror", in.RemapNamespace)
}

func TestLoadDaemonConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":     "nme = \"x\"\n",
		"bad transport":   "topic_transport = \"dds\"\n",
		"bad duration":    "[defaults]\ninterval = \"soon\"\n",
		"bad qos":         "[mqtt]\nqos = 3\n",
		"half slice":      "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"outbound\"\nbackend = \"mq\"\nname = \"x\"\nslice_start = 1\n",
		"bad backend":     "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"outbound\"\nbackend = \"ros\"\nname = \"x\"\n",
		"bad direction":   "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"both\"\nbackend = \"mq\"\nname = \"x\"\n",
		"inbound slice":   "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"inbound\"\nbackend = \"mq\"\nname = \"x\"\nslice_start = 0\nslice_rows = 1\n",
		"negative slice":  "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"outbound\"\nbackend = \"mq\"\nname = \"x\"\nslice_start = -1\nslice_rows = 1\n",
		"duplicate group": "[[groups]]\nname = \"g\"\n[[groups]]\nname = \"g\"\n",
		"missing name":    "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"outbound\"\nbackend = \"mq\"\n",
		"zero queue":      "[defaults]\nqueue_size = 0\n",
		"bad port":        "[[groups]]\nname = \"g\"\n[[groups.bridges]]\ndirection = \"outbound\"\nbackend = \"mq\"\nname = \"x\"\nport = 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadDaemonConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{KindDaemon, KindMQ, KindTopic} {
		body, err := Template(kind)
		require.NoError(t, err, kind)
		cfg, err := LoadDaemonConfig(writeConfig(t, body))
		require.NoError(t, err, kind)
		require.NotEmpty(t, cfg.Groups, kind)
	}

	cfg, err := LoadDaemonConfig(writeConfig(t, mustTemplate(t, KindDaemon)))
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 2)
	require.Equal(t, 5*time.Millisecond, cfg.Groups[0].Interval)
	require.False(t, cfg.Groups[1].Retry)
	require.Equal(t, 4, cfg.Groups[1].Bridges[0].Session.QueueSize)
	require.True(t, cfg.Groups[1].UsesBackend(bridge.BackendTopic))
	require.False(t, cfg.Groups[1].UsesBackend(bridge.BackendMQ))

	_, err = Template("ghost")
	require.Error(t, err)
}

func TestWriteTemplateRespectsOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, WriteTemplate(path, KindMQ, false))
	require.Error(t, WriteTemplate(path, KindMQ, false))
	require.NoError(t, WriteTemplate(path, KindTopic, true))
}

func TestBuildAttachesMatchingTransport(t *testing.T) {
	testlog.Start(t)
	hub := mqtest.NewHub()
	spec := BridgeSpec{Direction: bridge.Outbound, Backend: bridge.BackendMQ, Namespace: "ns", Name: "t", Session: DefaultDaemonConfig().Defaults.Session}
	cfg := spec.BridgeConfig(hub, nil)
	require.Equal(t, mq.Transport(hub), cfg.Transport)
	require.Nil(t, cfg.Node)

	b, err := spec.Build(hub, nil)
	require.NoError(t, err)
	require.Equal(t, bridge.Outbound, b.Direction())
	require.NoError(t, b.Close())

	spec.Backend = bridge.BackendTopic
	_, err = spec.Build(hub, nil)
	require.ErrorIs(t, err, protocol.ErrConfig)
}

func mustTemplate(t *testing.T, kind string) string {
	t.Helper()
	body, err := Template(kind)
	require.NoError(t, err)
	return body
}
