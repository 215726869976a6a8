package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/config"
	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/shm"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/testutil/mqtest"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
	"github.com/danmuck/tensorbridge/internal/topic"
)

func startSource(t *testing.T, ns, name string, values []float32) {
	t.Helper()
	srv, err := shm.NewServer(shm.ServerConfig{Namespace: ns, Name: name, Rows: 1, Cols: len(values), DType: tensor.Float32})
	require.NoError(t, err)
	require.NoError(t, srv.Run())
	t.Cleanup(func() { srv.Close() })
	src, err := tensor.FromFloat32(1, len(values), values)
	require.NoError(t, err)
	ok, err := srv.Write(src, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

// readMirror is polled from require.Eventually, so it must not fail the test.
func readMirror(ns, name string) []float32 {
	c := shm.NewClient(ns, name)
	if err := c.Run(); err != nil {
		return nil
	}
	defer c.Close()
	dst, err := tensor.New(c.Rows(), c.Cols(), c.DType())
	if err != nil {
		return nil
	}
	if ok, err := c.Read(dst, 0); err != nil || !ok {
		return nil
	}
	return dst.Float32s()
}

func testConfig(ns string) config.DaemonConfig {
	cfg := config.DefaultDaemonConfig()
	cfg.Name = "tb-test"
	cfg.StatusAddr = ""
	cfg.TopicTransport = config.TopicBus
	sess := cfg.Defaults.Session
	sess.ReceiveTimeout = time.Millisecond
	spec := func(dir bridge.Direction, backend bridge.Backend, name string) config.BridgeSpec {
		s := config.BridgeSpec{Direction: dir, Backend: backend, Namespace: ns, Name: name, Session: sess}
		if dir == bridge.Inbound {
			s.RemapNamespace = ns + "_mirror"
		}
		return s
	}
	cfg.Groups = []config.GroupConfig{
		{
			Name:     "arm",
			Interval: time.Millisecond,
			Retry:    true,
			Bridges: []config.BridgeSpec{
				spec(bridge.Outbound, bridge.BackendMQ, "joints"),
				spec(bridge.Inbound, bridge.BackendMQ, "joints"),
			},
		},
		{
			Name:     "cam",
			Interval: time.Millisecond,
			Bridges: []config.BridgeSpec{
				spec(bridge.Outbound, bridge.BackendTopic, "boxes"),
				spec(bridge.Inbound, bridge.BackendTopic, "boxes"),
			},
		},
	}
	return cfg
}

func testTransports(hub *mqtest.Hub) Transports {
	bus := topic.NewBus()
	return Transports{
		MQ: hub,
		NewNode: func(group string) (topic.Node, error) {
			return bus.NewNode(group), nil
		},
		Close: func() error {
			hub.Terminate()
			return nil
		},
	}
}

func TestServeMirrorsEveryGroup(t *testing.T) {
	testlog.Start(t)
	ns := "dm" + uuid.NewString()[:8]
	joints := []float32{0.1, 0.2, 0.3}
	boxes := []float32{10, 20, 30, 40}
	startSource(t, ns, "joints", joints)
	startSource(t, ns, "boxes", boxes)

	svc, err := NewServiceWithTransports(testConfig(ns), testTransports(mqtest.NewHub()))
	require.NoError(t, err)
	require.Len(t, svc.Runners(), 2)
	require.False(t, svc.Status().Ready())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().Ready() }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got := readMirror(ns+"_mirror", "joints")
		return len(got) == len(joints) && got[2] == joints[2]
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		got := readMirror(ns+"_mirror", "boxes")
		return len(got) == len(boxes) && got[3] == boxes[3]
	}, 5*time.Second, 5*time.Millisecond)

	groups := svc.Status().Groups()
	require.Len(t, groups, 2)
	for _, g := range groups {
		for _, st := range g.Bridges {
			require.NotEqual(t, bridge.StateIdle, st.State, st.Name)
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	require.NoError(t, svc.Close())
	logs.Logf("daemon/serve: mq and topic groups mirrored and shut down")
}

func TestNewServiceRejects(t *testing.T) {
	testlog.Start(t)
	ns := "dm" + uuid.NewString()[:8]

	cfg := testConfig(ns)
	cfg.Groups[0].Interval = 0
	_, err := NewServiceWithTransports(cfg, testTransports(mqtest.NewHub()))
	require.Error(t, err)

	cfg = testConfig(ns)
	_, err = NewServiceWithTransports(cfg, Transports{MQ: mqtest.NewHub()})
	require.ErrorContains(t, err, "no topic transport")

	nodeErr := errors.New("broker down")
	_, err = NewServiceWithTransports(cfg, Transports{
		MQ:      mqtest.NewHub(),
		NewNode: func(string) (topic.Node, error) { return nil, nodeErr },
	})
	require.ErrorIs(t, err, nodeErr)

	cfg = testConfig(ns)
	cfg.Groups = cfg.Groups[:1]
	_, err = NewServiceWithTransports(cfg, Transports{})
	require.ErrorIs(t, err, protocol.ErrConfig)
}

func TestServeReturnsFatalGroupError(t *testing.T) {
	testlog.Start(t)
	ns := "dm" + uuid.NewString()[:8]
	cfg := testConfig(ns)
	cfg.Groups = cfg.Groups[1:]
	cfg.Groups[0].Bridges = cfg.Groups[0].Bridges[1:]

	bus := topic.NewBus()
	svc, err := NewServiceWithTransports(cfg, Transports{
		NewNode: func(group string) (topic.Node, error) { return bus.NewNode(group), nil },
	})
	require.NoError(t, err)

	inject := bus.NewNode("inject")
	ch, err := inject.Advertise(ns+"/boxes/dtype", topic.QoS{Depth: 1, Latched: true})
	require.NoError(t, err)
	payload, err := topic.EncodeScalar(42)
	require.NoError(t, err)
	require.NoError(t, ch.Publish(payload))

	err = svc.Serve(context.Background())
	require.ErrorIs(t, err, protocol.ErrProtocol)
}
