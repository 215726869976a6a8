package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/tensorbridge/internal/bridge"
	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/protocol/endpoint"
	"github.com/danmuck/tensorbridge/internal/protocol/frame"
	"github.com/danmuck/tensorbridge/internal/protocol/session"
	"github.com/danmuck/tensorbridge/internal/shm"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/testutil/mqtest"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
	"github.com/danmuck/tensorbridge/internal/topic"
)

func uniqueStream(t *testing.T) (string, string) {
	t.Helper()
	return "tb" + uuid.NewString()[:8], "pose"
}

func startSource(t *testing.T, cfg shm.ServerConfig) *shm.Server {
	t.Helper()
	srv, err := shm.NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Run())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func writeFloat32(t *testing.T, h shm.Handle, rows, cols int, values []float32) *tensor.Tensor {
	t.Helper()
	src, err := tensor.FromFloat32(rows, cols, values)
	require.NoError(t, err)
	ok, err := h.Write(src, 0)
	require.NoError(t, err)
	require.True(t, ok)
	return src
}

func readFloat32(t *testing.T, h shm.Handle) []float32 {
	t.Helper()
	dst, err := tensor.New(h.Rows(), h.Cols(), h.DType())
	require.NoError(t, err)
	ok, err := h.Read(dst, 0)
	require.NoError(t, err)
	require.True(t, ok)
	return dst.Float32s()
}

func mqSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReceiveTimeout = 50 * time.Millisecond
	return cfg
}

func closeOnCleanup(t *testing.T, b bridge.Bridge) {
	t.Cleanup(func() { b.Close() })
}

func TestMirrorFloat32OverMQ(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	source := startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 2, Cols: 3, DType: tensor.Float32})
	hub := mqtest.NewHub()

	in, err := bridge.NewInbound(bridge.Config{
		Backend:        bridge.BackendMQ,
		Namespace:      ns,
		Name:           name,
		RemapNamespace: ns + "_mirror",
		Transport:      hub,
		Session:        mqSession(),
	})
	require.NoError(t, err)
	closeOnCleanup(t, in)

	ok, err := in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no frame yet")
	require.Nil(t, in.Destination())
	require.Equal(t, bridge.StateAwaitingShape, in.Status().State)

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub, Session: mqSession()})
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err = out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Status().Target, out.Status().Target)

	want := []float32{1.5, -2.0, 3.25, 4.75, 5.0, -6.125}
	writeFloat32(t, source, 2, 3, want)
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	dst := in.Destination()
	require.NotNil(t, dst)
	require.Equal(t, ns+"_mirror", dst.Namespace())
	require.Equal(t, want, readFloat32(t, dst))
	require.Equal(t, bridge.StateBound, in.Status().State)

	next := []float32{0, 1, 2, 3, 4, 5}
	writeFloat32(t, source, 2, 3, next)
	ok, err = out.Update(ctx, false)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, next, readFloat32(t, dst))
	require.Equal(t, uint64(2), in.Status().Frames)

	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok, "nothing new")
}

func TestMirrorFloat32OverTopic(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	source := startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 2, Cols: 3, DType: tensor.Float32})
	bus := topic.NewBus()
	pubNode, subNode := bus.NewNode("out"), bus.NewNode("in")
	defer pubNode.Close()
	defer subNode.Close()

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendTopic, Namespace: ns, Name: name, Node: pubNode})
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := bridge.NewInbound(bridge.Config{Backend: bridge.BackendTopic, Namespace: ns, Name: name, RemapNamespace: ns + "_mirror", Node: subNode})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok, "metadata not delivered yet")

	require.NoError(t, subNode.SpinOnce(0))
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	want := []float32{1.5, -2.0, 3.25, 4.75, 5.0, -6.125}
	writeFloat32(t, source, 2, 3, want)
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, subNode.SpinOnce(0))
	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, readFloat32(t, in.Destination()))

	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOutboundSliceValidation(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	source := startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 4, Cols: 2, DType: tensor.Float32})
	hub := mqtest.NewHub()
	cfg := bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub}

	for _, bad := range []*tensor.Slice{tensor.RowWindow(-1, 1), tensor.RowWindow(0, 0)} {
		cfg.Slice = bad
		_, err := bridge.NewOutbound(cfg)
		require.ErrorIs(t, err, protocol.ErrConfig, "slice %s", bad)
	}

	for _, bad := range []*tensor.Slice{tensor.RowWindow(4, 1), tensor.RowWindow(3, 2)} {
		cfg.Slice = bad
		out, err := bridge.NewOutbound(cfg)
		require.NoError(t, err)
		ok, err := out.Run(ctx)
		require.ErrorIs(t, err, protocol.ErrConfig, "slice %s", bad)
		require.False(t, ok)
		require.NoError(t, out.Close())
	}

	cfg.Slice = tensor.RowWindow(3, 1)
	out, err := bridge.NewOutbound(cfg)
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	sub, err := mq.NewSubscriber(hub, mq.SubscriberConfig{Endpoint: out.Status().Target})
	require.NoError(t, err)
	require.NoError(t, sub.Run())
	defer sub.Close()

	writeFloat32(t, source, 4, 2, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)

	h, payload, err := sub.ReceiveLatest(50 * time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, uint32(1), h.Rows)
	got, err := sub.PayloadTensor(h, payload, true)
	require.NoError(t, err)
	require.Equal(t, []float32{6, 7}, got.Float32s())
}

func TestOutboundWaitsForSource(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: mqtest.NewHub()})
	require.NoError(t, err)
	closeOnCleanup(t, out)

	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)

	startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 1, Cols: 1, DType: tensor.Int32})
	ok, err = out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBackendSelection(t *testing.T) {
	testlog.Start(t)
	b, err := bridge.ParseBackend(" MQ ")
	require.NoError(t, err)
	require.Equal(t, bridge.BackendMQ, b)

	_, err = bridge.NewOutbound(bridge.Config{Backend: "dds", Name: "x", Transport: mqtest.NewHub()})
	require.ErrorIs(t, err, protocol.ErrConfig)
	_, err = bridge.NewInbound(bridge.Config{Backend: bridge.BackendMQ, Name: "x"})
	require.ErrorIs(t, err, protocol.ErrConfig)
	_, err = bridge.NewInbound(bridge.Config{Backend: bridge.BackendTopic, Name: "x"})
	require.ErrorIs(t, err, protocol.ErrConfig)
	_, err = bridge.NewOutbound(bridge.Config{Backend: bridge.BackendTopic, Node: topic.NewBus().NewNode("n")})
	require.ErrorIs(t, err, protocol.ErrConfig)
	_, err = bridge.NewOutbound(bridge.Config{
		Backend:   bridge.BackendMQ,
		Name:      "x",
		Transport: mqtest.NewHub(),
		Endpoint:  endpoint.Override{Port: 70000},
	})
	require.ErrorIs(t, err, protocol.ErrConfig)
}

func TestInboundShapeChangeIsConsistencyError(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	hub := mqtest.NewHub()

	in, err := bridge.NewInbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub, Session: mqSession()})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	_, err = in.Run(ctx)
	require.NoError(t, err)

	ep, err := endpoint.DefaultResolver().Resolve(ns, name, endpoint.Override{})
	require.NoError(t, err)
	pub, err := mq.NewPublisher(hub, mq.PublisherConfig{Endpoint: ep, QueueSize: 4})
	require.NoError(t, err)
	require.NoError(t, pub.Run())
	defer pub.Close()

	first, err := tensor.New(2, 3, tensor.Float32)
	require.NoError(t, err)
	ok, err := pub.PublishTensor(first, frame.FlagNone)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	wider, err := tensor.New(2, 4, tensor.Float32)
	require.NoError(t, err)
	ok, err = pub.PublishTensor(wider, frame.FlagNone)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = in.Update(ctx, true)
	require.ErrorIs(t, err, protocol.ErrConsistency)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "cols", perr.Field)
	require.Equal(t, 3, perr.Expected)
	require.Equal(t, 4, perr.Actual)
}

func TestInboundIgnoresNonDataFrames(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	hub := mqtest.NewHub()

	in, err := bridge.NewInbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub, Session: mqSession()})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	_, err = in.Run(ctx)
	require.NoError(t, err)

	sock, err := hub.NewPublisherSocket(mq.SocketOptions{HWM: 4})
	require.NoError(t, err)
	require.NoError(t, sock.Bind(in.Status().Target))
	defer sock.Close()

	t1, err := tensor.New(1, 1, tensor.Int32)
	require.NoError(t, err)
	h := frame.HeaderFor(t1, frame.FlagNone, 0)
	h.MsgType = 7
	require.NoError(t, sock.Send([][]byte{frame.EncodeHeader(h), t1.Bytes()}, false))

	ok, err := in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, in.Destination())
}

func TestStringTensorMirrorOverMQ(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	source := startSource(t, shm.StringServerConfig(ns, name, 3, 4))
	hub := mqtest.NewHub()

	in, err := bridge.NewInbound(bridge.Config{
		Backend:        bridge.BackendMQ,
		Namespace:      ns,
		Name:           name,
		RemapNamespace: ns + "_mirror",
		Transport:      hub,
		Session:        mqSession(),
	})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	_, err = in.Run(ctx)
	require.NoError(t, err)

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub})
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	want := []string{"left", "héllo", "arm_3"}
	ok, err = shm.WriteStrings(source, 0, want)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	dst := in.Destination()
	require.True(t, dst.StringTensor())

	raw, err := tensor.NewStringTensor(dst.Rows(), dst.Cols())
	require.NoError(t, err)
	got, ok, err := shm.ReadStrings(dst, raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 1, Cols: 2, DType: tensor.Float64})
	hub := mqtest.NewHub()

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub})
	require.NoError(t, err)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	in, err := bridge.NewInbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, RemapNamespace: ns + "_m", Transport: hub})
	require.NoError(t, err)
	_, err = in.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())
	require.NoError(t, in.Close())
	require.NoError(t, in.Close())
	require.Equal(t, bridge.StateClosed, out.Status().State)

	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransportShutdownReportsFalse(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	startSource(t, shm.ServerConfig{Namespace: ns, Name: name, Rows: 1, Cols: 1, DType: tensor.Bool})
	hub := mqtest.NewHub()

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub})
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	in, err := bridge.NewInbound(bridge.Config{
		Backend:        bridge.BackendMQ,
		Namespace:      ns,
		Name:           name,
		RemapNamespace: ns + "_mirror",
		Transport:      hub,
		Session:        mqSession(),
	})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	_, err = in.Run(ctx)
	require.NoError(t, err)
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	hub.Terminate()
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, bridge.StateStopped, out.Status().State)
	ok, err = out.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, bridge.StateStopped, in.Status().State)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, out.Close())
	require.NoError(t, in.Close())
	require.Equal(t, bridge.StateClosed, in.Status().State)
}

func TestOutboundFollowsRestartedSource(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns, name := uniqueStream(t)
	cfg := shm.ServerConfig{Namespace: ns, Name: name, Rows: 1, Cols: 1, DType: tensor.Float32}
	first := startSource(t, cfg)
	hub := mqtest.NewHub()

	in, err := bridge.NewInbound(bridge.Config{
		Backend:        bridge.BackendMQ,
		Namespace:      ns,
		Name:           name,
		RemapNamespace: ns + "_mirror",
		Transport:      hub,
		Session:        mqSession(),
	})
	require.NoError(t, err)
	closeOnCleanup(t, in)
	_, err = in.Run(ctx)
	require.NoError(t, err)

	out, err := bridge.NewOutbound(bridge.Config{Backend: bridge.BackendMQ, Namespace: ns, Name: name, Transport: hub, Session: mqSession()})
	require.NoError(t, err)
	closeOnCleanup(t, out)
	ok, err := out.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	writeFloat32(t, first, 1, 1, []float32{1})
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1}, readFloat32(t, in.Destination()))

	require.NoError(t, first.Close())
	ok, err = out.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, bridge.StateIdle, out.Status().State)

	second := startSource(t, cfg)
	writeFloat32(t, second, 1, 1, []float32{42})
	require.Eventually(t, func() bool {
		if ok, err := out.Run(ctx); err != nil || !ok {
			return false
		}
		if _, err := out.Update(ctx, true); err != nil {
			return false
		}
		if _, err := in.Update(ctx, true); err != nil {
			return false
		}
		got, err := tensor.New(1, 1, tensor.Float32)
		if err != nil {
			return false
		}
		if ok, err := in.Destination().Read(got, 0); err != nil || !ok {
			return false
		}
		return got.Float32s()[0] == 42
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, bridge.StateRunning, out.Status().State)
}
