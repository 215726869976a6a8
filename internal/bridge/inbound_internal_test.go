package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/tensorbridge/internal/mq"
	"github.com/danmuck/tensorbridge/internal/protocol/frame"
	"github.com/danmuck/tensorbridge/internal/protocol/session"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/testutil/mqtest"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
)

// A destination created by an attempt whose first write never landed must
// not count as bound.
func TestInboundBindsOnlyAfterFirstWrite(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	ns := "tb" + uuid.NewString()[:8]
	hub := mqtest.NewHub()
	sess := session.DefaultConfig()
	sess.ReceiveTimeout = 50 * time.Millisecond

	in, err := NewInbound(Config{Backend: BackendMQ, Namespace: ns, Name: "pose", Transport: hub, Session: sess})
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })
	_, err = in.Run(ctx)
	require.NoError(t, err)

	in.mu.Lock()
	require.NoError(t, in.createLocked(1, 2, tensor.Float32, false))
	created := in.dst
	in.mu.Unlock()

	ok, err := in.Run(ctx)
	require.NoError(t, err)
	require.False(t, ok, "no frame has been written")
	require.Equal(t, StateAwaitingShape, in.Status().State)
	ok, err = in.Update(ctx, true)
	require.NoError(t, err)
	require.False(t, ok)

	pub, err := mq.NewPublisher(hub, mq.PublisherConfig{Endpoint: in.Status().Target, QueueSize: 4})
	require.NoError(t, err)
	require.NoError(t, pub.Run())
	defer pub.Close()
	src, err := tensor.FromFloat32(1, 2, []float32{7, 8})
	require.NoError(t, err)
	sent, err := pub.PublishTensor(src, frame.FlagNone)
	require.NoError(t, err)
	require.True(t, sent)

	ok, err = in.Run(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateBound, in.Status().State)
	require.Same(t, created, in.dst, "matching destination is reused")

	got, err := tensor.New(1, 2, tensor.Float32)
	require.NoError(t, err)
	ok, err = created.Read(got, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{7, 8}, got.Float32s())
	require.Equal(t, uint64(1), in.Status().Frames)
}
