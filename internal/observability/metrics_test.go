package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("tensorbridge", "GET", "/health", 200, 12*time.Millisecond)
	RecordUpdate("sim/pose", "outbound", 80*time.Microsecond)
	RecordBound("sim/pose", "topic")

	before := testutil.ToFloat64(bridgeFrames.WithLabelValues("sim/pose", "outbound", "mq", FrameSent))
	RecordFrame("sim/pose", "outbound", "mq", FrameSent)
	RecordFrame("sim/pose", "outbound", "mq", FrameSent)
	require.Equal(t, before+2, testutil.ToFloat64(bridgeFrames.WithLabelValues("sim/pose", "outbound", "mq", FrameSent)))

	RecordShmRetries("sim/pose", "read", 0)
	RecordShmRetries("sim/pose", "read", 3)
	require.Equal(t, float64(3), testutil.ToFloat64(shmRetries.WithLabelValues("sim/pose", "read")))

	logs.Logf("observability/metrics: registration idempotent and recording paths executed")
}
