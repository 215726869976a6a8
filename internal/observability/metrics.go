package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame results recorded by RecordFrame.
const (
	FrameSent     = "sent"
	FrameDropped  = "dropped"
	FrameReceived = "received"
	FrameWritten  = "written"
	FrameBusy     = "busy"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tensorbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tensorbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	bridgeFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tensorbridge",
			Subsystem: "bridge",
			Name:      "frames_total",
			Help:      "Tensor frames handled per bridge, by result.",
		},
		[]string{"bridge", "direction", "backend", "result"},
	)
	bridgeBound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tensorbridge",
			Subsystem: "bridge",
			Name:      "bound_total",
			Help:      "Bridges that learned their tensor shape and bound a destination.",
		},
		[]string{"bridge", "backend"},
	)
	bridgeUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tensorbridge",
			Subsystem: "bridge",
			Name:      "update_duration_seconds",
			Help:      "Duration of one bridge update in seconds.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .1},
		},
		[]string{"bridge", "direction"},
	)
	shmRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tensorbridge",
			Subsystem: "shm",
			Name:      "busy_retries_total",
			Help:      "Shared tensor accesses retried because the segment was locked.",
		},
		[]string{"bridge", "op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, bridgeFrames, bridgeBound, bridgeUpdateDuration, shmRetries)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(bridge, direction, backend, result string) {
	RegisterMetrics()
	bridgeFrames.WithLabelValues(bridge, direction, backend, result).Inc()
}

func RecordBound(bridge, backend string) {
	RegisterMetrics()
	bridgeBound.WithLabelValues(bridge, backend).Inc()
}

func RecordUpdate(bridge, direction string, duration time.Duration) {
	RegisterMetrics()
	bridgeUpdateDuration.WithLabelValues(bridge, direction).Observe(duration.Seconds())
}

func RecordShmRetries(bridge, op string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	shmRetries.WithLabelValues(bridge, op).Add(float64(n))
}
