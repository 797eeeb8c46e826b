package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cborpc",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Dispatched calls by method and result code.",
		},
		[]string{"method", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cborpc",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds, from dispatch to normalized result.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cborpc",
			Subsystem: "conn",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped without a response, by reason.",
		},
		[]string{"reason"},
	)
	openConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cborpc",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Connections currently served.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cborpc",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful redials of a reconnecting transport.",
		},
	)
)

// RegisterMetrics registers every collector with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcCalls, rpcDuration, droppedFrames, openConns, reconnects)
	})
}

func RecordCall(method, code string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, code).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	droppedFrames.WithLabelValues(reason).Inc()
}

func ConnOpened() {
	RegisterMetrics()
	openConns.Inc()
}

func ConnClosed() {
	RegisterMetrics()
	openConns.Dec()
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}
