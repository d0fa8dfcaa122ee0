package sidecar

import (
	"strconv"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/buffer"
	"github.com/deepaksharma/envelope-sidecar/core/traces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Metrics holds the sidecar's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	EnvelopesReceived *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	ParseFailures     prometheus.Counter
	StreamClients     prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec

	// Snapshot counters shared with the snapshot manager
	snapshotSize    *atomic.Int64
	snapshotAge     *atomic.Int64
	compactionCount *atomic.Int64
}

// NewMetrics registers collectors that observe buf and agg.
func NewMetrics(buf *buffer.Buffer, agg *traces.Aggregator, bufferEvictions, traceEvictions *atomic.Int64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sidecar_envelopes_received_total",
			Help: "Payloads accepted for buffering, by content type",
		}, []string{"content_type"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_received_bytes_total",
			Help: "Decoded payload bytes accepted for buffering",
		}),
		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sidecar_parse_failures_total",
			Help: "Payloads whose envelope header could not be parsed",
		}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sidecar_stream_clients",
			Help: "Connected event stream clients",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sidecar_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		snapshotSize:    atomic.NewInt64(0),
		snapshotAge:     atomic.NewInt64(0),
		compactionCount: atomic.NewInt64(0),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sidecar_buffer_entries",
		Help: "Live entries in the message buffer",
	}, func() float64 { return float64(buf.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sidecar_buffer_capacity",
		Help: "Message buffer capacity",
	}, func() float64 { return float64(buf.Capacity()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sidecar_buffer_evictions_total",
		Help: "Entries evicted from the message buffer",
	}, func() float64 { return float64(bufferEvictions.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sidecar_traces",
		Help: "Traces held by the aggregator",
	}, func() float64 { return float64(agg.Size()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sidecar_trace_evictions_total",
		Help: "Traces evicted from the aggregator",
	}, func() float64 { return float64(traceEvictions.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sidecar_snapshot_size_bytes",
		Help: "Size of the snapshot file",
	}, func() float64 { return float64(m.snapshotSize.Load()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sidecar_snapshot_age_seconds",
		Help: "Age of the last snapshot",
	}, func() float64 { return float64(m.snapshotAge.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "sidecar_snapshot_compactions_total",
		Help: "Snapshot file compactions",
	}, func() float64 { return float64(m.compactionCount.Load()) })

	return m
}

// Middleware records request durations by route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
