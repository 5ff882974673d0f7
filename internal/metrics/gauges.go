// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标 - 发布入口的调度耗时与消息大小
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeMetrics 发布入口埋点
type NodeMetrics struct {
	Published    *prometheus.CounterVec
	ScheduleTime prometheus.Histogram
	PayloadSize  prometheus.Histogram
	LinkReopens  prometheus.Counter
	InputErrors  prometheus.Counter
}

// NewNodeMetrics 创建并注册埋点
func NewNodeMetrics(registry *prometheus.Registry) *NodeMetrics {
	m := &NodeMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "published_total",
			Help:      "Messages handed to the transport by result",
		}, []string{"result"}),

		ScheduleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "schedule_seconds",
			Help:      "Time spent in Schedule including pipeline backpressure",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		PayloadSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "payload_bytes",
			Help:      "Payload size of published messages",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),

		LinkReopens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "link_reopens_total",
			Help:      "Link reopen attempts triggered by the node",
		}),

		InputErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "input_errors_total",
			Help:      "Input lines that could not be turned into messages",
		}),
	}

	registry.MustRegister(
		m.Published,
		m.ScheduleTime,
		m.PayloadSize,
		m.LinkReopens,
		m.InputErrors,
	)

	return m
}

// RecordPublish 记录一次发布
func (m *NodeMetrics) RecordPublish(sent bool, payloadLen int, elapsed time.Duration) {
	result := "dropped"
	if sent {
		result = "sent"
	}
	m.Published.WithLabelValues(result).Inc()
	m.ScheduleTime.Observe(elapsed.Seconds())
	m.PayloadSize.Observe(float64(payloadLen))
}

// RecordReopen 记录链路重建
func (m *NodeMetrics) RecordReopen() {
	m.LinkReopens.Inc()
}

// RecordInputError 记录输入错误
func (m *NodeMetrics) RecordInputError() {
	m.InputErrors.Inc()
}
