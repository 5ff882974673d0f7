// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器 - 发送调度、链路、共享内存段
// =============================================================================
package metrics

import (
	"github.com/mrcgq/mcast/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcast"

// =============================================================================
// 发送调度收集器
// =============================================================================

// TransportStats 发送统计接口
type TransportStats interface {
	GetTxMsgs() uint64
	GetTxDropped() uint64
	GetTxBytes() uint64
	GetOutcomeCounts() map[string]uint64
}

// TraceStats 丢弃追踪统计接口，发送统计提供方可选实现
type TraceStats interface {
	GetTraceCounts() map[string]uint64
}

// TransportCollector 发送调度指标收集器
type TransportCollector struct {
	statsProvider TransportStats

	txMsgsDesc        *prometheus.Desc
	txDroppedDesc     *prometheus.Desc
	txDroppedByReason *prometheus.Desc
	txBytesDesc       *prometheus.Desc
	txTracesDesc      *prometheus.Desc
}

// NewTransportCollector 创建发送调度收集器
func NewTransportCollector(provider TransportStats) *TransportCollector {
	return &TransportCollector{
		statsProvider: provider,

		txMsgsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tx", "msgs_total"),
			"Messages admitted to a link pipeline",
			nil, nil,
		),
		txDroppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tx", "dropped_total"),
			"Messages dropped before or instead of admission",
			nil, nil,
		),
		txDroppedByReason: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tx", "dropped_by_reason_total"),
			"Dropped messages by reason",
			[]string{"reason"}, nil,
		),
		txBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tx", "bytes_total"),
			"Encoded size of admitted messages",
			nil, nil,
		),
		txTracesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tx", "drop_traces_total"),
			"Drop trace lines by state",
			[]string{"state"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txMsgsDesc
	ch <- c.txDroppedDesc
	ch <- c.txDroppedByReason
	ch <- c.txBytesDesc
	ch <- c.txTracesDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.txMsgsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTxMsgs()))
	ch <- prometheus.MustNewConstMetric(c.txDroppedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTxDropped()))
	ch <- prometheus.MustNewConstMetric(c.txBytesDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTxBytes()))

	for reason, n := range c.statsProvider.GetOutcomeCounts() {
		if reason == "sent" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.txDroppedByReason, prometheus.CounterValue,
			float64(n), reason)
	}

	if traces, ok := c.statsProvider.(TraceStats); ok {
		for state, n := range traces.GetTraceCounts() {
			ch <- prometheus.MustNewConstMetric(c.txTracesDesc, prometheus.CounterValue,
				float64(n), state)
		}
	}
}

// =============================================================================
// 链路收集器
// =============================================================================

// LinkStats 链路统计接口
type LinkStats interface {
	IsUp() bool
	GetLifecycleCounts() map[string]uint64
	GetQueueDepths() []int
	GetPipelineCounts() map[string]uint64
}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStats

	upDesc       *prometheus.Desc
	eventsDesc   *prometheus.Desc
	queueDesc    *prometheus.Desc
	pipelineDesc *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStats) *LinkCollector {
	return &LinkCollector{
		statsProvider: provider,

		upDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "up"),
			"Whether a link with an active pipeline is published (1 = yes)",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "link", "events_total"),
			"Link lifecycle events",
			[]string{"event"}, nil,
		),
		queueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pipeline", "queue_depth"),
			"Messages waiting in the pipeline per priority",
			[]string{"priority"}, nil,
		),
		pipelineDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pipeline", "events"),
			"Pipeline counters of the current link",
			[]string{"event"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.upDesc
	ch <- c.eventsDesc
	ch <- c.queueDesc
	ch <- c.pipelineDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	up := 0.0
	if c.statsProvider.IsUp() {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, up)

	for event, n := range c.statsProvider.GetLifecycleCounts() {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue,
			float64(n), event)
	}

	for i, depth := range c.statsProvider.GetQueueDepths() {
		ch <- prometheus.MustNewConstMetric(c.queueDesc, prometheus.GaugeValue,
			float64(depth), protocol.Priority(i).String())
	}

	// 管道随链路替换而重建，按 gauge 导出
	for event, n := range c.statsProvider.GetPipelineCounts() {
		ch <- prometheus.MustNewConstMetric(c.pipelineDesc, prometheus.GaugeValue,
			float64(n), event)
	}
}

// =============================================================================
// 共享内存段收集器
// =============================================================================

// SegmentStats 共享内存段统计接口
type SegmentStats interface {
	GetChunkUsage() (used, total int)
	GetAllocCounts() map[string]uint64
}

// SegmentCollector 共享内存段指标收集器
type SegmentCollector struct {
	statsProvider SegmentStats

	usedDesc   *prometheus.Desc
	totalDesc  *prometheus.Desc
	allocsDesc *prometheus.Desc
}

// NewSegmentCollector 创建共享内存段收集器
func NewSegmentCollector(provider SegmentStats) *SegmentCollector {
	return &SegmentCollector{
		statsProvider: provider,

		usedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "chunks_used"),
			"Shared-memory chunks currently leased",
			nil, nil,
		),
		totalDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "chunks"),
			"Shared-memory chunks in the segment",
			nil, nil,
		),
		allocsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "events_total"),
			"Shared-memory chunk events",
			[]string{"event"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SegmentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usedDesc
	ch <- c.totalDesc
	ch <- c.allocsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SegmentCollector) Collect(ch chan<- prometheus.Metric) {
	used, total := c.statsProvider.GetChunkUsage()
	ch <- prometheus.MustNewConstMetric(c.usedDesc, prometheus.GaugeValue, float64(used))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(total))

	for event, n := range c.statsProvider.GetAllocCounts() {
		ch <- prometheus.MustNewConstMetric(c.allocsDesc, prometheus.CounterValue,
			float64(n), event)
	}
}
