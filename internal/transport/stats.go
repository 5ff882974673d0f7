// =============================================================================
// 文件: internal/transport/stats.go
// 描述: 发送统计 - 只增不减，只由调度器写入
// =============================================================================
package transport

import "sync/atomic"

// Stats 传输实例的发送统计
type Stats struct {
	txMsgs    uint64
	txDropped uint64
	txBytes   uint64

	byOutcome [numOutcomes]uint64
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	TxMsgs    uint64
	TxDropped uint64
	TxBytes   uint64
	ByOutcome map[string]uint64
}

// NewStats 创建统计
func NewStats() *Stats {
	return &Stats{}
}

// Record 记录一次调度结果，TxMsgs 与 TxDropped 恰好增加其一
func (s *Stats) Record(outcome DispatchOutcome, size int) {
	if outcome >= numOutcomes {
		outcome = OutcomeDroppedPushRejected
	}
	atomic.AddUint64(&s.byOutcome[outcome], 1)

	if outcome.Sent() {
		atomic.AddUint64(&s.txMsgs, 1)
		if size > 0 {
			atomic.AddUint64(&s.txBytes, uint64(size))
		}
		return
	}
	atomic.AddUint64(&s.txDropped, 1)
}

// GetTxMsgs 已接纳消息数
func (s *Stats) GetTxMsgs() uint64 {
	return atomic.LoadUint64(&s.txMsgs)
}

// GetTxDropped 丢弃消息数
func (s *Stats) GetTxDropped() uint64 {
	return atomic.LoadUint64(&s.txDropped)
}

// GetTxBytes 已接纳消息字节数
func (s *Stats) GetTxBytes() uint64 {
	return atomic.LoadUint64(&s.txBytes)
}

// GetOutcome 某一结果的次数
func (s *Stats) GetOutcome(outcome DispatchOutcome) uint64 {
	if outcome >= numOutcomes {
		return 0
	}
	return atomic.LoadUint64(&s.byOutcome[outcome])
}

// Snapshot 获取快照
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TxMsgs:    s.GetTxMsgs(),
		TxDropped: s.GetTxDropped(),
		TxBytes:   s.GetTxBytes(),
		ByOutcome: s.GetOutcomeCounts(),
	}
}

// GetOutcomeCounts 按结果名称的次数
func (s *Stats) GetOutcomeCounts() map[string]uint64 {
	out := make(map[string]uint64, numOutcomes)
	for _, o := range AllOutcomes {
		out[o.String()] = s.GetOutcome(o)
	}
	return out
}
