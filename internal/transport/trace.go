// =============================================================================
// 文件: internal/transport/trace.go
// 描述: 丢弃诊断 - 按 (结果, 键表达式) 在时间窗口内去重，永不阻塞调度路径
// =============================================================================
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/mrcgq/mcast/internal/protocol"
)

const (
	DefaultTraceWindow   = 10 * time.Second
	DefaultTraceCapacity = 10000

	traceFalsePositive = 0.001
)

// TraceConfig 诊断配置
type TraceConfig struct {
	Window   time.Duration // 去重窗口，<0 关闭去重
	Capacity uint          // 每个窗口预期的不同键数量
}

// DropTracer 丢弃诊断输出器
// 两个布隆过滤器轮换：当前窗口与上一窗口，命中任一即抑制
type DropTracer struct {
	window   time.Duration
	capacity uint
	emit     func(format string, args ...interface{})

	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	rotated  time.Time

	emitted    uint64
	suppressed uint64
}

// NewDropTracer 创建诊断输出器，emit 为 nil 时只计数
func NewDropTracer(cfg *TraceConfig, emit func(format string, args ...interface{})) *DropTracer {
	window := DefaultTraceWindow
	capacity := uint(DefaultTraceCapacity)
	if cfg != nil {
		if cfg.Window != 0 {
			window = cfg.Window
		}
		if cfg.Capacity > 0 {
			capacity = cfg.Capacity
		}
	}

	d := &DropTracer{
		window:   window,
		capacity: capacity,
		emit:     emit,
		rotated:  time.Now(),
	}
	if window > 0 {
		d.current = bloom.NewWithEstimates(capacity, traceFalsePositive)
		d.previous = bloom.NewWithEstimates(capacity, traceFalsePositive)
	}
	return d
}

// Trace 记录一次丢弃，返回是否输出了诊断
// 锁被占用时直接抑制，不等待
func (d *DropTracer) Trace(outcome DispatchOutcome, msg *protocol.NetworkMessage, cause error) bool {
	if d.window > 0 {
		if !d.mu.TryLock() {
			atomic.AddUint64(&d.suppressed, 1)
			return false
		}
		seen := d.seenLocked(outcome.String() + "|" + msg.KeyExpr)
		d.mu.Unlock()
		if seen {
			atomic.AddUint64(&d.suppressed, 1)
			return false
		}
	}

	atomic.AddUint64(&d.emitted, 1)
	if d.emit == nil {
		return true
	}
	if cause != nil {
		d.emit("丢弃消息 (%s): %s: %v", outcome, msg, cause)
	} else {
		d.emit("丢弃消息 (%s): %s", outcome, msg)
	}
	return true
}

// seenLocked 检查并标记键，调用方需持有锁
func (d *DropTracer) seenLocked(key string) bool {
	now := time.Now()
	if now.Sub(d.rotated) >= d.window {
		// 超过两个窗口未轮换时上一窗口也已过期
		if now.Sub(d.rotated) >= 2*d.window {
			d.previous.ClearAll()
		} else {
			d.previous, d.current = d.current, d.previous
		}
		d.current.ClearAll()
		d.rotated = now
	}

	if d.previous.TestString(key) {
		return true
	}
	return d.current.TestAndAddString(key)
}

// GetStats 获取统计
func (d *DropTracer) GetStats() map[string]uint64 {
	return map[string]uint64{
		"emitted":    atomic.LoadUint64(&d.emitted),
		"suppressed": atomic.LoadUint64(&d.suppressed),
	}
}
