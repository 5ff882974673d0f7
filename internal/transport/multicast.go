// =============================================================================
// 文件: internal/transport/multicast.go
// 描述: 组播传输发送调度 - 负载映射、查找当前链路、释放读锁后推送、统计
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/mrcgq/mcast/internal/link"
	"github.com/mrcgq/mcast/internal/protocol"
	"github.com/mrcgq/mcast/internal/shm"
)

// Config 传输配置
type Config struct {
	LogLevel string
	Trace    *TraceConfig
}

// TransportMulticast 组播传输实例
type TransportMulticast struct {
	slot     *link.Slot
	mapper   shm.Mapper
	releaser shm.Releaser // 可为 nil
	stats    *Stats
	tracer   *DropTracer
	logLevel int
}

// New 创建传输实例
// mapper 为 nil 时不做共享内存映射
func New(cfg *Config, slot *link.Slot, mapper shm.Mapper) *TransportMulticast {
	if cfg == nil {
		cfg = &Config{LogLevel: "info"}
	}
	if mapper == nil {
		mapper = shm.NoopMapper{}
	}

	level := 1
	switch cfg.LogLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	t := &TransportMulticast{
		slot:     slot,
		mapper:   mapper,
		stats:    NewStats(),
		logLevel: level,
	}
	if r, ok := mapper.(shm.Releaser); ok {
		t.releaser = r
	}

	var emit func(string, ...interface{})
	if level >= 2 {
		emit = func(format string, args ...interface{}) { t.log(2, format, args...) }
	}
	t.tracer = NewDropTracer(cfg.Trace, emit)
	return t
}

// =============================================================================
// 调度
// =============================================================================

// Schedule 发送一条消息，返回是否被链路管道接纳
// 任何失败都只计为丢弃，不向调用方返回错误，也不重试
// msg 不可为 nil，调用后归管道所有；未被接纳时映射占用的共享内存立即归还
func (t *TransportMulticast) Schedule(ctx context.Context, msg *protocol.NetworkMessage) bool {
	outcome, cause := OutcomeDroppedMappingFailed, t.mapper.Map(msg)
	size := 0
	if cause == nil {
		size = msg.Size()
		outcome = t.scheduleOnLink(ctx, msg)
		if !outcome.Sent() && t.releaser != nil {
			t.releaser.Release(msg)
		}
	}

	t.stats.Record(outcome, size)
	if !outcome.Sent() {
		t.tracer.Trace(outcome, msg, cause)
	}
	return outcome.Sent()
}

// scheduleOnLink 在当前链路上推送
// 读锁只用于检查链路并取出管道句柄，推送前释放
func (t *TransportMulticast) scheduleOnLink(ctx context.Context, msg *protocol.NetworkMessage) DispatchOutcome {
	t.slot.RLock()
	l := t.slot.Current()
	if l == nil {
		t.slot.RUnlock()
		return OutcomeDroppedNoLink
	}
	pipeline := l.Pipeline
	t.slot.RUnlock()

	if pipeline == nil {
		return OutcomeDroppedNoPipeline
	}
	if !pipeline.Push(ctx, msg) {
		return OutcomeDroppedPushRejected
	}
	return OutcomeSent
}

// =============================================================================
// 访问器
// =============================================================================

// Stats 发送统计
func (t *TransportMulticast) Stats() *Stats {
	return t.stats
}

// Slot 链路状态槽
func (t *TransportMulticast) Slot() *link.Slot {
	return t.slot
}

// Tracer 丢弃诊断
func (t *TransportMulticast) Tracer() *DropTracer {
	return t.tracer
}

// String 诊断输出
func (t *TransportMulticast) String() string {
	return fmt.Sprintf("multicast[tx_msgs=%d tx_dropped=%d]",
		t.stats.GetTxMsgs(), t.stats.GetTxDropped())
}

func (t *TransportMulticast) log(level int, format string, args ...interface{}) {
	if level > t.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Multicast] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
