// =============================================================================
// 文件: internal/pipeline/pipeline.go
// 描述: 链路发送管道 - 优先级队列 + 拥塞策略 + 批量组帧 + 速率控制
// =============================================================================
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/mcast/internal/protocol"
)

// =============================================================================
// 常量与接口
// =============================================================================

const (
	DefaultQueueSize = 1024
)

// FrameWriter 帧写出接口 (链路套接字)
// WriteFrame 返回后 frame 会被复用，实现不得持有
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Config 管道配置
type Config struct {
	QueueSize int    // 每个优先级的队列容量
	BatchSize int    // 单帧最大字节数
	RateMbps  int    // 发送速率上限，0 为不限速
	LogLevel  string // error / info / debug
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		QueueSize: DefaultQueueSize,
		BatchSize: protocol.DefaultBatchSize,
		LogLevel:  "info",
	}
}

// Stats 管道统计
type Stats struct {
	Pushed         uint64
	Rejected       uint64 // 管道关闭
	Dropped        uint64 // 队列满且策略为 drop
	Blocked        uint64 // 因队列满而等待的次数
	FramesSent     uint64
	MsgsSent       uint64
	BytesSent      uint64
	WriteErrors    uint64
	PacerPackets   uint64 // 速率控制计入的帧数
	BytesThrottled uint64 // 因限速而等待的字节数
	QueueDepths    []int
	QueuedTotal    int
	Closed         bool
}

// =============================================================================
// 数据结构
// =============================================================================

// Pipeline 链路发送管道
type Pipeline struct {
	cfg      *Config
	writer   FrameWriter
	pacer    *Pacer
	producer *Producer
	logLevel int

	stages *stages
	closed bool

	// 有新消息时发信号
	notEmpty chan struct{}
	// 队列腾出空间时关闭并替换，用于唤醒所有阻塞的生产者
	spaceFreed chan struct{}
	closeCh    chan struct{}
	doneCh     chan struct{}

	seq uint32

	// 统计
	pushed      uint64
	rejected    uint64
	dropped     uint64
	blocked     uint64
	framesSent  uint64
	msgsSent    uint64
	bytesSent   uint64
	writeErrors uint64

	closeOnce sync.Once
	mu        sync.Mutex
}

// Producer 管道的生产端句柄，可被任意多个 goroutine 共享
// 句柄在所属链路被移除后依然有效，关闭后 Push 返回 false
type Producer struct {
	p *Pipeline
}

// =============================================================================
// 构造函数
// =============================================================================

// New 创建管道
func New(cfg *Config, writer FrameWriter) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= protocol.BatchHeaderSize || batchSize > protocol.MaxUDPPayloadSize {
		batchSize = protocol.DefaultBatchSize
	}

	level := 1
	switch cfg.LogLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	p := &Pipeline{
		cfg: &Config{
			QueueSize: queueSize,
			BatchSize: batchSize,
			RateMbps:  cfg.RateMbps,
			LogLevel:  cfg.LogLevel,
		},
		writer:     writer,
		pacer:      NewPacerMbps(cfg.RateMbps, batchSize),
		logLevel:   level,
		stages:     newStages(queueSize),
		notEmpty:   make(chan struct{}, 1),
		spaceFreed: make(chan struct{}),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	p.producer = &Producer{p: p}
	return p
}

// Producer 获取生产端句柄
func (p *Pipeline) Producer() *Producer {
	return p.producer
}

// =============================================================================
// 生产端
// =============================================================================

// Clone 返回共享同一管道的句柄
func (h *Producer) Clone() *Producer {
	return h
}

// Push 推送消息，返回是否被管道接纳
// 队列满时按消息的拥塞策略丢弃或等待；等待可被 ctx 或管道关闭打断
func (h *Producer) Push(ctx context.Context, msg *protocol.NetworkMessage) bool {
	return h.p.push(ctx, msg)
}

// IsClosed 管道是否已关闭
func (h *Producer) IsClosed() bool {
	return h.p.IsClosed()
}

func (p *Pipeline) push(ctx context.Context, msg *protocol.NetworkMessage) bool {
	if msg == nil || !msg.Priority.IsValid() {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}

	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			atomic.AddUint64(&p.rejected, 1)
			return false
		}
		if p.stages.offer(msg) {
			p.mu.Unlock()
			atomic.AddUint64(&p.pushed, 1)
			p.signal()
			return true
		}
		if msg.Congestion != protocol.CongestionBlock {
			p.mu.Unlock()
			atomic.AddUint64(&p.dropped, 1)
			return false
		}
		wait := p.spaceFreed
		p.mu.Unlock()

		if !waited {
			waited = true
			atomic.AddUint64(&p.blocked, 1)
		}

		select {
		case <-wait:
		case <-p.closeCh:
			atomic.AddUint64(&p.rejected, 1)
			return false
		case <-ctx.Done():
			atomic.AddUint64(&p.dropped, 1)
			return false
		}
	}
}

// signal 通知消费端
func (p *Pipeline) signal() {
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

// =============================================================================
// 消费端
// =============================================================================

// Run 消费循环：按优先级取消息组帧写出，直到管道关闭且队列排空或 ctx 结束
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.doneCh)

	batch := protocol.NewBatchWriter(p.cfg.BatchSize)
	p.log(2, "发送管道已启动 (queue=%d, batch=%d, rate=%dMbps)",
		p.cfg.QueueSize, p.cfg.BatchSize, p.cfg.RateMbps)

	for {
		if err := p.drain(ctx, batch); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.notEmpty:
		case <-p.closeCh:
			// 关闭后排空剩余消息
			if err := p.drain(ctx, batch); err != nil {
				return err
			}
			p.log(2, "发送管道已停止")
			return nil
		}
	}
}

// drain 取出当前所有消息并发送
func (p *Pipeline) drain(ctx context.Context, batch *protocol.BatchWriter) error {
	for {
		n := p.fill(batch)
		if n == 0 {
			return nil
		}
		if err := p.flush(ctx, batch); err != nil {
			return err
		}
	}
}

// fill 从队列中取消息填充批次，返回取出数量
func (p *Pipeline) fill(batch *protocol.BatchWriter) int {
	type unframed struct {
		msg *protocol.NetworkMessage
		err error
	}
	var rejected []unframed

	p.mu.Lock()
	n := 0
	for {
		next := p.stages.peek()
		if next == nil {
			break
		}
		if batch.Len() > 0 && !batch.Fits(next) {
			break
		}

		p.stages.poll()
		n++
		if err := batch.Add(next); err != nil {
			rejected = append(rejected, unframed{next, err})
			atomic.AddUint64(&p.writeErrors, 1)
			continue
		}
		if next.Express {
			break
		}
	}

	if n > 0 {
		close(p.spaceFreed)
		p.spaceFreed = make(chan struct{})
	}
	p.mu.Unlock()

	// 日志在锁外输出，不阻塞生产端
	for _, r := range rejected {
		p.log(0, "消息无法组帧, 丢弃: %s: %v", r.msg, r.err)
	}
	return n
}

// flush 写出当前批次
func (p *Pipeline) flush(ctx context.Context, batch *protocol.BatchWriter) error {
	defer batch.Reset()

	if batch.Len() == 0 {
		return nil
	}

	seq := atomic.AddUint32(&p.seq, 1)
	frame := batch.Finish(seq)

	if wait := p.pacer.TimeUntilSend(len(frame)); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// 写出失败同样计入速率
	err := p.writer.WriteFrame(frame)
	p.pacer.OnSent(len(frame))
	if err != nil {
		atomic.AddUint64(&p.writeErrors, 1)
		p.log(0, "写出帧失败: seq=%d, msgs=%d: %v", seq, batch.Len(), err)
		return nil
	}

	atomic.AddUint64(&p.framesSent, 1)
	atomic.AddUint64(&p.msgsSent, uint64(batch.Len()))
	atomic.AddUint64(&p.bytesSent, uint64(len(frame)))
	p.log(2, "写出帧: %d 条消息, %d 字节", batch.Len(), len(frame))
	return nil
}

// =============================================================================
// 关闭与状态
// =============================================================================

// Close 关闭管道，之后 Push 均返回 false，Run 排空后退出
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.closeCh)
	})
}

// Done Run 退出后关闭
func (p *Pipeline) Done() <-chan struct{} {
	return p.doneCh
}

// IsClosed 是否已关闭
func (p *Pipeline) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// GetStats 获取统计
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	depths := p.stages.depths()
	total := p.stages.total
	closed := p.closed
	p.mu.Unlock()

	pacer := p.pacer.GetStats()
	packets, _ := pacer["packets_sent"].(uint64)
	throttled, _ := pacer["bytes_throttled"].(uint64)

	return Stats{
		Pushed:         atomic.LoadUint64(&p.pushed),
		Rejected:       atomic.LoadUint64(&p.rejected),
		Dropped:        atomic.LoadUint64(&p.dropped),
		Blocked:        atomic.LoadUint64(&p.blocked),
		FramesSent:     atomic.LoadUint64(&p.framesSent),
		MsgsSent:       atomic.LoadUint64(&p.msgsSent),
		BytesSent:      atomic.LoadUint64(&p.bytesSent),
		WriteErrors:    atomic.LoadUint64(&p.writeErrors),
		PacerPackets:   packets,
		BytesThrottled: throttled,
		QueueDepths:    depths,
		QueuedTotal:    total,
		Closed:         closed,
	}
}

// String 诊断输出
func (p *Pipeline) String() string {
	s := p.GetStats()
	return fmt.Sprintf("pipeline[queued=%d frames=%d msgs=%d closed=%v]",
		s.QueuedTotal, s.FramesSent, s.MsgsSent, s.Closed)
}

func (p *Pipeline) log(level int, format string, args ...interface{}) {
	if level > p.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Pipeline] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
