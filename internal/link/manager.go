// =============================================================================
// 文件: internal/link/manager.go
// 描述: 链路生命周期管理 - 打开、排空、替换、关闭组播链路
// =============================================================================
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrcgq/mcast/internal/pipeline"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultGroup = "224.0.0.224:7447"

	// 关闭管道后等待消费端排空的上限
	drainTimeout = 5 * time.Second
)

// Config 链路配置
type Config struct {
	Group           string
	Interface       string
	TTL             int
	Loopback        bool
	WriteBufferSize int
	Pipeline        *pipeline.Config
	LogLevel        string
}

// ManagerStats 管理器统计
type ManagerStats struct {
	Opens    uint64
	Reopens  uint64
	Drains   uint64
	Closes   uint64
	Failures uint64
	Up       bool
	Link     string
	Pipeline *pipeline.Stats
	Socket   map[string]uint64
}

// Manager 链路生命周期管理器，是 Slot 唯一的写者
type Manager struct {
	cfg      *Config
	group    *net.UDPAddr
	slot     *Slot
	logLevel int

	// 串行化所有写操作
	mu sync.Mutex
	sf singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opens    uint64
	reopens  uint64
	drains   uint64
	closes   uint64
	failures uint64
}

// NewManager 创建管理器
func NewManager(cfg *Config, slot *Slot) (*Manager, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("解析组播地址 %s: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("不是组播地址: %s", cfg.Group)
	}
	if slot == nil {
		slot = NewSlot()
	}

	level := 1
	switch cfg.LogLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		group:    group,
		slot:     slot,
		logLevel: level,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Slot 管理的链路状态槽
func (m *Manager) Slot() *Slot {
	return m.slot
}

// =============================================================================
// 生命周期
// =============================================================================

// Open 确保存在一条带管道的链路，并发调用合并为一次
func (m *Manager) Open(ctx context.Context) (*Link, error) {
	v, err, shared := m.sf.Do("open", func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if cur := m.slot.Load(); cur != nil && cur.HasPipeline() {
			return cur, nil
		}
		l, err := m.establish(ctx)
		if err != nil {
			return nil, err
		}
		atomic.AddUint64(&m.opens, 1)
		m.publish(l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log(2, "合并并发 Open 请求")
	}
	return v.(*Link), nil
}

// Reopen 无条件建立新链路并替换当前链路
func (m *Manager) Reopen(ctx context.Context) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.establish(ctx)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&m.reopens, 1)
	m.publish(l)
	return l, nil
}

// Drain 保留链路但撤下管道，已入队消息继续发出
func (m *Manager) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.slot.Load()
	if cur == nil || !cur.HasPipeline() {
		return
	}
	m.slot.Store(cur.drained())
	atomic.AddUint64(&m.drains, 1)

	if cur.pipe != nil {
		cur.pipe.Close()
	}
	m.log(1, "链路进入排空: %s", cur)
}

// Close 移除当前链路并释放资源
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.slot.Store(nil)
	if old == nil {
		return
	}
	atomic.AddUint64(&m.closes, 1)
	m.teardown(old)
	m.log(1, "链路已关闭: %s", old)
}

// Stop 关闭链路并停止所有后台任务
func (m *Manager) Stop() {
	m.Close()
	m.cancel()
	m.wg.Wait()
}

// establish 打开套接字与管道并启动消费端，调用方需持有 m.mu
func (m *Manager) establish(ctx context.Context) (*Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sock, err := OpenSocket(&SocketConfig{
		Group:           m.group,
		Interface:       m.cfg.Interface,
		TTL:             m.cfg.TTL,
		Loopback:        m.cfg.Loopback,
		WriteBufferSize: m.cfg.WriteBufferSize,
	})
	if err != nil {
		atomic.AddUint64(&m.failures, 1)
		m.log(0, "打开组播套接字失败: %v", err)
		return nil, fmt.Errorf("打开链路: %w", err)
	}

	pcfg := m.cfg.Pipeline
	if pcfg == nil {
		pcfg = pipeline.DefaultConfig()
		pcfg.LogLevel = m.cfg.LogLevel
	}
	pipe := pipeline.New(pcfg, sock)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := pipe.Run(m.ctx); err != nil && err != context.Canceled {
			m.log(0, "发送管道异常退出: %v", err)
		}
	}()

	return &Link{
		ID:       uuid.New(),
		Group:    m.group,
		Pipeline: pipe.Producer(),
		Opened:   time.Now(),
		sock:     sock,
		pipe:     pipe,
	}, nil
}

// publish 先替换槽位再拆除旧链路，调用方需持有 m.mu
func (m *Manager) publish(l *Link) {
	old := m.slot.Store(l)
	m.log(1, "链路已发布: %s (本地 %s)", l, l.sock.LocalAddr())
	if old != nil {
		m.teardown(old)
		m.log(1, "旧链路已替换: %s", old)
	}
}

// teardown 关闭管道，等待排空后关闭套接字
func (m *Manager) teardown(l *Link) {
	if l.pipe != nil {
		l.pipe.Close()
		select {
		case <-l.pipe.Done():
		case <-time.After(drainTimeout):
			m.log(0, "等待管道排空超时: %s", l)
		}
	}
	if l.sock != nil {
		if err := l.sock.Close(); err != nil {
			m.log(2, "关闭套接字: %v", err)
		}
	}
}

// =============================================================================
// 状态
// =============================================================================

// IsUp 是否有可用于发送的链路
func (m *Manager) IsUp() bool {
	l := m.slot.Load()
	return l != nil && l.HasPipeline()
}

// GetStats 获取统计
func (m *Manager) GetStats() ManagerStats {
	stats := ManagerStats{
		Opens:    atomic.LoadUint64(&m.opens),
		Reopens:  atomic.LoadUint64(&m.reopens),
		Drains:   atomic.LoadUint64(&m.drains),
		Closes:   atomic.LoadUint64(&m.closes),
		Failures: atomic.LoadUint64(&m.failures),
	}

	l := m.slot.Load()
	if l == nil {
		return stats
	}
	stats.Up = l.HasPipeline()
	stats.Link = l.String()
	if l.pipe != nil {
		ps := l.pipe.GetStats()
		stats.Pipeline = &ps
	}
	if l.sock != nil {
		stats.Socket = l.sock.GetStats()
	}
	return stats
}

func (m *Manager) log(level int, format string, args ...interface{}) {
	if level > m.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [Link] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// GetLifecycleCounts 生命周期事件计数
func (m *Manager) GetLifecycleCounts() map[string]uint64 {
	return map[string]uint64{
		"open":    atomic.LoadUint64(&m.opens),
		"reopen":  atomic.LoadUint64(&m.reopens),
		"drain":   atomic.LoadUint64(&m.drains),
		"close":   atomic.LoadUint64(&m.closes),
		"failure": atomic.LoadUint64(&m.failures),
	}
}

// GetQueueDepths 当前管道各优先级队列长度，无管道时为 nil
func (m *Manager) GetQueueDepths() []int {
	l := m.slot.Load()
	if l == nil || l.pipe == nil {
		return nil
	}
	return l.pipe.GetStats().QueueDepths
}

// GetPipelineCounts 当前管道计数
func (m *Manager) GetPipelineCounts() map[string]uint64 {
	l := m.slot.Load()
	if l == nil || l.pipe == nil {
		return nil
	}
	s := l.pipe.GetStats()
	return map[string]uint64{
		"pushed":          s.Pushed,
		"rejected":        s.Rejected,
		"dropped":         s.Dropped,
		"blocked":         s.Blocked,
		"frames_sent":     s.FramesSent,
		"bytes_sent":      s.BytesSent,
		"write_errors":    s.WriteErrors,
		"pacer_packets":   s.PacerPackets,
		"bytes_throttled": s.BytesThrottled,
	}
}
