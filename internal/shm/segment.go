// =============================================================================
// 文件: internal/shm/segment.go
// 描述: 共享内存段 - 定长块分配器 + 租约回收
// =============================================================================
package shm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrcgq/mcast/internal/protocol"
)

// =============================================================================
// 常量与错误
// =============================================================================

const (
	DefaultSegmentSize = 16 * 1024 * 1024 // 16MB
	DefaultChunkSize   = 64 * 1024        // 64KB
	DefaultLease       = 10 * time.Second

	minChunkSize = 1024
)

var (
	ErrSegmentFull   = errors.New("共享内存段已满")
	ErrChunkTooLarge = errors.New("负载超过块大小")
	ErrInvalidRef    = errors.New("无效的共享内存引用")
	ErrSegmentClosed = errors.New("共享内存段已关闭")
)

// =============================================================================
// 数据结构
// =============================================================================

// SegmentConfig 共享内存段配置
type SegmentConfig struct {
	ID        uint32        // 0 表示自动生成
	Size      int           // 段大小
	ChunkSize int           // 块大小
	Lease     time.Duration // 块租约，超时自动回收
}

// DefaultSegmentConfig 默认配置
func DefaultSegmentConfig() *SegmentConfig {
	return &SegmentConfig{
		Size:      DefaultSegmentSize,
		ChunkSize: DefaultChunkSize,
		Lease:     DefaultLease,
	}
}

// chunk 块状态
type chunk struct {
	generation uint32
	length     uint32
	inUse      bool
	leasedAt   time.Time
}

// Segment 共享内存段
type Segment struct {
	id        uint32
	mem       []byte
	unmap     func() error
	chunkSize int
	lease     time.Duration

	chunks []chunk
	free   []int

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	// 统计
	allocs    uint64
	frees     uint64
	reclaimed uint64
	failures  uint64

	mu sync.Mutex
}

// SegmentStats 段统计
type SegmentStats struct {
	ID         uint32
	Chunks     int
	FreeChunks int
	Allocs     uint64
	Frees      uint64
	Reclaimed  uint64
	Failures   uint64
}

// =============================================================================
// 构造函数
// =============================================================================

// NewSegment 创建共享内存段
func NewSegment(cfg *SegmentConfig) (*Segment, error) {
	if cfg == nil {
		cfg = DefaultSegmentConfig()
	}

	chunkSize := cfg.ChunkSize
	if chunkSize < minChunkSize {
		chunkSize = DefaultChunkSize
	}
	size := cfg.Size
	if size < chunkSize {
		return nil, fmt.Errorf("段大小 %d 小于块大小 %d", size, chunkSize)
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}

	id := cfg.ID
	if id == 0 {
		id = uuid.New().ID()
	}

	count := size / chunkSize
	mem, unmap, err := mapRegion(fmt.Sprintf("mcast-shm-%d", id), count*chunkSize)
	if err != nil {
		return nil, fmt.Errorf("映射共享内存失败: %w", err)
	}

	s := &Segment{
		id:        id,
		mem:       mem,
		unmap:     unmap,
		chunkSize: chunkSize,
		lease:     lease,
		chunks:    make([]chunk, count),
		free:      make([]int, 0, count),
		stopCh:    make(chan struct{}),
	}

	// 倒序压栈，使低地址块优先分配
	for i := count - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}

	s.wg.Add(1)
	go s.reclaimLoop()

	return s, nil
}

// =============================================================================
// 分配与读取
// =============================================================================

// Alloc 分配一个块并拷贝数据，返回描述符
func (s *Segment) Alloc(data []byte) (*protocol.ShmRef, error) {
	if len(data) > s.chunkSize {
		atomic.AddUint64(&s.failures, 1)
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(data), s.chunkSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSegmentClosed
	}
	if len(s.free) == 0 {
		atomic.AddUint64(&s.failures, 1)
		return nil, ErrSegmentFull
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	c := &s.chunks[idx]
	c.generation++
	c.length = uint32(len(data))
	c.inUse = true
	c.leasedAt = time.Now()

	off := idx * s.chunkSize
	copy(s.mem[off:off+len(data)], data)
	atomic.AddUint64(&s.allocs, 1)

	return &protocol.ShmRef{
		SegmentID:  s.id,
		Offset:     uint32(off),
		Length:     c.length,
		Generation: c.generation,
	}, nil
}

// Read 拷贝出描述符指向的数据
func (s *Segment) Read(ref *protocol.ShmRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}

	off := int(ref.Offset)
	out := make([]byte, c.length)
	copy(out, s.mem[off:off+int(c.length)])
	return out, nil
}

// Free 释放描述符指向的块
func (s *Segment) Free(ref *protocol.ShmRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookup(ref)
	if err != nil {
		return err
	}

	c.inUse = false
	s.free = append(s.free, int(ref.Offset)/s.chunkSize)
	atomic.AddUint64(&s.frees, 1)
	return nil
}

// lookup 校验描述符，调用方需持有锁
func (s *Segment) lookup(ref *protocol.ShmRef) (*chunk, error) {
	if s.closed {
		return nil, ErrSegmentClosed
	}
	if ref == nil || ref.SegmentID != s.id {
		return nil, ErrInvalidRef
	}
	if int(ref.Offset)%s.chunkSize != 0 {
		return nil, fmt.Errorf("%w: 偏移 %d 未对齐", ErrInvalidRef, ref.Offset)
	}

	idx := int(ref.Offset) / s.chunkSize
	if idx >= len(s.chunks) {
		return nil, fmt.Errorf("%w: 偏移 %d 越界", ErrInvalidRef, ref.Offset)
	}

	c := &s.chunks[idx]
	if !c.inUse || c.generation != ref.Generation || c.length != ref.Length {
		return nil, fmt.Errorf("%w: 块已失效", ErrInvalidRef)
	}
	return c, nil
}

// =============================================================================
// 租约回收
// =============================================================================

// Reclaim 回收租约到期的块，返回回收数量
func (s *Segment) Reclaim(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	n := 0
	for i := range s.chunks {
		c := &s.chunks[i]
		if c.inUse && now.Sub(c.leasedAt) > s.lease {
			c.inUse = false
			s.free = append(s.free, i)
			n++
		}
	}

	if n > 0 {
		atomic.AddUint64(&s.reclaimed, uint64(n))
	}
	return n
}

// reclaimLoop 回收循环
func (s *Segment) reclaimLoop() {
	defer s.wg.Done()

	interval := s.lease / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Reclaim(now)
		}
	}
}

// =============================================================================
// 状态与关闭
// =============================================================================

// ID 段标识
func (s *Segment) ID() uint32 {
	return s.id
}

// ChunkSize 块大小
func (s *Segment) ChunkSize() int {
	return s.chunkSize
}

// GetStats 获取统计
func (s *Segment) GetStats() SegmentStats {
	s.mu.Lock()
	freeChunks := len(s.free)
	s.mu.Unlock()

	return SegmentStats{
		ID:         s.id,
		Chunks:     len(s.chunks),
		FreeChunks: freeChunks,
		Allocs:     atomic.LoadUint64(&s.allocs),
		Frees:      atomic.LoadUint64(&s.frees),
		Reclaimed:  atomic.LoadUint64(&s.reclaimed),
		Failures:   atomic.LoadUint64(&s.failures),
	}
}

// Close 关闭并解除映射
func (s *Segment) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = nil
	if s.unmap != nil {
		return s.unmap()
	}
	return nil
}

// GetChunkUsage 已用块数与总块数
func (s *Segment) GetChunkUsage() (used, total int) {
	stats := s.GetStats()
	return stats.Chunks - stats.FreeChunks, stats.Chunks
}

// GetAllocCounts 分配计数
func (s *Segment) GetAllocCounts() map[string]uint64 {
	stats := s.GetStats()
	return map[string]uint64{
		"alloc":     stats.Allocs,
		"free":      stats.Frees,
		"reclaimed": stats.Reclaimed,
		"failure":   stats.Failures,
	}
}
