// =============================================================================
// 文件: internal/link/link.go
// 描述: 组播链路与链路状态槽 - 生命周期管理器写，调度器读
// =============================================================================
package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrcgq/mcast/internal/pipeline"
	"github.com/mrcgq/mcast/internal/protocol"
)

// Pusher 链路发送管道的生产端
// 句柄可脱离所属 Link 独立使用，必须支持并发调用，不得访问链路状态槽
type Pusher interface {
	Push(ctx context.Context, msg *protocol.NetworkMessage) bool
}

// Link 一条已建立的组播链路
// 发布到 Slot 之后不再修改，需要变更时构造新的 Link 整体替换
type Link struct {
	ID       uuid.UUID
	Group    *net.UDPAddr
	Pipeline Pusher // 可为 nil，表示链路正在排空
	Opened   time.Time

	// 由 Manager 持有的资源
	sock *Socket
	pipe *pipeline.Pipeline
}

// NewLink 构造链路 (测试或外部管理器使用)
func NewLink(group *net.UDPAddr, p Pusher) *Link {
	return &Link{
		ID:       uuid.New(),
		Group:    group,
		Pipeline: p,
		Opened:   time.Now(),
	}
}

// HasPipeline 是否持有发送管道
func (l *Link) HasPipeline() bool {
	return l.Pipeline != nil
}

// drained 返回同一链路去掉管道后的副本，资源所有权不变
func (l *Link) drained() *Link {
	cp := *l
	cp.Pipeline = nil
	return &cp
}

func (l *Link) String() string {
	group := "-"
	if l.Group != nil {
		group = l.Group.String()
	}
	return fmt.Sprintf("link[%s group=%s pipeline=%v]", l.ID.String()[:8], group, l.HasPipeline())
}

// =============================================================================
// 链路状态槽
// =============================================================================

// Slot 至多持有一条当前链路
// 读者持读锁检查链路并取出管道句柄，必须在任何阻塞操作之前释放
type Slot struct {
	mu   sync.RWMutex
	link *Link
}

// NewSlot 创建空槽
func NewSlot() *Slot {
	return &Slot{}
}

// RLock 读锁
func (s *Slot) RLock() { s.mu.RLock() }

// RUnlock 释放读锁
func (s *Slot) RUnlock() { s.mu.RUnlock() }

// Current 当前链路，调用方需持有读锁
func (s *Slot) Current() *Link {
	return s.link
}

// Load 加锁读取当前链路
func (s *Slot) Load() *Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// Store 原子替换当前链路，返回旧链路
func (s *Slot) Store(l *Link) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.link
	s.link = l
	return old
}

// TryStore 非阻塞替换，写锁不可得时返回 false
func (s *Slot) TryStore(l *Link) (*Link, bool) {
	if !s.mu.TryLock() {
		return nil, false
	}
	defer s.mu.Unlock()
	old := s.link
	s.link = l
	return old, true
}
