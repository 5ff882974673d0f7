// =============================================================================
// 文件: internal/shm/mapper.go
// 描述: 共享内存负载映射 - 根据对端能力在原始负载与共享内存描述符之间转换
// =============================================================================
package shm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrcgq/mcast/internal/protocol"
)

// ErrMapping 负载映射失败
var ErrMapping = errors.New("共享内存映射失败")

// DefaultThreshold 小于该长度的负载不走共享内存
const DefaultThreshold = 4 * 1024

// Mapper 负载映射接口
// Map 失败时不得修改 msg
type Mapper interface {
	Map(msg *protocol.NetworkMessage) error
}

// Releaser 归还被丢弃消息占用的共享内存
// 映射成功但未被管道接纳的消息必须调用 Release，否则块要等租约到期才回收
type Releaser interface {
	Release(msg *protocol.NetworkMessage)
}

// =============================================================================
// 空映射
// =============================================================================

// NoopMapper 共享内存关闭时使用，永不失败
type NoopMapper struct{}

// Map 不做任何转换
func (NoopMapper) Map(*protocol.NetworkMessage) error { return nil }

// Release 无资源可归还
func (NoopMapper) Release(*protocol.NetworkMessage) {}

// =============================================================================
// 对端映射
// =============================================================================

// PartnerMapper 对端支持共享内存时把大负载写入共享内存段，
// 对端不支持时把共享内存描述符还原为原始负载
type PartnerMapper struct {
	segment   *Segment
	threshold int
	partner   atomic.Bool

	mapped   uint64
	unmapped uint64
	released uint64
}

// NewPartnerMapper 创建对端映射器
func NewPartnerMapper(segment *Segment, threshold int, partnerCapable bool) *PartnerMapper {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	m := &PartnerMapper{
		segment:   segment,
		threshold: threshold,
	}
	m.partner.Store(partnerCapable)
	return m
}

// SetPartnerCapable 更新对端共享内存能力
func (m *PartnerMapper) SetPartnerCapable(capable bool) {
	m.partner.Store(capable)
}

// PartnerCapable 对端是否支持共享内存
func (m *PartnerMapper) PartnerCapable() bool {
	return m.partner.Load()
}

// Map 按对端能力转换负载，全部成功后才写回 msg
func (m *PartnerMapper) Map(msg *protocol.NetworkMessage) error {
	if m.partner.Load() {
		return m.toShm(msg)
	}
	return m.fromShm(msg)
}

func (m *PartnerMapper) toShm(msg *protocol.NetworkMessage) error {
	if msg.Shm != nil || len(msg.Payload) < m.threshold {
		return nil
	}

	ref, err := m.segment.Alloc(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapping, err)
	}

	msg.Shm = ref
	msg.Payload = nil
	atomic.AddUint64(&m.mapped, 1)
	return nil
}

func (m *PartnerMapper) fromShm(msg *protocol.NetworkMessage) error {
	if msg.Shm == nil {
		return nil
	}

	data, err := m.segment.Read(msg.Shm)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMapping, err)
	}

	// 数据已拷出，释放失败只意味着块已被回收
	_ = m.segment.Free(msg.Shm)

	msg.Payload = data
	msg.Shm = nil
	atomic.AddUint64(&m.unmapped, 1)
	return nil
}

// Release 释放被丢弃消息指向的块
// 描述符不属于本段或块已被回收时忽略
func (m *PartnerMapper) Release(msg *protocol.NetworkMessage) {
	if msg == nil || msg.Shm == nil {
		return
	}
	if err := m.segment.Free(msg.Shm); err == nil {
		atomic.AddUint64(&m.released, 1)
	}
}

// GetStats 获取统计
func (m *PartnerMapper) GetStats() map[string]uint64 {
	return map[string]uint64{
		"mapped":   atomic.LoadUint64(&m.mapped),
		"unmapped": atomic.LoadUint64(&m.unmapped),
		"released": atomic.LoadUint64(&m.released),
	}
}

var (
	_ Mapper   = NoopMapper{}
	_ Mapper   = (*PartnerMapper)(nil)
	_ Releaser = NoopMapper{}
	_ Releaser = (*PartnerMapper)(nil)
)
