// =============================================================================
// 文件: internal/protocol/message.go
// 描述: 网络消息定义 - 路由元数据 + 可变负载区
// =============================================================================
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// 优先级
// =============================================================================

// Priority 消息优先级 (数值越小优先级越高)
type Priority uint8

const (
	PriorityControl Priority = iota
	PriorityRealTime
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground
)

// NumPriorities 优先级数量
const NumPriorities = int(PriorityBackground) + 1

// String 返回优先级字符串
func (p Priority) String() string {
	switch p {
	case PriorityControl:
		return "control"
	case PriorityRealTime:
		return "real_time"
	case PriorityInteractiveHigh:
		return "interactive_high"
	case PriorityInteractiveLow:
		return "interactive_low"
	case PriorityDataHigh:
		return "data_high"
	case PriorityData:
		return "data"
	case PriorityDataLow:
		return "data_low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// IsValid 是否为合法优先级
func (p Priority) IsValid() bool {
	return int(p) < NumPriorities
}

// ParsePriority 解析优先级字符串
func ParsePriority(s string) (Priority, error) {
	for i := 0; i < NumPriorities; i++ {
		if Priority(i).String() == s {
			return Priority(i), nil
		}
	}
	return PriorityData, fmt.Errorf("未知优先级: %s", s)
}

// =============================================================================
// 拥塞控制策略
// =============================================================================

// CongestionControl 队列满时的处理策略
type CongestionControl uint8

const (
	// CongestionDrop 队列满时直接丢弃
	CongestionDrop CongestionControl = iota
	// CongestionBlock 队列满时阻塞等待
	CongestionBlock
)

// String 返回策略字符串
func (c CongestionControl) String() string {
	if c == CongestionBlock {
		return "block"
	}
	return "drop"
}

// =============================================================================
// 共享内存引用
// =============================================================================

// ShmRef 共享内存负载描述符，替代原始负载进行零拷贝投递
type ShmRef struct {
	SegmentID  uint32
	Offset     uint32
	Length     uint32
	Generation uint32
}

// String 返回描述符字符串
func (r *ShmRef) String() string {
	return fmt.Sprintf("shm(seg=%d off=%d len=%d gen=%d)", r.SegmentID, r.Offset, r.Length, r.Generation)
}

// =============================================================================
// 网络消息
// =============================================================================

// NetworkMessage 应用层网络消息
// 负载要么是 Payload（原始字节），要么是 Shm（共享内存描述符），二者不会同时存在
type NetworkMessage struct {
	ID         uuid.UUID
	KeyExpr    string
	Priority   Priority
	Congestion CongestionControl
	Express    bool

	Payload []byte
	Shm     *ShmRef
}

// NewNetworkMessage 创建默认优先级的消息
func NewNetworkMessage(keyExpr string, payload []byte) *NetworkMessage {
	return &NetworkMessage{
		ID:         uuid.New(),
		KeyExpr:    keyExpr,
		Priority:   PriorityData,
		Congestion: CongestionDrop,
		Payload:    payload,
	}
}

// IsShm 负载是否位于共享内存
func (m *NetworkMessage) IsShm() bool {
	return m.Shm != nil
}

// PayloadLen 负载逻辑长度
func (m *NetworkMessage) PayloadLen() int {
	if m.Shm != nil {
		return int(m.Shm.Length)
	}
	return len(m.Payload)
}

// Size 编码后的字节数
func (m *NetworkMessage) Size() int {
	n := messageHeaderSize + len(m.KeyExpr)
	if m.Shm != nil {
		return n + shmRefSize
	}
	return n + 4 + len(m.Payload)
}

// String 诊断输出
func (m *NetworkMessage) String() string {
	if m.Shm != nil {
		return fmt.Sprintf("msg[%s key=%s prio=%s cc=%s %s]",
			m.ID, m.KeyExpr, m.Priority, m.Congestion, m.Shm)
	}
	return fmt.Sprintf("msg[%s key=%s prio=%s cc=%s len=%d]",
		m.ID, m.KeyExpr, m.Priority, m.Congestion, len(m.Payload))
}
