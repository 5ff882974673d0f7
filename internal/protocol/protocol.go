// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 多播链路帧协议 - 消息编码与批量帧
// =============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"
)

// 帧类型
const (
	TypeBatch = 0x01
)

// 消息标志位
const (
	flagShm     = 0x01
	flagExpress = 0x02
)

// =============================================================================
// 尺寸常量
// =============================================================================

const (
	// MaxUDPPayloadSize UDP 最大负载 (65535 - IP头(20) - UDP头(8))
	MaxUDPPayloadSize = 65507

	// DefaultBatchSize 默认批量帧大小，保守取以太网 MTU 以内
	DefaultBatchSize = 1400

	// BatchHeaderSize 批量帧头
	// Type(1) + Seq(4) + Count(2) = 7
	BatchHeaderSize = 7

	// messageHeaderSize 消息固定头
	// Flags(1) + Priority(1) + Congestion(1) + ID(16) + KeyLen(2) = 21
	messageHeaderSize = 21

	// shmRefSize 共享内存描述符
	// SegmentID(4) + Offset(4) + Length(4) + Generation(4) = 16
	shmRefSize = 16

	// MaxKeyExprLen 最大 key 长度
	MaxKeyExprLen = 0xFFFF
)

// =============================================================================
// 消息编码
// =============================================================================

// EncodeMessage 编码单条消息
// 格式: Flags(1) + Priority(1) + Congestion(1) + ID(16) + KeyLen(2) + Key +
//
//	[Shm: SegmentID(4) + Offset(4) + Length(4) + Generation(4)] |
//	[Raw: PayloadLen(4) + Payload]
func EncodeMessage(msg *NetworkMessage) ([]byte, error) {
	buf := make([]byte, 0, msg.Size())
	return AppendMessage(buf, msg)
}

// AppendMessage 追加编码消息到 buf
func AppendMessage(buf []byte, msg *NetworkMessage) ([]byte, error) {
	if len(msg.KeyExpr) > MaxKeyExprLen {
		return buf, fmt.Errorf("key 过长: %d > %d", len(msg.KeyExpr), MaxKeyExprLen)
	}
	if !msg.Priority.IsValid() {
		return buf, fmt.Errorf("无效优先级: %d", msg.Priority)
	}

	var flags byte
	if msg.Shm != nil {
		flags |= flagShm
	}
	if msg.Express {
		flags |= flagExpress
	}

	buf = append(buf, flags, byte(msg.Priority), byte(msg.Congestion))
	buf = append(buf, msg.ID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.KeyExpr)))
	buf = append(buf, msg.KeyExpr...)

	if msg.Shm != nil {
		buf = binary.BigEndian.AppendUint32(buf, msg.Shm.SegmentID)
		buf = binary.BigEndian.AppendUint32(buf, msg.Shm.Offset)
		buf = binary.BigEndian.AppendUint32(buf, msg.Shm.Length)
		buf = binary.BigEndian.AppendUint32(buf, msg.Shm.Generation)
		return buf, nil
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

// DecodeMessage 解码单条消息，返回消费的字节数
func DecodeMessage(data []byte) (*NetworkMessage, int, error) {
	if len(data) < messageHeaderSize {
		return nil, 0, fmt.Errorf("消息太短: %d < %d", len(data), messageHeaderSize)
	}

	flags := data[0]
	msg := &NetworkMessage{
		Priority:   Priority(data[1]),
		Congestion: CongestionControl(data[2]),
		Express:    flags&flagExpress != 0,
	}
	if !msg.Priority.IsValid() {
		return nil, 0, fmt.Errorf("无效优先级: %d", data[1])
	}
	copy(msg.ID[:], data[3:19])

	keyLen := int(binary.BigEndian.Uint16(data[19:21]))
	offset := messageHeaderSize
	if len(data) < offset+keyLen {
		return nil, 0, fmt.Errorf("key 数据不足")
	}
	msg.KeyExpr = string(data[offset : offset+keyLen])
	offset += keyLen

	if flags&flagShm != 0 {
		if len(data) < offset+shmRefSize {
			return nil, 0, fmt.Errorf("共享内存描述符不足")
		}
		msg.Shm = &ShmRef{
			SegmentID:  binary.BigEndian.Uint32(data[offset : offset+4]),
			Offset:     binary.BigEndian.Uint32(data[offset+4 : offset+8]),
			Length:     binary.BigEndian.Uint32(data[offset+8 : offset+12]),
			Generation: binary.BigEndian.Uint32(data[offset+12 : offset+16]),
		}
		return msg, offset + shmRefSize, nil
	}

	if len(data) < offset+4 {
		return nil, 0, fmt.Errorf("负载长度缺失")
	}
	plen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+plen {
		return nil, 0, fmt.Errorf("负载数据不足: %d < %d", len(data)-offset, plen)
	}
	msg.Payload = make([]byte, plen)
	copy(msg.Payload, data[offset:offset+plen])

	return msg, offset + plen, nil
}

// =============================================================================
// 批量帧
// =============================================================================

// BatchWriter 批量帧构建器
type BatchWriter struct {
	buf   []byte
	limit int
	count uint16
}

// NewBatchWriter 创建批量帧构建器
func NewBatchWriter(limit int) *BatchWriter {
	if limit <= BatchHeaderSize || limit > MaxUDPPayloadSize {
		limit = DefaultBatchSize
	}
	return &BatchWriter{
		buf:   make([]byte, BatchHeaderSize, limit),
		limit: limit,
	}
}

// Fits 消息是否还能放入当前批次
func (w *BatchWriter) Fits(msg *NetworkMessage) bool {
	return len(w.buf)+msg.Size() <= w.limit && w.count < 0xFFFF
}

// Add 添加消息
// 批次为空时允许单条超过 limit 的消息独占一帧
func (w *BatchWriter) Add(msg *NetworkMessage) error {
	if w.count > 0 && !w.Fits(msg) {
		return fmt.Errorf("批次已满")
	}
	if BatchHeaderSize+msg.Size() > MaxUDPPayloadSize {
		return fmt.Errorf("消息过大: %d > %d", msg.Size(), MaxUDPPayloadSize-BatchHeaderSize)
	}

	buf, err := AppendMessage(w.buf, msg)
	if err != nil {
		return err
	}
	w.buf = buf
	w.count++
	return nil
}

// Len 当前批次消息数
func (w *BatchWriter) Len() int {
	return int(w.count)
}

// Bytes 当前字节数
func (w *BatchWriter) Bytes() int {
	return len(w.buf)
}

// Finish 写入帧头并返回帧数据，调用后需 Reset
func (w *BatchWriter) Finish(seq uint32) []byte {
	w.buf[0] = TypeBatch
	binary.BigEndian.PutUint32(w.buf[1:5], seq)
	binary.BigEndian.PutUint16(w.buf[5:7], w.count)
	return w.buf
}

// Reset 重置构建器
func (w *BatchWriter) Reset() {
	w.buf = w.buf[:BatchHeaderSize]
	w.count = 0
}

// Batch 解码后的批量帧
type Batch struct {
	Seq      uint32
	Messages []*NetworkMessage
}

// DecodeBatch 解码批量帧
func DecodeBatch(data []byte) (*Batch, error) {
	if len(data) < BatchHeaderSize {
		return nil, fmt.Errorf("帧太短: %d < %d", len(data), BatchHeaderSize)
	}
	if data[0] != TypeBatch {
		return nil, fmt.Errorf("不是批量帧: type=0x%02X", data[0])
	}

	count := int(binary.BigEndian.Uint16(data[5:7]))
	batch := &Batch{
		Seq:      binary.BigEndian.Uint32(data[1:5]),
		Messages: make([]*NetworkMessage, 0, count),
	}

	offset := BatchHeaderSize
	for i := 0; i < count; i++ {
		msg, n, err := DecodeMessage(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("第 %d 条消息: %w", i, err)
		}
		batch.Messages = append(batch.Messages, msg)
		offset += n
	}

	if offset != len(data) {
		return nil, fmt.Errorf("帧尾部多余 %d 字节", len(data)-offset)
	}

	return batch, nil
}

// IsBatchFrame 检查是否是批量帧
func IsBatchFrame(data []byte) bool {
	return len(data) >= BatchHeaderSize && data[0] == TypeBatch
}
