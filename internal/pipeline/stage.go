// =============================================================================
// 文件: internal/pipeline/stage.go
// 描述: 按优先级分级的有界发送队列
// =============================================================================
package pipeline

import (
	"github.com/eapache/queue"
	"github.com/mrcgq/mcast/internal/protocol"
)

// stages 每个优先级一个 FIFO，本身不加锁，由 Pipeline.mu 保护
type stages struct {
	queues   [protocol.NumPriorities]*queue.Queue
	capacity int
	total    int
}

func newStages(capacity int) *stages {
	s := &stages{capacity: capacity}
	for i := range s.queues {
		s.queues[i] = queue.New()
	}
	return s
}

// offer 入队，队列满返回 false
func (s *stages) offer(msg *protocol.NetworkMessage) bool {
	q := s.queues[msg.Priority]
	if q.Length() >= s.capacity {
		return false
	}
	q.Add(msg)
	s.total++
	return true
}

// peek 查看最高优先级队首
func (s *stages) peek() *protocol.NetworkMessage {
	for _, q := range s.queues {
		if q.Length() > 0 {
			return q.Peek().(*protocol.NetworkMessage)
		}
	}
	return nil
}

// poll 取出最高优先级队首
func (s *stages) poll() *protocol.NetworkMessage {
	for _, q := range s.queues {
		if q.Length() > 0 {
			s.total--
			return q.Remove().(*protocol.NetworkMessage)
		}
	}
	return nil
}

// depths 各优先级队列长度
func (s *stages) depths() []int {
	out := make([]int, len(s.queues))
	for i, q := range s.queues {
		out[i] = q.Length()
	}
	return out
}
