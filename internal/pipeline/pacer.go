// =============================================================================
// 文件: internal/pipeline/pacer.go
// 描述: 令牌桶发送速率控制 (防止突发)
// =============================================================================
package pipeline

import (
	"sync"
	"time"
)

const (
	defaultMTU      = 1400
	maxBurstPackets = 10
)

// Pacer 发送速率控制器，rate 为 0 表示不限速
type Pacer struct {
	rate       float64 // bytes/s
	tokens     float64
	maxTokens  float64
	lastRefill time.Time

	packetsSent    uint64
	bytesThrottled uint64

	mu sync.Mutex
}

// NewPacer 创建 Pacer
func NewPacer(rateBytesPerSec float64, mtu int) *Pacer {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	burst := float64(mtu * maxBurstPackets)
	return &Pacer{
		rate:       rateBytesPerSec,
		tokens:     burst,
		maxTokens:  burst,
		lastRefill: time.Now(),
	}
}

// NewPacerMbps 按 Mbps 创建 Pacer
func NewPacerMbps(mbps int, mtu int) *Pacer {
	return NewPacer(float64(mbps)*1024*1024/8, mtu)
}

// Unlimited 是否不限速
func (p *Pacer) Unlimited() bool {
	return p.rate <= 0
}

// TimeUntilSend 计算距离可以发送的时间
func (p *Pacer) TimeUntilSend(size int) time.Duration {
	if p.Unlimited() {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.refillTokens()

	// 大于桶容量的帧只要求桶满
	need := float64(size)
	if need > p.maxTokens {
		need = p.maxTokens
	}
	if p.tokens >= need {
		return 0
	}

	wait := time.Duration((need - p.tokens) / p.rate * float64(time.Second))
	p.bytesThrottled += uint64(size)
	return wait
}

// OnSent 发送后扣减令牌
func (p *Pacer) OnSent(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.packetsSent++
	if p.Unlimited() {
		return
	}

	p.refillTokens()
	p.tokens -= float64(size)
	if p.tokens < 0 {
		p.tokens = 0
	}
}

// refillTokens 补充令牌，调用方需持有锁
func (p *Pacer) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(p.lastRefill)
	p.lastRefill = now

	if elapsed <= 0 {
		return
	}

	p.tokens += p.rate * elapsed.Seconds()
	if p.tokens > p.maxTokens {
		p.tokens = p.maxTokens
	}
}

// GetStats 获取统计
func (p *Pacer) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]interface{}{
		"rate_mbps":       p.rate * 8 / 1024 / 1024,
		"tokens":          p.tokens,
		"max_tokens":      p.maxTokens,
		"packets_sent":    p.packetsSent,
		"bytes_throttled": p.bytesThrottled,
	}
}
