// =============================================================================
// 文件: internal/pipeline/pipeline_test.go
// 描述: 发送管道测试 - 拥塞策略、优先级、关闭语义
// =============================================================================
package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/mcast/internal/protocol"
)

// =============================================================================
// Mock 组件
// =============================================================================

// MockWriter 记录写出的帧
type MockWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *MockWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	w.frames = append(w.frames, cp)
	return nil
}

func (w *MockWriter) Batches(t *testing.T) []*protocol.Batch {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*protocol.Batch
	for _, f := range w.frames {
		b, err := protocol.DecodeBatch(f)
		if err != nil {
			t.Fatalf("解码帧失败: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func newTestPipeline(queueSize int) (*Pipeline, *MockWriter) {
	w := &MockWriter{}
	p := New(&Config{QueueSize: queueSize, BatchSize: 1400, LogLevel: "error"}, w)
	return p, w
}

func dataMsg(cc protocol.CongestionControl) *protocol.NetworkMessage {
	msg := protocol.NewNetworkMessage("test/pipeline", []byte("payload"))
	msg.Congestion = cc
	return msg
}

func totalMessages(batches []*protocol.Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Messages)
	}
	return n
}

// =============================================================================
// 测试用例
// =============================================================================

func TestPushAndRun(t *testing.T) {
	p, w := newTestPipeline(16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop)) {
			t.Fatalf("第 %d 条消息应被接纳", i)
		}
	}

	p.Close()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run 返回错误: %v", err)
	}

	if got := totalMessages(w.Batches(t)); got != 5 {
		t.Errorf("写出消息数 = %d, want 5", got)
	}
	stats := p.GetStats()
	if stats.Pushed != 5 || stats.MsgsSent != 5 || stats.QueuedTotal != 0 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestPushDropWhenFull(t *testing.T) {
	p, _ := newTestPipeline(2)
	ctx := context.Background()

	p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop))
	p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop))

	if p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop)) {
		t.Error("队列满时 drop 策略应返回 false")
	}
	if stats := p.GetStats(); stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
}

func TestPushBlockUntilSpace(t *testing.T) {
	p, w := newTestPipeline(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop))

	result := make(chan bool, 1)
	go func() {
		result <- p.Producer().Push(ctx, dataMsg(protocol.CongestionBlock))
	}()

	select {
	case <-result:
		t.Fatal("队列满时 block 策略应等待")
	case <-time.After(50 * time.Millisecond):
	}

	go p.Run(ctx)

	select {
	case ok := <-result:
		if !ok {
			t.Error("腾出空间后应被接纳")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("腾出空间后生产者未被唤醒")
	}

	p.Close()
	<-p.Done()
	if got := totalMessages(w.Batches(t)); got != 2 {
		t.Errorf("写出消息数 = %d, want 2", got)
	}
	if stats := p.GetStats(); stats.Blocked != 1 {
		t.Errorf("Blocked = %d, want 1", stats.Blocked)
	}
}

func TestPushBlockInterruptedByClose(t *testing.T) {
	p, _ := newTestPipeline(1)
	ctx := context.Background()
	p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop))

	result := make(chan bool, 1)
	go func() {
		result <- p.Producer().Push(ctx, dataMsg(protocol.CongestionBlock))
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case ok := <-result:
		if ok {
			t.Error("管道关闭后阻塞的 Push 应返回 false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("关闭后阻塞的生产者未被唤醒")
	}
}

func TestPushBlockInterruptedByContext(t *testing.T) {
	p, _ := newTestPipeline(1)
	p.Producer().Push(context.Background(), dataMsg(protocol.CongestionDrop))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if p.Producer().Push(ctx, dataMsg(protocol.CongestionBlock)) {
		t.Error("ctx 结束后 Push 应返回 false")
	}
}

func TestPushAfterClose(t *testing.T) {
	p, _ := newTestPipeline(4)
	p.Close()

	h := p.Producer().Clone()
	if !h.IsClosed() {
		t.Error("克隆句柄应观察到关闭状态")
	}
	if h.Push(context.Background(), dataMsg(protocol.CongestionBlock)) {
		t.Error("关闭后 Push 应返回 false")
	}
	if stats := p.GetStats(); stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
}

func TestPriorityOrder(t *testing.T) {
	p, w := newTestPipeline(16)
	ctx := context.Background()

	low := dataMsg(protocol.CongestionDrop)
	low.Priority = protocol.PriorityBackground
	high := dataMsg(protocol.CongestionDrop)
	high.Priority = protocol.PriorityControl

	p.Producer().Push(ctx, low)
	p.Producer().Push(ctx, high)
	p.Close()
	_ = p.Run(ctx)

	batches := w.Batches(t)
	if len(batches) == 0 || len(batches[0].Messages) != 2 {
		t.Fatalf("应写出一帧两条消息, got %d 帧", len(batches))
	}
	if batches[0].Messages[0].ID != high.ID {
		t.Error("高优先级消息应先写出")
	}
}

func TestExpressFlushesImmediately(t *testing.T) {
	p, w := newTestPipeline(16)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		msg := dataMsg(protocol.CongestionDrop)
		msg.Express = true
		p.Producer().Push(ctx, msg)
	}
	p.Close()
	_ = p.Run(ctx)

	if got := len(w.Batches(t)); got != 2 {
		t.Errorf("express 消息应各自成帧, got %d 帧", got)
	}
}

func TestWriteErrorCounted(t *testing.T) {
	p, w := newTestPipeline(4)
	w.err = errors.New("network down")

	p.Producer().Push(context.Background(), dataMsg(protocol.CongestionDrop))
	p.Close()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("写出失败不应终止 Run: %v", err)
	}
	if stats := p.GetStats(); stats.WriteErrors != 1 || stats.FramesSent != 0 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestPacerUnlimited(t *testing.T) {
	pacer := NewPacerMbps(0, 1400)
	if !pacer.Unlimited() {
		t.Fatal("0 Mbps 应不限速")
	}
	if wait := pacer.TimeUntilSend(1 << 20); wait != 0 {
		t.Errorf("不限速时等待应为 0, got %v", wait)
	}
}

func TestPacerThrottles(t *testing.T) {
	pacer := NewPacer(1000, 100) // 1000 B/s, 桶容量 1000
	pacer.OnSent(1000)
	if wait := pacer.TimeUntilSend(500); wait <= 0 {
		t.Error("令牌耗尽后应需要等待")
	}
}

func TestUnframeableMessageSkipped(t *testing.T) {
	p, w := newTestPipeline(4)
	ctx := context.Background()

	huge := protocol.NewNetworkMessage("test/huge", make([]byte, protocol.MaxUDPPayloadSize))
	p.Producer().Push(ctx, huge)
	p.Producer().Push(ctx, dataMsg(protocol.CongestionDrop))
	p.Close()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("无法组帧的消息不应终止 Run: %v", err)
	}

	if stats := p.GetStats(); stats.WriteErrors != 1 || stats.FramesSent != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
	if got := totalMessages(w.Batches(t)); got != 1 {
		t.Errorf("后续消息应正常发出, got %d", got)
	}
}

func TestWriteErrorStillPaced(t *testing.T) {
	p, w := newTestPipeline(4)
	w.err = errors.New("network down")

	p.Producer().Push(context.Background(), dataMsg(protocol.CongestionDrop))
	p.Close()
	_ = p.Run(context.Background())

	if stats := p.GetStats(); stats.PacerPackets != 1 {
		t.Errorf("写出失败的帧也应计入速率, got %d", stats.PacerPackets)
	}
}

func TestRateLimitedStats(t *testing.T) {
	w := &MockWriter{}
	// 1 Mbps, 桶容量 10 帧 x 1400B, 第 11 帧开始需要等待
	p := New(&Config{QueueSize: 32, BatchSize: 1400, RateMbps: 1, LogLevel: "error"}, w)
	ctx := context.Background()

	payload := make([]byte, 1300)
	for i := 0; i < 12; i++ {
		msg := protocol.NewNetworkMessage("test/paced", payload)
		msg.Express = true
		if !p.Producer().Push(ctx, msg) {
			t.Fatalf("第 %d 条消息应被接纳", i)
		}
	}
	p.Close()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run 失败: %v", err)
	}

	stats := p.GetStats()
	if stats.PacerPackets != stats.FramesSent || stats.FramesSent != 12 {
		t.Errorf("帧计数不一致: %+v", stats)
	}
	if stats.BytesThrottled == 0 {
		t.Error("超出突发容量后应有限速等待")
	}
}
