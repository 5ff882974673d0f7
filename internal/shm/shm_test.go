// =============================================================================
// 文件: internal/shm/shm_test.go
// 描述: 共享内存段与负载映射测试
// =============================================================================
package shm

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/mrcgq/mcast/internal/protocol"
)

func newTestSegment(t *testing.T, chunks int) *Segment {
	t.Helper()
	seg, err := NewSegment(&SegmentConfig{
		ID:        99,
		Size:      chunks * minChunkSize,
		ChunkSize: minChunkSize,
		Lease:     time.Hour,
	})
	if err != nil {
		t.Fatalf("创建共享内存段失败: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

// =============================================================================
// Segment 测试
// =============================================================================

func TestSegmentAllocReadFree(t *testing.T) {
	seg := newTestSegment(t, 4)
	data := bytes.Repeat([]byte("ab"), 300)

	ref, err := seg.Alloc(data)
	if err != nil {
		t.Fatalf("分配失败: %v", err)
	}
	if ref.SegmentID != 99 || ref.Length != uint32(len(data)) {
		t.Errorf("描述符错误: %v", ref)
	}

	got, err := seg.Read(ref)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("读取数据不一致")
	}

	if err := seg.Free(ref); err != nil {
		t.Fatalf("释放失败: %v", err)
	}
	if _, err := seg.Read(ref); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("释放后读取应返回 ErrInvalidRef, got %v", err)
	}
	if err := seg.Free(ref); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("重复释放应返回 ErrInvalidRef, got %v", err)
	}
}

func TestSegmentFull(t *testing.T) {
	seg := newTestSegment(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := seg.Alloc([]byte{byte(i)}); err != nil {
			t.Fatalf("第 %d 次分配失败: %v", i, err)
		}
	}
	if _, err := seg.Alloc([]byte{9}); !errors.Is(err, ErrSegmentFull) {
		t.Errorf("段满应返回 ErrSegmentFull, got %v", err)
	}

	stats := seg.GetStats()
	if stats.FreeChunks != 0 || stats.Allocs != 2 || stats.Failures != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestSegmentChunkTooLarge(t *testing.T) {
	seg := newTestSegment(t, 2)
	if _, err := seg.Alloc(make([]byte, minChunkSize+1)); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("应返回 ErrChunkTooLarge, got %v", err)
	}
}

func TestSegmentStaleGeneration(t *testing.T) {
	seg := newTestSegment(t, 1)

	ref1, _ := seg.Alloc([]byte("first"))
	_ = seg.Free(ref1)
	ref2, err := seg.Alloc([]byte("first"))
	if err != nil {
		t.Fatalf("再次分配失败: %v", err)
	}
	if ref2.Offset != ref1.Offset || ref2.Generation == ref1.Generation {
		t.Fatalf("同一块应递增代数: %v vs %v", ref1, ref2)
	}
	if _, err := seg.Read(ref1); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("旧代数描述符应失效, got %v", err)
	}
}

func TestSegmentForeignRef(t *testing.T) {
	seg := newTestSegment(t, 1)
	ref := &protocol.ShmRef{SegmentID: 1, Offset: 0, Length: 1, Generation: 1}
	if _, err := seg.Read(ref); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("外部段描述符应返回 ErrInvalidRef, got %v", err)
	}
}

func TestSegmentReclaim(t *testing.T) {
	seg := newTestSegment(t, 2)

	ref, _ := seg.Alloc([]byte("lease"))
	if n := seg.Reclaim(time.Now()); n != 0 {
		t.Errorf("租约未到期不应回收, got %d", n)
	}
	if n := seg.Reclaim(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Errorf("应回收 1 块, got %d", n)
	}
	if _, err := seg.Read(ref); !errors.Is(err, ErrInvalidRef) {
		t.Errorf("回收后描述符应失效, got %v", err)
	}
	if stats := seg.GetStats(); stats.FreeChunks != 2 || stats.Reclaimed != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
}

func TestSegmentClosed(t *testing.T) {
	seg := newTestSegment(t, 1)
	if err := seg.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if _, err := seg.Alloc([]byte("x")); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("关闭后分配应返回 ErrSegmentClosed, got %v", err)
	}
}

// =============================================================================
// Mapper 测试
// =============================================================================

func TestNoopMapper(t *testing.T) {
	msg := protocol.NewNetworkMessage("k", bytes.Repeat([]byte{1}, 10000))
	if err := (NoopMapper{}).Map(msg); err != nil {
		t.Fatalf("NoopMapper 不应失败: %v", err)
	}
	if msg.IsShm() || len(msg.Payload) != 10000 {
		t.Error("NoopMapper 不应修改消息")
	}
}

func TestPartnerMapperToShm(t *testing.T) {
	seg := newTestSegment(t, 2)
	m := NewPartnerMapper(seg, 16, true)

	small := protocol.NewNetworkMessage("k", []byte("tiny"))
	if err := m.Map(small); err != nil {
		t.Fatalf("映射失败: %v", err)
	}
	if small.IsShm() {
		t.Error("低于阈值的负载不应映射")
	}

	payload := bytes.Repeat([]byte("z"), 512)
	big := protocol.NewNetworkMessage("k", payload)
	if err := m.Map(big); err != nil {
		t.Fatalf("映射失败: %v", err)
	}
	if !big.IsShm() || big.Payload != nil {
		t.Fatal("大负载应映射到共享内存")
	}

	got, err := seg.Read(big.Shm)
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("共享内存内容不一致: %v", err)
	}
}

func TestPartnerMapperFailureLeavesMessageIntact(t *testing.T) {
	seg := newTestSegment(t, 1)
	m := NewPartnerMapper(seg, 16, true)

	_ = m.Map(protocol.NewNetworkMessage("k", bytes.Repeat([]byte("a"), 64)))

	payload := bytes.Repeat([]byte("b"), 64)
	msg := protocol.NewNetworkMessage("k", payload)
	err := m.Map(msg)
	if !errors.Is(err, ErrMapping) || !errors.Is(err, ErrSegmentFull) {
		t.Fatalf("应返回 ErrMapping+ErrSegmentFull, got %v", err)
	}
	if msg.IsShm() || !bytes.Equal(msg.Payload, payload) {
		t.Error("映射失败时消息不应被修改")
	}
}

func TestPartnerMapperFromShm(t *testing.T) {
	seg := newTestSegment(t, 2)
	m := NewPartnerMapper(seg, 16, true)

	payload := bytes.Repeat([]byte("q"), 100)
	msg := protocol.NewNetworkMessage("k", payload)
	if err := m.Map(msg); err != nil {
		t.Fatalf("映射失败: %v", err)
	}
	ref := msg.Shm

	m.SetPartnerCapable(false)
	if err := m.Map(msg); err != nil {
		t.Fatalf("还原失败: %v", err)
	}
	if msg.IsShm() || !bytes.Equal(msg.Payload, payload) {
		t.Error("应还原为原始负载")
	}
	if _, err := seg.Read(ref); !errors.Is(err, ErrInvalidRef) {
		t.Error("还原后块应已释放")
	}

	stats := m.GetStats()
	if stats["mapped"] != 1 || stats["unmapped"] != 1 {
		t.Errorf("统计错误: %v", stats)
	}
}

func TestPartnerMapperStaleRef(t *testing.T) {
	seg := newTestSegment(t, 1)
	m := NewPartnerMapper(seg, 16, false)

	ref := &protocol.ShmRef{SegmentID: seg.ID(), Offset: 0, Length: 8, Generation: 5}
	msg := protocol.NewNetworkMessage("k", nil)
	msg.Shm = ref

	if err := m.Map(msg); !errors.Is(err, ErrMapping) {
		t.Fatalf("失效描述符应返回 ErrMapping, got %v", err)
	}
	if msg.Shm != ref || msg.Payload != nil {
		t.Error("映射失败时消息不应被修改")
	}
}

func TestPartnerMapperRelease(t *testing.T) {
	seg := newTestSegment(t, 1)
	m := NewPartnerMapper(seg, 16, true)

	msg := protocol.NewNetworkMessage("k", bytes.Repeat([]byte("r"), 128))
	if err := m.Map(msg); err != nil {
		t.Fatalf("映射失败: %v", err)
	}
	if used, _ := seg.GetChunkUsage(); used != 1 {
		t.Fatalf("映射后应占用 1 块, got %d", used)
	}

	m.Release(msg)
	if used, _ := seg.GetChunkUsage(); used != 0 {
		t.Errorf("释放后应无占用, got %d", used)
	}

	// 重复释放与无描述符的消息都应忽略
	m.Release(msg)
	m.Release(protocol.NewNetworkMessage("k", []byte("raw")))
	if stats := m.GetStats(); stats["released"] != 1 {
		t.Errorf("released = %d, want 1", stats["released"])
	}

	// 段恢复可用
	next := protocol.NewNetworkMessage("k", bytes.Repeat([]byte("s"), 128))
	if err := m.Map(next); err != nil {
		t.Errorf("释放后应能再次映射: %v", err)
	}
}
