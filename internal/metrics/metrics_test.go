// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 指标收集器与健康检查测试
// =============================================================================
package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// =============================================================================
// Mock 组件
// =============================================================================

type mockTransportStats struct {
	msgs, dropped, bytes uint64
	outcomes             map[string]uint64
}

func (m *mockTransportStats) GetTxMsgs() uint64 { return m.msgs }
func (m *mockTransportStats) GetTxDropped() uint64 { return m.dropped }
func (m *mockTransportStats) GetTxBytes() uint64 { return m.bytes }
func (m *mockTransportStats) GetOutcomeCounts() map[string]uint64 { return m.outcomes }

type mockTracedStats struct {
	mockTransportStats
	traces map[string]uint64
}

func (m *mockTracedStats) GetTraceCounts() map[string]uint64 { return m.traces }

type mockLinkStats struct {
	up bool
}

func (m *mockLinkStats) IsUp() bool { return m.up }
func (m *mockLinkStats) GetLifecycleCounts() map[string]uint64 {
	return map[string]uint64{"open": 1, "close": 0}
}
func (m *mockLinkStats) GetQueueDepths() []int {
	if !m.up {
		return nil
	}
	return []int{0, 1, 2}
}
func (m *mockLinkStats) GetPipelineCounts() map[string]uint64 {
	if !m.up {
		return nil
	}
	return map[string]uint64{"pushed": 3}
}

type mockSegmentStats struct{}

func (mockSegmentStats) GetChunkUsage() (int, int) { return 3, 16 }
func (mockSegmentStats) GetAllocCounts() map[string]uint64 {
	return map[string]uint64{"alloc": 5, "free": 2}
}

// =============================================================================
// 收集器
// =============================================================================

func TestTransportCollector(t *testing.T) {
	stats := &mockTransportStats{
		msgs:    7,
		dropped: 3,
		bytes:   700,
		outcomes: map[string]uint64{
			"sent":          7,
			"no_link":       2,
			"push_rejected": 1,
		},
	}
	c := NewTransportCollector(stats)

	// 3 个计数 + 2 个丢弃原因 ("sent" 不导出)
	if n := testutil.CollectAndCount(c); n != 5 {
		t.Errorf("指标数量 = %d, want 5", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("采集失败: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "mcast_tx_msgs_total" {
			found = true
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 7 {
				t.Errorf("mcast_tx_msgs_total = %v, want 7", v)
			}
		}
	}
	if !found {
		t.Error("缺少 mcast_tx_msgs_total")
	}
}

func TestTransportCollectorTraces(t *testing.T) {
	stats := &mockTracedStats{
		mockTransportStats: mockTransportStats{outcomes: map[string]uint64{"no_link": 4}},
		traces:             map[string]uint64{"emitted": 1, "suppressed": 3},
	}
	c := NewTransportCollector(stats)

	// 3 个计数 + 1 个丢弃原因 + 2 个追踪状态
	if n := testutil.CollectAndCount(c); n != 6 {
		t.Errorf("指标数量 = %d, want 6", n)
	}
	if n := testutil.CollectAndCount(c, "mcast_tx_drop_traces_total"); n != 2 {
		t.Errorf("追踪指标数量 = %d, want 2", n)
	}

	// 未实现追踪接口时不导出
	plain := NewTransportCollector(&mockTransportStats{outcomes: map[string]uint64{}})
	if n := testutil.CollectAndCount(plain, "mcast_tx_drop_traces_total"); n != 0 {
		t.Errorf("无追踪统计时不应导出, got %d", n)
	}
}

func TestLinkCollector(t *testing.T) {
	up := NewLinkCollector(&mockLinkStats{up: true})
	// up + 2 事件 + 3 队列 + 1 管道
	if n := testutil.CollectAndCount(up); n != 7 {
		t.Errorf("链路在线时指标数量 = %d, want 7", n)
	}

	if n := testutil.CollectAndCount(up, "mcast_pipeline_events"); n != 1 {
		t.Errorf("管道指标数量 = %d, want 1", n)
	}

	down := NewLinkCollector(&mockLinkStats{up: false})
	if n := testutil.CollectAndCount(down); n != 3 {
		t.Errorf("链路离线时指标数量 = %d, want 3", n)
	}
}

func TestSegmentCollector(t *testing.T) {
	c := NewSegmentCollector(mockSegmentStats{})
	if n := testutil.CollectAndCount(c); n != 4 {
		t.Errorf("指标数量 = %d, want 4", n)
	}
}

func TestNodeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNodeMetrics(reg)

	m.RecordPublish(true, 100, time.Millisecond)
	m.RecordPublish(false, 100, time.Millisecond)
	m.RecordPublish(true, 100, time.Millisecond)
	m.RecordInputError()

	if v := testutil.ToFloat64(m.Published.WithLabelValues("sent")); v != 2 {
		t.Errorf("sent = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.Published.WithLabelValues("dropped")); v != 1 {
		t.Errorf("dropped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.InputErrors); v != 1 {
		t.Errorf("input errors = %v, want 1", v)
	}
}

// =============================================================================
// HTTP 服务
// =============================================================================

func TestMetricsServerEndpoints(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	s.MustRegisterCollector(NewTransportCollector(&mockTransportStats{outcomes: map[string]uint64{}}))

	var linkDown atomic.Bool
	s.SetHealthCheck(func() HealthStatus {
		status := "healthy"
		if linkDown.Load() {
			status = "degraded"
		}
		return HealthStatus{Status: status, Version: "test"}
	})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	body := new(strings.Builder)
	_, _ = io.Copy(body, resp.Body)
	resp.Body.Close()
	if !strings.Contains(body.String(), "mcast_tx_dropped_total") {
		t.Error("/metrics 缺少 mcast_tx_dropped_total")
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("请求 /health 失败: %v", err)
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("解析健康状态失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || status.Version != "test" || status.Uptime == "" {
		t.Errorf("健康状态错误: %d %+v", resp.StatusCode, status)
	}

	linkDown.Store(true)
	resp, _ = http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("degraded 时 /health 应返回 503, got %d", resp.StatusCode)
	}
	resp, _ = http.Get(srv.URL + "/health/ready")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("degraded 时 /health/ready 应返回 200, got %d", resp.StatusCode)
	}

	s.SetHealthy(false)
	resp, _ = http.Get(srv.URL + "/health/live")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("不健康时 /health/live 应返回 503, got %d", resp.StatusCode)
	}
}
