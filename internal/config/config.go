// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 组播链路、发送管道、共享内存、诊断与监控
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Link     LinkConfig     `yaml:"link"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	SHM      SHMConfig      `yaml:"shm"`
	Trace    TraceConfig    `yaml:"trace"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LinkConfig 组播链路配置
type LinkConfig struct {
	Group           string `yaml:"group"`     // 组播地址 ip:port
	Interface       string `yaml:"interface"` // 出口网卡，空为系统默认
	TTL             int    `yaml:"ttl"`
	Loopback        bool   `yaml:"loopback"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	AutoOpen        bool   `yaml:"auto_open"`          // 启动时立即打开链路
	ReopenInterval  int    `yaml:"reopen_interval_ms"` // 链路丢失后重试间隔，0 不重试
}

// PipelineConfig 发送管道配置
type PipelineConfig struct {
	QueueSize int `yaml:"queue_size"` // 每个优先级的队列容量
	BatchSize int `yaml:"batch_size"` // 单帧最大字节数
	RateMbps  int `yaml:"rate_mbps"`  // 0 为不限速
}

// SHMConfig 共享内存配置
type SHMConfig struct {
	Enabled        bool `yaml:"enabled"`
	SegmentSizeMB  int  `yaml:"segment_size_mb"`
	ChunkSize      int  `yaml:"chunk_size"`
	LeaseMs        int  `yaml:"lease_ms"`
	Threshold      int  `yaml:"threshold"`       // 小于该长度的负载不映射
	PartnerCapable bool `yaml:"partner_capable"` // 组内对端是否支持共享内存
}

// TraceConfig 丢弃诊断配置
type TraceConfig struct {
	DedupWindowMs int  `yaml:"dedup_window_ms"` // -1 关闭去重
	Capacity      uint `yaml:"capacity"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Link: LinkConfig{
			Group:           "224.0.0.224:7447",
			TTL:             1,
			Loopback:        true,
			WriteBufferSize: 4 * 1024 * 1024,
			AutoOpen:        true,
			ReopenInterval:  1000,
		},

		Pipeline: PipelineConfig{
			QueueSize: 1024,
			BatchSize: 1400,
			RateMbps:  0,
		},

		SHM: SHMConfig{
			Enabled:        false,
			SegmentSizeMB:  16,
			ChunkSize:      64 * 1024,
			LeaseMs:        10000,
			Threshold:      4096,
			PartnerCapable: true,
		},

		Trace: TraceConfig{
			DedupWindowMs: 10000,
			Capacity:      10000,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("无效的 log_level: %s (支持: debug, info, error)", c.LogLevel)
	}

	if err := c.validateLinkConfig(); err != nil {
		return fmt.Errorf("链路配置错误: %w", err)
	}

	if c.Pipeline.QueueSize < 1 || c.Pipeline.QueueSize > 65536 {
		return fmt.Errorf("pipeline.queue_size 需在 1-65536 之间")
	}
	if c.Pipeline.BatchSize < 64 || c.Pipeline.BatchSize > 65507 {
		return fmt.Errorf("pipeline.batch_size 需在 64-65507 之间")
	}
	if c.Pipeline.RateMbps < 0 || c.Pipeline.RateMbps > 100000 {
		return fmt.Errorf("pipeline.rate_mbps 需在 0-100000 之间")
	}

	if c.SHM.Enabled {
		if err := c.validateSHMConfig(); err != nil {
			return fmt.Errorf("共享内存配置错误: %w", err)
		}
	}

	if c.Trace.DedupWindowMs < -1 {
		return fmt.Errorf("trace.dedup_window_ms 需 >= -1")
	}

	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.path 与 metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 冲突: %s", c.Metrics.Path)
		}
	}

	return nil
}

// validateLinkConfig 验证链路配置
func (c *Config) validateLinkConfig() error {
	host, portStr, err := net.SplitHostPort(c.Link.Group)
	if err != nil {
		return fmt.Errorf("group 格式错误: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("group 需为 IPv4 组播地址: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("group 端口无效: %s", portStr)
	}

	if c.Link.TTL < 1 || c.Link.TTL > 255 {
		return fmt.Errorf("ttl 需在 1-255 之间")
	}
	if c.Link.WriteBufferSize < 0 {
		return fmt.Errorf("write_buffer_size 不能为负")
	}
	if c.Link.ReopenInterval < 0 {
		return fmt.Errorf("reopen_interval_ms 不能为负")
	}
	return nil
}

// validateSHMConfig 验证共享内存配置
func (c *Config) validateSHMConfig() error {
	if c.SHM.ChunkSize < 1024 || c.SHM.ChunkSize > 16*1024*1024 {
		return fmt.Errorf("chunk_size 需在 1024-16777216 之间")
	}
	if c.SHM.SegmentSizeMB < 1 || c.SHM.SegmentSizeMB > 4096 {
		return fmt.Errorf("segment_size_mb 需在 1-4096 之间")
	}
	if c.SHM.SegmentSizeMB*1024*1024 < c.SHM.ChunkSize {
		return fmt.Errorf("segment_size_mb 不足一个 chunk")
	}
	if c.SHM.Threshold < 0 || c.SHM.Threshold > c.SHM.ChunkSize {
		return fmt.Errorf("threshold 需在 0-chunk_size 之间")
	}
	if c.SHM.LeaseMs < 100 {
		return fmt.Errorf("lease_ms 需 >= 100")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)

	// 单帧不超过套接字写缓冲
	if c.Link.WriteBufferSize > 0 && c.Pipeline.BatchSize > c.Link.WriteBufferSize {
		c.Pipeline.BatchSize = c.Link.WriteBufferSize
	}

	if c.SHM.Enabled && c.SHM.Threshold == 0 {
		c.SHM.Threshold = 4096
		if c.SHM.Threshold > c.SHM.ChunkSize {
			c.SHM.Threshold = c.SHM.ChunkSize
		}
	}

	if c.Trace.Capacity == 0 {
		c.Trace.Capacity = 10000
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 换算
// =============================================================================

// SegmentSize 共享内存段字节数
func (c *SHMConfig) SegmentSize() int {
	return c.SegmentSizeMB * 1024 * 1024
}

// Lease 块租约
func (c *SHMConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMs) * time.Millisecond
}

// DedupWindow 诊断去重窗口，关闭时为负
func (c *TraceConfig) DedupWindow() time.Duration {
	if c.DedupWindowMs < 0 {
		return -1
	}
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// ReopenDelay 链路重试间隔
func (c *LinkConfig) ReopenDelay() time.Duration {
	return time.Duration(c.ReopenInterval) * time.Millisecond
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# mcast-node 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, error (debug 输出丢弃诊断)

# 组播链路
link:
  group: "224.0.0.224:7447"         # 组播地址
  interface: ""                     # 出口网卡，空为系统默认
  ttl: 1                            # 组播 TTL
  loopback: true                    # 本机回环
  write_buffer_size: 4194304        # 套接字写缓冲 (字节)
  auto_open: true                   # 启动时打开链路
  reopen_interval_ms: 1000          # 链路丢失后重试间隔, 0 不重试

# 发送管道
pipeline:
  queue_size: 1024                  # 每个优先级的队列容量
  batch_size: 1400                  # 单帧最大字节数
  rate_mbps: 0                      # 速率上限, 0 为不限速

# 共享内存负载
shm:
  enabled: false
  segment_size_mb: 16               # 段大小
  chunk_size: 65536                 # 块大小
  lease_ms: 10000                   # 块租约, 到期自动回收
  threshold: 4096                   # 小于该长度的负载不映射
  partner_capable: true             # 组内对端是否支持共享内存

# 丢弃诊断
trace:
  dedup_window_ms: 10000            # 相同 (原因, 键) 的诊断去重窗口, -1 关闭
  capacity: 10000                   # 每个窗口预期的不同键数量

# 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# =============================================================================
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
