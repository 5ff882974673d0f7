// =============================================================================
// 文件: cmd/mcast-node/main.go
// 描述: 主程序入口 - 组播发布节点，集成共享内存与 Prometheus 指标
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/mcast/internal/config"
	"github.com/mrcgq/mcast/internal/link"
	"github.com/mrcgq/mcast/internal/metrics"
	"github.com/mrcgq/mcast/internal/pipeline"
	"github.com/mrcgq/mcast/internal/protocol"
	"github.com/mrcgq/mcast/internal/shm"
	"github.com/mrcgq/mcast/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径，空为默认配置")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	keyExpr := flag.String("key", "demo/mcast", "发布的键表达式")
	group := flag.String("group", "", "覆盖组播地址")
	priority := flag.String("priority", "", "发布优先级")
	block := flag.Bool("block", false, "队列满时阻塞等待")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *group != "" {
		cfg.Link.Group = *group
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	prio := protocol.PriorityData
	if *priority != "" {
		p, err := protocol.ParsePriority(*priority)
		if err != nil {
			fmt.Fprintf(os.Stderr, "参数错误: %v\n", err)
			os.Exit(1)
		}
		prio = p
	}

	// 链路
	mgr, err := link.NewManager(&link.Config{
		Group:           cfg.Link.Group,
		Interface:       cfg.Link.Interface,
		TTL:             cfg.Link.TTL,
		Loopback:        cfg.Link.Loopback,
		WriteBufferSize: cfg.Link.WriteBufferSize,
		Pipeline: &pipeline.Config{
			QueueSize: cfg.Pipeline.QueueSize,
			BatchSize: cfg.Pipeline.BatchSize,
			RateMbps:  cfg.Pipeline.RateMbps,
			LogLevel:  cfg.LogLevel,
		},
		LogLevel: cfg.LogLevel,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "链路配置错误: %v\n", err)
		os.Exit(1)
	}

	// 共享内存
	var segment *shm.Segment
	var mapper shm.Mapper
	if cfg.SHM.Enabled {
		segment, err = shm.NewSegment(&shm.SegmentConfig{
			Size:      cfg.SHM.SegmentSize(),
			ChunkSize: cfg.SHM.ChunkSize,
			Lease:     cfg.SHM.Lease(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "共享内存初始化失败: %v\n", err)
			os.Exit(1)
		}
		defer segment.Close()
		mapper = shm.NewPartnerMapper(segment, cfg.SHM.Threshold, cfg.SHM.PartnerCapable)
	}

	tx := transport.New(&transport.Config{
		LogLevel: cfg.LogLevel,
		Trace: &transport.TraceConfig{
			Window:   cfg.Trace.DedupWindow(),
			Capacity: cfg.Trace.Capacity,
		},
	}, mgr.Slot(), mapper)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var nodeMetrics *metrics.NodeMetrics

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		nodeMetrics = metrics.NewNodeMetrics(metricsServer.GetRegistry())

		metricsServer.MustRegisterCollector(metrics.NewTransportCollector(&transportStatsAdapter{tx.Stats(), tx.Tracer()}))
		metricsServer.MustRegisterCollector(metrics.NewLinkCollector(mgr))
		if segment != nil {
			metricsServer.MustRegisterCollector(metrics.NewSegmentCollector(segment))
		}

		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(mgr, tx, segment)
		})

		if err := metricsServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.Link.AutoOpen {
		if _, err := mgr.Open(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "链路打开失败: %v (稍后重试)\n", err)
		}
	}

	printBanner(cfg, mgr, metricsServer, *keyExpr)

	g, gctx := errgroup.WithContext(ctx)

	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Serve(gctx)
		})
	}

	if delay := cfg.Link.ReopenDelay(); delay > 0 {
		g.Go(func() error {
			return keepLinkUp(gctx, mgr, delay, nodeMetrics)
		})
	}

	g.Go(func() error {
		err := publishLines(gctx, os.Stdin, tx, *keyExpr, prio, *block, nodeMetrics)
		if err == nil {
			// 输入结束，正常退出
			cancel()
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "运行错误: %v\n", err)
	}

	fmt.Println("\n正在关闭...")
	mgr.Drain()
	mgr.Stop()

	s := tx.Stats().Snapshot()
	fmt.Printf("发送: %d  丢弃: %d  字节: %d\n", s.TxMsgs, s.TxDropped, s.TxBytes)
}

// keepLinkUp 链路丢失后按间隔重新打开
// transportStatsAdapter 为发送统计附加丢弃追踪计数
type transportStatsAdapter struct {
	*transport.Stats
	tracer *transport.DropTracer
}

func (a *transportStatsAdapter) GetTraceCounts() map[string]uint64 {
	return a.tracer.GetStats()
}

func keepLinkUp(ctx context.Context, mgr *link.Manager, delay time.Duration, nm *metrics.NodeMetrics) error {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if mgr.IsUp() {
				continue
			}
			if nm != nil {
				nm.RecordReopen()
			}
			if _, err := mgr.Open(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "链路重建失败: %v\n", err)
			}
		}
	}
}

// publishLines 每行输入作为一条消息发布
func publishLines(ctx context.Context, in *os.File, tx *transport.TransportMulticast,
	keyExpr string, prio protocol.Priority, block bool, nm *metrics.NodeMetrics) error {

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("读取输入: %w", err)
					}
				default:
				}
				return nil
			}

			key, payload := splitLine(keyExpr, line)
			if key == "" {
				if nm != nil {
					nm.RecordInputError()
				}
				continue
			}

			msg := protocol.NewNetworkMessage(key, []byte(payload))
			msg.Priority = prio
			if block {
				msg.Congestion = protocol.CongestionBlock
			}

			start := time.Now()
			sent := tx.Schedule(ctx, msg)
			if nm != nil {
				nm.RecordPublish(sent, len(payload), time.Since(start))
			}
		}
	}
}

// splitLine 支持 "key=payload" 覆盖默认键
func splitLine(defaultKey, line string) (string, string) {
	if i := strings.Index(line, "="); i > 0 && !strings.ContainsAny(line[:i], " \t") {
		return line[:i], line[i+1:]
	}
	return defaultKey, line
}

// =============================================================================
// 健康检查
// =============================================================================

func createHealthStatus(mgr *link.Manager, tx *transport.TransportMulticast, segment *shm.Segment) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Components: make(map[string]metrics.ComponentHealth),
	}

	ls := mgr.GetStats()
	if ls.Up {
		status.Components["link"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: ls.Link,
		}
	} else {
		status.Status = "degraded"
		status.Components["link"] = metrics.ComponentHealth{
			Status:  "degraded",
			Message: "no active pipeline",
		}
	}

	s := tx.Stats().Snapshot()
	status.Components["transport"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("sent: %d, dropped: %d", s.TxMsgs, s.TxDropped),
	}

	if segment != nil {
		used, total := segment.GetChunkUsage()
		state := "healthy"
		if used == total {
			state = "degraded"
		}
		status.Components["shm"] = metrics.ComponentHealth{
			Status:  state,
			Message: fmt.Sprintf("chunks: %d/%d", used, total),
		}
	}

	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("mcast-node v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  # 从标准输入逐行发布")
	fmt.Println("  echo hello | mcast-node -key demo/a")
	fmt.Println()
	fmt.Println("  # 行内指定键")
	fmt.Println("  echo 'demo/b=world' | mcast-node -c config.yaml")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}

func printBanner(cfg *config.Config, mgr *link.Manager, ms *metrics.MetricsServer, keyExpr string) {
	state := "未连接"
	if mgr.IsUp() {
		state = "已连接"
	}
	shmState := "关闭"
	if cfg.SHM.Enabled {
		shmState = fmt.Sprintf("%dMB / %d 字节块", cfg.SHM.SegmentSizeMB, cfg.SHM.ChunkSize)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║         mcast-node v%-45s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  组播地址: %-53s ║\n", cfg.Link.Group)
	fmt.Printf("║  链路状态: %-53s ║\n", state)
	fmt.Printf("║  发布键: %-55s ║\n", keyExpr)
	fmt.Printf("║  共享内存: %-53s ║\n", shmState)
	if ms != nil {
		fmt.Printf("║  指标: %-57s ║\n", ms.Addr()+cfg.Metrics.Path)
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
