// =============================================================================
// 文件: cmd/relm-node/main.go
// 描述: 主程序入口 - 可靠性引擎 + 不可靠链路 + ping/pong 应用, 可选 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/relm/internal/app"
	"github.com/mrcgq/relm/internal/arq"
	"github.com/mrcgq/relm/internal/config"
	"github.com/mrcgq/relm/internal/crypto"
	"github.com/mrcgq/relm/internal/logging"
	"github.com/mrcgq/relm/internal/metrics"
	"github.com/mrcgq/relm/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (为空时使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	// 覆盖配置
	mode := flag.String("mode", "", "运行模式: server/client")
	listen := flag.String("listen", "", "监听地址")
	peer := flag.String("peer", "", "对端地址")
	transportKind := flag.String("transport", "", "传输方式: udp/tcp/websocket")
	role := flag.String("role", "", "应用角色: ping/pong")
	pings := flag.Int("pings", 0, "ping 角色的往返次数")
	logLevel := flag.String("log", "", "日志级别: debug/info/error")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		psk, err := crypto.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(psk)
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

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if *transportKind != "" {
		cfg.Transport = *transportKind
	}
	if *role != "" {
		cfg.App.Role = *role
	}
	if *pings > 0 {
		cfg.App.NumPings = *pings
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("", logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// run 组装并运行节点, 会话结束或收到信号后返回
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	name := fmt.Sprintf("%s-%s", cfg.App.Role, cfg.Mode)
	nodeLog := logger.With("Node")
	nodeLog.Infof("%s 启动 (transport=%s, log=%s)", name, cfg.Transport, logging.LevelName(logger.Level()))
	nodeLog.Debugf("引擎配置: %+v", *cfg.ToEngineConfig())
	nodeLog.Debugf("链路配置: %+v", cfg.Link)

	// Metrics
	var metricsServer *metrics.MetricsServer
	var relmMetrics *metrics.RelmMetrics
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			logger,
		)
		relmMetrics = metrics.NewRelmMetrics(metricsServer.GetRegistry())
	}

	// 应用
	var application arq.Application
	var ping *app.Ping
	var pong *app.Pong
	if cfg.App.Role == config.RolePing {
		ping = app.NewPing(cfg.App.NumPings, logger)
		application = ping
		if relmMetrics != nil {
			ping.OnRoundTrip(func(rtt time.Duration) { relmMetrics.RecordRoundTrip(name, rtt) })
		}
	} else {
		pong = app.NewPong(logger)
		application = pong
	}

	// 引擎
	opts := []arq.Option{arq.WithLogger(logger), arq.WithName(name)}
	if relmMetrics != nil {
		opts = append(opts, arq.WithObserver(relmMetrics.Observer(name)))
	}
	engine, err := arq.NewEngine(application, cfg.ToEngineConfig(), opts...)
	if err != nil {
		return fmt.Errorf("创建引擎失败: %w", err)
	}
	if ping != nil {
		ping.Attach(engine)
	} else {
		pong.Attach(engine)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("启动引擎失败: %w", err)
	}
	defer engine.Close()

	// 链路
	conn, err := connect(ctx, cfg, engine, logger)
	if err != nil {
		return err
	}

	linkCfg := cfg.ToLinkConfig(name)
	if cfg.PSK != "" {
		sealer, err := crypto.New(cfg.PSK, cfg.TimeWindow)
		if err != nil {
			conn.Close()
			return fmt.Errorf("加密模块错误: %w", err)
		}
		defer sealer.Close()
		linkCfg.Sealer = sealer
	}
	link := transport.NewLink(conn, engine, linkCfg, logger)

	if metricsServer != nil {
		metricsServer.MustRegisterCollector(metrics.NewEngineCollector(engine))
		metricsServer.MustRegisterCollector(metrics.NewLinkCollector(link))
		metricsServer.SetHealthCheck(metrics.EngineHealth(Version, engine))
	}

	printBanner(cfg, name, conn)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := link.Run(gctx)
		if errors.Is(err, transport.ErrRemoteLinkUnreachable) {
			nodeLog.Infof("对端已断开")
			return nil
		}
		return err
	})

	// 引擎拆除即会话结束
	g.Go(func() error {
		select {
		case <-engine.Done():
		case <-gctx.Done():
			engine.Close()
			<-engine.Done()
		}
		cancel()
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Run(gctx)
		})
	}

	if ping != nil {
		g.Go(func() error {
			if !waitRunning(gctx, engine) {
				return nil
			}
			start := time.Now()
			if err := ping.Kickoff(); err != nil {
				return err
			}
			select {
			case <-ping.Done():
				nodeLog.Infof("%d 次往返完成, 耗时 %v", ping.Count(), time.Since(start).Round(time.Millisecond))
			case <-gctx.Done():
			}
			return nil
		})
	}

	err = g.Wait()
	printSummary(engine.Stats(), link.Stats())

	if err != nil {
		return err
	}
	if reason := engine.Err(); reason != nil &&
		!errors.Is(reason, context.Canceled) && !errors.Is(reason, transport.ErrRemoteLinkUnreachable) {
		return reason
	}
	return nil
}

// connect 按模式与传输方式建立帧连接
func connect(ctx context.Context, cfg *config.Config, engine *arq.Engine, logger *logging.Logger) (transport.FrameConn, error) {
	server := cfg.Mode == config.ModeServer

	switch cfg.Transport {
	case transport.KindUDP:
		if server {
			return transport.ListenUDP(cfg.Listen, nil, logger)
		}
		return transport.DialUDP(cfg.Peer, nil, logger)

	case transport.KindTCP:
		if server {
			logger.Infof("等待 TCP 连接: %s", cfg.Listen)
			return transport.AcceptTCP(ctx, cfg.Listen)
		}
		return transport.DialTCP(ctx, cfg.Peer)

	case transport.KindWebSocket:
		if server {
			srv := transport.NewWSServer(cfg.WebSocket.Path, cfg.WebSocket.Host, logger)
			certFile, keyFile := "", ""
			if cfg.WebSocket.TLS {
				certFile, keyFile = cfg.WebSocket.CertFile, cfg.WebSocket.KeyFile
			}
			if err := srv.Start(cfg.Listen, certFile, keyFile); err != nil {
				return nil, err
			}
			// HTTP 服务随引擎关闭
			engine.Link(srv)
			return srv.Accept(ctx)
		}
		return transport.DialWS(ctx, &transport.WSDialConfig{
			URL:  cfg.PeerURL(),
			Host: cfg.WebSocket.Host,
			TLS:  cfg.ToUTLSConfig(),
		}, logger)
	}

	return nil, fmt.Errorf("不支持的传输方式: %s", cfg.Transport)
}

// waitRunning 等待引擎完成引导; 引导阶段的发送会被丢弃
func waitRunning(ctx context.Context, engine *arq.Engine) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch engine.State() {
		case arq.StateRunning:
			return true
		case arq.StateStopped:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("relm-node v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("传输方式:")
	fmt.Println("  - udp       : 数据报, server 锁定第一个来源")
	fmt.Println("  - tcp       : 2 字节长度前缀分帧")
	fmt.Println("  - websocket : 每帧一条二进制消息, wss 使用浏览器 TLS 指纹")
}

func printBanner(cfg *config.Config, name string, conn transport.FrameConn) {
	encryption := "off"
	if cfg.PSK != "" {
		encryption = "ChaCha20-Poly1305"
	}
	lossModel := fmt.Sprintf("loss=%.2f delay=%dms×Geom(%.2f)", cfg.Link.LossRate, cfg.Link.DelayUnitMs, cfg.Link.DelayP)
	if cfg.Link.Disabled {
		lossModel = "off"
	}

	data := pterm.TableData{
		{"节点", name},
		{"传输", fmt.Sprintf("%s (%s)", cfg.Transport, cfg.Mode)},
		{"本地", conn.LocalAddr().String()},
		{"加密", encryption},
		{"丢包模型", lossModel},
		{"重传超时", fmt.Sprintf("%dms", cfg.Engine.RetransmitTimeoutMs)},
		{"ACK", fmt.Sprintf("每 %dms / 阈值 %d / nack=%v", cfg.Engine.AckIntervalMs, cfg.Engine.AckThreshold, cfg.Engine.EnableNack)},
	}
	if cfg.App.Role == config.RolePing {
		data = append(data, []string{"往返次数", fmt.Sprint(cfg.App.NumPings)})
	}
	if cfg.Metrics.Enabled {
		data = append(data, []string{"Metrics", cfg.Metrics.Listen + cfg.Metrics.Path})
	}

	pterm.DefaultSection.Println("relm-node v" + Version)
	pterm.DefaultTable.WithData(data).Render()
}

func printSummary(es arq.Stats, ls transport.LinkStats) {
	pterm.DefaultSection.Println("统计")
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"项目", "数值"},
		{"发送 / 重传 (超时, nack)", fmt.Sprintf("%d / %d (%d, %d)", es.MessagesSent, es.Retransmits, es.TimeoutRetransmits, es.NackRetransmits)},
		{"交付 / 提前 / 旧 / 重复", fmt.Sprintf("%d / %d / %d / %d", es.Delivered, es.Early, es.Stale, es.DuplicateEarly)},
		{"ACK 发送 / 接收", fmt.Sprintf("%d / %d", es.AcksSent, es.AcksReceived)},
		{"帧 收 / 发", fmt.Sprintf("%d / %d", ls.FramesIn, ls.FramesOut)},
		{"丢弃 / 延迟", fmt.Sprintf("%d / %d", ls.Lost, ls.Delayed)},
		{"运行时间", es.Uptime.Round(time.Millisecond).String()},
	}).Render()
}
