// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/relm/internal/transport"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("基础配置默认值", func(t *testing.T) {
		if cfg.Listen != ":54321" {
			t.Errorf("Listen 默认值错误: got %s, want :54321", cfg.Listen)
		}
		if cfg.Mode != ModeServer {
			t.Errorf("Mode 默认值错误: got %s, want server", cfg.Mode)
		}
		if cfg.Transport != "udp" {
			t.Errorf("Transport 默认值错误: got %s, want udp", cfg.Transport)
		}
		if cfg.PSK != "" {
			t.Error("PSK 默认应为空")
		}
	})

	t.Run("引擎配置默认值", func(t *testing.T) {
		if cfg.Engine.RetransmitTimeoutMs != 300 {
			t.Errorf("RetransmitTimeoutMs 默认值错误: got %d, want 300", cfg.Engine.RetransmitTimeoutMs)
		}
		if cfg.Engine.AckIntervalMs != 1000 {
			t.Errorf("AckIntervalMs 默认值错误: got %d, want 1000", cfg.Engine.AckIntervalMs)
		}
		if cfg.Engine.AckThreshold != 10 {
			t.Errorf("AckThreshold 默认值错误: got %d, want 10", cfg.Engine.AckThreshold)
		}
		if !cfg.Engine.EnableNack {
			t.Error("EnableNack 默认应为 true")
		}
	})

	t.Run("链路配置默认值", func(t *testing.T) {
		if cfg.Link.LossRate != 0.1 || cfg.Link.DelayUnitMs != 100 || cfg.Link.DelayP != 0.5 {
			t.Errorf("丢包模型默认值错误: %+v", cfg.Link)
		}
	})

	t.Run("默认配置有效", func(t *testing.T) {
		if err := cfg.Validate(); err != nil {
			t.Errorf("默认配置应有效: %v", err)
		}
	})
}

// =============================================================================
// 验证测试
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"无效模式", func(c *Config) { c.Mode = "auto" }, "mode"},
		{"无效传输", func(c *Config) { c.Transport = "faketcp" }, "transport"},
		{"无效监听", func(c *Config) { c.Listen = "abc" }, "listen"},
		{"客户端缺少对端", func(c *Config) { c.Mode = ModeClient; c.Peer = "" }, "peer"},
		{"客户端对端格式", func(c *Config) { c.Mode = ModeClient; c.Peer = "localhost" }, "peer"},
		{"重传超时为 0", func(c *Config) { c.Engine.RetransmitTimeoutMs = 0 }, "retransmit_timeout_ms"},
		{"ACK 间隔过大", func(c *Config) { c.Engine.AckIntervalMs = 60001 }, "ack_interval_ms"},
		{"ACK 阈值为负", func(c *Config) { c.Engine.AckThreshold = -1 }, "ack_threshold"},
		{"交付延迟为负", func(c *Config) { c.Engine.DeliveryDelayMs = -5 }, "delivery_delay_ms"},
		{"丢包率越界", func(c *Config) { c.Link.LossRate = 1.5 }, "loss_rate"},
		{"延迟参数越界", func(c *Config) { c.Link.DelayP = -0.1 }, "delay_p"},
		{"空闲超时为负", func(c *Config) { c.Link.IdleTimeoutMs = -1 }, "idle_timeout_ms"},
		{"空闲超时过短", func(c *Config) { c.Link.IdleTimeoutMs = 100 }, "idle_timeout_ms"},
		{"无效角色", func(c *Config) { c.App.Role = "echo" }, "app.role"},
		{"ping 次数为 0", func(c *Config) { c.App.Role = RolePing; c.App.NumPings = 0 }, "num_pings"},
		{"时间窗口越界", func(c *Config) { c.PSK = "x"; c.TimeWindow = 0 }, "time_window"},
		{"WS 路径", func(c *Config) { c.Transport = "websocket"; c.WebSocket.Path = "relm" }, "path"},
		{"WS TLS 缺少证书", func(c *Config) {
			c.Transport = "websocket"
			c.WebSocket.TLS = true
		}, "cert_file"},
		{"WS 客户端协议", func(c *Config) {
			c.Mode = ModeClient
			c.Transport = "websocket"
			c.Peer = "http://example.com/relm"
		}, "ws"},
		{"监控端口冲突", func(c *Config) {
			c.Transport = "tcp"
			c.Metrics.Enabled = true
			c.Metrics.Listen = ":54321"
		}, "冲突"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("应该返回错误")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息应包含 %q: %v", tt.wantErr, err)
			}
		})
	}

	t.Run("UDP 与监控同端口", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = ":54321"
		if err := cfg.Validate(); err != nil {
			t.Errorf("UDP 与 TCP 端口不冲突: %v", err)
		}
	})

	t.Run("未配置 PSK 不校验时间窗口", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TimeWindow = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("不应报错: %v", err)
		}
	})
}

// =============================================================================
// 同步与转换测试
// =============================================================================

func TestConfigSync(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = " Client "
	cfg.Transport = "WSS"
	cfg.App.Role = "PING"
	cfg.WebSocket.Path = ""
	cfg.syncRelatedConfig()

	if cfg.Mode != ModeClient || cfg.App.Role != RolePing {
		t.Errorf("大小写未规范化: mode=%s role=%s", cfg.Mode, cfg.App.Role)
	}
	if cfg.Transport != transport.KindWebSocket || !cfg.WebSocket.TLS {
		t.Errorf("wss 应同步为 websocket + tls: %s %v", cfg.Transport, cfg.WebSocket.TLS)
	}
	if cfg.WebSocket.Path != "/relm" {
		t.Errorf("Path 应补全默认值: %s", cfg.WebSocket.Path)
	}
	if got := cfg.PeerURL(); got != "wss://127.0.0.1:54321/relm" {
		t.Errorf("PeerURL = %s", got)
	}

	cfg.Peer = "ws://cdn.example.com/x"
	if got := cfg.PeerURL(); got != cfg.Peer {
		t.Errorf("完整 URL 应原样返回: %s", got)
	}
}

func TestToEngineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.RetransmitTimeoutMs = 250
	cfg.Engine.AckIntervalMs = 40
	cfg.Engine.AckThreshold = 0
	cfg.Engine.DeliveryDelayMs = 7
	cfg.Engine.EnableNack = false

	ec := cfg.ToEngineConfig()
	if ec.RetransmitTimeout != 250*time.Millisecond || ec.AckInterval != 40*time.Millisecond {
		t.Errorf("计时参数转换错误: %+v", ec)
	}
	if ec.AckThreshold != 0 || ec.DeliveryDelay != 7*time.Millisecond || ec.EnableNack {
		t.Errorf("引擎参数转换错误: %+v", ec)
	}
	if err := ec.Validate(); err != nil {
		t.Errorf("转换结果应有效: %v", err)
	}
}

func TestToLinkConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Link.Seed = 42

	lc := cfg.ToLinkConfig("node")
	if lc.Name != "node" {
		t.Errorf("Name 错误: %s", lc.Name)
	}
	rp, ok := lc.Policy.(*transport.RandomPolicy)
	if !ok {
		t.Fatalf("应为 RandomPolicy: %T", lc.Policy)
	}
	if rp.LossRate != 0.1 || rp.DelayUnit != 100*time.Millisecond || rp.DelayP != 0.5 {
		t.Errorf("策略参数错误: %+v", rp)
	}
	if lc.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want 30s", lc.IdleTimeout)
	}

	cfg.Link.Disabled = true
	if _, ok := cfg.ToLossPolicy().(transport.NoLoss); !ok {
		t.Error("disabled 时应为 NoLoss")
	}
}

func TestToUTLSConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebSocket.Fingerprint = "firefox"
	cfg.WebSocket.InsecureSkipVerify = true
	cfg.WebSocket.ServerName = "cdn.example.com"

	uc := cfg.ToUTLSConfig()
	if uc.Fingerprint != transport.FingerprintFirefox || !uc.InsecureSkipVerify || uc.ServerName != "cdn.example.com" {
		t.Errorf("uTLS 配置转换错误: %+v", uc)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":54321", 54321, false},
		{"0.0.0.0:8080", 8080, false},
		{"[::1]:443", 443, false},
		{"9100", 9100, false},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePort(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePort(%q) err = %v", tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePort(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}

// =============================================================================
// 文件加载测试
// =============================================================================

func TestLoad(t *testing.T) {
	t.Run("文件不存在", func(t *testing.T) {
		if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
			t.Error("加载不存在的文件应该报错")
		}
	})

	t.Run("有效配置文件", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		configContent := `
mode: "client"
peer: "10.0.0.2:6000"
transport: "tcp"
engine:
  retransmit_timeout_ms: 500
  ack_threshold: 4
link:
  loss_rate: 0.3
  seed: 9
app:
  role: "ping"
  num_pings: 100
`
		if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
			t.Fatalf("创建临时配置文件失败: %v", err)
		}

		cfg, err := Load(configPath)
		if err != nil {
			t.Fatalf("加载配置文件失败: %v", err)
		}
		if cfg.Mode != ModeClient || cfg.Peer != "10.0.0.2:6000" || cfg.Transport != "tcp" {
			t.Errorf("基础配置错误: %+v", cfg)
		}
		if cfg.Engine.RetransmitTimeoutMs != 500 || cfg.Engine.AckThreshold != 4 {
			t.Errorf("引擎配置错误: %+v", cfg.Engine)
		}
		// 未出现的字段保持默认值
		if cfg.Engine.AckIntervalMs != 1000 || cfg.Link.DelayUnitMs != 100 {
			t.Errorf("默认值被覆盖: %+v %+v", cfg.Engine, cfg.Link)
		}
		if cfg.Link.LossRate != 0.3 || cfg.Link.Seed != 9 {
			t.Errorf("链路配置错误: %+v", cfg.Link)
		}
		if cfg.App.Role != RolePing || cfg.App.NumPings != 100 {
			t.Errorf("应用配置错误: %+v", cfg.App)
		}
	})

	t.Run("无效 YAML", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(configPath, []byte("mode: [unclosed"), 0644)
		if _, err := Load(configPath); err == nil {
			t.Error("无效 YAML 应该报错")
		}
	})

	t.Run("验证失败", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		os.WriteFile(configPath, []byte("link:\n  loss_rate: 2\n"), 0644)
		if _, err := Load(configPath); err == nil {
			t.Error("无效配置应该报错")
		}
	})
}

func TestExampleConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "example.yaml")
	if err := WriteExampleConfig(configPath); err != nil {
		t.Fatalf("写入示例配置失败: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("示例配置应可加载: %v", err)
	}

	want := DefaultConfig()
	if cfg.Engine != want.Engine || cfg.Link != want.Link || cfg.App != want.App {
		t.Errorf("示例配置应与默认值一致:\n got %+v\nwant %+v", cfg, want)
	}
}
