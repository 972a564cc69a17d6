// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 节点角色、传输方式、引擎计时参数与链路丢包模型
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/relm/internal/arq"
	"github.com/mrcgq/relm/internal/transport"
)

// 运行模式
const (
	ModeServer = "server"
	ModeClient = "client"
)

// 应用角色
const (
	RolePing = "ping"
	RolePong = "pong"
)

// Config 主配置
type Config struct {
	Listen     string `yaml:"listen"`
	Peer       string `yaml:"peer"`
	Mode       string `yaml:"mode"`      // server, client
	Transport  string `yaml:"transport"` // udp, tcp, websocket
	LogLevel   string `yaml:"log_level"`
	PSK        string `yaml:"psk"` // 为空时帧不加密
	TimeWindow int    `yaml:"time_window"`

	Engine    EngineConfig    `yaml:"engine"`
	Link      LinkConfig      `yaml:"link"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	App       AppConfig       `yaml:"app"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EngineConfig 可靠性引擎配置
type EngineConfig struct {
	RetransmitTimeoutMs int  `yaml:"retransmit_timeout_ms"`
	AckIntervalMs       int  `yaml:"ack_interval_ms"`
	AckThreshold        int  `yaml:"ack_threshold"` // 0 表示只发周期 ACK
	DeliveryDelayMs     int  `yaml:"delivery_delay_ms"`
	EnableNack          bool `yaml:"enable_nack"`
}

// LinkConfig 入站丢包/延迟模型
type LinkConfig struct {
	LossRate    float64 `yaml:"loss_rate"`
	DelayUnitMs int     `yaml:"delay_unit_ms"`
	DelayP      float64 `yaml:"delay_p"`
	Seed        int64   `yaml:"seed"` // 0 表示按时间取种
	Disabled    bool    `yaml:"disabled"`

	// 收到对端首帧后超过该时长无数据即认为对端已离开, 0 表示不检测
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	TLS      bool   `yaml:"tls"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// 客户端
	Fingerprint        string `yaml:"fingerprint"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// AppConfig 应用配置
type AppConfig struct {
	Role     string `yaml:"role"` // ping, pong
	NumPings int    `yaml:"num_pings"`
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

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":54321",
		Peer:       "127.0.0.1:54321",
		Mode:       ModeServer,
		Transport:  transport.KindUDP,
		LogLevel:   "info",
		TimeWindow: 30,

		Engine: EngineConfig{
			RetransmitTimeoutMs: int(arq.DefaultRetransmitTimeout / time.Millisecond),
			AckIntervalMs:       int(arq.DefaultAckInterval / time.Millisecond),
			AckThreshold:        arq.DefaultAckThreshold,
			DeliveryDelayMs:     0,
			EnableNack:          true,
		},

		Link: LinkConfig{
			LossRate:    0.1,
			DelayUnitMs:   100,
			DelayP:        0.5,
			IdleTimeoutMs: 30000,
		},

		WebSocket: WebSocketConfig{
			Path:        "/relm",
			Fingerprint: string(transport.FingerprintChrome),
		},

		App: AppConfig{
			Role:     RolePong,
			NumPings: 10,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return fmt.Errorf("mode 无效: %q (可选 server, client)", c.Mode)
	}

	switch c.Transport {
	case transport.KindUDP, transport.KindTCP, transport.KindWebSocket:
	default:
		return fmt.Errorf("transport 无效: %q (可选 udp, tcp, websocket)", c.Transport)
	}

	if c.Mode == ModeServer {
		if _, err := parsePort(c.Listen); err != nil {
			return fmt.Errorf("listen 端口格式错误: %w", err)
		}
	} else {
		if c.Peer == "" {
			return fmt.Errorf("client 模式需要配置 peer")
		}
		if c.Transport != transport.KindWebSocket {
			if _, _, err := net.SplitHostPort(c.Peer); err != nil {
				return fmt.Errorf("peer 地址格式错误: %w", err)
			}
		}
	}

	if c.PSK != "" && (c.TimeWindow < 1 || c.TimeWindow > 300) {
		return fmt.Errorf("time_window 需在 1-300 之间")
	}

	if err := c.validateEngineConfig(); err != nil {
		return fmt.Errorf("engine 配置错误: %w", err)
	}

	if err := c.validateLinkConfig(); err != nil {
		return fmt.Errorf("link 配置错误: %w", err)
	}

	if c.Transport == transport.KindWebSocket {
		if err := c.validateWebSocketConfig(); err != nil {
			return fmt.Errorf("websocket 配置错误: %w", err)
		}
	}

	switch c.App.Role {
	case RolePing:
		if c.App.NumPings < 1 {
			return fmt.Errorf("app.num_pings 必须大于 0")
		}
	case RolePong:
	default:
		return fmt.Errorf("app.role 无效: %q (可选 ping, pong)", c.App.Role)
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		// UDP 与 TCP 端口互不冲突
		if c.Mode == ModeServer && c.Transport != transport.KindUDP && metricsPort == c.GetListenPort() {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
	}

	return nil
}

// validateEngineConfig 验证引擎配置
func (c *Config) validateEngineConfig() error {
	if c.Engine.RetransmitTimeoutMs < 1 || c.Engine.RetransmitTimeoutMs > 60000 {
		return fmt.Errorf("retransmit_timeout_ms 需在 1-60000 之间")
	}
	if c.Engine.AckIntervalMs < 1 || c.Engine.AckIntervalMs > 60000 {
		return fmt.Errorf("ack_interval_ms 需在 1-60000 之间")
	}
	if c.Engine.AckThreshold < 0 {
		return fmt.Errorf("ack_threshold 不能为负")
	}
	if c.Engine.DeliveryDelayMs < 0 {
		return fmt.Errorf("delivery_delay_ms 不能为负")
	}
	return nil
}

// validateLinkConfig 验证丢包模型
func (c *Config) validateLinkConfig() error {
	if c.Link.LossRate < 0 || c.Link.LossRate > 1 {
		return fmt.Errorf("loss_rate 需在 0-1 之间")
	}
	if c.Link.DelayP < 0 || c.Link.DelayP > 1 {
		return fmt.Errorf("delay_p 需在 0-1 之间")
	}
	if c.Link.DelayUnitMs < 0 {
		return fmt.Errorf("delay_unit_ms 不能为负")
	}
	if c.Link.IdleTimeoutMs < 0 {
		return fmt.Errorf("idle_timeout_ms 不能为负")
	}
	if c.Link.IdleTimeoutMs > 0 && c.Link.IdleTimeoutMs <= c.Engine.RetransmitTimeoutMs {
		return fmt.Errorf("idle_timeout_ms 必须大于 retransmit_timeout_ms")
	}
	return nil
}

// validateWebSocketConfig 验证 WebSocket 配置
func (c *Config) validateWebSocketConfig() error {
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path 必须以 / 开头")
	}

	if c.Mode == ModeServer && c.WebSocket.TLS {
		if c.WebSocket.CertFile == "" || c.WebSocket.KeyFile == "" {
			return fmt.Errorf("websocket TLS 模式需要配置 cert_file 和 key_file")
		}
	}

	if c.Mode == ModeClient {
		u, err := url.Parse(c.PeerURL())
		if err != nil {
			return fmt.Errorf("peer URL 无效: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("peer URL 协议必须为 ws 或 wss: %s", u.Scheme)
		}
	}

	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.App.Role = strings.ToLower(strings.TrimSpace(c.App.Role))

	if c.Transport == "ws" || c.Transport == "wss" {
		if c.Transport == "wss" {
			c.WebSocket.TLS = true
		}
		c.Transport = transport.KindWebSocket
	}

	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/relm"
	}
}

// ToEngineConfig 转换为引擎配置
func (c *Config) ToEngineConfig() *arq.Config {
	cfg := arq.DefaultConfig()
	cfg.RetransmitTimeout = time.Duration(c.Engine.RetransmitTimeoutMs) * time.Millisecond
	cfg.AckInterval = time.Duration(c.Engine.AckIntervalMs) * time.Millisecond
	cfg.AckThreshold = c.Engine.AckThreshold
	cfg.DeliveryDelay = time.Duration(c.Engine.DeliveryDelayMs) * time.Millisecond
	cfg.EnableNack = c.Engine.EnableNack
	return cfg
}

// ToLossPolicy 转换为入站丢包策略
func (c *Config) ToLossPolicy() transport.LossPolicy {
	if c.Link.Disabled {
		return transport.NoLoss{}
	}
	return transport.NewRandomPolicy(
		c.Link.LossRate,
		time.Duration(c.Link.DelayUnitMs)*time.Millisecond,
		c.Link.DelayP,
		c.Link.Seed,
	)
}

// ToLinkConfig 转换为链路配置 (Sealer 由调用方设置)
func (c *Config) ToLinkConfig(name string) *transport.LinkConfig {
	return &transport.LinkConfig{
		Name:        name,
		Policy:      c.ToLossPolicy(),
		IdleTimeout: time.Duration(c.Link.IdleTimeoutMs) * time.Millisecond,
	}
}

// ToUTLSConfig 转换为 wss 客户端的 uTLS 配置
func (c *Config) ToUTLSConfig() *transport.UTLSConfig {
	cfg := transport.DefaultUTLSConfig()
	cfg.Fingerprint = transport.ParseFingerprint(c.WebSocket.Fingerprint)
	cfg.ServerName = c.WebSocket.ServerName
	cfg.InsecureSkipVerify = c.WebSocket.InsecureSkipVerify
	return cfg
}

// PeerURL 返回 WebSocket 对端 URL, peer 为 host:port 时按 path/tls 补全
func (c *Config) PeerURL() string {
	if strings.Contains(c.Peer, "://") {
		return c.Peer
	}
	scheme := "ws"
	if c.WebSocket.TLS {
		scheme = "wss"
	}
	return scheme + "://" + c.Peer + c.WebSocket.Path
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

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# relm 节点配置文件示例
# =============================================================================

# 基础配置
listen: ":54321"                    # 监听地址 (server 模式)
peer: "127.0.0.1:54321"             # 对端地址 (client 模式)
mode: "server"                      # 运行模式: server, client
transport: "udp"                    # 传输方式: udp, tcp, websocket
log_level: "info"                   # 日志级别: debug, info, error
psk: ""                             # 预共享密钥, 为空时不加密 (使用 -gen-psk 生成)
time_window: 30                     # 时间窗口 (秒)

# 可靠性引擎
engine:
  retransmit_timeout_ms: 300        # 重传超时 (毫秒)
  ack_interval_ms: 1000             # 周期 ACK 间隔 (毫秒)
  ack_threshold: 10                 # 未确认数达到该值立即 ACK, 0 表示禁用
  delivery_delay_ms: 0              # 交付应用前的转发延迟 (毫秒)
  enable_nack: true                 # ACK 中携带缺口序列号

# 入站丢包/延迟模型
link:
  loss_rate: 0.1                    # 丢包概率
  delay_unit_ms: 100                # 延迟单位 (毫秒)
  delay_p: 0.5                      # 几何分布参数, 延迟 = k * delay_unit
  seed: 0                           # 随机种子, 0 表示按时间取种
  disabled: false                   # 关闭丢包模型
  idle_timeout_ms: 30000            # 对端空闲超时 (毫秒), 0 表示不检测

# WebSocket 传输
websocket:
  path: "/relm"
  host: ""                          # server: 校验 Host 头
  tls: false                        # server: 启用 TLS; client: 使用 wss
  cert_file: ""
  key_file: ""
  fingerprint: "chrome"             # client: chrome, firefox, safari, ios, android, edge, random, go
  server_name: ""                   # client: SNI
  insecure_skip_verify: false

# 应用
app:
  role: "pong"                      # ping: 发起方, pong: 回显方
  num_pings: 10                     # ping 角色收到的 pong 数量

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
