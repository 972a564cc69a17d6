// =============================================================================
// 文件: internal/transport/utls.go
// 描述: uTLS 客户端封装 - 浏览器指纹 TLS 拨号 (供 wss:// 使用)
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/mrcgq/relm/internal/logging"
)

// Fingerprint 浏览器指纹类型
type Fingerprint string

const (
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintAndroid Fingerprint = "android"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
	FingerprintGo      Fingerprint = "go"
)

// UTLSConfig uTLS 客户端配置
type UTLSConfig struct {
	ServerName  string // SNI, 为空时取拨号地址的主机名
	Fingerprint Fingerprint

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool

	MinVersion uint16
	MaxVersion uint16

	HandshakeTimeout time.Duration
}

// DefaultUTLSConfig 默认配置
func DefaultUTLSConfig() *UTLSConfig {
	return &UTLSConfig{
		Fingerprint:      FingerprintChrome,
		MinVersion:       utls.VersionTLS12,
		MaxVersion:       utls.VersionTLS13,
		HandshakeTimeout: 10 * time.Second,
	}
}

// UTLSStats 统计信息
type UTLSStats struct {
	TotalConnections   uint64
	SuccessConnections uint64
	FailedConnections  uint64
}

// UTLSClient uTLS 客户端
type UTLSClient struct {
	config *UTLSConfig
	logger *logging.Logger
	stats  UTLSStats
}

// NewUTLSClient 创建 uTLS 客户端
func NewUTLSClient(config *UTLSConfig, logger *logging.Logger) *UTLSClient {
	if config == nil {
		config = DefaultUTLSConfig()
	}
	return &UTLSClient{
		config: config,
		logger: logger,
	}
}

// clientHelloID 获取 uTLS ClientHelloID
func (c *UTLSClient) clientHelloID() utls.ClientHelloID {
	switch c.config.Fingerprint {
	case FingerprintChrome:
		return utls.HelloChrome_Auto
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintAndroid:
		return utls.HelloAndroid_11_OkHttp
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	case FingerprintGo:
		return utls.HelloGolang
	case FingerprintRandom:
		options := []utls.ClientHelloID{
			utls.HelloChrome_Auto,
			utls.HelloFirefox_Auto,
			utls.HelloSafari_Auto,
			utls.HelloEdge_Auto,
		}
		return options[rand.Intn(len(options))]
	default:
		return utls.HelloChrome_Auto
	}
}

// DialTLSContext 建立 TLS 连接
// 签名与 websocket.Dialer.NetDialTLSContext 一致
func (c *UTLSClient) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	atomic.AddUint64(&c.stats.TotalConnections, 1)

	dialer := &net.Dialer{Timeout: c.config.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		atomic.AddUint64(&c.stats.FailedConnections, 1)
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	serverName := c.config.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}

	tlsConfig := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.config.InsecureSkipVerify,
		RootCAs:            c.config.RootCAs,
		MinVersion:         c.config.MinVersion,
		MaxVersion:         c.config.MaxVersion,
		NextProtos:         []string{"http/1.1"},
	}

	uconn := utls.UClient(conn, tlsConfig, c.clientHelloID())
	if err := c.handshake(ctx, uconn); err != nil {
		conn.Close()
		atomic.AddUint64(&c.stats.FailedConnections, 1)
		return nil, fmt.Errorf("TLS 握手失败: %w", err)
	}

	atomic.AddUint64(&c.stats.SuccessConnections, 1)
	state := uconn.ConnectionState()
	c.log(logging.LevelDebug, "TLS 连接建立: SNI=%s, Fingerprint=%s, Version=0x%04x",
		serverName, c.config.Fingerprint, state.Version)

	return uconn, nil
}

// handshake WebSocket 升级只能走 HTTP/1.1, 指纹中的 ALPN 改写为 http/1.1
func (c *UTLSClient) handshake(ctx context.Context, uconn *utls.UConn) error {
	if err := uconn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("构建握手状态失败: %w", err)
	}

	hasALPN := false
	for _, ext := range uconn.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			hasALPN = true
			break
		}
	}
	if !hasALPN {
		uconn.Extensions = append(uconn.Extensions, &utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}})
	}
	if err := uconn.BuildHandshakeState(); err != nil {
		return fmt.Errorf("重建握手状态失败: %w", err)
	}

	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}
	return uconn.HandshakeContext(ctx)
}

// GetStats 获取统计信息
func (c *UTLSClient) GetStats() UTLSStats {
	return UTLSStats{
		TotalConnections:   atomic.LoadUint64(&c.stats.TotalConnections),
		SuccessConnections: atomic.LoadUint64(&c.stats.SuccessConnections),
		FailedConnections:  atomic.LoadUint64(&c.stats.FailedConnections),
	}
}

func (c *UTLSClient) log(level int, format string, args ...interface{}) {
	c.logger.Logf(level, "[uTLS] "+format, args...)
}

// ParseFingerprint 解析指纹字符串, 未知值按 chrome 处理
func ParseFingerprint(fp string) Fingerprint {
	switch strings.ToLower(strings.TrimSpace(fp)) {
	case "firefox":
		return FingerprintFirefox
	case "safari":
		return FingerprintSafari
	case "ios":
		return FingerprintIOS
	case "android":
		return FingerprintAndroid
	case "edge":
		return FingerprintEdge
	case "random":
		return FingerprintRandom
	case "go", "golang":
		return FingerprintGo
	default:
		return FingerprintChrome
	}
}
