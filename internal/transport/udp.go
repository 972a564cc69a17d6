// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 传输层 - 单对端数据报帧连接
// =============================================================================
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/mrcgq/relm/internal/logging"
)

const (
	minBufferSize = 64 * 1024
	maxBufferSize = 16 * 1024 * 1024
	maxDatagram   = 65535
)

// BufferConfig 缓冲区配置
type BufferConfig struct {
	// 目标带宽 (bps) 与预期 RTT (ms), 用于按 BDP 计算缓冲区
	TargetBandwidth uint64
	ExpectedRTTMs   uint32

	// 手动指定 (优先)
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultBufferConfig 默认缓冲区配置
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		TargetBandwidth: 10 * 1024 * 1024,
		ExpectedRTTMs:   100,
	}
}

// calculateBufferSize 计算推荐缓冲区大小
func (c *BufferConfig) calculateBufferSize() (readSize, writeSize int) {
	if c.ReadBufferSize > 0 && c.WriteBufferSize > 0 {
		return clampBufferSize(c.ReadBufferSize), clampBufferSize(c.WriteBufferSize)
	}

	// BDP = 带宽 (bytes/s) × RTT (s), 取 2 倍
	bdp := float64(c.TargetBandwidth/8) * float64(c.ExpectedRTTMs) / 1000.0
	size := clampBufferSize(int(bdp * 2))
	return size, size
}

func clampBufferSize(size int) int {
	if size < minBufferSize {
		return minBufferSize
	}
	if size > maxBufferSize {
		return maxBufferSize
	}
	return size
}

// UDPConn UDP 帧连接
// 客户端模式对端固定; 服务端模式以第一个来包的地址为对端, 其余来源丢弃
type UDPConn struct {
	conn      *net.UDPConn
	peer      atomic.Pointer[net.UDPAddr]
	fixedPeer bool
	logger    *logging.Logger

	closed int32

	// 统计
	packetsRecv    uint64
	packetsSent    uint64
	bytesRecv      uint64
	bytesSent      uint64
	packetsDropped uint64
}

// ListenUDP 服务端: 监听并等待对端
func ListenUDP(addr string, bufCfg *BufferConfig, logger *logging.Logger) (*UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}

	c := &UDPConn{conn: conn, logger: logger}
	c.setupBuffers(bufCfg)
	c.log(logging.LevelInfo, "UDP 已监听: %s", conn.LocalAddr())
	return c, nil
}

// DialUDP 客户端: 绑定随机端口, 对端固定
func DialUDP(addr string, bufCfg *BufferConfig, logger *logging.Logger) (*UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("创建 socket 失败: %w", err)
	}

	c := &UDPConn{conn: conn, fixedPeer: true, logger: logger}
	c.peer.Store(raddr)
	c.setupBuffers(bufCfg)
	c.log(logging.LevelInfo, "UDP 对端: %s (本地 %s)", raddr, conn.LocalAddr())
	return c, nil
}

// setupBuffers 设置系统缓冲区, 失败时逐级降低
func (c *UDPConn) setupBuffers(cfg *BufferConfig) {
	if cfg == nil {
		cfg = DefaultBufferConfig()
	}
	readSize, writeSize := cfg.calculateBufferSize()

	for size := readSize; size >= minBufferSize; size /= 2 {
		if err := c.conn.SetReadBuffer(size); err == nil {
			readSize = size
			break
		}
	}
	for size := writeSize; size >= minBufferSize; size /= 2 {
		if err := c.conn.SetWriteBuffer(size); err == nil {
			writeSize = size
			break
		}
	}

	c.log(logging.LevelDebug, "缓冲区配置: read=%dKB, write=%dKB", readSize/1024, writeSize/1024)
}

// ReadFrame 实现 FrameConn
func (c *UDPConn) ReadFrame() ([]byte, error) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 1 || errors.Is(err, net.ErrClosed) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if n == 0 {
			continue
		}

		if !c.acceptFrom(addr) {
			atomic.AddUint64(&c.packetsDropped, 1)
			c.log(logging.LevelDebug, "丢弃非对端数据包: %s", addr)
			continue
		}

		atomic.AddUint64(&c.packetsRecv, 1)
		atomic.AddUint64(&c.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		return data, nil
	}
}

// acceptFrom 判断来源是否为对端, 服务端首包时记录对端
func (c *UDPConn) acceptFrom(addr *net.UDPAddr) bool {
	peer := c.peer.Load()
	if peer == nil {
		if c.peer.CompareAndSwap(nil, addr) {
			c.log(logging.LevelInfo, "接受对端: %s", addr)
			return true
		}
		peer = c.peer.Load()
	}
	return peer.IP.Equal(addr.IP) && peer.Port == addr.Port
}

// WriteFrame 实现 FrameConn
func (c *UDPConn) WriteFrame(frame []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnClosed
	}
	if len(frame) > maxDatagram {
		return fmt.Errorf("%w: %d", ErrFrameTooLong, len(frame))
	}
	peer := c.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}

	n, err := c.conn.WriteToUDP(frame, peer)
	if err != nil {
		return err
	}
	atomic.AddUint64(&c.packetsSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(n))
	return nil
}

// LocalAddr 本地地址
func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr 对端地址, 未知时为 nil
func (c *UDPConn) RemoteAddr() net.Addr {
	if peer := c.peer.Load(); peer != nil {
		return peer
	}
	return nil
}

// GetStats 获取统计
func (c *UDPConn) GetStats() map[string]uint64 {
	return map[string]uint64{
		"packets_recv":    atomic.LoadUint64(&c.packetsRecv),
		"packets_sent":    atomic.LoadUint64(&c.packetsSent),
		"bytes_recv":      atomic.LoadUint64(&c.bytesRecv),
		"bytes_sent":      atomic.LoadUint64(&c.bytesSent),
		"packets_dropped": atomic.LoadUint64(&c.packetsDropped),
	}
}

// Close 关闭连接
func (c *UDPConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.log(logging.LevelInfo, "UDP 已关闭")
	return c.conn.Close()
}

func (c *UDPConn) log(level int, format string, args ...interface{}) {
	c.logger.Logf(level, "[UDP] "+format, args...)
}
