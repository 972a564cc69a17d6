// =============================================================================
// 文件: internal/transport/tcp.go
// 描述: TCP 传输层 - 单连接, 长度前缀分帧
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TCPConn TCP 帧连接
type TCPConn struct {
	conn   net.Conn
	reader *FrameReader
	writer *FrameWriter

	closeOnce sync.Once
}

func newTCPConn(conn net.Conn) *TCPConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &TCPConn{
		conn: conn,
		// 读取无超时: 链路空闲由上层决定
		reader: NewFrameReader(conn, 0),
		writer: NewFrameWriter(conn, WriteTimeout),
	}
}

// DialTCP 连接对端
func DialTCP(ctx context.Context, addr string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", addr, err)
	}
	return newTCPConn(conn), nil
}

// AcceptTCP 监听并只接受一个连接
func AcceptTCP(ctx context.Context, addr string) (*TCPConn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听失败: %w", err)
	}
	return acceptOne(ctx, ln)
}

// acceptOne 接受一个连接后关闭监听器
func acceptOne(ctx context.Context, ln net.Listener) (*TCPConn, error) {
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("接受连接失败: %w", err)
	}
	return newTCPConn(conn), nil
}

// ReadFrame 实现 FrameConn
func (c *TCPConn) ReadFrame() ([]byte, error) {
	return c.reader.ReadFrame()
}

// WriteFrame 实现 FrameConn
func (c *TCPConn) WriteFrame(frame []byte) error {
	return c.writer.WriteFrame(frame)
}

// LocalAddr 本地地址
func (c *TCPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr 对端地址
func (c *TCPConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close 关闭连接
func (c *TCPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
