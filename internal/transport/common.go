// =============================================================================
// 文件: internal/transport/common.go
// 描述: 传输层通用定义 - 流式连接上的长度前缀分帧
// =============================================================================
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	ReadTimeout      = 5 * time.Minute
	WriteTimeout     = 30 * time.Second
	LengthPrefixSize = 2
	MaxFrameSize     = 64*1024 - 1
)

// FrameReader 帧读取器
type FrameReader struct {
	conn    net.Conn
	timeout time.Duration
	lenBuf  [LengthPrefixSize]byte
}

// NewFrameReader 创建帧读取器
func NewFrameReader(conn net.Conn, timeout time.Duration) *FrameReader {
	return &FrameReader{
		conn:    conn,
		timeout: timeout,
	}
}

// ReadFrame 读取一帧数据
func (r *FrameReader) ReadFrame() ([]byte, error) {
	if r.timeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}

	if _, err := io.ReadFull(r.conn, r.lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(r.lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("无效帧长度: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// FrameWriter 帧写入器, 可并发调用
type FrameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// NewFrameWriter 创建帧写入器
func NewFrameWriter(conn net.Conn, timeout time.Duration) *FrameWriter {
	return &FrameWriter{
		conn:    conn,
		timeout: timeout,
	}
}

// WriteFrame 写入一帧数据 (长度头与数据一次写出)
func (w *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 || len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLong, len(data))
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[LengthPrefixSize:], data)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err := w.conn.Write(buf)
	return err
}
