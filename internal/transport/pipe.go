// =============================================================================
// 文件: internal/transport/pipe.go
// 描述: 内存帧连接对 - 进程内两端直连
// =============================================================================
package transport

import (
	"net"
	"sync"
)

const pipeBuffer = 1024

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeShared 两端共享的关闭状态
type pipeShared struct {
	once sync.Once
	done chan struct{}
}

// PipeConn 内存帧连接的一端
// 缓冲满时新帧被丢弃, 与数据报语义一致
type PipeConn struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
	local  pipeAddr
	remote pipeAddr
}

// Pipe 创建一对互联的帧连接
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	shared := &pipeShared{done: make(chan struct{})}

	a := &PipeConn{in: ba, out: ab, shared: shared, local: "pipe-a", remote: "pipe-b"}
	b := &PipeConn{in: ab, out: ba, shared: shared, local: "pipe-b", remote: "pipe-a"}
	return a, b
}

// ReadFrame 实现 FrameConn
func (p *PipeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.done:
		return nil, ErrConnClosed
	}
}

// WriteFrame 实现 FrameConn
func (p *PipeConn) WriteFrame(frame []byte) error {
	select {
	case <-p.shared.done:
		return ErrConnClosed
	default:
	}

	data := make([]byte, len(frame))
	copy(data, frame)
	select {
	case p.out <- data:
	default:
	}
	return nil
}

// LocalAddr 本地地址
func (p *PipeConn) LocalAddr() net.Addr { return p.local }

// RemoteAddr 对端地址
func (p *PipeConn) RemoteAddr() net.Addr { return p.remote }

// Close 关闭两端
func (p *PipeConn) Close() error {
	p.shared.once.Do(func() {
		close(p.shared.done)
	})
	return nil
}
