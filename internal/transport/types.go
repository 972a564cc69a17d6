// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层统一类型定义 - 帧连接接口与错误
// =============================================================================
package transport

import (
	"errors"
	"net"
)

// 错误定义
var (
	ErrConnClosed   = errors.New("连接已关闭")
	ErrNoPeer       = errors.New("尚未获知对端地址")
	ErrFrameTooLong = errors.New("帧过长")
	ErrLinkClosed   = errors.New("链路已关闭")
)

// 传输类型
const (
	KindUDP       = "udp"
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
)

// FrameConn 面向帧的点对点连接
// 每次 WriteFrame 对应对端一次 ReadFrame; 帧可能丢失但不会被拆分
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}
