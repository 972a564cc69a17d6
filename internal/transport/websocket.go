// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输层 - 每帧一条二进制消息, 服务端只接受一个连接
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/relm/internal/logging"
)

// WSConn WebSocket 帧连接
type WSConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadFrame 实现 FrameConn, 跳过非二进制消息
func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame 实现 FrameConn
func (c *WSConn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// LocalAddr 本地地址
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr 对端地址
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close 发送关闭帧并关闭连接
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// WSDialConfig 客户端配置
type WSDialConfig struct {
	URL              string // ws:// 或 wss://
	Host             string // 覆盖 Host 头
	HandshakeTimeout time.Duration
	TLS              *UTLSConfig // wss 时使用; 为空则用默认指纹
}

// DialWS 连接 WebSocket 服务端
func DialWS(ctx context.Context, cfg *WSDialConfig, logger *logging.Logger) (*WSConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4 * 1024,
		WriteBufferSize:  4 * 1024,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if strings.HasPrefix(cfg.URL, "wss://") {
		dialer.NetDialTLSContext = NewUTLSClient(cfg.TLS, logger).DialTLSContext
	}

	var header http.Header
	if cfg.Host != "" {
		header = http.Header{"Host": []string{cfg.Host}}
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket 握手失败 (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("WebSocket 连接失败: %w", err)
	}

	logger.Logf(logging.LevelInfo, "[WebSocket] 已连接: %s", cfg.URL)
	return newWSConn(conn), nil
}

// WSServer WebSocket 服务端
type WSServer struct {
	path   string
	host   string
	logger *logging.Logger

	upgrader websocket.Upgrader
	accepted chan *WSConn
	taken    int32

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewWSServer 创建服务端, host 非空时校验 Host 头
func NewWSServer(path, host string, logger *logging.Logger) *WSServer {
	if path == "" {
		path = "/"
	}
	return &WSServer{
		path:     path,
		host:     host,
		logger:   logger,
		accepted: make(chan *WSConn, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler HTTP 处理器
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	if s.path != "/" {
		mux.HandleFunc("/", s.handleFakePage)
	}
	return mux
}

// Start 在 addr 上启动 HTTP(S) 服务
func (s *WSServer) Start(addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := certFile != "" && keyFile != ""
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if useTLS {
			err = s.httpServer.ServeTLS(ln, certFile, keyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			s.log(logging.LevelError, "HTTP 服务器错误: %v", err)
		}
	}()

	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	s.log(logging.LevelInfo, "WebSocket 服务器已启动: %s://%s%s", scheme, ln.Addr(), s.path)
	return nil
}

// Addr 实际监听地址
func (s *WSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accept 等待唯一的连接
func (s *WSServer) Accept(ctx context.Context) (*WSConn, error) {
	select {
	case conn := <-s.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.host != "" && r.Host != s.host {
		s.log(logging.LevelDebug, "Host 不匹配: %s != %s", r.Host, s.host)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.handleFakePage(w, r)
		return
	}
	if !atomic.CompareAndSwapInt32(&s.taken, 0, 1) {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.StoreInt32(&s.taken, 0)
		s.log(logging.LevelDebug, "WebSocket 升级失败: %v", err)
		return
	}

	s.log(logging.LevelInfo, "接受连接: %s (只接受一个连接)", r.RemoteAddr)
	s.accepted <- newWSConn(conn)
}

// handleFakePage 伪装页面
func (s *WSServer) handleFakePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Welcome</title>
    <meta charset="utf-8">
</head>
<body>
    <h1>It works!</h1>
</body>
</html>`)
}

// Close 停止 HTTP 服务, 已接受的连接不受影响
func (s *WSServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *WSServer) log(level int, format string, args ...interface{}) {
	s.logger.Logf(level, "[WebSocket] "+format, args...)
}
