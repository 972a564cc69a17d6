// =============================================================================
// 文件: internal/transport/link.go
// 描述: 不可靠链路 - 协议消息编解码、入站丢包/延迟、与引擎互相监视
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mrcgq/relm/internal/arq"
	"github.com/mrcgq/relm/internal/logging"
	"github.com/mrcgq/relm/internal/protocol"
)

// ErrRemoteLinkUnreachable 对端关闭了链路或长时间无数据
var ErrRemoteLinkUnreachable = errors.New("remote link unreachable")

var errIdleTimeout = errors.New("对端空闲超时")

// Peer 链路服务的引擎
type Peer interface {
	Register(t arq.Transport) error
	Receive(msg protocol.Message) error
	Link(c io.Closer)
	Shutdown(reason error)
}

// FrameSealer 帧加解密
type FrameSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(frame []byte) ([]byte, error)
}

// LinkConfig 链路配置
type LinkConfig struct {
	Name   string
	Policy LossPolicy  // 为空时不丢包
	Sealer FrameSealer // 为空时明文
	// 延迟送达使用的调度器, 为空时使用系统时钟
	Scheduler arq.Scheduler
	// 收到首帧后超过该时长无入站帧即视为对端不可达, 0 表示不检测
	IdleTimeout time.Duration
}

// LinkStats 链路统计
type LinkStats struct {
	Name         string
	FramesIn     uint64
	FramesOut    uint64
	BytesIn      uint64
	BytesOut     uint64
	Lost         uint64
	Delayed      uint64
	DecodeErrors uint64
	OpenErrors   uint64
	SendErrors   uint64
	IdleTimeouts uint64
}

// Link 不可靠链路, 实现 arq.Transport
type Link struct {
	name   string
	conn   FrameConn
	peer   Peer
	policy LossPolicy
	sealer FrameSealer
	sched  arq.Scheduler
	idle   time.Duration
	logger *logging.Logger

	stats LinkStats

	closed    int32
	gone      int32 // 对端已不可达, 关闭时不再发送关闭帧
	closeOnce sync.Once
	done      chan struct{}
}

// NewLink 创建链路
func NewLink(conn FrameConn, peer Peer, cfg *LinkConfig, logger *logging.Logger) *Link {
	if cfg == nil {
		cfg = &LinkConfig{}
	}
	l := &Link{
		name:   cfg.Name,
		conn:   conn,
		peer:   peer,
		policy: cfg.Policy,
		sealer: cfg.Sealer,
		sched:  cfg.Scheduler,
		idle:   cfg.IdleTimeout,
		logger: logger,
		done:   make(chan struct{}),
	}
	if l.name == "" {
		l.name = "link-" + uuid.NewString()[:8]
	}
	if l.policy == nil {
		l.policy = NoLoss{}
	}
	if l.sched == nil {
		l.sched = arq.SystemScheduler()
	}
	return l
}

// Run 向引擎注册并读取入站帧, 直到连接关闭
// 对端关闭连接、发来关闭帧或空闲超时时引擎以 ErrRemoteLinkUnreachable 拆除
func (l *Link) Run(ctx context.Context) error {
	if err := l.peer.Register(l); err != nil {
		l.Close()
		return fmt.Errorf("注册链路失败: %w", err)
	}
	l.peer.Link(l)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	// 首个入站帧之后才开始计时, 服务端可以无限等待对端出现
	var idle *time.Timer
	if l.idle > 0 {
		idle = time.AfterFunc(l.idle, l.expire)
		idle.Stop()
		defer idle.Stop()
	}

	l.log(logging.LevelInfo, "链路已建立: %v <-> %v", l.conn.LocalAddr(), l.conn.RemoteAddr())

	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			if atomic.LoadInt32(&l.gone) == 1 {
				return l.remoteGone(errIdleTimeout)
			}
			if atomic.LoadInt32(&l.closed) == 1 {
				return nil
			}
			return l.remoteGone(err)
		}
		if idle != nil {
			idle.Reset(l.idle)
		}
		if !l.handleFrame(frame) {
			return l.remoteGone(nil)
		}
	}
}

// expire 空闲超时
func (l *Link) expire() {
	if !atomic.CompareAndSwapInt32(&l.gone, 0, 1) {
		return
	}
	atomic.AddUint64(&l.stats.IdleTimeouts, 1)
	l.log(logging.LevelInfo, "超过 %v 未收到对端数据", l.idle)
	l.Close()
}

// remoteGone 对端不可达, 拆除引擎
func (l *Link) remoteGone(cause error) error {
	atomic.StoreInt32(&l.gone, 1)
	if cause == nil {
		l.log(logging.LevelInfo, "对端已关闭链路")
	} else {
		l.log(logging.LevelInfo, "连接已断开: %v", cause)
	}
	l.peer.Shutdown(ErrRemoteLinkUnreachable)
	l.Close()
	if cause == nil || errors.Is(cause, ErrConnClosed) {
		return ErrRemoteLinkUnreachable
	}
	return fmt.Errorf("%w: %v", ErrRemoteLinkUnreachable, cause)
}

// handleFrame 解码入站帧并按策略送达, 收到关闭帧时返回 false
func (l *Link) handleFrame(frame []byte) bool {
	atomic.AddUint64(&l.stats.FramesIn, 1)
	atomic.AddUint64(&l.stats.BytesIn, uint64(len(frame)))

	if l.sealer != nil {
		plain, err := l.sealer.Open(frame)
		if err != nil {
			atomic.AddUint64(&l.stats.OpenErrors, 1)
			l.log(logging.LevelDebug, "解密失败: %v", err)
			return true
		}
		frame = plain
	}

	// 关闭帧不经过丢包策略
	if protocol.IsClose(frame) {
		return false
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		atomic.AddUint64(&l.stats.DecodeErrors, 1)
		l.log(logging.LevelDebug, "解码失败: %v", err)
		return true
	}

	deliver, delay := l.policy.Decide()
	if !deliver {
		atomic.AddUint64(&l.stats.Lost, 1)
		l.log(logging.LevelDebug, "[%d] Incoming message %s lost.", msg.Seq, msg)
		return true
	}

	l.log(logging.LevelDebug, "[%d] Incoming %s with delay %dms.", msg.Seq, msg, delay.Milliseconds())
	if delay <= 0 {
		l.peer.Receive(msg)
		return true
	}

	atomic.AddUint64(&l.stats.Delayed, 1)
	l.sched.AfterFunc(delay, func() {
		l.peer.Receive(msg)
	})
	return true
}

// Send 实现 arq.Transport
func (l *Link) Send(msg protocol.Message) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrLinkClosed
	}

	return l.write(protocol.Encode(msg))
}

func (l *Link) write(frame []byte) error {
	if l.sealer != nil {
		sealed, err := l.sealer.Seal(frame)
		if err != nil {
			atomic.AddUint64(&l.stats.SendErrors, 1)
			return fmt.Errorf("加密失败: %w", err)
		}
		frame = sealed
	}

	if err := l.conn.WriteFrame(frame); err != nil {
		atomic.AddUint64(&l.stats.SendErrors, 1)
		return err
	}
	atomic.AddUint64(&l.stats.FramesOut, 1)
	atomic.AddUint64(&l.stats.BytesOut, uint64(len(frame)))
	return nil
}

// Close 关闭链路与底层连接
// 对端仍可达时先发送关闭帧, 数据报连接的对端据此得知链路结束
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		atomic.StoreInt32(&l.closed, 1)
		if atomic.LoadInt32(&l.gone) == 0 {
			if werr := l.write(protocol.EncodeClose()); werr != nil {
				l.log(logging.LevelDebug, "发送关闭帧失败: %v", werr)
			}
		}
		err = l.conn.Close()
		close(l.done)
		l.log(logging.LevelInfo, "链路已关闭")
	})
	return err
}

// Done 链路关闭后关闭
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Name 链路名称
func (l *Link) Name() string {
	return l.name
}

// Stats 统计快照
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Name:         l.name,
		FramesIn:     atomic.LoadUint64(&l.stats.FramesIn),
		FramesOut:    atomic.LoadUint64(&l.stats.FramesOut),
		BytesIn:      atomic.LoadUint64(&l.stats.BytesIn),
		BytesOut:     atomic.LoadUint64(&l.stats.BytesOut),
		Lost:         atomic.LoadUint64(&l.stats.Lost),
		Delayed:      atomic.LoadUint64(&l.stats.Delayed),
		DecodeErrors: atomic.LoadUint64(&l.stats.DecodeErrors),
		OpenErrors:   atomic.LoadUint64(&l.stats.OpenErrors),
		SendErrors:   atomic.LoadUint64(&l.stats.SendErrors),
		IdleTimeouts: atomic.LoadUint64(&l.stats.IdleTimeouts),
	}
}

func (l *Link) log(level int, format string, args ...interface{}) {
	if !l.logger.Enabled(level) {
		return
	}
	l.logger.Logf(level, "[%s] %s", l.name, fmt.Sprintf(format, args...))
}

// 编译期检查
var (
	_ arq.Transport = (*Link)(nil)
	_ Peer          = (*arq.Engine)(nil)
	_ FrameConn     = (*UDPConn)(nil)
	_ FrameConn     = (*TCPConn)(nil)
	_ FrameConn     = (*WSConn)(nil)
	_ FrameConn     = (*PipeConn)(nil)
)
