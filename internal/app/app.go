// =============================================================================
// 文件: internal/app/app.go
// 描述: 示例应用 - ping 发起方与 pong 回显方, 运行在可靠性引擎之上
// =============================================================================
package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrcgq/relm/internal/logging"
	"github.com/mrcgq/relm/internal/protocol"
)

// Sender 应用使用的引擎接口
type Sender interface {
	Send(kind protocol.Tag, payload int32) error
	Close() error
}

// =============================================================================
// Ping
// =============================================================================

// Ping 发起方: Kickoff 发送 Ping(1), 每收到 Pong(v) 回复 Ping(v+1), 收满 total 个后结束
type Ping struct {
	total  int
	logger *logging.Logger

	mu          sync.Mutex
	sender      Sender
	count       int
	lastSent    int32
	sentAt      time.Time
	onRoundTrip func(time.Duration)

	doneOnce sync.Once
	done     chan struct{}
}

// NewPing 创建发起方
func NewPing(total int, logger *logging.Logger) *Ping {
	return &Ping{
		total:  total,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Attach 绑定引擎, 须在 Kickoff 之前调用
func (p *Ping) Attach(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

// OnRoundTrip 每完成一次往返回调一次
func (p *Ping) OnRoundTrip(fn func(time.Duration)) {
	p.mu.Lock()
	p.onRoundTrip = fn
	p.mu.Unlock()
}

// Kickoff 发送第一个 ping
func (p *Ping) Kickoff() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender == nil {
		return fmt.Errorf("ping 未绑定引擎")
	}
	if p.total <= 0 {
		p.finishLocked()
		return nil
	}
	return p.sendLocked(1)
}

// Deliver 实现 arq.Application
func (p *Ping) Deliver(kind protocol.Tag, payload int32) {
	if kind != protocol.TagPong {
		p.log(logging.LevelInfo, "忽略 %s(%d)", kind, payload)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	if payload == p.lastSent && p.onRoundTrip != nil {
		p.onRoundTrip(time.Since(p.sentAt))
	}

	p.count++
	p.log(logging.LevelDebug, "pong %d (%d/%d)", payload, p.count, p.total)
	if p.count >= p.total {
		p.finishLocked()
		return
	}
	if err := p.sendLocked(payload + 1); err != nil {
		p.log(logging.LevelError, "发送 ping 失败: %v", err)
	}
}

// Done 收满后关闭
func (p *Ping) Done() <-chan struct{} {
	return p.done
}

// Count 已收到的 pong 数
func (p *Ping) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *Ping) sendLocked(v int32) error {
	p.lastSent = v
	p.sentAt = time.Now()
	return p.sender.Send(protocol.TagPing, v)
}

// finishLocked 结束并关闭引擎, 关联的链路随之关闭
func (p *Ping) finishLocked() {
	p.doneOnce.Do(func() {
		close(p.done)
		p.log(logging.LevelInfo, "完成 %d 次往返", p.count)
		if p.sender != nil {
			p.sender.Close()
		}
	})
}

func (p *Ping) log(level int, format string, args ...interface{}) {
	if !p.logger.Enabled(level) {
		return
	}
	p.logger.Logf(level, "[Ping] %s", fmt.Sprintf(format, args...))
}

// =============================================================================
// Pong
// =============================================================================

// Pong 回显方: Ping(v) 回复 Pong(v)
type Pong struct {
	logger *logging.Logger

	mu     sync.Mutex
	sender Sender
	echoed int
}

// NewPong 创建回显方
func NewPong(logger *logging.Logger) *Pong {
	return &Pong{logger: logger}
}

// Attach 绑定引擎
func (p *Pong) Attach(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

// Deliver 实现 arq.Application
func (p *Pong) Deliver(kind protocol.Tag, payload int32) {
	if kind != protocol.TagPing {
		p.log(logging.LevelInfo, "忽略 %s(%d)", kind, payload)
		return
	}

	p.mu.Lock()
	sender := p.sender
	p.echoed++
	p.mu.Unlock()

	if sender == nil {
		return
	}
	if err := sender.Send(protocol.TagPong, payload); err != nil {
		p.log(logging.LevelDebug, "回显 %d 失败: %v", payload, err)
	}
}

// Echoed 已回显数
func (p *Pong) Echoed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.echoed
}

func (p *Pong) log(level int, format string, args ...interface{}) {
	if !p.logger.Enabled(level) {
		return
	}
	p.logger.Logf(level, "[Pong] %s", fmt.Sprintf(format, args...))
}
