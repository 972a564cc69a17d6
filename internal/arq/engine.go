// =============================================================================
// 文件: internal/arq/engine.go
// 描述: 可靠性引擎 - 单协程状态机 (引导 -> 运行), 连接应用与不可靠传输
// =============================================================================
package arq

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mrcgq/relm/internal/logging"
	"github.com/mrcgq/relm/internal/protocol"
)

// eventKind 邮箱事件类型
type eventKind int

const (
	evRegister eventKind = iota
	evSend
	evReceive
	evRetransmit
	evAckTimer
	evShutdown
	evFlush
)

func (k eventKind) String() string {
	switch k {
	case evRegister:
		return "register"
	case evSend:
		return "send"
	case evReceive:
		return "receive"
	case evRetransmit:
		return "retransmit"
	case evAckTimer:
		return "ack-timer"
	case evShutdown:
		return "shutdown"
	case evFlush:
		return "flush"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// event 邮箱中的一条输入
type event struct {
	kind      eventKind
	transport Transport
	tag       protocol.Tag
	payload   int32
	msg       protocol.Message
	seq       int32
	reason    error
	flushed   chan struct{}
}

// engineStats 原子计数器
type engineStats struct {
	MessagesSent       uint64
	Retransmits        uint64
	TimeoutRetransmits uint64
	NackRetransmits    uint64
	AcksReceived       uint64
	LateTimers         uint64
	Delivered          uint64
	InOrder            uint64
	Early              uint64
	Stale              uint64
	DuplicateEarly     uint64
	AcksSent           uint64
	DroppedBootstrap   uint64
	DroppedShutdown    uint64
	Unknown            uint64
}

// Option 引擎选项
type Option func(*Engine)

// WithScheduler 指定定时器调度器
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sched = s
		}
	}
}

// WithLogger 指定日志器
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver 订阅确认与重传事件 (在引擎协程内同步回调)
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithName 指定引擎名称 (日志与指标标签)
func WithName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.name = name
		}
	}
}

// Engine 可靠性引擎
type Engine struct {
	id       string
	name     string
	cfg      *Config
	app      Application
	sched    Scheduler
	logger   *logging.Logger
	observer Observer

	mailbox *queue[event]

	// 以下字段只由引擎协程访问
	transport Transport
	window    *SendWindow
	recv      *RecvBuffer
	acks      *AckPolicy
	rtt       *RTTEstimator
	ackTimer  Timer
	deliver   deliverer
	lastAck   int32

	state atomic.Int32
	stats engineStats

	// 供 Stats() 读取的窗口快照
	nextSendSeq atomic.Int32
	nextRecvSeq atomic.Int32
	windowSize  atomic.Int64
	bufferSize  atomic.Int64
	unacked     atomic.Int64
	srtt        atomic.Int64
	rttvar      atomic.Int64
	minRTT      atomic.Int64
	rttSamples  atomic.Uint64

	lifeMu  sync.Mutex
	started bool
	stopped bool
	closers []io.Closer

	err       error
	done      chan struct{}
	startTime time.Time
}

// NewEngine 创建引擎, 初始处于引导状态
func NewEngine(app Application, cfg *Config, opts ...Option) (*Engine, error) {
	if app == nil {
		return nil, fmt.Errorf("%w: application 不能为空", ErrInvalidConfig)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	e := &Engine{
		id:        id,
		name:      "engine-" + id[:8],
		cfg:       cfg,
		app:       app,
		sched:     SystemScheduler(),
		logger:    logging.Quiet(),
		observer:  nopObserver{},
		mailbox:   newQueue[event](),
		window:    NewSendWindow(cfg.InitialSendSeq),
		recv:      NewRecvBuffer(cfg.InitialRecvSeq),
		acks:      NewAckPolicy(cfg.AckThreshold, cfg.EnableNack),
		rtt:       NewRTTEstimator(),
		lastAck:   cfg.InitialRecvSeq - 1,
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.deliver = newDeliverer(app, cfg.DeliveryDelay)
	e.state.Store(int32(StateBootstrapping))
	e.publish()

	return e, nil
}

// Start 启动事件循环; ctx 结束时引擎拆除
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.lifeMu.Unlock()
		return nil
	}
	e.started = true
	e.lifeMu.Unlock()

	go e.run()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				e.Shutdown(ctx.Err())
			case <-e.done:
			}
		}()
	}

	e.log(logging.LevelInfo, "启动 (state=%s, rto=%v, ack_interval=%v, ack_threshold=%d)",
		e.State(), e.cfg.RetransmitTimeout, e.cfg.AckInterval, e.cfg.AckThreshold)
	return nil
}

// Register 提供传输层引用, 完成引导
func (e *Engine) Register(t Transport) error {
	if !e.post(event{kind: evRegister, transport: t}) {
		return ErrEngineClosed
	}
	return nil
}

// Send 应用请求可靠发送一条消息
func (e *Engine) Send(kind protocol.Tag, payload int32) error {
	if !kind.IsData() {
		return fmt.Errorf("%w: %s", ErrNotDataKind, kind)
	}
	if !e.post(event{kind: evSend, tag: kind, payload: payload}) {
		return ErrEngineClosed
	}
	return nil
}

// Receive 传输层交付一条收到的消息
func (e *Engine) Receive(msg protocol.Message) error {
	if !e.post(event{kind: evReceive, msg: msg}) {
		return ErrEngineClosed
	}
	return nil
}

// Link 关联依赖, 引擎拆除时一并关闭
func (e *Engine) Link(c io.Closer) {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		_ = c.Close()
		return
	}
	e.closers = append(e.closers, c)
	e.lifeMu.Unlock()
}

// Shutdown 请求拆除引擎, reason 为 nil 表示正常关闭
func (e *Engine) Shutdown(reason error) {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return
	}
	if !e.started {
		// 事件循环未启动, 在锁内标记停止后直接拆除
		closers := e.stopLocked()
		e.lifeMu.Unlock()
		e.finish(reason, closers, 0)
		return
	}
	e.lifeMu.Unlock()

	e.post(event{kind: evShutdown, reason: reason})
}

// Close 实现 io.Closer
func (e *Engine) Close() error {
	e.Shutdown(nil)
	return nil
}

// Done 引擎拆除后关闭
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err 拆除原因
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// State 当前状态
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Name 引擎名称
func (e *Engine) Name() string {
	return e.name
}

// ID 引擎实例 ID
func (e *Engine) ID() string {
	return e.id
}

// Stats 统计快照
func (e *Engine) Stats() Stats {
	return Stats{
		Name:  e.name,
		State: e.State().String(),

		MessagesSent:       atomic.LoadUint64(&e.stats.MessagesSent),
		Retransmits:        atomic.LoadUint64(&e.stats.Retransmits),
		TimeoutRetransmits: atomic.LoadUint64(&e.stats.TimeoutRetransmits),
		NackRetransmits:    atomic.LoadUint64(&e.stats.NackRetransmits),
		AcksReceived:       atomic.LoadUint64(&e.stats.AcksReceived),
		LateTimers:         atomic.LoadUint64(&e.stats.LateTimers),

		Delivered:      atomic.LoadUint64(&e.stats.Delivered),
		InOrder:        atomic.LoadUint64(&e.stats.InOrder),
		Early:          atomic.LoadUint64(&e.stats.Early),
		Stale:          atomic.LoadUint64(&e.stats.Stale),
		DuplicateEarly: atomic.LoadUint64(&e.stats.DuplicateEarly),
		AcksSent:       atomic.LoadUint64(&e.stats.AcksSent),

		DroppedBootstrap: atomic.LoadUint64(&e.stats.DroppedBootstrap),
		DroppedShutdown:  atomic.LoadUint64(&e.stats.DroppedShutdown),
		Unknown:          atomic.LoadUint64(&e.stats.Unknown),

		NextSendSeq: e.nextSendSeq.Load(),
		NextRecvSeq: e.nextRecvSeq.Load(),
		WindowSize:  int(e.windowSize.Load()),
		BufferSize:  int(e.bufferSize.Load()),
		Unacked:     int(e.unacked.Load()),

		SRTT:       time.Duration(e.srtt.Load()),
		RTTVar:     time.Duration(e.rttvar.Load()),
		MinRTT:     time.Duration(e.minRTT.Load()),
		RTTSamples: e.rttSamples.Load(),

		Uptime: time.Since(e.startTime),
	}
}

// post 投递事件到邮箱
func (e *Engine) post(ev event) bool {
	return e.mailbox.push(ev)
}

// flush 等待此前投递的事件全部处理完毕
func (e *Engine) flush() bool {
	ch := make(chan struct{})
	if !e.post(event{kind: evFlush, flushed: ch}) {
		return false
	}
	select {
	case <-ch:
		return true
	case <-e.done:
		return false
	}
}

// run 事件循环
func (e *Engine) run() {
	for {
		<-e.mailbox.wait()
		batch := e.mailbox.drain()
		for i, ev := range batch {
			if ev.kind == evShutdown {
				e.flushAck()
				e.teardown(ev.reason, len(batch)-i-1)
				return
			}
			e.handle(ev)
			e.publish()
		}
	}
}

// handle 处理单个事件, 任何输入都不会使引擎退出
func (e *Engine) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			e.log(logging.LevelError, "处理 %s 事件时 panic: %v", ev.kind, r)
		}
	}()

	if ev.kind == evFlush {
		e.publish()
		close(ev.flushed)
		return
	}

	switch e.State() {
	case StateBootstrapping:
		e.handleBootstrapping(ev)
	case StateRunning:
		e.handleRunning(ev)
	}
}

func (e *Engine) handleBootstrapping(ev event) {
	if ev.kind != evRegister {
		atomic.AddUint64(&e.stats.DroppedBootstrap, 1)
		e.log(logging.LevelDebug, "引导阶段丢弃 %s 事件", ev.kind)
		return
	}
	if ev.transport == nil {
		e.log(logging.LevelError, "注册的传输层为空, 忽略")
		return
	}

	e.transport = ev.transport
	e.state.Store(int32(StateRunning))
	e.armAckTimer()
	e.log(logging.LevelInfo, "已注册传输层, 进入 %s", StateRunning)
}

func (e *Engine) handleRunning(ev event) {
	switch ev.kind {
	case evSend:
		e.handleSend(ev.tag, ev.payload)
	case evReceive:
		e.handleReceive(ev.msg)
	case evRetransmit:
		e.handleRetransmit(ev.seq)
	case evAckTimer:
		e.maybeSendAck()
		e.armAckTimer()
	case evRegister:
		e.log(logging.LevelInfo, "重复注册传输层, 忽略")
	default:
		atomic.AddUint64(&e.stats.Unknown, 1)
		e.log(logging.LevelInfo, "未知事件 %s, 丢弃", ev.kind)
	}
}

// handleSend 分配序列号、发送并启动重传定时器
func (e *Engine) handleSend(kind protocol.Tag, payload int32) {
	msg := e.window.Enqueue(kind, payload, time.Now())
	atomic.AddUint64(&e.stats.MessagesSent, 1)

	e.transmit(msg)
	e.armRetransmit(msg.Seq)
	e.log(logging.LevelDebug, "[%d] 发送 %s", msg.Seq, msg)
}

func (e *Engine) handleReceive(msg protocol.Message) {
	switch {
	case msg.IsAck():
		e.handleAck(msg)
	case msg.IsData():
		e.handleData(msg)
	default:
		atomic.AddUint64(&e.stats.Unknown, 1)
		e.log(logging.LevelInfo, "收到未知消息 %s, 丢弃", msg)
	}
}

func (e *Engine) handleAck(msg protocol.Message) {
	atomic.AddUint64(&e.stats.AcksReceived, 1)

	acked, resend := e.window.OnAck(msg.Seq, msg.NackList())
	now := time.Now()
	for _, entry := range acked {
		e.observer.OnAcked(entry.Retries+1, now.Sub(entry.SentAt))
		e.rtt.OnAcked(entry, now)
		e.log(logging.LevelDebug, "[%d] acked after %d tries", entry.Message.Seq, entry.Retries+1)
	}

	for _, m := range resend {
		e.observer.OnRetransmit(RetransmitNack)
		e.window.MarkNackRetransmit(m.Seq, now)
		atomic.AddUint64(&e.stats.Retransmits, 1)
		atomic.AddUint64(&e.stats.NackRetransmits, 1)
		e.transmit(m)
		e.log(logging.LevelDebug, "[%d] nack 重传", m.Seq)
	}
}

func (e *Engine) handleData(msg protocol.Message) {
	arrival, ready := e.recv.Insert(msg)

	switch arrival {
	case ArrivalStale:
		atomic.AddUint64(&e.stats.Stale, 1)
		e.log(logging.LevelDebug, "[%d] 旧消息 (期望 %d)", msg.Seq, e.recv.Expected())
	case ArrivalInOrder:
		atomic.AddUint64(&e.stats.InOrder, 1)
	case ArrivalEarly:
		atomic.AddUint64(&e.stats.Early, 1)
		e.log(logging.LevelDebug, "[%d] 提前到达, 缓存 (期望 %d)", msg.Seq, e.recv.Expected())
	case ArrivalDuplicate:
		atomic.AddUint64(&e.stats.DuplicateEarly, 1)
		e.log(logging.LevelDebug, "[%d] 重复的提前消息, 忽略", msg.Seq)
	}

	for _, m := range ready {
		e.deliver.deliver(m)
		atomic.AddUint64(&e.stats.Delivered, 1)
	}
	if len(ready) > 1 {
		e.log(logging.LevelDebug, "[%d] 排空缓存, 交付 %d 条", msg.Seq, len(ready))
	}

	if e.acks.OnAccepted() {
		e.sendAck()
	}
}

// handleRetransmit 定时器到期; 已确认则为空操作
func (e *Engine) handleRetransmit(seq int32) {
	msg, ok := e.window.OnRetransmitTimer(seq, time.Now())
	if !ok {
		atomic.AddUint64(&e.stats.LateTimers, 1)
		return
	}

	atomic.AddUint64(&e.stats.Retransmits, 1)
	atomic.AddUint64(&e.stats.TimeoutRetransmits, 1)
	e.observer.OnRetransmit(RetransmitTimeout)
	e.transmit(msg)
	e.armRetransmit(seq)
	e.log(logging.LevelDebug, "[%d] 超时重传", seq)
}

// maybeSendAck 周期确认, 无新数据时不发送
func (e *Engine) maybeSendAck() {
	if e.acks.Pending() {
		e.sendAck()
	}
}

// flushAck 拆除前把未确认的到达一次性确认掉, 对端据此清空发送窗口
func (e *Engine) flushAck() {
	if e.State() != StateRunning || !e.acks.Pending() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log(logging.LevelError, "发送最终确认时 panic: %v", r)
		}
	}()
	e.sendAck()
}

func (e *Engine) sendAck() {
	ack := e.acks.Build(e.recv)
	if ack.Seq < e.lastAck {
		// 累积确认点不回退
		ack.Seq = e.lastAck
	}
	e.lastAck = ack.Seq

	e.transmit(ack)
	e.acks.OnSent(e.recv.Pending())
	atomic.AddUint64(&e.stats.AcksSent, 1)
	e.log(logging.LevelDebug, "发送确认 %s", ack)
}

func (e *Engine) transmit(msg protocol.Message) {
	if err := e.transport.Send(msg); err != nil {
		e.log(logging.LevelDebug, "[%d] 传输层发送失败: %v", msg.Seq, err)
	}
}

func (e *Engine) armRetransmit(seq int32) {
	e.sched.AfterFunc(e.cfg.RetransmitTimeout, func() {
		e.post(event{kind: evRetransmit, seq: seq})
	})
}

func (e *Engine) armAckTimer() {
	e.ackTimer = e.sched.AfterFunc(e.cfg.AckInterval, func() {
		e.post(event{kind: evAckTimer})
	})
}

// publish 更新窗口快照
func (e *Engine) publish() {
	e.nextSendSeq.Store(e.window.NextSeq())
	e.nextRecvSeq.Store(e.recv.Expected())
	e.windowSize.Store(int64(e.window.Len()))
	e.bufferSize.Store(int64(e.recv.Pending()))
	e.unacked.Store(int64(e.acks.Unacked()))
	e.srtt.Store(int64(e.rtt.Smoothed()))
	e.rttvar.Store(int64(e.rtt.Variance()))
	e.minRTT.Store(int64(e.rtt.Min()))
	e.rttSamples.Store(e.rtt.Samples())
}

// teardown 拆除引擎并关闭关联依赖; pending 为同批次中排在关闭事件之后的事件数
func (e *Engine) teardown(reason error, pending int) {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return
	}
	closers := e.stopLocked()
	e.lifeMu.Unlock()

	e.finish(reason, closers, pending)
}

// stopLocked 标记停止并取走关联依赖, 调用方持有 lifeMu
func (e *Engine) stopLocked() []io.Closer {
	e.stopped = true
	closers := e.closers
	e.closers = nil
	return closers
}

func (e *Engine) finish(reason error, closers []io.Closer, pending int) {
	e.state.Store(int32(StateStopped))
	if e.ackTimer != nil {
		e.ackTimer.Stop()
	}
	dropped := pending + e.mailbox.close()
	atomic.AddUint64(&e.stats.DroppedShutdown, uint64(dropped))
	e.deliver.stop()
	e.publish()

	for _, c := range closers {
		if err := c.Close(); err != nil {
			e.log(logging.LevelDebug, "关闭关联依赖失败: %v", err)
		}
	}

	e.err = reason
	close(e.done)

	if reason != nil {
		e.log(logging.LevelInfo, "已拆除: %v (丢弃 %d 个待处理事件)", reason, dropped)
	} else {
		e.log(logging.LevelInfo, "已关闭 (丢弃 %d 个待处理事件)", dropped)
	}
}

func (e *Engine) log(level int, format string, args ...interface{}) {
	if !e.logger.Enabled(level) {
		return
	}
	e.logger.Logf(level, "[%s] %s", e.name, fmt.Sprintf(format, args...))
}
