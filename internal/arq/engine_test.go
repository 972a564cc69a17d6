// =============================================================================
// 文件: internal/arq/engine_test.go
// 描述: 可靠性引擎测试 (手动定时器, 记录型传输层与应用)
// =============================================================================
package arq

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/relm/internal/protocol"
)

// manualTimer 手动定时器
type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// manualScheduler 只在测试调用 fire 时触发
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return &manualHandle{s: s, t: t}
}

type manualHandle struct {
	s *manualScheduler
	t *manualTimer
}

func (h *manualHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// fire 触发所有时长为 d 的待触发定时器
func (s *manualScheduler) fire(d time.Duration) int {
	s.mu.Lock()
	var due []func()
	for _, t := range s.timers {
		if t.d == d && !t.fired && !t.stopped {
			t.fired = true
			due = append(due, t.f)
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		f()
	}
	return len(due)
}

// pending 待触发的时长为 d 的定时器数
func (s *manualScheduler) pending(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if t.d == d && !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// recordTransport 记录发出的消息
type recordTransport struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recordTransport) Send(msg protocol.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
	return nil
}

func (r *recordTransport) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.sent...)
}

func (r *recordTransport) acks() []protocol.Message {
	var out []protocol.Message
	for _, m := range r.messages() {
		if m.IsAck() {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordTransport) data() []protocol.Message {
	var out []protocol.Message
	for _, m := range r.messages() {
		if m.IsData() {
			out = append(out, m)
		}
	}
	return out
}

// recordApp 记录交付的负载
type recordApp struct {
	mu       sync.Mutex
	payloads []int32
}

func (a *recordApp) Deliver(kind protocol.Tag, payload int32) {
	a.mu.Lock()
	a.payloads = append(a.payloads, payload)
	a.mu.Unlock()
}

func (a *recordApp) delivered() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int32(nil), a.payloads...)
}

type testEngine struct {
	*Engine
	sched *manualScheduler
	tr    *recordTransport
	app   *recordApp
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	te := &testEngine{
		sched: &manualScheduler{},
		tr:    &recordTransport{},
		app:   &recordApp{},
	}
	e, err := NewEngine(te.app, cfg, WithScheduler(te.sched), WithName("test"))
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	te.Engine = e

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return te
}

func (te *testEngine) register(t *testing.T) {
	t.Helper()
	if err := te.Register(te.tr); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	te.sync(t)
}

func (te *testEngine) sync(t *testing.T) {
	t.Helper()
	if !te.flush() {
		t.Fatal("引擎已停止")
	}
}

func TestEngineBootstrap(t *testing.T) {
	te := newTestEngine(t, nil)

	if te.State() != StateBootstrapping {
		t.Fatalf("初始状态应为引导: %s", te.State())
	}

	// 注册前的发送请求被丢弃, 不会崩溃
	if err := te.Send(protocol.TagPing, 1); err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	te.Receive(protocol.MakeData(protocol.TagPing, 9, 0))
	te.sync(t)

	if len(te.tr.messages()) != 0 {
		t.Errorf("引导阶段不应发送任何消息: %v", te.tr.messages())
	}
	if len(te.app.delivered()) != 0 {
		t.Errorf("引导阶段不应交付: %v", te.app.delivered())
	}
	if got := te.Stats().DroppedBootstrap; got != 2 {
		t.Errorf("DroppedBootstrap = %d, want 2", got)
	}

	te.register(t)
	if te.State() != StateRunning {
		t.Fatalf("注册后状态应为运行: %s", te.State())
	}

	te.Send(protocol.TagPing, 1)
	te.sync(t)

	sent := te.tr.data()
	if len(sent) != 1 || sent[0] != protocol.MakeData(protocol.TagPing, 1, 0) {
		t.Errorf("注册后应正常发送: %v", sent)
	}
}

func TestEngineSendRejectsAck(t *testing.T) {
	te := newTestEngine(t, nil)
	if err := te.Send(protocol.TagAck, 0); !errors.Is(err, ErrNotDataKind) {
		t.Errorf("发送 ACK 应返回 ErrNotDataKind, got %v", err)
	}
}

func TestEngineInOrderPermutations(t *testing.T) {
	const n = 20
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 10; round++ {
		te := newTestEngine(t, func(c *Config) { c.AckThreshold = 3 })
		te.register(t)

		order := rng.Perm(n)
		for _, seq := range order {
			te.Receive(protocol.MakeData(protocol.TagPing, int32(seq*7), int32(seq)))
		}
		te.sync(t)

		got := te.app.delivered()
		if len(got) != n {
			t.Fatalf("第 %d 轮: 交付数量 %d, want %d (顺序 %v)", round, len(got), n, order)
		}
		for i, p := range got {
			if p != int32(i*7) {
				t.Fatalf("第 %d 轮: 交付顺序错误 %v (到达顺序 %v)", round, got, order)
			}
		}

		// 累积确认点不回退
		last := int32(-1)
		for _, ack := range te.tr.acks() {
			if ack.Seq < last {
				t.Fatalf("第 %d 轮: 确认点回退 %d -> %d", round, last, ack.Seq)
			}
			last = ack.Seq
		}

		te.Close()
	}
}

func TestEngineExactlyOnce(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	msg := protocol.MakeData(protocol.TagPong, 77, 0)
	te.Receive(msg)
	te.Receive(msg)

	early := protocol.MakeData(protocol.TagPong, 79, 2)
	te.Receive(early)
	te.Receive(early)
	te.Receive(protocol.MakeData(protocol.TagPong, 78, 1))
	te.sync(t)

	got := te.app.delivered()
	if !equalPayloads(got, []int32{77, 78, 79}) {
		t.Errorf("应恰好交付一次: %v", got)
	}

	s := te.Stats()
	if s.Stale != 1 || s.DuplicateEarly != 1 || s.Delivered != 3 {
		t.Errorf("统计不正确: stale=%d dup=%d delivered=%d", s.Stale, s.DuplicateEarly, s.Delivered)
	}
	// 五条数据消息都计入未确认
	if s.Unacked != 5 {
		t.Errorf("Unacked = %d, want 5", s.Unacked)
	}
}

func TestEngineGapDrain(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	te.Receive(protocol.MakeData(protocol.TagPing, 100, 0))
	te.Receive(protocol.MakeData(protocol.TagPing, 102, 2))
	te.sync(t)

	if got := te.app.delivered(); !equalPayloads(got, []int32{100}) {
		t.Fatalf("seq 2 不应交付: %v", got)
	}

	te.Receive(protocol.MakeData(protocol.TagPing, 101, 1))
	te.sync(t)

	if got := te.app.delivered(); !equalPayloads(got, []int32{100, 101, 102}) {
		t.Errorf("seq 1 到达后应一次排空: %v", got)
	}
	if s := te.Stats(); s.BufferSize != 0 || s.NextRecvSeq != 3 {
		t.Errorf("缓冲区状态不正确: buffer=%d next=%d", s.BufferSize, s.NextRecvSeq)
	}
}

func TestEngineThresholdAck(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.AckThreshold = 4 })
	te.register(t)

	for seq := int32(0); seq < 3; seq++ {
		te.Receive(protocol.MakeData(protocol.TagPing, seq, seq))
	}
	te.sync(t)
	if acks := te.tr.acks(); len(acks) != 0 {
		t.Fatalf("未达阈值不应确认: %v", acks)
	}

	te.Receive(protocol.MakeData(protocol.TagPing, 3, 3))
	te.sync(t)

	acks := te.tr.acks()
	if len(acks) != 1 || acks[0].Seq != 3 {
		t.Fatalf("达到阈值应立即确认 seq 3: %v", acks)
	}
	if te.Stats().Unacked != 0 {
		t.Errorf("确认后未确认计数应清零: %d", te.Stats().Unacked)
	}
}

func TestEnginePeriodicAck(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.AckThreshold = 0 })
	te.register(t)
	interval := DefaultAckInterval

	// 无新数据时抑制
	te.sched.fire(interval)
	te.sync(t)
	if acks := te.tr.acks(); len(acks) != 0 {
		t.Fatalf("无新数据不应确认: %v", acks)
	}
	if te.sched.pending(interval) != 1 {
		t.Fatalf("确认定时器应重新启动")
	}

	te.Receive(protocol.MakeData(protocol.TagPing, 1, 0))
	te.Receive(protocol.MakeData(protocol.TagPing, 3, 2))
	te.sync(t)
	te.sched.fire(interval)
	te.sync(t)

	acks := te.tr.acks()
	if len(acks) != 1 {
		t.Fatalf("应发送一次确认: %v", acks)
	}
	if acks[0].Seq != 0 || !equalPayloads(acks[0].NackList(), []int32{1}) {
		t.Errorf("确认内容不正确: %s", acks[0])
	}
	// 仍在缓存中的消息保持未确认
	if te.Stats().Unacked != 1 {
		t.Errorf("Unacked = %d, want 1", te.Stats().Unacked)
	}
}

func TestEngineRetransmit(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)
	rto := DefaultRetransmitTimeout

	te.Send(protocol.TagPing, 5)
	te.Send(protocol.TagPing, 6)
	te.sync(t)

	if n := te.sched.fire(rto); n != 2 {
		t.Fatalf("应有 2 个重传定时器, got %d", n)
	}
	te.sync(t)

	data := te.tr.data()
	if len(data) != 4 || data[2] != data[0] || data[3] != data[1] {
		t.Fatalf("应原样重传: %v", data)
	}
	if te.sched.pending(rto) != 2 {
		t.Errorf("重传后应重新计时")
	}

	// 确认 seq 0, 其定时器到期为空操作
	te.Receive(protocol.MakeAck(0))
	te.sync(t)
	if s := te.Stats(); s.WindowSize != 1 {
		t.Fatalf("窗口清理不正确: %d", s.WindowSize)
	}

	te.sched.fire(rto)
	te.sync(t)

	data = te.tr.data()
	if len(data) != 5 || data[4].Seq != 1 {
		t.Errorf("只应重传 seq 1: %v", data)
	}

	s := te.Stats()
	if s.LateTimers != 1 || s.TimeoutRetransmits != 3 {
		t.Errorf("统计不正确: late=%d retrans=%d", s.LateTimers, s.TimeoutRetransmits)
	}
}

func TestEngineRetransmitIdempotent(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	te.Send(protocol.TagPing, 1)
	te.Receive(protocol.MakeAck(0))
	te.sync(t)

	before := te.Stats()
	sent := len(te.tr.messages())

	te.sched.fire(DefaultRetransmitTimeout)
	te.sync(t)

	if len(te.tr.messages()) != sent {
		t.Errorf("已确认的定时器不应产生流量: %v", te.tr.messages())
	}
	after := te.Stats()
	if after.WindowSize != before.WindowSize || after.NextSendSeq != before.NextSendSeq {
		t.Errorf("状态不应改变: before=%+v after=%+v", before, after)
	}
	if te.sched.pending(DefaultRetransmitTimeout) != 0 {
		t.Error("不应重新计时")
	}
}

func TestEngineNackRetransmit(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	for i := int32(0); i < 5; i++ {
		te.Send(protocol.TagPong, i)
	}
	te.Receive(protocol.MakeAckWithNacks(0, 2, [protocol.MaxNacks]int32{1, 3, 0}))
	te.sync(t)

	data := te.tr.data()
	if len(data) != 7 {
		t.Fatalf("应重传 2 条: %v", data)
	}
	if data[5].Seq != 1 || data[6].Seq != 3 {
		t.Errorf("nack 重传不正确: %v", data[5:])
	}
	if s := te.Stats(); s.NackRetransmits != 2 || s.WindowSize != 4 {
		t.Errorf("统计不正确: nack=%d window=%d", s.NackRetransmits, s.WindowSize)
	}
}

func TestEngineUnknownMessage(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	te.Receive(protocol.Message{Tag: protocol.Tag(42), Seq: 1})
	te.sync(t)

	if te.State() != StateRunning {
		t.Fatalf("未知消息不应终止引擎: %s", te.State())
	}
	if te.Stats().Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", te.Stats().Unknown)
	}
}

type closeRecorder struct {
	mu     sync.Mutex
	closed int
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *closeRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestEngineShutdown(t *testing.T) {
	te := newTestEngine(t, nil)
	te.register(t)

	dep := &closeRecorder{}
	te.Link(dep)

	reason := errors.New("remote link unreachable")
	te.Shutdown(reason)

	select {
	case <-te.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("引擎未拆除")
	}

	if !errors.Is(te.Err(), reason) {
		t.Errorf("Err = %v, want %v", te.Err(), reason)
	}
	if te.State() != StateStopped {
		t.Errorf("状态应为已停止: %s", te.State())
	}
	if dep.count() != 1 {
		t.Errorf("关联依赖应被关闭一次: %d", dep.count())
	}
	if err := te.Send(protocol.TagPing, 1); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("关闭后 Send 应返回 ErrEngineClosed, got %v", err)
	}

	// 拆除后再关联的依赖立即关闭
	late := &closeRecorder{}
	te.Link(late)
	if late.count() != 1 {
		t.Error("拆除后关联的依赖应立即关闭")
	}
}

func TestEngineShutdownBeforeStart(t *testing.T) {
	e, err := NewEngine(&recordApp{}, nil)
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	e.Close()

	select {
	case <-e.Done():
	default:
		t.Fatal("未启动的引擎应立即拆除")
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("拆除后 Start 应返回 ErrEngineClosed, got %v", err)
	}
}

func TestEngineContextCancel(t *testing.T) {
	e, err := NewEngine(&recordApp{}, nil, WithScheduler(&manualScheduler{}))
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ctx 取消后引擎应拆除")
	}
	if !errors.Is(e.Err(), context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", e.Err())
	}
}

func TestEngineDeliveryDelay(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.DeliveryDelay = 5 * time.Millisecond })
	te.register(t)

	for _, seq := range []int32{3, 1, 0, 2} {
		te.Receive(protocol.MakeData(protocol.TagPing, seq, seq))
	}
	te.sync(t)

	deadline := time.Now().Add(2 * time.Second)
	for len(te.app.delivered()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := te.app.delivered(); !equalPayloads(got, []int32{0, 1, 2, 3}) {
		t.Errorf("延迟交付应保持顺序: %v", got)
	}
}

// 两个引擎经有损通道互联, 最终全部按序交付
func TestEnginePairOverLossyChannel(t *testing.T) {
	const n = 50
	sched := &manualScheduler{}
	rng := rand.New(rand.NewSource(7))
	var rngMu sync.Mutex

	appA, appB := &recordApp{}, &recordApp{}
	cfg := DefaultConfig()
	cfg.AckThreshold = 5

	a, _ := NewEngine(appA, cfg, WithScheduler(sched), WithName("a"))
	b, _ := NewEngine(appB, cfg, WithScheduler(sched), WithName("b"))
	a.Start(context.Background())
	b.Start(context.Background())
	defer a.Close()
	defer b.Close()

	lossy := func(dst *Engine) Transport {
		return TransportFunc(func(msg protocol.Message) error {
			rngMu.Lock()
			drop := rng.Float64() < 0.3
			rngMu.Unlock()
			if !drop {
				dst.Receive(msg)
			}
			return nil
		})
	}
	a.Register(lossy(b))
	b.Register(lossy(a))

	for i := int32(0); i < n; i++ {
		a.Send(protocol.TagPing, i)
	}

	for round := 0; round < 200 && len(appB.delivered()) < n; round++ {
		a.flush()
		b.flush()
		sched.fire(cfg.AckInterval)
		sched.fire(cfg.RetransmitTimeout)
	}
	a.flush()
	b.flush()

	got := appB.delivered()
	if len(got) != n {
		t.Fatalf("交付数量 %d, want %d", len(got), n)
	}
	for i, p := range got {
		if p != int32(i) {
			t.Fatalf("交付顺序错误: %v", got)
		}
	}
}

func equalPayloads(a, b []int32) bool {
	return equalSeqs(a, b)
}

func BenchmarkEngineReceive(b *testing.B) {
	e, _ := NewEngine(ApplicationFunc(func(protocol.Tag, int32) {}), nil,
		WithScheduler(&manualScheduler{}))
	e.Start(context.Background())
	defer e.Close()
	e.Register(TransportFunc(func(protocol.Message) error { return nil }))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Receive(protocol.MakeData(protocol.TagPing, int32(i), int32(i)))
	}
	e.flush()
}

// countObserver 记录观察者回调
type countObserver struct {
	mu      sync.Mutex
	tries   []int
	reasons map[string]int
}

func (o *countObserver) OnAcked(tries int, elapsed time.Duration) {
	o.mu.Lock()
	o.tries = append(o.tries, tries)
	o.mu.Unlock()
}

func (o *countObserver) OnRetransmit(reason string) {
	o.mu.Lock()
	if o.reasons == nil {
		o.reasons = make(map[string]int)
	}
	o.reasons[reason]++
	o.mu.Unlock()
}

func TestEngineObserver(t *testing.T) {
	obs := &countObserver{}
	sched := &manualScheduler{}
	tr := &recordTransport{}

	e, err := NewEngine(&recordApp{}, nil, WithScheduler(sched), WithObserver(obs))
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	e.Start(context.Background())
	defer e.Close()

	e.Register(tr)
	for i := int32(0); i < 3; i++ {
		e.Send(protocol.TagPing, i)
	}
	e.flush()

	sched.fire(DefaultRetransmitTimeout)
	e.Receive(protocol.MakeAckWithNacks(0, 1, [protocol.MaxNacks]int32{2, 0, 0}))
	e.flush()
	e.Receive(protocol.MakeAck(2))
	e.flush()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.reasons[RetransmitTimeout] != 3 || obs.reasons[RetransmitNack] != 1 {
		t.Errorf("重传回调不正确: %v", obs.reasons)
	}
	// seq 0: 2 次, seq 1: 2 次, seq 2: 3 次
	if len(obs.tries) != 3 || obs.tries[0] != 2 || obs.tries[1] != 2 || obs.tries[2] != 3 {
		t.Errorf("确认回调不正确: %v", obs.tries)
	}
}

func TestEngineFinalAckOnShutdown(t *testing.T) {
	t.Run("有未确认到达", func(t *testing.T) {
		te := newTestEngine(t, nil)
		te.register(t)

		te.Receive(protocol.MakeData(protocol.TagPong, 7, 0))
		te.Receive(protocol.MakeData(protocol.TagPong, 8, 1))
		te.sync(t)
		if len(te.tr.acks()) != 0 {
			t.Fatal("未到阈值不应发送确认")
		}

		te.Close()
		select {
		case <-te.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("引擎未拆除")
		}

		acks := te.tr.acks()
		if len(acks) != 1 || acks[0].Seq != 1 {
			t.Fatalf("关闭前应发送最终累积确认: %v", acks)
		}
	})

	t.Run("无未确认到达", func(t *testing.T) {
		te := newTestEngine(t, nil)
		te.register(t)
		te.Close()
		<-te.Done()
		if n := len(te.tr.acks()); n != 0 {
			t.Errorf("没有新数据时不应发送确认: %d", n)
		}
	})
}

// blockingApp 首次交付时阻塞, 直到 release 关闭
type blockingApp struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingApp) Deliver(kind protocol.Tag, payload int32) {
	a.once.Do(func() {
		close(a.entered)
		<-a.release
	})
}

func TestEngineShutdownCountsPendingBatch(t *testing.T) {
	app := &blockingApp{entered: make(chan struct{}), release: make(chan struct{})}
	e, err := NewEngine(app, nil, WithScheduler(&manualScheduler{}))
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	e.Start(context.Background())
	e.Register(&recordTransport{})
	e.Receive(protocol.MakeData(protocol.TagPing, 1, 0))

	select {
	case <-app.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("消息未交付")
	}

	// 引擎协程阻塞期间, 关闭事件与其后的发送请求进入同一批次
	e.Shutdown(nil)
	for i := int32(0); i < 3; i++ {
		if err := e.Send(protocol.TagPing, i); err != nil {
			t.Fatalf("Send 失败: %v", err)
		}
	}
	close(app.release)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("引擎未拆除")
	}
	if got := e.Stats().DroppedShutdown; got != 3 {
		t.Errorf("DroppedShutdown = %d, want 3", got)
	}
	if got := e.Stats().MessagesSent; got != 0 {
		t.Errorf("关闭之后的发送请求不应被处理: %d", got)
	}
}

func TestEngineShutdownRacesStart(t *testing.T) {
	for i := 0; i < 200; i++ {
		e, err := NewEngine(&recordApp{}, nil, WithScheduler(&manualScheduler{}))
		if err != nil {
			t.Fatalf("创建引擎失败: %v", err)
		}

		startErr := make(chan error, 1)
		go func() { startErr <- e.Start(context.Background()) }()
		e.Shutdown(nil)

		if err := <-startErr; err != nil && !errors.Is(err, ErrEngineClosed) {
			t.Fatalf("Start 返回意外错误: %v", err)
		}
		select {
		case <-e.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("第 %d 次: 引擎未拆除", i)
		}
		if e.State() != StateStopped {
			t.Fatalf("第 %d 次: 状态 %s", i, e.State())
		}
		if err := e.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
			t.Fatalf("拆除后 Start 应返回 ErrEngineClosed, got %v", err)
		}
	}
}
