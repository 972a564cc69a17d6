// =============================================================================
// 文件: internal/arq/types.go
// 描述: 可靠性引擎 - 统一类型定义 (常量、配置、状态、统计、协作接口)
// =============================================================================
package arq

import (
	"errors"
	"fmt"
	"time"

	"github.com/mrcgq/relm/internal/protocol"
)

// 默认参数
const (
	DefaultRetransmitTimeout = 300 * time.Millisecond
	DefaultAckInterval       = 1 * time.Second
	DefaultAckThreshold      = 10
	DefaultDeliveryDelay     = 0
)

// 错误定义
var (
	ErrEngineClosed  = errors.New("引擎已关闭")
	ErrNotDataKind   = errors.New("只能发送应用数据消息")
	ErrInvalidConfig = errors.New("无效配置")
)

// State 引擎生命周期状态
type State int32

const (
	StateBootstrapping State = iota // 尚未获得传输层引用
	StateRunning                    // 协议完全运行
	StateStopped                    // 已拆除
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	// 单条消息的固定重传超时
	RetransmitTimeout time.Duration
	// 周期 ACK 间隔
	AckInterval time.Duration
	// 未确认计数达到该值立即发送 ACK (0 表示禁用)
	AckThreshold int
	// 交付给应用前的转发延迟
	DeliveryDelay time.Duration
	// 是否在 ACK 中携带否定确认
	EnableNack bool
	// 双方约定的起始序列号
	InitialSendSeq int32
	InitialRecvSeq int32
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		RetransmitTimeout: DefaultRetransmitTimeout,
		AckInterval:       DefaultAckInterval,
		AckThreshold:      DefaultAckThreshold,
		DeliveryDelay:     DefaultDeliveryDelay,
		EnableNack:        true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.RetransmitTimeout <= 0 {
		return fmt.Errorf("%w: retransmit_timeout 必须大于 0", ErrInvalidConfig)
	}
	if c.AckInterval <= 0 {
		return fmt.Errorf("%w: ack_interval 必须大于 0", ErrInvalidConfig)
	}
	if c.AckThreshold < 0 {
		return fmt.Errorf("%w: ack_threshold 不能为负", ErrInvalidConfig)
	}
	if c.DeliveryDelay < 0 {
		return fmt.Errorf("%w: delivery_delay 不能为负", ErrInvalidConfig)
	}
	if c.InitialSendSeq < 0 || c.InitialRecvSeq < 0 {
		return fmt.Errorf("%w: 起始序列号不能为负", ErrInvalidConfig)
	}
	return nil
}

// Stats 引擎统计快照
type Stats struct {
	Name  string
	State string

	// 发送方向
	MessagesSent       uint64
	Retransmits        uint64
	TimeoutRetransmits uint64
	NackRetransmits    uint64
	AcksReceived       uint64
	LateTimers         uint64

	// 接收方向
	Delivered      uint64
	InOrder        uint64
	Early          uint64
	Stale          uint64
	DuplicateEarly uint64
	AcksSent       uint64

	// 丢弃
	DroppedBootstrap uint64
	DroppedShutdown  uint64
	Unknown          uint64

	// 当前窗口
	NextSendSeq int32
	NextRecvSeq int32
	WindowSize  int
	BufferSize  int
	Unacked     int

	// 往返时间 (仅观测)
	SRTT       time.Duration
	RTTVar     time.Duration
	MinRTT     time.Duration
	RTTSamples uint64

	Uptime time.Duration
}

// Transport 不可靠传输层 (由引擎使用)
type Transport interface {
	// Send 发送一条完整消息, 发出即忘
	Send(msg protocol.Message) error
}

// Application 应用层 (由引擎按序交付)
type Application interface {
	// Deliver 交付一条按序、恰好一次的应用消息
	Deliver(kind protocol.Tag, payload int32)
}

// ApplicationFunc 函数适配器
type ApplicationFunc func(kind protocol.Tag, payload int32)

// Deliver 实现 Application
func (f ApplicationFunc) Deliver(kind protocol.Tag, payload int32) {
	f(kind, payload)
}

// TransportFunc 函数适配器
type TransportFunc func(msg protocol.Message) error

// Send 实现 Transport
func (f TransportFunc) Send(msg protocol.Message) error {
	return f(msg)
}

// 重传原因
const (
	RetransmitTimeout = "timeout"
	RetransmitNack    = "nack"
)

// Observer 引擎事件订阅者, 回调在引擎协程内执行, 不得阻塞
type Observer interface {
	// OnAcked 一条消息被累积确认; tries 为发送次数, elapsed 为距最后一次发送的时间
	OnAcked(tries int, elapsed time.Duration)
	OnRetransmit(reason string)
}

type nopObserver struct{}

func (nopObserver) OnAcked(int, time.Duration) {}
func (nopObserver) OnRetransmit(string)        {}
