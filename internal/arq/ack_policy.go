// =============================================================================
// 文件: internal/arq/ack_policy.go
// 描述: 可靠性引擎 - 确认策略 (何时发送 ACK, ACK 覆盖什么)
// =============================================================================
package arq

import "github.com/mrcgq/relm/internal/protocol"

// AckPolicy 确认策略
type AckPolicy struct {
	threshold  int
	enableNack bool
	unacked    int
}

// NewAckPolicy 创建确认策略, threshold 为 0 时不触发立即确认
func NewAckPolicy(threshold int, enableNack bool) *AckPolicy {
	return &AckPolicy{
		threshold:  threshold,
		enableNack: enableNack,
	}
}

// OnAccepted 接收一条数据消息, 达到阈值时返回 true
func (p *AckPolicy) OnAccepted() bool {
	p.unacked++
	return p.threshold > 0 && p.unacked >= p.threshold
}

// Pending 周期定时器到期时是否需要发送
func (p *AckPolicy) Pending() bool {
	return p.unacked > 0
}

// Build 根据接收缓冲区构造 ACK
func (p *AckPolicy) Build(buf *RecvBuffer) protocol.Message {
	if !p.enableNack {
		return protocol.MakeAck(buf.Cumulative())
	}

	missing := buf.Missing(protocol.MaxNacks)
	if len(missing) == 0 {
		return protocol.MakeAck(buf.Cumulative())
	}

	var nacks [protocol.MaxNacks]int32
	copy(nacks[:], missing)
	return protocol.MakeAckWithNacks(buf.Cumulative(), int32(len(missing)), nacks)
}

// OnSent ACK 已发送, 未确认计数重置为仍在缓存中的消息数
func (p *AckPolicy) OnSent(buffered int) {
	p.unacked = buffered
}

// Unacked 当前未确认计数
func (p *AckPolicy) Unacked() int {
	return p.unacked
}
