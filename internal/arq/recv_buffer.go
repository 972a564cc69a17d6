// =============================================================================
// 文件: internal/arq/recv_buffer.go
// 描述: 可靠性引擎 - 接收重排缓冲区 (按序交付、去重)
// =============================================================================
package arq

import (
	"sort"

	"github.com/mrcgq/relm/internal/protocol"
)

// Arrival 数据消息到达分类
type Arrival int

const (
	ArrivalStale     Arrival = iota // 已交付过的旧序列号
	ArrivalInOrder                  // 正好是期望序列号
	ArrivalEarly                    // 提前到达, 已缓存
	ArrivalDuplicate                // 提前到达但已缓存过
)

func (a Arrival) String() string {
	switch a {
	case ArrivalStale:
		return "stale"
	case ArrivalInOrder:
		return "in-order"
	case ArrivalEarly:
		return "early"
	case ArrivalDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// RecvBuffer 接收缓冲区
// 不变量: early 按 Seq 升序, 且所有元素 Seq > expected
type RecvBuffer struct {
	expected int32
	early    []protocol.Message
}

// NewRecvBuffer 创建接收缓冲区
func NewRecvBuffer(initialSeq int32) *RecvBuffer {
	return &RecvBuffer{expected: initialSeq}
}

// Insert 处理一条数据消息, 返回分类和可按序交付的消息 (含排空的缓存)
func (b *RecvBuffer) Insert(msg protocol.Message) (Arrival, []protocol.Message) {
	switch {
	case msg.Seq < b.expected:
		return ArrivalStale, nil

	case msg.Seq == b.expected:
		ready := []protocol.Message{msg}
		b.expected++
		ready = b.drain(ready)
		return ArrivalInOrder, ready

	default:
		i := sort.Search(len(b.early), func(i int) bool {
			return b.early[i].Seq >= msg.Seq
		})
		if i < len(b.early) && b.early[i].Seq == msg.Seq {
			return ArrivalDuplicate, nil
		}
		b.early = append(b.early, protocol.Message{})
		copy(b.early[i+1:], b.early[i:])
		b.early[i] = msg
		return ArrivalEarly, nil
	}
}

// drain 取出缓存头部连续的消息
func (b *RecvBuffer) drain(ready []protocol.Message) []protocol.Message {
	n := 0
	for n < len(b.early) && b.early[n].Seq == b.expected {
		ready = append(ready, b.early[n])
		b.expected++
		n++
	}
	if n > 0 {
		b.early = append(b.early[:0], b.early[n:]...)
	}
	return ready
}

// Expected 下一个期望的序列号
func (b *RecvBuffer) Expected() int32 {
	return b.expected
}

// Cumulative 累积确认点
func (b *RecvBuffer) Cumulative() int32 {
	return b.expected - 1
}

// Pending 缓存中的消息数
func (b *RecvBuffer) Pending() int {
	return len(b.early)
}

// Missing 返回累积确认点之后、最大缓存序列号之前缺失的序列号 (升序, 最多 max 个)
func (b *RecvBuffer) Missing(max int) []int32 {
	if len(b.early) == 0 || max <= 0 {
		return nil
	}

	var missing []int32
	seq := b.expected
	for _, m := range b.early {
		for ; seq < m.Seq; seq++ {
			missing = append(missing, seq)
			if len(missing) == max {
				return missing
			}
		}
		seq = m.Seq + 1
	}
	return missing
}
