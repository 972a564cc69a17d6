// =============================================================================
// 文件: internal/protocol/message.go
// 描述: 可靠消息格式 - 数据消息与确认消息的唯一表示
// =============================================================================

package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxNacks 单个 ACK 最多携带的否定确认数
const MaxNacks = 3

// ErrInvalidNackCount nack 数量越界
var ErrInvalidNackCount = errors.New("nack_count 需在 0-3 之间")

// Tag 消息标签 (封闭枚举)
type Tag uint8

const (
	TagInvalid Tag = iota
	TagPing        // 应用数据: ping
	TagPong        // 应用数据: pong
	TagAck         // 控制: 确认
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagAck:
		return "ack"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// IsData 是否是应用数据
func (t Tag) IsData() bool {
	return t == TagPing || t == TagPong
}

// IsValid 是否是已知标签
func (t Tag) IsValid() bool {
	return t.IsData() || t == TagAck
}

// Message 两端引擎之间交换的唯一单元
type Message struct {
	Tag       Tag
	Payload   int32           // 应用内容 (ACK 不使用)
	Seq       int32           // 序列号; ACK 中为累积确认点
	NackCount int32           // Nacks 中有效项数量
	Nacks     [MaxNacks]int32 // 仅 ACK 有效
}

// MakeAck 创建纯累积确认
func MakeAck(seq int32) Message {
	return Message{Tag: TagAck, Seq: seq}
}

// MakeAckWithNacks 创建带否定确认的 ACK
func MakeAckWithNacks(seq int32, count int32, nacks [MaxNacks]int32) Message {
	return Message{Tag: TagAck, Seq: seq, NackCount: count, Nacks: nacks}
}

// MakeData 创建应用数据消息
func MakeData(kind Tag, payload int32, seq int32) Message {
	return Message{Tag: kind, Payload: payload, Seq: seq}
}

// IsData 是否是应用数据
func (m Message) IsData() bool {
	return m.Tag.IsData()
}

// IsAck 是否是确认
func (m Message) IsAck() bool {
	return m.Tag == TagAck
}

// NackList 返回有效的 nack 序列号
func (m Message) NackList() []int32 {
	n := m.NackCount
	if n <= 0 {
		return nil
	}
	if n > MaxNacks {
		n = MaxNacks
	}
	out := make([]int32, n)
	copy(out, m.Nacks[:n])
	return out
}

// Validate 仅检查 nack_count 范围
func (m Message) Validate() error {
	if m.NackCount < 0 || m.NackCount > MaxNacks {
		return fmt.Errorf("%w: %d", ErrInvalidNackCount, m.NackCount)
	}
	return nil
}

// Less 按序列号排序
func (m Message) Less(other Message) bool {
	return m.Seq < other.Seq
}

// String 可读格式 {tag, seq, payload, nack_count[, [nacks...]]}
func (m Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{%s, %d, %d, %d", m.Tag, m.Seq, m.Payload, m.NackCount)
	if nacks := m.NackList(); len(nacks) > 0 {
		sb.WriteString(", [")
		for i, n := range nacks {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Itoa(int(n)))
		}
		sb.WriteString("]")
	}
	sb.WriteString("}")
	return sb.String()
}
