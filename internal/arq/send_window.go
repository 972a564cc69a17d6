// =============================================================================
// 文件: internal/arq/send_window.go
// 描述: 可靠性引擎 - 发送窗口 (已发送未确认消息)
// =============================================================================
package arq

import (
	"time"

	"github.com/mrcgq/relm/internal/protocol"
)

// OutboundEntry 已发送未确认的消息
type OutboundEntry struct {
	Message protocol.Message
	SentAt  time.Time
	Retries int
}

// SendWindow 发送窗口
// 只做累积移除, 因此未确认条目始终是连续区间 [base, nextSeq)
type SendWindow struct {
	entries map[int32]*OutboundEntry
	base    int32 // 最小未确认序列号
	nextSeq int32 // 下一个分配的序列号

	// 统计
	totalSent       uint64
	totalRetransmit uint64
	totalAcked      uint64
}

// NewSendWindow 创建发送窗口
func NewSendWindow(initialSeq int32) *SendWindow {
	return &SendWindow{
		entries: make(map[int32]*OutboundEntry),
		base:    initialSeq,
		nextSeq: initialSeq,
	}
}

// Enqueue 分配序列号并登记新消息
func (w *SendWindow) Enqueue(kind protocol.Tag, payload int32, now time.Time) protocol.Message {
	seq := w.nextSeq
	w.nextSeq++

	msg := protocol.MakeData(kind, payload, seq)
	w.entries[seq] = &OutboundEntry{
		Message: msg,
		SentAt:  now,
	}
	w.totalSent++

	return msg
}

// OnAck 处理累积确认
// 移除所有 seq <= ackSeq 的条目; nacks 中仍未确认的条目作为立即重传请求返回
func (w *SendWindow) OnAck(ackSeq int32, nacks []int32) (acked []OutboundEntry, resend []protocol.Message) {
	// 超出已发送范围的确认按最大已发送处理
	if ackSeq >= w.nextSeq {
		ackSeq = w.nextSeq - 1
	}

	for seq := w.base; seq <= ackSeq; seq++ {
		if entry, ok := w.entries[seq]; ok {
			acked = append(acked, *entry)
			delete(w.entries, seq)
			w.totalAcked++
		}
	}
	if ackSeq >= w.base {
		w.base = ackSeq + 1
	}

	for _, seq := range nacks {
		if entry, ok := w.entries[seq]; ok {
			resend = append(resend, entry.Message)
		}
	}

	return acked, resend
}

// OnRetransmitTimer 重传定时器到期
// 条目仍存在则返回原消息 (调用方重发并重新计时); 否则为空操作
func (w *SendWindow) OnRetransmitTimer(seq int32, now time.Time) (protocol.Message, bool) {
	entry, ok := w.entries[seq]
	if !ok {
		return protocol.Message{}, false
	}
	w.markRetransmit(entry, now)
	return entry.Message, true
}

// MarkNackRetransmit 记录一次由 nack 触发的重传
func (w *SendWindow) MarkNackRetransmit(seq int32, now time.Time) {
	if entry, ok := w.entries[seq]; ok {
		w.markRetransmit(entry, now)
	}
}

func (w *SendWindow) markRetransmit(entry *OutboundEntry, now time.Time) {
	entry.Retries++
	entry.SentAt = now
	w.totalRetransmit++
}

// Get 获取条目
func (w *SendWindow) Get(seq int32) (OutboundEntry, bool) {
	entry, ok := w.entries[seq]
	if !ok {
		return OutboundEntry{}, false
	}
	return *entry, true
}

// Len 未确认条目数
func (w *SendWindow) Len() int {
	return len(w.entries)
}

// Base 最小未确认序列号
func (w *SendWindow) Base() int32 {
	return w.base
}

// NextSeq 下一个序列号
func (w *SendWindow) NextSeq() int32 {
	return w.nextSeq
}

// GetStats 获取统计
func (w *SendWindow) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"base":             w.base,
		"next_seq":         w.nextSeq,
		"unacked":          len(w.entries),
		"total_sent":       w.totalSent,
		"total_retransmit": w.totalRetransmit,
		"total_acked":      w.totalAcked,
	}
}
