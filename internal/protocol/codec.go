// =============================================================================
// 文件: internal/protocol/codec.go
// 描述: 消息编解码 - 定长大端帧
// =============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"
)

// FrameSize 帧大小:
// Tag(1) + NackCount(1) + Reserved(2) + Seq(4) + Payload(4) + Nacks(3*4) = 24 bytes
const FrameSize = 24

// Encode 编码消息
func Encode(m Message) []byte {
	buf := make([]byte, FrameSize)
	EncodeTo(buf, m)
	return buf
}

// EncodeTo 编码到已有缓冲区 (len(buf) >= FrameSize)
func EncodeTo(buf []byte, m Message) {
	buf[0] = byte(m.Tag)
	buf[1] = byte(m.NackCount)
	buf[2] = 0
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Payload))
	for i := 0; i < MaxNacks; i++ {
		off := 12 + i*4
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(m.Nacks[i]))
	}
}

// Decode 解码消息
func Decode(data []byte) (Message, error) {
	if len(data) < FrameSize {
		return Message{}, fmt.Errorf("帧太短: %d < %d", len(data), FrameSize)
	}

	m := Message{
		Tag:       Tag(data[0]),
		NackCount: int32(data[1]),
		Seq:       int32(binary.BigEndian.Uint32(data[4:8])),
		Payload:   int32(binary.BigEndian.Uint32(data[8:12])),
	}
	for i := 0; i < MaxNacks; i++ {
		off := 12 + i*4
		m.Nacks[i] = int32(binary.BigEndian.Uint32(data[off : off+4]))
	}

	if !m.Tag.IsValid() {
		return m, fmt.Errorf("未知标签: 0x%02X", data[0])
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// closeMarker 链路关闭帧, 单字节, 不会与消息帧混淆
const closeMarker = 0xFF

// EncodeClose 编码链路关闭帧
func EncodeClose() []byte {
	return []byte{closeMarker}
}

// IsClose 是否为链路关闭帧
func IsClose(frame []byte) bool {
	return len(frame) == 1 && frame[0] == closeMarker
}
