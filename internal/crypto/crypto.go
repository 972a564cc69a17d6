// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 帧加密 - PSK + 时间窗口派生密钥的 ChaCha20-Poly1305 AEAD
// =============================================================================

package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize       = 32
	KeyIDSize     = 4
	TimestampSize = 2
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = chacha20poly1305.Overhead
	HeaderSize    = KeyIDSize + TimestampSize
	Overhead      = HeaderSize + NonceSize + TagSize

	DefaultTimeWindow = 30
)

// 错误定义
var (
	ErrInvalidPSK    = errors.New("无效 PSK")
	ErrFrameTooShort = errors.New("密文帧太短")
	ErrKeyMismatch   = errors.New("KeyID 不匹配")
	ErrTimestamp     = errors.New("时间戳无效")
	ErrReplay        = errors.New("重放帧")
	ErrDecrypt       = errors.New("解密失败")
)

// Sealer 帧加密器
// 输出: KeyID(4) + Timestamp(2) + Nonce(12) + Ciphertext + Tag(16)
type Sealer struct {
	psk        []byte
	keyID      [KeyIDSize]byte
	timeWindow int64

	mu    sync.Mutex
	aeads map[int64]cipher.AEAD

	guard *ReplayGuard
	now   func() time.Time
}

// New 创建加密器, timeWindow 单位为秒
func New(pskBase64 string, timeWindow int) (*Sealer, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: 解码失败: %v", ErrInvalidPSK, err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("%w: 长度必须是 %d 字节", ErrInvalidPSK, PSKSize)
	}
	if timeWindow <= 0 {
		timeWindow = DefaultTimeWindow
	}

	s := &Sealer{
		psk:        psk,
		timeWindow: int64(timeWindow),
		aeads:      make(map[int64]cipher.AEAD),
		guard:      NewReplayGuard(),
		now:        time.Now,
	}

	reader := hkdf.New(sha256.New, psk, nil, []byte("relm-keyid-v1"))
	if _, err := io.ReadFull(reader, s.keyID[:]); err != nil {
		return nil, fmt.Errorf("派生 KeyID 失败: %w", err)
	}

	return s, nil
}

// Seal 加密一帧
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := s.aead(s.currentWindow())
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize+NonceSize+len(plaintext)+TagSize)
	copy(out[:KeyIDSize], s.keyID[:])
	binary.BigEndian.PutUint16(out[KeyIDSize:HeaderSize], uint16(s.now().Unix()&0xFFFF))

	nonce := out[HeaderSize : HeaderSize+NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead.Seal(out[HeaderSize+NonceSize:HeaderSize+NonceSize], nonce, plaintext, out[:HeaderSize])
	return out, nil
}

// Open 解密一帧, 同一 nonce 只接受一次
func (s *Sealer) Open(frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, ErrFrameTooShort
	}

	var keyID [KeyIDSize]byte
	copy(keyID[:], frame[:KeyIDSize])
	if keyID != s.keyID {
		return nil, ErrKeyMismatch
	}

	ts := binary.BigEndian.Uint16(frame[KeyIDSize:HeaderSize])
	if !s.validTimestamp(ts) {
		return nil, ErrTimestamp
	}

	header := frame[:HeaderSize]
	nonce := frame[HeaderSize : HeaderSize+NonceSize]
	ciphertext := frame[HeaderSize+NonceSize:]

	if s.guard.Seen(nonce) {
		return nil, ErrReplay
	}

	// 窗口切换时前后窗口都可能是发送方使用的密钥
	w := s.currentWindow()
	for _, window := range []int64{w, w - 1, w + 1} {
		aead, err := s.aead(window)
		if err != nil {
			return nil, err
		}
		if plaintext, err := aead.Open(nil, nonce, ciphertext, header); err == nil {
			if !s.guard.CheckAndMark(nonce) {
				return nil, ErrReplay
			}
			return plaintext, nil
		}
	}
	return nil, ErrDecrypt
}

// Stats 防重放统计
func (s *Sealer) Stats() ReplayStats {
	return s.guard.Stats()
}

// Close 停止后台轮换
func (s *Sealer) Close() error {
	s.guard.Close()
	return nil
}

func (s *Sealer) currentWindow() int64 {
	return s.now().Unix() / s.timeWindow
}

// aead 获取窗口密钥, 只缓存当前窗口附近
func (s *Sealer) aead(window int64) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.aeads[window]; ok {
		return a, nil
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window))
	reader := hkdf.New(sha256.New, s.psk, salt, []byte("relm-frame-key-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}

	for w := range s.aeads {
		if w < window-2 || w > window+2 {
			delete(s.aeads, w)
		}
	}
	s.aeads[window] = a
	return a, nil
}

// validTimestamp 允许 timeWindow*3 秒的偏差, 处理 16 位回绕
func (s *Sealer) validTimestamp(ts uint16) bool {
	current := uint16(s.now().Unix() & 0xFFFF)
	diff := int(current) - int(ts)

	if diff < -32768 {
		diff += 65536
	} else if diff > 32768 {
		diff -= 65536
	}
	if diff < 0 {
		diff = -diff
	}
	return int64(diff) <= s.timeWindow*3
}

// GeneratePSK 生成新的 PSK
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}
