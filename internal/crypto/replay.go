// =============================================================================
// 文件: internal/crypto/replay.go
// 描述: 防重放 - 按时间片轮换的布隆过滤器
// =============================================================================

package crypto

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	bloomExpectedItems = 100000
	bloomFalsePositive = 0.0001

	sliceDuration = 10 * time.Second
	maxSlices     = 18 // 3 分钟, 覆盖时间戳容差
)

// ReplayStats 统计信息
type ReplayStats struct {
	TotalChecks   uint64
	ReplayBlocked uint64
	Rotations     uint64
}

// ReplayGuard 防重放保护器
type ReplayGuard struct {
	mu      sync.RWMutex
	slices  [maxSlices]*bloom.BloomFilter
	current int

	stats ReplayStats

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewReplayGuard 创建防重放保护器并启动轮换
func NewReplayGuard() *ReplayGuard {
	rg := newReplayGuard()
	go rg.rotateLoop()
	return rg
}

func newReplayGuard() *ReplayGuard {
	rg := &ReplayGuard{stopCh: make(chan struct{})}
	for i := range rg.slices {
		rg.slices[i] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	}
	return rg
}

// Seen 是否已出现过 (不标记)
func (rg *ReplayGuard) Seen(nonce []byte) bool {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.testLocked(nonce)
}

// CheckAndMark 新 nonce 返回 true 并记录; 重放返回 false
func (rg *ReplayGuard) CheckAndMark(nonce []byte) bool {
	atomic.AddUint64(&rg.stats.TotalChecks, 1)

	rg.mu.Lock()
	defer rg.mu.Unlock()

	if rg.testLocked(nonce) {
		atomic.AddUint64(&rg.stats.ReplayBlocked, 1)
		return false
	}
	rg.slices[rg.current].Add(nonce)
	return true
}

func (rg *ReplayGuard) testLocked(nonce []byte) bool {
	for _, f := range rg.slices {
		if f.Test(nonce) {
			return true
		}
	}
	return false
}

func (rg *ReplayGuard) rotateLoop() {
	ticker := time.NewTicker(sliceDuration)
	defer ticker.Stop()

	for {
		select {
		case <-rg.stopCh:
			return
		case <-ticker.C:
			rg.rotate()
		}
	}
}

// rotate 丢弃最老的时间片
func (rg *ReplayGuard) rotate() {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	rg.current = (rg.current + 1) % maxSlices
	rg.slices[rg.current].ClearAll()
	atomic.AddUint64(&rg.stats.Rotations, 1)
}

// Stats 返回统计信息
func (rg *ReplayGuard) Stats() ReplayStats {
	return ReplayStats{
		TotalChecks:   atomic.LoadUint64(&rg.stats.TotalChecks),
		ReplayBlocked: atomic.LoadUint64(&rg.stats.ReplayBlocked),
		Rotations:     atomic.LoadUint64(&rg.stats.Rotations),
	}
}

// Close 停止轮换
func (rg *ReplayGuard) Close() {
	rg.closeOnce.Do(func() {
		close(rg.stopCh)
	})
}
