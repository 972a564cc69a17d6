// =============================================================================
// 文件: internal/transport/policy.go
// 描述: 入站丢包/延迟策略 - 模拟不可靠网络
// =============================================================================
package transport

import (
	"math/rand"
	"sync"
	"time"
)

// LossPolicy 决定一条入站消息是否送达以及延迟多久
type LossPolicy interface {
	Decide() (deliver bool, delay time.Duration)
}

// NoLoss 全部立即送达
type NoLoss struct{}

// Decide 实现 LossPolicy
func (NoLoss) Decide() (bool, time.Duration) {
	return true, 0
}

// 几何分布最多采样次数
const maxDelaySteps = 64

// RandomPolicy 伯努利丢包 + 几何分布延迟
// 延迟 = k × DelayUnit, k 为成功概率 DelayP 下首次成功前的失败次数
type RandomPolicy struct {
	LossRate  float64
	DelayUnit time.Duration
	DelayP    float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy 创建随机策略, seed 为 0 时使用当前时间
func NewRandomPolicy(lossRate float64, delayUnit time.Duration, delayP float64, seed int64) *RandomPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomPolicy{
		LossRate:  lossRate,
		DelayUnit: delayUnit,
		DelayP:    delayP,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// DefaultRandomPolicy 10% 丢包, 延迟 k×100ms, p=0.5
func DefaultRandomPolicy(seed int64) *RandomPolicy {
	return NewRandomPolicy(0.1, 100*time.Millisecond, 0.5, seed)
}

// Decide 实现 LossPolicy
func (p *RandomPolicy) Decide() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() < p.LossRate {
		return false, 0
	}
	if p.DelayUnit <= 0 || p.DelayP <= 0 {
		return true, 0
	}

	k := 0
	for k < maxDelaySteps && p.rng.Float64() >= p.DelayP {
		k++
	}
	return true, time.Duration(k) * p.DelayUnit
}
