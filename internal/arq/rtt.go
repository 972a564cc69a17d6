// =============================================================================
// 文件: internal/arq/rtt.go
// 描述: 可靠性引擎 - 往返时间估算 (RFC 6298), 仅用于观测, 重传超时保持固定
// =============================================================================
package arq

import "time"

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTTVAR 因子 (1/4)
)

// RTTEstimator 往返时间估算器, 只由引擎协程访问
// 按 Karn 规则只采样未重传过的消息
type RTTEstimator struct {
	smoothed time.Duration
	variance time.Duration
	min      time.Duration
	latest   time.Duration
	samples  uint64
}

// NewRTTEstimator 创建估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// OnAcked 用一个被确认的条目更新估算; 重传过的条目往返时间有歧义, 忽略
func (r *RTTEstimator) OnAcked(entry OutboundEntry, now time.Time) bool {
	if entry.Retries > 0 {
		return false
	}
	r.Update(now.Sub(entry.SentAt))
	return true
}

// Update 加入一个采样
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.latest = sample
	r.samples++
	if r.min == 0 || sample < r.min {
		r.min = sample
	}

	if r.samples == 1 {
		r.smoothed = sample
		r.variance = sample / 2
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	r.variance = time.Duration(float64(r.variance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothed = time.Duration(float64(r.smoothed)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// Smoothed 平滑往返时间, 无采样时为 0
func (r *RTTEstimator) Smoothed() time.Duration { return r.smoothed }

// Variance 往返时间方差
func (r *RTTEstimator) Variance() time.Duration { return r.variance }

// Min 最小往返时间
func (r *RTTEstimator) Min() time.Duration { return r.min }

// Latest 最新采样
func (r *RTTEstimator) Latest() time.Duration { return r.latest }

// Samples 采样数
func (r *RTTEstimator) Samples() uint64 { return r.samples }

// SuggestedRTO RFC 6298 建议的重传超时, 无采样时为 0
func (r *RTTEstimator) SuggestedRTO() time.Duration {
	if r.samples == 0 {
		return 0
	}
	// 时钟粒度按 1ms 计
	rto := r.smoothed + 4*r.variance
	if rto < r.smoothed+time.Millisecond {
		rto = r.smoothed + time.Millisecond
	}
	return rto
}
