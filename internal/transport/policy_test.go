// =============================================================================
// 文件: internal/transport/policy_test.go
// =============================================================================
package transport

import (
	"testing"
	"time"
)

func TestNoLoss(t *testing.T) {
	for i := 0; i < 100; i++ {
		if ok, d := (NoLoss{}).Decide(); !ok || d != 0 {
			t.Fatalf("NoLoss 应立即送达: ok=%v delay=%v", ok, d)
		}
	}
}

func TestRandomPolicyDeterministic(t *testing.T) {
	a := DefaultRandomPolicy(99)
	b := DefaultRandomPolicy(99)
	for i := 0; i < 1000; i++ {
		okA, dA := a.Decide()
		okB, dB := b.Decide()
		if okA != okB || dA != dB {
			t.Fatalf("相同种子应得到相同序列 (第 %d 次)", i)
		}
	}
}

func TestRandomPolicyDistribution(t *testing.T) {
	p := NewRandomPolicy(0.1, 100*time.Millisecond, 0.5, 12345)

	const n = 20000
	lost, zeroDelay := 0, 0
	for i := 0; i < n; i++ {
		ok, d := p.Decide()
		if !ok {
			lost++
			continue
		}
		if d%(100*time.Millisecond) != 0 {
			t.Fatalf("延迟应为 100ms 的整数倍: %v", d)
		}
		if d == 0 {
			zeroDelay++
		}
	}

	rate := float64(lost) / n
	if rate < 0.08 || rate > 0.12 {
		t.Errorf("丢包率 %.3f 偏离 0.1", rate)
	}
	// p=0.5 时约一半送达消息无延迟
	zeroRate := float64(zeroDelay) / float64(n-lost)
	if zeroRate < 0.45 || zeroRate > 0.55 {
		t.Errorf("无延迟比例 %.3f 偏离 0.5", zeroRate)
	}
}

func TestRandomPolicyEdges(t *testing.T) {
	all := NewRandomPolicy(1, time.Second, 0.5, 1)
	if ok, _ := all.Decide(); ok {
		t.Error("丢包率 1 时应全部丢弃")
	}

	noDelay := NewRandomPolicy(0, time.Second, 0, 1)
	if ok, d := noDelay.Decide(); !ok || d != 0 {
		t.Errorf("DelayP=0 时不延迟: ok=%v d=%v", ok, d)
	}
}
