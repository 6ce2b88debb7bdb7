package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff 重连退避策略：从 Min 开始按 Factor 指数增长，封顶 Max，叠加 ±Jitter 比例的随机抖动
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.2 = ±20%
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay before retry number attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	def := DefaultBackoff()
	minD := b.Min
	if minD <= 0 {
		minD = def.Min
	}
	maxD := b.Max
	if maxD < minD {
		maxD = max(def.Max, minD)
	}
	factor := b.Factor
	if factor <= 1 {
		factor = def.Factor
	}

	wait := minD
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > maxD || next <= 0 {
			wait = maxD
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	wait = wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	return min(wait, maxD)
}

// retry 连续失败计数；稳定 Streaming 超过 stableAfter 后清零
type retry struct {
	policy      Backoff
	stableAfter time.Duration
	failures    int
}

// next records one failure after a session that streamed for streamed and
// returns the delay to wait.
func (r *retry) next(streamed time.Duration) time.Duration {
	if streamed > 0 && streamed >= r.stableAfter {
		r.failures = 0
	}
	r.failures++
	return r.policy.Next(r.failures)
}
