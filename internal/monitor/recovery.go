package monitor

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits base + n*step after the n-th consecutive failure
type linearBackOff struct {
	base, step time.Duration
	n          int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base + time.Duration(b.n)*b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// recovery tracks consecutive iteration failures for one session
type recovery struct {
	backoff     backoff.BackOff
	threshold   int
	consecutive atomic.Int32
}

func newRecovery(cfg Config) *recovery {
	return &recovery{
		backoff:   &linearBackOff{base: cfg.BackoffBase, step: cfg.BackoffStep},
		threshold: cfg.ErrorThreshold,
	}
}

// failure records a failed iteration. It returns the wait before the next
// attempt and whether the safety action is due, which happens exactly once
// per failure streak, when the threshold is reached.
func (r *recovery) failure() (time.Duration, bool) {
	n := int(r.consecutive.Add(1))
	return r.backoff.NextBackOff(), n == r.threshold
}

func (r *recovery) success() {
	r.consecutive.Store(0)
	r.backoff.Reset()
}

func (r *recovery) count() int {
	return int(r.consecutive.Load())
}
