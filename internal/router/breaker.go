package router

import (
	"sync/atomic"
)

// DefaultBreakerThreshold is how many consecutive WAL failures trip the
// storage circuit breaker.
const DefaultBreakerThreshold = 3

// breaker trips the router into reject-all mode after repeated transient
// storage failures. A single failure is surfaced to the caller (retry is
// the caller's decision); the breaker only opens on a run of them.
type breaker struct {
	threshold    int64
	consecutive  atomic.Int64
	open         atomic.Bool
}

func newBreaker(threshold int64) *breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &breaker{threshold: threshold}
}

func (b *breaker) Open() bool { return b.open.Load() }

func (b *breaker) RecordFailure() {
	if b.consecutive.Add(1) >= b.threshold {
		b.open.Store(true)
	}
}

func (b *breaker) RecordSuccess() {
	b.consecutive.Store(0)
}

// Reset closes an open breaker; an operator action after the storage fault
// is cleared.
func (b *breaker) Reset() {
	b.consecutive.Store(0)
	b.open.Store(false)
}
