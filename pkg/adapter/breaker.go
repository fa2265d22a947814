package adapter

import (
	"sync"
	"time"
)

// breaker is a per-device circuit breaker. It opens after a configured
// number of consecutive failures and short-circuits calls until the
// cool-down elapses, then allows a single trial call (half-open).
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures  int
	openUntil time.Time
	halfOpen  bool

	now func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open it
// returns false along with the remaining cool-down. After the cool-down a
// single trial call is admitted; its outcome closes or re-opens the breaker.
func (b *breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true, 0
	}
	remaining := b.openUntil.Sub(b.now())
	if remaining > 0 {
		return false, remaining
	}
	if b.halfOpen {
		// A trial call is already in flight.
		return false, b.cooldown
	}
	b.halfOpen = true
	return true, 0
}

// RecordSuccess closes the breaker.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.halfOpen = false
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// re-opening it when a half-open trial fails. Returns true if the breaker
// is now open.
func (b *breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halfOpen {
		b.halfOpen = false
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// Open reports whether the breaker is currently open.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && b.openUntil.After(b.now())
}
