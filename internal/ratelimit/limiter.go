// Package ratelimit implements the global token-bucket byte limiter all
// workers gate their writes through.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxSleep bounds the wait inside Request so cancellation checks in the
// caller stay responsive.
const maxSleep = 100 * time.Millisecond

// Limiter is a token bucket with a burst capacity of twice the rate.
// Request never blocks longer than maxSleep and always grants at least
// one byte per successful call, so every worker makes forward progress
// even when heavily oversubscribed.
type Limiter struct {
	limitBps atomic.Int64

	mu         sync.Mutex
	tokens     float64
	burst      float64
	lastRefill time.Time
}

// New creates a limiter. bps <= 0 disables limiting.
func New(bps int64) *Limiter {
	l := &Limiter{}
	l.SetLimit(bps)
	return l
}

// SetLimit changes the rate at runtime and refills the bucket.
func (l *Limiter) SetLimit(bps int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limitBps.Store(bps)
	l.burst = float64(2 * bps)
	l.tokens = l.burst
	l.lastRefill = time.Now()
}

// Limit returns the configured rate in bytes/sec, 0 when disabled.
func (l *Limiter) Limit() int64 {
	bps := l.limitBps.Load()
	if bps < 0 {
		return 0
	}
	return bps
}

// Enabled reports whether a positive rate cap is set.
func (l *Limiter) Enabled() bool {
	return l.limitBps.Load() > 0
}

// Request asks permission to transfer n bytes and returns how many are
// permitted now. The caller transfers that many and calls again for the
// rest.
func (l *Limiter) Request(n int) int {
	if n <= 0 || !l.Enabled() {
		return n
	}

	l.mu.Lock()

	if granted := l.takeLocked(n); granted > 0 {
		l.mu.Unlock()
		return granted
	}

	// Bucket is dry. Sleep long enough for n tokens to accrue, bounded so
	// pause and cancel signals are observed promptly.
	limit := l.limitBps.Load()
	l.mu.Unlock()

	sleep := time.Duration(float64(n) / float64(limit) * float64(time.Second))
	if sleep > maxSleep {
		sleep = maxSleep
	}
	time.Sleep(sleep)

	l.mu.Lock()
	defer l.mu.Unlock()

	if granted := l.takeLocked(n); granted > 0 {
		return granted
	}
	// Guarantee forward progress even if another worker drained the
	// refill between our sleep and re-lock.
	l.tokens = 0
	return 1
}

// takeLocked refills by elapsed time and consumes up to n tokens.
func (l *Limiter) takeLocked(n int) int {
	limit := l.limitBps.Load()
	if limit <= 0 {
		return n
	}

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now

	l.tokens += elapsed * float64(limit)
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return n
	}
	if l.tokens >= 1 {
		granted := int(l.tokens)
		l.tokens -= float64(granted)
		return granted
	}
	return 0
}

// Reset refills the bucket to burst capacity.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens = l.burst
	l.lastRefill = time.Now()
}
