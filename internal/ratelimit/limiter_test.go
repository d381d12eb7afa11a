package ratelimit_test

import (
	"testing"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/ratelimit"
)

func TestDisabledPassthrough(t *testing.T) {
	l := ratelimit.New(0)

	if l.Enabled() {
		t.Fatal("limiter with rate 0 must be disabled")
	}

	start := time.Now()
	if got := l.Request(10 << 20); got != 10<<20 {
		t.Fatalf("disabled limiter granted %d, want full amount", got)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Fatal("disabled fast path must not sleep")
	}
}

func TestBurstGrantsUpFront(t *testing.T) {
	l := ratelimit.New(100_000)

	// A fresh bucket holds 2x rate.
	granted := l.Request(200_000)
	if granted != 200_000 {
		t.Fatalf("burst grant = %d, want 200000", granted)
	}
}

func TestPartialGrantWhenLow(t *testing.T) {
	l := ratelimit.New(100_000)

	l.Request(150_000)

	// ~50k tokens remain; a large request gets a partial grant.
	granted := l.Request(1_000_000)
	if granted <= 0 {
		t.Fatal("expected a partial grant, got none")
	}
	if granted >= 1_000_000 {
		t.Fatalf("grant %d should be partial", granted)
	}
}

func TestForwardProgressUnderStarvation(t *testing.T) {
	l := ratelimit.New(10)

	l.Request(1000) // drain the bucket well past empty

	start := time.Now()
	granted := l.Request(100_000)
	elapsed := time.Since(start)

	if granted < 1 {
		t.Fatalf("grant = %d, every call must make progress", granted)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("request blocked %v, sleeps must stay bounded", elapsed)
	}
}

func TestRateOverWindow(t *testing.T) {
	const rate = 500_000
	l := ratelimit.New(rate)

	deadline := time.Now().Add(time.Second)
	var total int64
	for time.Now().Before(deadline) {
		total += int64(l.Request(64 * 1024))
	}

	// Over one second: at most rate plus the initial burst of 2*rate,
	// with slack for scheduling.
	limit := int64(rate + 2*rate + rate/2)
	if total > limit {
		t.Fatalf("admitted %d bytes in 1s, cap %d", total, limit)
	}
}

func TestSetLimitRefills(t *testing.T) {
	l := ratelimit.New(1000)
	l.Request(2000)

	l.SetLimit(50_000)

	if got := l.Request(100_000); got != 100_000 {
		t.Fatalf("after SetLimit the bucket should hold the new burst, granted %d", got)
	}
	if l.Limit() != 50_000 {
		t.Fatalf("Limit() = %d", l.Limit())
	}
}
