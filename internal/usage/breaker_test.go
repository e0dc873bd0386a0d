package usage

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(WithBreakerThreshold(2))
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	b.RecordFailure()
	if b.CurrentState() != BreakerClosed {
		t.Fatal("one failure below threshold should stay closed")
	}
	b.RecordFailure()
	if b.CurrentState() != BreakerOpen {
		t.Fatal("reaching the threshold should open the breaker")
	}
	if b.Allow() {
		t.Fatal("open breaker should reject before the cooldown")
	}
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(WithBreakerThreshold(1), WithBreakerCooldown(10*time.Second))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	if b.CurrentState() != BreakerOpen {
		t.Fatal("expected open after one failure with threshold 1")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow() {
		t.Fatal("expired cooldown should admit a half-open probe")
	}
	if b.CurrentState() != BreakerHalfOpen {
		t.Fatal("expected half-open while the probe is in flight")
	}
	if b.Allow() {
		t.Fatal("only one probe is admitted while half-open")
	}

	b.RecordSuccess()
	if b.CurrentState() != BreakerClosed {
		t.Fatal("a successful probe should close the breaker")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(WithBreakerThreshold(1), WithBreakerCooldown(time.Second))
	b.nowFunc = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	b.Allow() // half-open probe
	b.RecordFailure()
	if b.CurrentState() != BreakerOpen {
		t.Fatal("a failed half-open probe should reopen the breaker")
	}
}
