package usage

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	l := NewRateLimiter(1, 2, time.Second)
	now := time.Unix(1000, 0)
	l.nowFunc = func() time.Time { return now }

	if !l.Allow("k") || !l.Allow("k") {
		t.Fatal("burst of 2 should admit two requests")
	}
	if l.Allow("k") {
		t.Fatal("third request within the same interval should be rejected")
	}

	now = now.Add(time.Second)
	if !l.Allow("k") {
		t.Fatal("one interval's refill should admit one more request")
	}
	if l.Allow("k") {
		t.Fatal("refill is rate=1 per interval, not a full burst")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Second)
	if !l.Allow("a") {
		t.Fatal("first request for key a should pass")
	}
	if !l.Allow("b") {
		t.Fatal("key b has its own bucket and should pass")
	}
	if l.Allow("a") {
		t.Fatal("key a's bucket is spent")
	}
}

func TestRateLimiter_EvictsLRUBeyondMaxKeys(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Second, WithMaxKeys(2))
	l.Allow("a")
	l.Allow("b")
	l.Allow("c") // evicts "a"

	// "a" was evicted, so it gets a fresh bucket and passes again.
	if !l.Allow("a") {
		t.Fatal("evicted key should start over with a fresh bucket")
	}
}

func TestLimiters_ReportsWhichWindowRejected(t *testing.T) {
	ls := NewLimiters(Limits{Rate: 1, Burst: 1}, Limits{Rate: 100, Burst: 100})
	if ok, _ := ls.Allow("k"); !ok {
		t.Fatal("first request should pass both windows")
	}
	ok, window := ls.Allow("k")
	if ok {
		t.Fatal("second request should exhaust the per-second bucket")
	}
	if window != WindowSecond {
		t.Fatalf("window = %q, want second", window)
	}
}

func TestLimiters_ZeroRateDisablesWindow(t *testing.T) {
	ls := NewLimiters(Limits{}, Limits{})
	for i := 0; i < 100; i++ {
		if ok, _ := ls.Allow("k"); !ok {
			t.Fatal("disabled limiter should admit everything")
		}
	}
}
