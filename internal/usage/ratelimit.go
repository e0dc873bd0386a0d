// Package usage implements the admission pipeline: rate limiting,
// budget enforcement, and scope checks ahead of the multiplexer, plus the
// accounting counters those checks read.
package usage

import (
	"container/list"
	"sync"
	"time"
)

// Window names the two rate-limit windows tracked here. Budgets use
// calendar windows (day/week/month) tracked separately by the counter store.
type Window string

const (
	WindowSecond Window = "second"
	WindowHour   Window = "hour"
)

// RateLimiter is a token-bucket limiter keyed by an arbitrary string (a
// principal id, or a "principal_id\x00provider_id" composite), using a
// bucket-plus-LRU limiter. One RateLimiter
// instance holds a single window; callers needing both per-second and
// per-hour limits compose two instances (see Limiters below).
type RateLimiter struct {
	mu       sync.Mutex
	rate     int // tokens added per interval
	burst    int // bucket capacity
	interval time.Duration
	maxKeys  int

	buckets map[string]*list.Element
	lru     *list.List

	nowFunc func() time.Time
}

type bucketEntry struct {
	key      string
	tokens   int
	lastFill time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxKeys bounds the number of distinct keys tracked at once, evicting
// the least-recently-used bucket beyond that bound. The default is 100000.
func WithMaxKeys(n int) RateLimiterOption {
	return func(l *RateLimiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

const defaultMaxKeys = 100_000

// NewRateLimiter creates a limiter refilling rate tokens every interval, up
// to burst tokens held per key.
func NewRateLimiter(rate, burst int, interval time.Duration, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  defaultMaxKeys,
		buckets:  make(map[string]*list.Element),
		lru:      list.New(),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow reports whether a request under key may proceed right now, refilling
// and consuming one token as a side effect.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	el, ok := l.buckets[key]
	if !ok {
		el = l.lru.PushFront(&bucketEntry{key: key, tokens: l.burst - 1, lastFill: now})
		l.buckets[key] = el
		l.evictIfNeeded()
		return l.burst > 0
	}
	l.lru.MoveToFront(el)
	b := el.Value.(*bucketEntry)

	elapsed := now.Sub(b.lastFill)
	if elapsed > 0 && l.interval > 0 {
		refill := int(elapsed/l.interval) * l.rate
		if refill > 0 {
			b.tokens += refill
			if b.tokens > l.burst {
				b.tokens = l.burst
			}
			b.lastFill = now
		}
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// evictIfNeeded drops the least-recently-used bucket once the tracked key
// count exceeds maxKeys. Caller must hold l.mu.
func (l *RateLimiter) evictIfNeeded() {
	for l.lru.Len() > l.maxKeys {
		oldest := l.lru.Back()
		if oldest == nil {
			return
		}
		l.lru.Remove(oldest)
		delete(l.buckets, oldest.Value.(*bucketEntry).key)
	}
}

// Limits names the (rate, burst) pair a Limiters instance enforces for one
// window.
type Limits struct {
	Rate  int
	Burst int
}

// Limiters bundles the per-second and per-hour limiters, applied to
// both a principal-level key and a
// (principal, provider) composite key.
type Limiters struct {
	perSecond *RateLimiter
	perHour   *RateLimiter
}

// NewLimiters builds the pair of window limiters from their configured
// limits. A zero Rate disables that window (Allow always returns true).
func NewLimiters(second, hour Limits) *Limiters {
	return &Limiters{
		perSecond: NewRateLimiter(second.Rate, second.Burst, time.Second),
		perHour:   NewRateLimiter(hour.Rate, hour.Burst, time.Hour),
	}
}

// Allow checks both windows for key, short-circuiting (and NOT consuming a
// token from the hour bucket) if the second bucket already rejects — this
// matches the admission order of cheapest check first.
func (ls *Limiters) Allow(key string) (ok bool, window Window) {
	if ls.perSecond.rate > 0 && !ls.perSecond.Allow(key) {
		return false, WindowSecond
	}
	if ls.perHour.rate > 0 && !ls.perHour.Allow(key) {
		return false, WindowHour
	}
	return true, ""
}

func compositeKey(principalID, providerID string) string {
	return principalID + "\x00" + providerID
}
