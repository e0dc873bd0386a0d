package usage

import (
	"sync"
	"time"
)

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int

const (
	// BreakerClosed is the normal operating state: admission checks run
	// against the live counter store.
	BreakerClosed BreakerState = iota
	// BreakerOpen means the counter store has been failing; admission skips
	// the store-backed budget check (admitting the request) until the
	// cooldown elapses, so degraded accounting never denies all traffic.
	BreakerOpen
	// BreakerHalfOpen allows a single probe admission check through to test
	// whether the counter store has recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 30 * time.Second
)

// Breaker is a goroutine-safe circuit breaker guarding the admission path
// against a failing counter store: once the store looks unhealthy the
// remote counter check is skipped until a cooldown-gated probe succeeds.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(from, to BreakerState)

	nowFunc func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerThreshold sets the consecutive-failure count that trips the
// breaker. Default 3.
func WithBreakerThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithBreakerCooldown sets how long the breaker stays Open before allowing a
// HalfOpen probe. Default 30s.
func WithBreakerCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithBreakerOnStateChange registers a callback fired on every transition,
// invoked while the breaker's mutex is held.
func WithBreakerOnStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker creates a Breaker in the Closed state.
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		state:            BreakerClosed,
		failureThreshold: defaultBreakerThreshold,
		cooldown:         defaultBreakerCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the counter store should be consulted for this
// admission check.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure count and, if HalfOpen, closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
}

// RecordFailure advances the failure count and trips the breaker once the
// threshold is reached (or immediately, from HalfOpen).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.failureThreshold {
			b.setState(BreakerOpen)
			b.lastTripped = b.nowFunc()
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.lastTripped = b.nowFunc()
	}
}

// CurrentState returns the breaker's state without checking the cooldown
// timer; use Allow for that.
func (b *Breaker) CurrentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
