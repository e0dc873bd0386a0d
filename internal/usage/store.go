package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// BudgetWindow names a calendar accounting window. Rate windows (second,
// hour) live entirely in RateLimiter; these are the slower windows used
// for hard-cap budgets.
type BudgetWindow string

const (
	WindowDay   BudgetWindow = "day"
	WindowWeek  BudgetWindow = "week"
	WindowMonth BudgetWindow = "month"
)

// epochKey derives a fixed-epoch bucket identifier for t under window w.
// Each window is a single UTC calendar bucket (day, ISO week, or calendar
// month), so totals reset at the bucket boundary rather than sliding.
func epochKey(w BudgetWindow, t time.Time) string {
	t = t.UTC()
	switch w {
	case WindowDay:
		return t.Format("2006-01-02")
	case WindowWeek:
		y, wk := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, wk)
	case WindowMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// CounterStore accounts usage against (principal_id, window, dimension)
// buckets. Increments need not be transactionally exact across a crash —
// drift of at most one in-flight request is tolerated.
type CounterStore interface {
	// RecordUsage adds usage.CostUSD to every calendar window bucket
	// (day/week/month) for principalID, as of t. Token counts are not
	// accumulated.
	RecordUsage(ctx context.Context, principalID string, usage omentypes.Usage, t time.Time) error

	// SpentUSD returns the accumulated cost for principalID in the bucket
	// covering t under window w.
	SpentUSD(ctx context.Context, principalID string, w BudgetWindow, t time.Time) (float64, error)

	// Close releases any held connections.
	Close() error
}

// MemStore is an in-process CounterStore backed by a mutex-guarded map,
// suitable for single-instance deployments or tests. Durability is
// intentionally absent: a restart loses all counters.
type MemStore struct {
	mu     sync.Mutex
	totals map[string]float64 // principalID\x00window\x00epoch -> USD
}

// NewMemStore creates an empty in-memory counter store.
func NewMemStore() *MemStore {
	return &MemStore{totals: make(map[string]float64)}
}

func (s *MemStore) key(principalID string, w BudgetWindow, t time.Time) string {
	return principalID + "\x00" + string(w) + "\x00" + epochKey(w, t)
}

func (s *MemStore) RecordUsage(ctx context.Context, principalID string, usage omentypes.Usage, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range []BudgetWindow{WindowDay, WindowWeek, WindowMonth} {
		s.totals[s.key(principalID, w, t)] += usage.CostUSD
	}
	return nil
}

func (s *MemStore) SpentUSD(ctx context.Context, principalID string, w BudgetWindow, t time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[s.key(principalID, w, t)], nil
}

func (s *MemStore) Close() error { return nil }
