package store

import (
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// StickinessStore is a bounded, TTL-expiring table of session stickiness
// records. Sessions are unbounded unless pruned, so the table caps its
// entry count and expires records after the longest configured
// stickiness window. Implements internal/router.StickinessStore.
type StickinessStore struct {
	mu      sync.Mutex
	maxSize int
	records map[string]omentypes.StickinessRecord
	order   []string // insertion order, for bounding eviction

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStickinessStore creates a store holding at most maxSize sessions at
// once, sweeping expired entries every sweepInterval.
func NewStickinessStore(maxSize int, sweepInterval time.Duration) *StickinessStore {
	if maxSize <= 0 {
		maxSize = 100_000
	}
	s := &StickinessStore{
		maxSize: maxSize,
		records: make(map[string]omentypes.StickinessRecord),
		stopCh:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *StickinessStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *StickinessStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0:0]
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.ExpiresAt.Before(now) {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Get returns the stickiness record for sessionID, if present.
func (s *StickinessStore) Get(sessionID string) (omentypes.StickinessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return omentypes.StickinessRecord{}, false
	}
	return rec, true
}

// Set records or replaces the stickiness record for rec.SessionID,
// evicting the oldest entry if this insertion would exceed maxSize.
func (s *StickinessStore) Set(rec omentypes.StickinessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.SessionID]; !exists {
		s.order = append(s.order, rec.SessionID)
		if len(s.order) > s.maxSize {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.records, oldest)
		}
	}
	s.records[rec.SessionID] = rec
}

// Stop halts the background sweep loop.
func (s *StickinessStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
