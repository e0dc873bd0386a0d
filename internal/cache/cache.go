// Package cache implements a content-addressed response cache: a cache
// key derived from (provider_id, model_id, normalized_request_body) that
// short-circuits both the router and the multiplexer for deterministic
// requests.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// Entry is one cached response plus its bookkeeping: its creation time and
// TTL. It carries no separate estimated-cost field; the response's Usage
// holds the token counts, and Usage.CostUSD is not serialized, so entries
// read back from the Redis backend have a zero cost.
type Entry struct {
	Response  omentypes.ChatResponse
	CreatedAt time.Time
	TTL       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Store is the narrow interface both backends satisfy.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Close() error
}

// IsCacheable reports whether req is eligible for a cache lookup under
// this package's determinism policy: temperature == 0, no tools, and
// either non-streaming or the caller explicitly allows cached stream
// replay.
func IsCacheable(req *omentypes.ChatRequest, allowStreamReplay bool) bool {
	if len(req.Tools) > 0 {
		return false
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		return false
	}
	if req.Stream && !allowStreamReplay {
		return false
	}
	return true
}

// normalized is the subset of a request that participates in the cache
// key, re-marshaled through sorted map keys and with timestamps/nonces
// excluded. Only fields that affect the assistant's
// output belong here — routing hints like max_latency_ms or strategy do
// not change what a deterministic request would produce.
type normalized struct {
	Messages         []omentypes.Message `json:"messages"`
	Tools            []omentypes.Tool    `json:"tools,omitempty"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	MaxTokens        int                 `json:"max_tokens,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64            `json:"presence_penalty,omitempty"`
}

// Key computes the content-addressed cache key for a (provider, model,
// request) tuple. Re-deriving the key from an independently deserialized
// and reserialized request yields the same string — a round-trip
// property this package's tests check — because json.Marshal on a struct with fixed
// field order is itself a canonical form; the only map-valued field this
// package marshals is Tool.Function.Parameters, which callers supply as
// already-canonical JSON schemas.
func Key(providerID, modelID string, req *omentypes.ChatRequest) string {
	n := normalized{
		Messages:         req.Messages,
		Tools:            req.Tools,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             sortedCopy(req.Stop),
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	b, err := json.Marshal(n)
	if err != nil {
		// Marshaling a decoded request can only fail for unsupported types
		// (e.g. NaN floats), which never arise from JSON-decoded input.
		b = []byte(err.Error())
	}
	h := sha256.New()
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// MemStore is an in-process, mutex-guarded Store with a background TTL
// sweep, matching the map+mutex+sweep idiom used throughout this gateway
// (internal/usage's rate limiter, internal/store's stickiness table).
type MemStore struct {
	mu      sync.Mutex
	entries map[string]Entry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemStore creates an empty in-memory cache and starts its background
// sweep, which runs every sweepInterval and evicts expired entries.
func NewMemStore(sweepInterval time.Duration) *MemStore {
	s := &MemStore{entries: make(map[string]Entry), stopCh: make(chan struct{})}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemStore) sweepLoop(interval time.Duration) {
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

func (s *MemStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}

func (s *MemStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *MemStore) Set(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

func (s *MemStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Cache wraps a Store with the lookup/store operations internal/server
// calls directly, keeping the content-addressing and determinism-gating
// logic out of the handler.
type Cache struct {
	store Store
	ttl   time.Duration
}

// New builds a Cache over store with the configured default TTL for newly
// written entries.
func New(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Lookup returns a cached response for (providerID, modelID, req) if one
// exists, is unexpired, and req is eligible under the determinism policy.
func (c *Cache) Lookup(ctx context.Context, providerID, modelID string, req *omentypes.ChatRequest, allowStreamReplay bool) (omentypes.ChatResponse, bool) {
	if c == nil || c.store == nil || !IsCacheable(req, allowStreamReplay) {
		return omentypes.ChatResponse{}, false
	}
	e, ok, err := c.store.Get(ctx, Key(providerID, modelID, req))
	if err != nil || !ok {
		return omentypes.ChatResponse{}, false
	}
	return e.Response, true
}

// Store writes resp into the cache under (providerID, modelID, req), when
// req is eligible under the determinism policy.
func (c *Cache) Store(ctx context.Context, providerID, modelID string, req *omentypes.ChatRequest, resp omentypes.ChatResponse, allowStreamReplay bool) {
	if c == nil || c.store == nil || !IsCacheable(req, allowStreamReplay) {
		return
	}
	_ = c.store.Set(ctx, Key(providerID, modelID, req), Entry{Response: resp, CreatedAt: time.Now(), TTL: c.ttl})
}
