package store

import (
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func TestStickinessStore_GetSet(t *testing.T) {
	s := NewStickinessStore(10, 0)
	defer s.Stop()

	if _, ok := s.Get("sess-1"); ok {
		t.Fatal("expected no record before Set")
	}

	s.Set(omentypes.StickinessRecord{
		SessionID:  "sess-1",
		ProviderID: "ollama",
		ModelID:    "qwen2.5-coder",
		ExpiresAt:  time.Now().Add(time.Hour),
	})

	rec, ok := s.Get("sess-1")
	if !ok {
		t.Fatal("expected record after Set")
	}
	if rec.ProviderID != "ollama" {
		t.Errorf("provider = %q, want %q", rec.ProviderID, "ollama")
	}
}

func TestStickinessStore_EvictsOldestBeyondMaxSize(t *testing.T) {
	s := NewStickinessStore(2, 0)
	defer s.Stop()

	s.Set(omentypes.StickinessRecord{SessionID: "a", ProviderID: "p1", ExpiresAt: time.Now().Add(time.Hour)})
	s.Set(omentypes.StickinessRecord{SessionID: "b", ProviderID: "p2", ExpiresAt: time.Now().Add(time.Hour)})
	s.Set(omentypes.StickinessRecord{SessionID: "c", ProviderID: "p3", ExpiresAt: time.Now().Add(time.Hour)})

	if _, ok := s.Get("a"); ok {
		t.Error("oldest session should have been evicted once maxSize was exceeded")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("most recently set session should still be present")
	}
}

func TestStickinessStore_SweepRemovesExpired(t *testing.T) {
	s := NewStickinessStore(10, 10*time.Millisecond)
	defer s.Stop()

	s.Set(omentypes.StickinessRecord{SessionID: "expiring", ProviderID: "p1", ExpiresAt: time.Now().Add(-time.Second)})

	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Get("expiring"); ok {
		t.Error("expired session should eventually be swept, or at least report expired on Get")
	}
}
