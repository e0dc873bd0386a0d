package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func sampleDecision(id string) omentypes.RoutingDecision {
	return omentypes.RoutingDecision{
		RequestID:      id,
		PrincipalID:    "principal-1",
		Intent:         omentypes.IntentCode,
		Strategy:       omentypes.StrategyRace,
		CandidateSet:   []string{"ollama/qwen2.5-coder", "anthropic/claude-haiku"},
		WinnerProvider: "ollama",
		WinnerModel:    "qwen2.5-coder",
		Losers:         []string{"anthropic"},
		ReasonCode:     "race_first_useful",
		LatencyMS:      80,
		InputTokens:    12,
		OutputTokens:   34,
		CostUSD:        0,
		CreatedAt:      time.Now(),
	}
}

func TestMemAuditStore_LogAndList(t *testing.T) {
	s := NewMemAuditStore(4)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		if err := s.LogDecision(ctx, sampleDecision(id)); err != nil {
			t.Fatalf("LogDecision: %v", err)
		}
	}

	decisions, err := s.ListDecisions(ctx, 0)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(decisions) != 4 {
		t.Fatalf("ring buffer of capacity 4 should hold 4 records, got %d", len(decisions))
	}
	// Newest first; r1 should have been evicted by the ring buffer wrap.
	if decisions[0].RequestID != "r5" {
		t.Errorf("first record = %q, want %q", decisions[0].RequestID, "r5")
	}
	for _, d := range decisions {
		if d.RequestID == "r1" {
			t.Error("r1 should have been evicted by ring buffer wraparound")
		}
	}
}

func TestSQLiteAuditStore_LogAndList(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	s, err := NewSQLiteAuditStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteAuditStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	d := sampleDecision("req-1")
	if err := s.LogDecision(ctx, d); err != nil {
		t.Fatalf("LogDecision: %v", err)
	}

	got, err := s.ListDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d decisions, want 1", len(got))
	}
	if got[0].WinnerProvider != "ollama" || got[0].ReasonCode != "race_first_useful" {
		t.Errorf("unexpected decision round-trip: %+v", got[0])
	}
	if len(got[0].CandidateSet) != 2 {
		t.Errorf("candidate set did not round-trip: %+v", got[0].CandidateSet)
	}
}
