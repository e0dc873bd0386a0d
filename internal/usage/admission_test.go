package usage

import (
	"context"
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

type staticCaps map[string]float64

func (s staticCaps) CapUSD(principalID string, _ BudgetWindow) (float64, bool) {
	cap, ok := s[principalID]
	return cap, ok
}

func testPrincipal(id string) *omentypes.Principal {
	return &omentypes.Principal{ID: id, BudgetBucket: id, RateBucket: id}
}

func TestAdmit_AllowsWithinLimits(t *testing.T) {
	p := NewPipeline(DefaultConfig(), NewMemStore(), nil)
	if err := p.Admit(context.Background(), testPrincipal("p1"), nil, 100); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}

func TestAdmit_RejectsZeroBudgetHint(t *testing.T) {
	p := NewPipeline(DefaultConfig(), NewMemStore(), nil)
	zero := 0.0
	hint := &omentypes.RoutingHint{BudgetUSD: &zero}

	err := p.Admit(context.Background(), testPrincipal("p1"), hint, 100)
	if err == nil {
		t.Fatal("expected budget_exceeded for budget_usd=0 against a priced estimate")
	}
	if err.Kind != omentypes.ErrBudgetExceeded {
		t.Fatalf("kind = %q, want budget_exceeded", err.Kind)
	}
}

func TestCheckBudget_MonthlyCapExhausted(t *testing.T) {
	store := NewMemStore()
	p := NewPipeline(DefaultConfig(), store, staticCaps{"p1": 10})
	ctx := context.Background()

	if err := store.RecordUsage(ctx, "p1", omentypes.Usage{CostUSD: 9.99}, time.Now()); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	err := p.CheckBudget(ctx, testPrincipal("p1"), nil, 0.5)
	if err == nil {
		t.Fatal("expected budget_exceeded once spent+estimate exceeds the cap")
	}
	if err.Kind != omentypes.ErrBudgetExceeded {
		t.Fatalf("kind = %q, want budget_exceeded", err.Kind)
	}
}

func TestCheckBudget_UncappedPrincipalAdmitted(t *testing.T) {
	p := NewPipeline(DefaultConfig(), NewMemStore(), staticCaps{})
	if err := p.CheckBudget(context.Background(), testPrincipal("free"), nil, 100); err != nil {
		t.Fatalf("expected no error for an uncapped principal, got %v", err)
	}
}

func TestCheckScope_RejectsOutOfScopeProvider(t *testing.T) {
	p := NewPipeline(DefaultConfig(), NewMemStore(), nil)
	principal := &omentypes.Principal{ID: "p1", ScopedProviders: []string{"ollama"}}

	if err := p.CheckScope(principal, []string{"ollama"}); err != nil {
		t.Fatalf("in-scope provider rejected: %v", err)
	}
	err := p.CheckScope(principal, []string{"ollama", "openai"})
	if err == nil {
		t.Fatal("expected forbidden for an out-of-scope provider")
	}
	if err.Kind != omentypes.ErrForbidden {
		t.Fatalf("kind = %q, want forbidden", err.Kind)
	}
}

func TestCheckRate_ExhaustsSecondWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrincipalRateSecond = Limits{Rate: 1, Burst: 2}
	p := NewPipeline(cfg, NewMemStore(), nil)
	principal := testPrincipal("bursty")

	for i := 0; i < 2; i++ {
		if err := p.CheckRate(principal, ""); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	err := p.CheckRate(principal, "")
	if err == nil {
		t.Fatal("expected rate_limited once the burst is spent")
	}
	if err.Kind != omentypes.ErrRateLimited {
		t.Fatalf("kind = %q, want rate_limited", err.Kind)
	}
}

func TestRemainingUSD_SubtractsSpend(t *testing.T) {
	store := NewMemStore()
	p := NewPipeline(DefaultConfig(), store, staticCaps{"p1": 20})
	ctx := context.Background()

	if err := store.RecordUsage(ctx, "p1", omentypes.Usage{CostUSD: 5}, time.Now()); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	remaining, ok := p.RemainingUSD("p1")
	if !ok {
		t.Fatal("expected a remaining budget for a capped principal")
	}
	if remaining != 15 {
		t.Errorf("remaining = %v, want 15", remaining)
	}

	if _, ok := p.RemainingUSD("uncapped"); ok {
		t.Error("uncapped principal should report ok=false")
	}
}
