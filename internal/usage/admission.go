package usage

import (
	"context"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// Config bundles the admission pipeline's tunables: rate limits for both the
// principal-level and (principal, provider)-level keys, and the assumed
// cost-per-token rates used to pre-estimate a request's cost before any
// candidate model is even chosen.
type Config struct {
	PrincipalRateSecond Limits
	PrincipalRateHour   Limits
	ProviderRateSecond  Limits
	ProviderRateHour    Limits

	// DefaultInputCostPer1K/DefaultOutputCostPer1K approximate a blended
	// market rate, used only for the coarse pre-router budget estimate;
	// internal/router re-checks against the actual candidate's price once
	// one is chosen.
	DefaultInputCostPer1K       float64
	DefaultOutputCostPer1K      float64
	DefaultOutputTokenAssumption int
}

// DefaultConfig returns generous defaults suitable for a single-tenant
// deployment; production configs are expected to override these via
// the `[routing]` block.
func DefaultConfig() Config {
	return Config{
		PrincipalRateSecond:          Limits{Rate: 20, Burst: 40},
		PrincipalRateHour:            Limits{Rate: 5000, Burst: 5000},
		ProviderRateSecond:           Limits{Rate: 10, Burst: 20},
		ProviderRateHour:             Limits{Rate: 3000, Burst: 3000},
		DefaultInputCostPer1K:        0.005,
		DefaultOutputCostPer1K:       0.015,
		DefaultOutputTokenAssumption: 512,
	}
}

// BudgetCapSource resolves the hard budget cap for a principal under a given
// window; ok=false means unlimited. cmd/omen wires this from the
// per-principal configuration (principalCapSource).
type BudgetCapSource interface {
	CapUSD(principalID string, w BudgetWindow) (cap float64, ok bool)
}

// Pipeline is the admission gate placed ahead of the
// multiplexer: rate limits, then budget, then scope, each independently
// short-circuiting with a specific error kind so the client is told exactly
// why a request was refused without ever invoking a provider.
type Pipeline struct {
	cfg     Config
	rates   *perKeyLimiters
	store   CounterStore
	caps    BudgetCapSource
	breaker *Breaker
	nowFunc func() time.Time
}

// perKeyLimiters groups the principal-level and provider-level limiter
// pairs the admission pipeline consults.
type perKeyLimiters struct {
	principal *Limiters
	provider  *Limiters
}

// NewPipeline builds an admission pipeline. caps may be nil, in which case
// every principal is treated as unlimited and only hint-level budgets are
// enforced.
func NewPipeline(cfg Config, store CounterStore, caps BudgetCapSource) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		rates: &perKeyLimiters{
			principal: NewLimiters(cfg.PrincipalRateSecond, cfg.PrincipalRateHour),
			provider:  NewLimiters(cfg.ProviderRateSecond, cfg.ProviderRateHour),
		},
		store:   store,
		caps:    caps,
		breaker: NewBreaker(),
		nowFunc: time.Now,
	}
}

// EstimateCostUSD projects a request's cost from its prompt size and the
// pipeline's configured blended rates, before any specific model is chosen.
func (p *Pipeline) EstimateCostUSD(promptTokens int) float64 {
	outTokens := p.cfg.DefaultOutputTokenAssumption
	return float64(promptTokens)/1000*p.cfg.DefaultInputCostPer1K + float64(outTokens)/1000*p.cfg.DefaultOutputCostPer1K
}

// CheckRate enforces the per-second and per-hour limits for principal,
// and — when providerID is non-empty — the composite (principal, provider)
// limits as well.
func (p *Pipeline) CheckRate(principal *omentypes.Principal, providerID string) *omentypes.Error {
	if ok, window := p.rates.principal.Allow(principal.ID); !ok {
		return omentypes.NewError(omentypes.ErrRateLimited, "principal rate limit exceeded ("+string(window)+" window)")
	}
	if providerID != "" {
		if ok, window := p.rates.provider.Allow(compositeKey(principal.ID, providerID)); !ok {
			return omentypes.NewError(omentypes.ErrRateLimited, "provider rate limit exceeded ("+string(window)+" window) for "+providerID)
		}
	}
	return nil
}

// CheckBudget enforces hint.BudgetUSD and, when a BudgetCapSource and a
// reachable CounterStore are available, the principal's monthly hard cap.
// A failing counter store (breaker Open) does not block admission: the
// request is allowed through without a store-backed check rather than
// denying all traffic because accounting is degraded.
func (p *Pipeline) CheckBudget(ctx context.Context, principal *omentypes.Principal, hint *omentypes.RoutingHint, estimatedCostUSD float64) *omentypes.Error {
	if hint != nil && hint.BudgetUSD != nil && estimatedCostUSD > *hint.BudgetUSD {
		return omentypes.NewError(omentypes.ErrBudgetExceeded, "estimated cost exceeds the request's budget_usd hint")
	}

	if p.caps == nil || p.store == nil {
		return nil
	}
	cap, ok := p.caps.CapUSD(principal.ID, WindowMonth)
	if !ok {
		return nil
	}
	if !p.breaker.Allow() {
		return nil
	}

	spent, err := p.store.SpentUSD(ctx, principal.ID, WindowMonth, p.nowFunc())
	if err != nil {
		p.breaker.RecordFailure()
		return nil
	}
	p.breaker.RecordSuccess()

	if spent+estimatedCostUSD > cap {
		return omentypes.NewError(omentypes.ErrBudgetExceeded, "monthly budget exhausted")
	}
	return nil
}

// CheckScope verifies principal's scope permits every candidate provider.
// internal/router already filters candidates by scope during selection;
// this is the admission-layer's independent confirmation that no
// out-of-scope provider slipped through, evaluated right before dispatch.
func (p *Pipeline) CheckScope(principal *omentypes.Principal, providerIDs []string) *omentypes.Error {
	for _, id := range providerIDs {
		if !principal.AllowsProvider(id) {
			return omentypes.NewError(omentypes.ErrForbidden, "principal is not scoped to provider "+id)
		}
	}
	return nil
}

// Admit runs the rate and budget steps ahead of router candidate
// selection, using only the principal-level rate limiter (no provider is
// known yet) and the coarse pre-router budget estimate. The scope step is
// CheckScope, run once the candidate providers are known.
func (p *Pipeline) Admit(ctx context.Context, principal *omentypes.Principal, hint *omentypes.RoutingHint, promptTokens int) *omentypes.Error {
	if err := p.CheckRate(principal, ""); err != nil {
		return err
	}
	if err := p.CheckBudget(ctx, principal, hint, p.EstimateCostUSD(promptTokens)); err != nil {
		return err
	}
	return nil
}

// RecordUsage commits usage to the counter store for the principal that
// issued the request. providerID is accepted for interface symmetry with
// the per-provider rate path; cost buckets are per-principal only.
func (p *Pipeline) RecordUsage(ctx context.Context, principal *omentypes.Principal, providerID string, usage omentypes.Usage) error {
	if p.store == nil {
		return nil
	}
	return p.store.RecordUsage(ctx, principal.ID, usage, p.nowFunc())
}

// RemainingUSD implements internal/router.BudgetSource: the principal's
// remaining monthly hard cap, or ok=false if unlimited or unknowable (no
// cap configured, no store wired, or the counter store is unreachable).
// The router only consults this for its own pre-flight rejection step;
// CheckBudget remains the authoritative admission-time check.
func (p *Pipeline) RemainingUSD(principalID string) (float64, bool) {
	if p.caps == nil || p.store == nil {
		return 0, false
	}
	cap, ok := p.caps.CapUSD(principalID, WindowMonth)
	if !ok {
		return 0, false
	}
	spent, err := p.store.SpentUSD(context.Background(), principalID, WindowMonth, p.nowFunc())
	if err != nil {
		return 0, false
	}
	remaining := cap - spent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
