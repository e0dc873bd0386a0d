package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
)

// StickinessStore is the narrow interface the router needs from
// internal/store's session-stickiness table: look up a previous winner for
// a session and record a new one. Defined here, not imported from
// internal/store, so router has no dependency on the storage package's
// concrete backend (in-memory vs SQLite vs Redis).
type StickinessStore interface {
	Get(sessionID string) (omentypes.StickinessRecord, bool)
	Set(rec omentypes.StickinessRecord)
}

// BudgetSource reports a principal's remaining hard budget in USD for the
// current window. The router only consults this for step 4's pre-flight
// rejection; internal/usage owns the authoritative admission check.
type BudgetSource interface {
	RemainingUSD(principalID string) (usd float64, ok bool)
}

// Router selects an ordered candidate list for a chat request through
// a seven-step pipeline.
type Router struct {
	registry   *registry.Registry
	scorer     *Scorer
	stickiness StickinessStore
	budget     BudgetSource

	stickyTTL time.Duration
}

// Option configures optional Router collaborators.
type Option func(*Router)

// WithStickinessStore attaches session-stickiness lookups.
func WithStickinessStore(s StickinessStore) Option {
	return func(r *Router) { r.stickiness = s }
}

// WithBudgetSource attaches a principal remaining-budget source.
func WithBudgetSource(b BudgetSource) Option {
	return func(r *Router) { r.budget = b }
}

// WithStickyTTL overrides the default session-stickiness TTL (30 minutes).
func WithStickyTTL(d time.Duration) Option {
	return func(r *Router) { r.stickyTTL = d }
}

// New builds a Router over the given registry and scorer.
func New(reg *registry.Registry, scorer *Scorer, opts ...Option) *Router {
	r := &Router{registry: reg, scorer: scorer, stickyTTL: 30 * time.Minute}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// defaultCandidateCount is how many candidates Select returns for
// multi-candidate strategies when the hint doesn't specify k.
const defaultCandidateCount = 3

// Select runs the seven-step candidate selection pipeline and returns an
// ordered candidate list, longest for race/speculate_k/parallel_merge,
// length 1 for single. On failure it returns an *omentypes.Error of kind
// ErrNoEligibleProvider carrying per-candidate elimination reasons.
func (r *Router) Select(ctx context.Context, req *omentypes.ChatRequest, principal *omentypes.Principal) ([]omentypes.ModelDescriptor, *omentypes.Error) {
	hint := req.Omen
	if hint == nil {
		hint = &omentypes.RoutingHint{}
	}

	reasons := map[string]string{}
	catalog := r.registry.Catalog()
	scores := r.registry.Scores()

	// Step 1: allowlist from hint.
	if len(hint.Providers) > 0 {
		allowed := make(map[string]bool, len(hint.Providers))
		for _, p := range hint.Providers {
			allowed[p] = true
		}
		catalog = filterCatalog(catalog, reasons, "not in omen.providers allowlist", func(c registry.CatalogEntry) bool {
			return allowed[c.Descriptor.ProviderID]
		})
	}

	// Step 2: principal scope.
	if principal != nil {
		catalog = filterCatalog(catalog, reasons, "outside principal's scoped providers", func(c registry.CatalogEntry) bool {
			return principal.AllowsProvider(c.Descriptor.ProviderID)
		})
	}

	// Step 3: capability filter derived from the request.
	needVision := req.RequiresVision()
	needTools := len(req.Tools) > 0
	needStreaming := req.Stream
	catalog = filterCatalog(catalog, reasons, "missing required capability for this request", func(c registry.CatalogEntry) bool {
		caps := c.Descriptor.Capabilities
		if needVision && !caps.Has(omentypes.CapVision) {
			return false
		}
		if needTools && !caps.Has(omentypes.CapTools) {
			return false
		}
		if needStreaming && !caps.Has(omentypes.CapStreaming) {
			return false
		}
		return true
	})

	// Step 4: budget rejection — advertised cost for this request versus
	// the hint's budget_usd or the principal's remaining hard cap.
	estTokens := estimateRequestTokens(req)
	catalog = filterCatalog(catalog, reasons, "advertised cost exceeds budget", func(c registry.CatalogEntry) bool {
		projected := projectedCostUSD(c.Descriptor, estTokens)
		if hint.BudgetUSD != nil && projected > *hint.BudgetUSD {
			return false
		}
		if principal != nil && r.budget != nil {
			if remaining, ok := r.budget.RemainingUSD(principal.ID); ok && projected > remaining {
				return false
			}
		}
		return true
	})

	if len(catalog) == 0 {
		return nil, &omentypes.Error{Kind: omentypes.ErrNoEligibleProvider, Message: "no provider satisfies the request's constraints", Reasons: reasons}
	}

	// Step 5: resolve the model selector.
	resolved, err := r.resolveModel(req.Model, catalog, reasons)
	if err != nil {
		return nil, err
	}

	scored := r.scorer.Score(resolved, scores, hint.Intent, hint.PriorityWeights)
	if len(scored) == 0 {
		return nil, &omentypes.Error{Kind: omentypes.ErrNoEligibleProvider, Message: "no scoreable candidate remained after model resolution", Reasons: reasons}
	}

	// Step 6: stickiness check.
	k := candidateCount(hint)
	if hint.Stickiness != omentypes.StickinessNone && hint.Strategy != omentypes.StrategyRace && r.stickiness != nil && hint.SessionID != "" {
		if rec, ok := r.stickiness.Get(hint.SessionID); ok && !rec.ExpiresAt.Before(time.Now()) {
			if r.registry.IsAvailable(rec.ProviderID) && containsCandidate(scored, rec.ProviderID, rec.ModelID) {
				sticky := promoteCandidate(scored, rec.ProviderID, rec.ModelID)
				return toDescriptors(limitCandidates(sticky, k)), nil
			}
		}
	}

	// Step 7: final ordered candidate list.
	out := toDescriptors(limitCandidates(scored, k))
	if r.stickiness != nil && hint.SessionID != "" && hint.Stickiness != omentypes.StickinessNone && len(out) > 0 {
		ttl := r.stickyTTL
		if hint.Stickiness == omentypes.StickinessTurn {
			ttl = 5 * time.Minute
		}
		r.stickiness.Set(omentypes.StickinessRecord{
			SessionID:  hint.SessionID,
			ProviderID: out[0].ProviderID,
			ModelID:    out[0].ModelID,
			ExpiresAt:  time.Now().Add(ttl),
		})
	}
	return out, nil
}

func candidateCount(hint *omentypes.RoutingHint) int {
	switch hint.Strategy {
	case omentypes.StrategySingle, "":
		return 1
	case omentypes.StrategyRace, omentypes.StrategySpeculateK, omentypes.StrategyParallelMerge:
		if hint.K >= 2 {
			return hint.K
		}
		return defaultCandidateCount
	default:
		return 1
	}
}

func limitCandidates(scored []ScoredCandidate, k int) []ScoredCandidate {
	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

func toDescriptors(scored []ScoredCandidate) []omentypes.ModelDescriptor {
	out := make([]omentypes.ModelDescriptor, len(scored))
	for i, c := range scored {
		out[i] = c.Descriptor
	}
	return out
}

func containsCandidate(scored []ScoredCandidate, providerID, modelID string) bool {
	for _, c := range scored {
		if c.ProviderID == providerID && c.ModelID == modelID {
			return true
		}
	}
	return false
}

// promoteCandidate moves the sticky (provider, model) pair to the front of
// the ordered candidate list, preserving the relative order of the rest.
func promoteCandidate(scored []ScoredCandidate, providerID, modelID string) []ScoredCandidate {
	out := make([]ScoredCandidate, 0, len(scored))
	var sticky ScoredCandidate
	for _, c := range scored {
		if c.ProviderID == providerID && c.ModelID == modelID {
			sticky = c
			continue
		}
		out = append(out, c)
	}
	return append([]ScoredCandidate{sticky}, out...)
}

// resolveModel implements step 5: auto (use top-scoring pair), exact
// provider-qualified id, or an ambiguous alias resolved by scoring among
// the matching descriptors.
func (r *Router) resolveModel(model string, catalog []registry.CatalogEntry, reasons map[string]string) ([]registry.CatalogEntry, *omentypes.Error) {
	if model == "" || model == "auto" {
		return catalog, nil
	}
	if provID, modelID, ok := strings.Cut(model, "/"); ok {
		for _, c := range catalog {
			if c.Descriptor.ProviderID == provID && c.Descriptor.ModelID == modelID {
				return []registry.CatalogEntry{c}, nil
			}
		}
		reasons[model] = "requested provider-qualified model is not registered or was filtered out above"
		return nil, &omentypes.Error{Kind: omentypes.ErrNoEligibleProvider, Message: fmt.Sprintf("model %q not found", model), Reasons: reasons}
	}

	// Ambiguous alias: match by bare model id across every remaining
	// provider; scoring (done by the caller) tie-breaks among these.
	var matches []registry.CatalogEntry
	for _, c := range catalog {
		if c.Descriptor.ModelID == model {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		reasons[model] = "no registered model matches this alias"
		return nil, &omentypes.Error{Kind: omentypes.ErrNoEligibleProvider, Message: fmt.Sprintf("model %q not found", model), Reasons: reasons}
	}
	return matches, nil
}

func filterCatalog(catalog []registry.CatalogEntry, reasons map[string]string, reason string, keep func(registry.CatalogEntry) bool) []registry.CatalogEntry {
	out := catalog[:0:0]
	for _, c := range catalog {
		if keep(c) {
			out = append(out, c)
			continue
		}
		key := c.Descriptor.ProviderID + "/" + c.Descriptor.ModelID
		if _, already := reasons[key]; !already {
			reasons[key] = reason
		}
	}
	return out
}

// estimateRequestTokens sums a character/4 heuristic across every message,
// matching internal/provider's estimation approach for symmetry between
// pre-flight budget rejection and post-hoc usage accounting.
func estimateRequestTokens(req *omentypes.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content.FlatText()) / 4
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	} else {
		total += 512 // assumed output budget when the caller doesn't cap it
	}
	return total
}

// projectedCostUSD estimates the dollar cost of serving estTokens against
// a model's blended per-1K rate. Local/self-hosted models (cost 0) always
// project to zero.
func projectedCostUSD(m omentypes.ModelDescriptor, estTokens int) float64 {
	return blendedCostPer1K(m) * float64(estTokens) / 1000
}
