// Package router selects, for a given chat request and principal, an
// ordered list of (provider, model) candidates for the multiplexer to
// invoke. Candidate generation is two pipelines: scorer.go computes the
// weighted per-provider score; router.go runs the seven-step filter chain
// and applies stickiness.
//
// Scoring is weighted multi-objective: four named sub-scores (health,
// latency, cost, reliability), each normalized to [0,100], combined under
// configurable weights so candidates from very different providers stay
// comparable.
package router

import (
	"sort"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
)

// Weights are the scorer's coefficients.
type Weights struct {
	Health      float64
	Latency     float64
	Cost        float64
	Reliability float64
}

// DefaultWeights returns the gateway's named defaults: health 0.40, latency
// 0.30, cost 0.20, reliability 0.10.
func DefaultWeights() Weights {
	return Weights{Health: 0.40, Latency: 0.30, Cost: 0.20, Reliability: 0.10}
}

// IntentBias configures the scorer's additive bonuses.
type IntentBias struct {
	LocalBonus     float64 // local-leaning intents, local providers, if healthy
	ReasoningBonus float64 // reason/math, providers marked prefers_reasoning

	// LocalIntents names the intents that earn local providers the
	// LocalBonus; overridden by the `[routing]` block's prefer_local_for
	// list. LocalProviders and ReasoningProviders classify provider ids
	// for the bonuses; populated from config (internal/config's
	// per-provider blocks), not inferred from the adapter.
	LocalIntents       map[omentypes.Intent]bool
	LocalProviders     map[string]bool
	ReasoningProviders map[string]bool
}

// DefaultIntentBias returns the gateway's named default bonuses (+15, +10)
// with the code/tests/regex local-intent set and empty provider
// classification sets; callers populate the provider sets from config.
func DefaultIntentBias() IntentBias {
	return IntentBias{
		LocalBonus:     15,
		ReasoningBonus: 10,
		LocalIntents: map[omentypes.Intent]bool{
			omentypes.IntentCode:  true,
			omentypes.IntentTests: true,
			omentypes.IntentRegex: true,
		},
		LocalProviders:     map[string]bool{},
		ReasoningProviders: map[string]bool{},
	}
}

// ScoredCandidate is one (provider, model) pair with its full score
// breakdown, returned in descending-score order.
type ScoredCandidate struct {
	ProviderID  string
	ModelID     string
	Descriptor  omentypes.ModelDescriptor
	HealthScore float64
	LatencyScore float64
	CostScore    float64
	ReliabilityScore float64
	Bias         float64
	Overall      float64
	Healthy      bool
}

// Scorer computes weighted scores over a registry's current catalog.
type Scorer struct {
	weights Weights
	bias    IntentBias
}

// NewScorer builds a Scorer with the given weights and intent bias table.
func NewScorer(weights Weights, bias IntentBias) *Scorer {
	return &Scorer{weights: weights, bias: bias}
}

// Score computes ScoredCandidate entries for every catalog entry whose
// provider has a registry.Score, biased by intent and the request's
// priority_weights override, sorted best-first. cost_score normalizes each
// candidate's blended per-1K cost against the highest blended cost in the
// comparison set; a local/self-hosted provider with zero cost always
// scores cost_score=100.
func (s *Scorer) Score(catalog []registry.CatalogEntry, scores []registry.Score, intent omentypes.Intent, priorityWeights map[string]float64) []ScoredCandidate {
	scoreByProvider := make(map[string]registry.Score, len(scores))
	for _, sc := range scores {
		scoreByProvider[sc.ProviderID] = sc
	}

	maxCost := 0.0
	for _, c := range catalog {
		if blended := blendedCostPer1K(c.Descriptor); blended > maxCost {
			maxCost = blended
		}
	}

	out := make([]ScoredCandidate, 0, len(catalog))
	for _, c := range catalog {
		rs, ok := scoreByProvider[c.Descriptor.ProviderID]
		if !ok {
			continue
		}
		costScore := 100.0
		if maxCost > 0 {
			blended := blendedCostPer1K(c.Descriptor)
			if blended > 0 {
				costScore = 100 * (1 - clamp(blended/maxCost, 0, 1))
			}
		}

		overall := s.weights.Health*rs.HealthScore +
			s.weights.Latency*rs.LatencyScore +
			s.weights.Cost*costScore +
			s.weights.Reliability*rs.ReliabilityScore

		bias := s.intentBias(intent, c.Descriptor.ProviderID, rs.Healthy)
		overall += bias

		if mult, ok := priorityWeights[c.Descriptor.ProviderID]; ok {
			overall *= mult
		}

		out = append(out, ScoredCandidate{
			ProviderID:       c.Descriptor.ProviderID,
			ModelID:          c.Descriptor.ModelID,
			Descriptor:       c.Descriptor,
			HealthScore:      rs.HealthScore,
			LatencyScore:     rs.LatencyScore,
			CostScore:        costScore,
			ReliabilityScore: rs.ReliabilityScore,
			Bias:             bias,
			Overall:          overall,
			Healthy:          rs.Healthy,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Overall > out[j].Overall })
	return out
}

func (s *Scorer) intentBias(intent omentypes.Intent, providerID string, healthy bool) float64 {
	if s.bias.LocalIntents[intent] {
		if healthy && s.bias.LocalProviders[providerID] {
			return s.bias.LocalBonus
		}
		return 0
	}
	switch intent {
	case omentypes.IntentReason, omentypes.IntentMath:
		if s.bias.ReasoningProviders[providerID] {
			return s.bias.ReasoningBonus
		}
	}
	return 0
}

// blendedCostPer1K averages a model's input and output per-1K costs as a
// simple proxy for "cost for this request shape"; the router has no
// reliable token split before the request is sent, so it blends rather
// than weighting by an assumed input/output ratio.
func blendedCostPer1K(m omentypes.ModelDescriptor) float64 {
	return (m.CostInPer1K + m.CostOutPer1K) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
