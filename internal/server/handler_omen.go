package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type omenProviderEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Healthy     bool   `json:"healthy"`
	ModelsCount int    `json:"models_count"`
}

// handleOmenProviders implements `GET /omen/providers`: the registered
// provider roster, independent of /health's overall-status framing.
func (s *Server) handleOmenProviders(w http.ResponseWriter, r *http.Request) {
	modelCounts := map[string]int{}
	for _, c := range s.registry.Catalog() {
		modelCounts[c.Descriptor.ProviderID]++
	}
	byID := map[string]bool{}
	for _, sc := range s.registry.Scores() {
		byID[sc.ProviderID] = sc.Healthy
	}

	out := make([]omenProviderEntry, 0, len(s.registry.ProviderIDs()))
	for _, id := range s.registry.ProviderIDs() {
		name := id
		if adapter, ok := s.registry.Get(id); ok {
			name = adapter.Name()
		}
		out = append(out, omenProviderEntry{
			ID:          id,
			Name:        name,
			Healthy:     byID[id],
			ModelsCount: modelCounts[id],
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": out})
}

// handleOmenProviderHealth implements `GET /omen/providers/{id}/health`:
// an on-demand probe of a single provider, independent of the periodic
// probe cadence.
func (s *Server) handleOmenProviderHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	adapter, ok := s.registry.Get(id)
	if !ok {
		writeBadRequest(w, "unknown provider: "+id)
		return
	}
	status, err := adapter.HealthProbe(r.Context())
	if err != nil {
		writeBadRequest(w, "health probe failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":              id,
		"healthy":         status.Healthy,
		"last_latency_ms": status.LastLatencyMS,
		"details":         status.Details,
	})
}

type providerScoreEntry struct {
	ProviderID       string  `json:"provider_id"`
	ProviderName     string  `json:"provider_name"`
	HealthScore      float64 `json:"health_score"`
	LatencyMS        int64   `json:"latency_ms"`
	CostScore        float64 `json:"cost_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	OverallScore     float64 `json:"overall_score"`
	Recommended      bool    `json:"recommended"`
}

// handleOmenProviderScores implements `GET /omen/providers/scores`: the
// raw scoring inputs the router consumes, exposed for operator tooling
// and debugging. Cost scoring is model-specific (it depends on the
// request's candidate set), so this endpoint reports health/latency/
// reliability only, with cost_score fixed at 100 (best on the 0-100
// scale) as a neutral placeholder and overall_score averaged across the
// four.
func (s *Server) handleOmenProviderScores(w http.ResponseWriter, r *http.Request) {
	scores := s.registry.Scores()
	out := make([]providerScoreEntry, 0, len(scores))
	bestOverall := -1.0
	bestIdx := -1
	for i, sc := range scores {
		name := sc.ProviderID
		if adapter, ok := s.registry.Get(sc.ProviderID); ok {
			name = adapter.Name()
		}
		const costScore = 100.0
		overall := (sc.HealthScore + sc.LatencyScore + sc.ReliabilityScore + costScore) / 4
		out = append(out, providerScoreEntry{
			ProviderID:       sc.ProviderID,
			ProviderName:     name,
			HealthScore:      sc.HealthScore,
			LatencyMS:        sc.LastLatencyMS,
			CostScore:        costScore,
			ReliabilityScore: sc.ReliabilityScore,
			OverallScore:     overall,
		})
		if sc.Healthy && overall > bestOverall {
			bestOverall = overall
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		out[bestIdx].Recommended = true
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"scores": out})
}
