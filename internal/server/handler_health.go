package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthProviderEntry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Healthy       bool   `json:"healthy"`
	ModelsCount   int    `json:"models_count"`
	LastLatencyMS int64  `json:"last_latency_ms"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Providers []healthProviderEntry  `json:"providers"`
}

// handleHealth implements `GET /health`: an overall status of
// healthy/degraded/unhealthy plus a per-provider breakdown.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	scores := s.registry.Scores()
	modelCounts := map[string]int{}
	for _, c := range s.registry.Catalog() {
		modelCounts[c.Descriptor.ProviderID]++
	}

	entries := make([]healthProviderEntry, 0, len(scores))
	healthyCount := 0
	for _, sc := range scores {
		name := sc.ProviderID
		if adapter, ok := s.registry.Get(sc.ProviderID); ok {
			name = adapter.Name()
		}
		if sc.Healthy {
			healthyCount++
		}
		entries = append(entries, healthProviderEntry{
			ID:            sc.ProviderID,
			Name:          name,
			Healthy:       sc.Healthy,
			ModelsCount:   modelCounts[sc.ProviderID],
			LastLatencyMS: sc.LastLatencyMS,
		})
	}

	status := "healthy"
	switch {
	case len(entries) == 0 || healthyCount == 0:
		status = "unhealthy"
	case healthyCount < len(entries):
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: status, Providers: entries})
}

// handleReady implements `GET /ready`: 200 if at least one provider is
// healthy, else 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, sc := range s.registry.Scores() {
		if sc.Healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// handleStatus reports process-level liveness details beyond the simple
// /health probe: uptime and provider count, useful for an operator poking
// the gateway directly rather than through a monitoring system.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"providers":      len(s.registry.ProviderIDs()),
	})
}
