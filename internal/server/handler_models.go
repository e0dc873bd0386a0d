package server

import (
	"encoding/json"
	"net/http"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleModels implements `GET /v1/models`, the standard OpenAI listing
// endpoint, over the registry's merged catalog. Model ids are
// provider-qualified ("ollama/qwen2.5-coder") so a client choosing among
// duplicates across providers can address either one explicitly.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	catalog := s.registry.Catalog()
	out := make([]modelEntry, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, modelEntry{
			ID:      c.Descriptor.QualifiedID(),
			Object:  "model",
			OwnedBy: c.Descriptor.ProviderID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   out,
	})
}
