package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/provider"
)

// embeddingsRequest accepts both wire shapes `/v1/embeddings` allows for
// `input`: a single string or a batch of strings.
type embeddingsRequest struct {
	Model string        `json:"model"`
	Input embeddingInput `json:"input"`
}

type embeddingInput struct {
	Values []string
}

func (e *embeddingInput) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &e.Values)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	e.Values = []string{s}
	return nil
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Model  string           `json:"model"`
	Data   []embeddingEntry `json:"data"`
	Usage  chatUsage        `json:"usage"`
}

type embeddingEntry struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// handleEmbeddings implements `POST /v1/embeddings`. Unlike chat
// completions, embeddings never enter the router or multiplexer: routing,
// speculation, and stickiness are scoped to chat-shaped traffic, so
// this handler resolves the requested model directly against the
// registry's catalog (accepting either a provider-qualified id or a bare
// one, first match wins) and dispatches straight to the adapter.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Input.Values) == 0 {
		writeBadRequest(w, "input must not be empty")
		return
	}
	if req.Model == "" {
		writeBadRequest(w, "model is required")
		return
	}

	providerID, modelID, adapter, oerr := s.resolveEmbeddingModel(req.Model)
	if oerr != nil {
		writeError(w, oerr)
		return
	}

	principal := principalFromContext(r.Context())
	if oerr := s.usage.CheckScope(principal, []string{providerID}); oerr != nil {
		writeError(w, oerr)
		return
	}

	embedder, ok := adapter.(provider.Embedder)
	if !ok {
		writeError(w, omentypes.NewError(omentypes.ErrBadRequest, "provider "+providerID+" does not support embeddings"))
		return
	}

	result, err := embedder.Embeddings(r.Context(), req.Input.Values, modelID)
	if err != nil {
		if oerr, ok := err.(*omentypes.Error); ok {
			writeError(w, oerr)
		} else {
			writeError(w, omentypes.Wrap(omentypes.ErrProviderUnavailable, "embeddings request failed", err))
		}
		return
	}

	_ = s.usage.RecordUsage(r.Context(), principal, providerID, result.Usage)

	data := make([]embeddingEntry, len(result.Vectors))
	for i, v := range result.Vectors {
		data[i] = embeddingEntry{Object: "embedding", Index: i, Embedding: v}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(embeddingsResponse{
		Object: "list",
		Model:  providerID + "/" + modelID,
		Data:   data,
		Usage: chatUsage{
			PromptTokens: result.Usage.PromptTokens,
			TotalTokens:  result.Usage.TotalTokens,
		},
	})
}

// resolveEmbeddingModel resolves a client-supplied model id — either
// provider-qualified ("openai/text-embedding-3-small") or bare
// ("text-embedding-3-small") — against the registry's catalog, returning
// the owning provider id, bare model id, and adapter.
func (s *Server) resolveEmbeddingModel(requested string) (string, string, provider.Provider, *omentypes.Error) {
	if providerID, modelID, ok := strings.Cut(requested, "/"); ok {
		if adapter, ok := s.registry.Get(providerID); ok {
			for _, c := range s.registry.Catalog() {
				if c.Descriptor.ProviderID == providerID && c.Descriptor.ModelID == modelID {
					return providerID, modelID, adapter, nil
				}
			}
		}
		return "", "", nil, omentypes.NewError(omentypes.ErrBadRequest, "unknown model: "+requested)
	}
	for _, c := range s.registry.Catalog() {
		if c.Descriptor.ModelID == requested {
			adapter, ok := s.registry.Get(c.Descriptor.ProviderID)
			if !ok {
				continue
			}
			return c.Descriptor.ProviderID, c.Descriptor.ModelID, adapter, nil
		}
	}
	return "", "", nil, omentypes.NewError(omentypes.ErrBadRequest, "unknown model: "+requested)
}
