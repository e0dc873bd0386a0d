package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omentypes"
)

// legacyCompletionRequest is the pre-chat `/v1/completions` wire shape.
// prompt accepts either a single string or a batch of strings on the
// wire; omen only ever dispatches the first prompt of a batch, matching
// the narrowed legacy support most OpenAI-compatible gateways carry
// forward for this deprecated endpoint.
type legacyCompletionRequest struct {
	Model       string       `json:"model"`
	Prompt      promptField  `json:"prompt"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Omen        *omentypes.RoutingHint `json:"omen,omitempty"`
}

// promptField accepts both wire shapes `/v1/completions` allows: a bare
// string or an array of strings.
type promptField struct {
	Values []string
}

func (p *promptField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &p.Values)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.Values = []string{s}
	return nil
}

type legacyCompletionResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []legacyCompletionChoice `json:"choices"`
	Usage   chatUsage            `json:"usage"`
}

type legacyCompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// handleCompletions implements the deprecated `POST /v1/completions`
// endpoint by translating its prompt-based request into the same
// omentypes.ChatRequest the chat endpoint dispatches (a single user
// message carrying the prompt text) and reshaping the result back into
// the legacy `{choices:[{text,...}]}` envelope. Streaming is not
// supported on this endpoint: its chunk shape (`text_completion`,
// incremental `text`) differs from chat's delta format that
// internal/stream's writer is built around, and no example in this
// gateway's domain exercises it, so a streamed request is rejected with
// bad_request rather than silently downgraded to chat chunk framing.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var legacy legacyCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&legacy); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(legacy.Prompt.Values) == 0 || legacy.Prompt.Values[0] == "" {
		writeBadRequest(w, "prompt must not be empty")
		return
	}
	if legacy.Stream {
		writeError(w, omentypes.NewError(omentypes.ErrBadRequest, "streaming is not supported on /v1/completions; use /v1/chat/completions"))
		return
	}

	req := omentypes.ChatRequest{
		Model:       legacy.Model,
		Messages:    []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.NewTextContent(legacy.Prompt.Values[0])}},
		Temperature: legacy.Temperature,
		TopP:        legacy.TopP,
		MaxTokens:   legacy.MaxTokens,
		Stop:        legacy.Stop,
		Omen:        legacy.Omen,
	}

	hint := req.Omen
	if hint == nil {
		hint = &omentypes.RoutingHint{}
	}

	principal := principalFromContext(r.Context())
	requestID := middleware.GetReqID(r.Context())

	if oerr := s.usage.Admit(r.Context(), principal, hint, estimatePromptTokens(&req)); oerr != nil {
		writeError(w, oerr)
		return
	}

	if s.cache != nil {
		if providerID, modelID, ok := strings.Cut(req.Model, "/"); ok {
			if cached, hit := s.cache.Lookup(r.Context(), providerID, modelID, &req, false); hit {
				s.metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
				writeLegacyCompletion(w, newResponseID(), cached)
				s.recordDecision(r.Context(), decisionInput{
					requestID: requestID, principalID: principal.ID, hint: hint,
					candidates:   []multiplex.Candidate{{ProviderID: providerID, ModelID: modelID}},
					providerID:   providerID, modelID: modelID,
					inputTokens:  cached.Usage.PromptTokens,
					outputTokens: cached.Usage.CompletionTokens,
					reasonCode:   "cache_hit",
				})
				return
			}
			s.metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		}
	}

	start := time.Now()
	descriptors, oerr := s.router.Select(r.Context(), &req, principal)
	if oerr != nil {
		writeError(w, oerr)
		return
	}
	if oerr := s.usage.CheckScope(principal, providerIDsOf(descriptors)); oerr != nil {
		writeError(w, oerr)
		return
	}

	candidates := s.resolveCandidates(descriptors)
	if len(candidates) == 0 {
		writeError(w, omentypes.NewError(omentypes.ErrProviderUnavailable, "no candidate provider is currently available"))
		return
	}

	recorder := &requestUsageRecorder{pipeline: s.usage, principal: principal}
	mp := multiplex.New(s.multiplexCfg, recorder)
	budget := pipelineBudget{s.usage}

	resp, err := mp.Complete(r.Context(), &req, candidates, hint, principal.ID, budget)
	if err != nil {
		writeError(w, classifyDispatchErr(err))
		return
	}
	providerID, modelID, _ := strings.Cut(resp.Model, "/")
	if s.cache != nil {
		s.cache.Store(r.Context(), providerID, modelID, &req, *resp, false)
	}
	writeLegacyCompletion(w, newResponseID(), *resp)
	s.recordDecision(r.Context(), decisionInput{
		requestID: requestID, principalID: principal.ID, hint: hint,
		candidates: candidates, latency: time.Since(start),
		providerID: providerID, modelID: modelID,
		inputTokens: resp.Usage.PromptTokens, outputTokens: resp.Usage.CompletionTokens,
		costUSD: resp.Usage.CostUSD, reasonCode: reasonCodeFor(hint.Strategy),
	})
}

func writeLegacyCompletion(w http.ResponseWriter, id string, resp omentypes.ChatResponse) {
	body := legacyCompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []legacyCompletionChoice{{
			Index:        0,
			Text:         resp.Content,
			FinishReason: string(resp.FinishReason),
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
