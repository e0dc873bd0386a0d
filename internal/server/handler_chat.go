package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/stream"
	"github.com/omen-gateway/omen/internal/usage"
)

// estimatePromptTokens approximates token count from message text length,
// the same character/4 heuristic internal/router and internal/provider use
// for symmetry between pre-flight budget checks and post-hoc accounting.
func estimatePromptTokens(req *omentypes.ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content.FlatText()) / 4
	}
	return total
}

func providerIDsOf(descs []omentypes.ModelDescriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.ProviderID
	}
	return out
}

// handleChatCompletions implements `POST /v1/chat/completions`, the gateway's
// primary endpoint: admission, an optional cache short-circuit,
// router candidate selection, multiplexed dispatch, and response writing
// (JSON or SSE per req.Stream), with a routing-decision audit record
// written on every completed request.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req omentypes.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeBadRequest(w, "messages must not be empty")
		return
	}

	hint := req.Omen
	if hint == nil {
		hint = &omentypes.RoutingHint{}
	}
	if hint.Strategy == omentypes.StrategyParallelMerge && req.Stream {
		writeError(w, omentypes.NewError(omentypes.ErrBadRequest, "parallel_merge does not support streaming responses"))
		return
	}

	principal := principalFromContext(r.Context())
	requestID := middleware.GetReqID(r.Context())

	if oerr := s.usage.Admit(r.Context(), principal, hint, estimatePromptTokens(&req)); oerr != nil {
		writeError(w, oerr)
		return
	}

	// Cache short-circuit: only possible when the client already pinned a
	// concrete provider-qualified model, since the key requires one and no
	// router selection has happened yet.
	if s.cache != nil {
		if providerID, modelID, ok := strings.Cut(req.Model, "/"); ok {
			if cached, hit := s.cache.Lookup(r.Context(), providerID, modelID, &req, true); hit {
				s.metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
				s.serveCacheHit(w, &req, requestID, principal.ID, hint, providerID, modelID, cached)
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
	reason := reasonCodeFor(hint.Strategy)

	if req.Stream {
		ch, err := mp.Stream(r.Context(), &req, candidates, hint, principal.ID, budget)
		if err != nil {
			writeError(w, classifyDispatchErr(err))
			return
		}
		winner := &streamWinner{}
		// Chunks carry the provider-qualified model actually serving the
		// stream, never the raw selector (which may be "auto" or a bare
		// alias). The top candidate is the winner for single; for
		// race/speculate the writer follows the event tags when another
		// candidate ends up producing the stream.
		if err := stream.Write(w, newResponseID(), candidates[0].Descriptor.QualifiedID(), time.Now().Unix(), tapStreamEvents(ch, winner)); err != nil {
			s.logger.Warn("stream write failed", "error", err, "request_id", requestID)
		}
		s.recordDecision(r.Context(), decisionInput{
			requestID:   requestID,
			principalID: principal.ID,
			hint:        hint,
			candidates:  candidates,
			latency:     time.Since(start),
			providerID:  winner.providerID,
			modelID:     winner.modelID,
			reasonCode:  reason,
		})
		return
	}

	resp, err := mp.Complete(r.Context(), &req, candidates, hint, principal.ID, budget)
	if err != nil {
		writeError(w, classifyDispatchErr(err))
		return
	}
	providerID, modelID, _ := strings.Cut(resp.Model, "/")
	if s.cache != nil {
		s.cache.Store(r.Context(), providerID, modelID, &req, *resp, true)
	}
	writeChatResponse(w, newResponseID(), req.Model, *resp)
	s.recordDecision(r.Context(), decisionInput{
		requestID:    requestID,
		principalID:  principal.ID,
		hint:         hint,
		candidates:   candidates,
		latency:      time.Since(start),
		providerID:   providerID,
		modelID:      modelID,
		inputTokens:  resp.Usage.PromptTokens,
		outputTokens: resp.Usage.CompletionTokens,
		costUSD:      resp.Usage.CostUSD,
		reasonCode:   reason,
	})
}

// reasonCodeFor names why the winner won, per strategy: a race winner is
// the first useful-token producer, everything else is a plain dispatch.
func reasonCodeFor(strategy omentypes.Strategy) string {
	switch strategy {
	case omentypes.StrategyRace:
		return "race_first_useful"
	case omentypes.StrategySpeculateK:
		return "speculate_winner"
	case omentypes.StrategyParallelMerge:
		return "merge_policy"
	default:
		return "dispatched"
	}
}

// classifyDispatchErr normalizes an error from the multiplexer into the
// gateway's *omentypes.Error shape for writeError.
func classifyDispatchErr(err error) *omentypes.Error {
	if oerr, ok := err.(*omentypes.Error); ok {
		return oerr
	}
	return omentypes.Wrap(omentypes.ErrInternal, "dispatch failed", err)
}

// pipelineBudget adapts internal/usage's Pipeline to
// multiplex.MidStreamBudget.
type pipelineBudget struct {
	p *usage.Pipeline
}

func (b pipelineBudget) Remaining(principalID string) (float64, bool) {
	if b.p == nil {
		return 0, false
	}
	return b.p.RemainingUSD(principalID)
}

type chatResponseBody struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatMessageOut struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []omentypes.ToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func writeChatResponse(w http.ResponseWriter, id, requestedModel string, resp omentypes.ChatResponse) {
	model := resp.Model
	if model == "" {
		model = requestedModel
	}
	body := chatResponseBody{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index: 0,
			Message: chatMessageOut{
				Role:      string(omentypes.RoleAssistant),
				Content:   resp.Content,
				ToolCalls: resp.Tools,
			},
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
