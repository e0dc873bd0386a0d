package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/stream"
)

// newResponseID mints the OpenAI-style id carried in a response body's
// top-level "id" field (and every chunk of a streamed response). It is
// deliberately distinct from the chi request id used for log/audit
// correlation: OpenAI's own ids are per-response, not per-HTTP-request,
// and a cache hit reuses the inbound request id for audit correlation
// while still needing a fresh-looking completion id on the wire.
func newResponseID() string {
	return "chatcmpl-" + uuid.NewString()
}

// streamWinner accumulates the provider/model that actually served a
// streamed response, captured by tapStreamEvents as events flow past.
// Only tapStreamEvents' forwarding goroutine writes to it; the handler
// only reads it after stream.Write has fully drained (and therefore
// closed) the tapped channel, so no further synchronization is needed.
type streamWinner struct {
	providerID string
	modelID    string
}

// tapStreamEvents forwards every event from ch to the returned channel
// unchanged, recording the last non-empty ProviderID/ModelID pair seen
// along the way. The multiplexer tags every event with the candidate
// that produced it (internal/omentypes.StreamEvent's ProviderID/ModelID),
// so the last tagged event reflects whichever candidate's stream won
// (or, for parallel_merge, whichever last contributed).
func tapStreamEvents(ch <-chan omentypes.StreamEvent, winner *streamWinner) <-chan omentypes.StreamEvent {
	out := make(chan omentypes.StreamEvent)
	go func() {
		defer close(out)
		for ev := range ch {
			if ev.ProviderID != "" {
				winner.providerID = ev.ProviderID
				winner.modelID = ev.ModelID
			}
			out <- ev
		}
	}()
	return out
}

// decisionInput bundles everything recordDecision needs to build and
// persist an omentypes.RoutingDecision, avoiding an ever-growing
// positional parameter list across the streaming and non-streaming
// call sites.
type decisionInput struct {
	requestID    string
	principalID  string
	hint         *omentypes.RoutingHint
	candidates   []multiplex.Candidate
	latency      time.Duration
	providerID   string
	modelID      string
	inputTokens  int
	outputTokens int
	costUSD      float64
	reasonCode   string
}

// recordDecision builds the append-only audit record for every
// completed request and writes it via the audit
// store, logging (but not failing the request on) a write error.
func (s *Server) recordDecision(ctx context.Context, in decisionInput) {
	if s.audit == nil {
		return
	}
	candidateSet := make([]string, len(in.candidates))
	losers := make([]string, 0, len(in.candidates))
	for i, c := range in.candidates {
		qualified := c.ProviderID + "/" + c.ModelID
		candidateSet[i] = qualified
		if c.ProviderID != in.providerID || c.ModelID != in.modelID {
			losers = append(losers, qualified)
		}
	}

	intent := omentypes.IntentGeneral
	strategy := omentypes.StrategySingle
	if in.hint != nil {
		if in.hint.Intent != "" {
			intent = in.hint.Intent
		}
		if in.hint.Strategy != "" {
			strategy = in.hint.Strategy
		}
	}

	decision := omentypes.RoutingDecision{
		RequestID:      in.requestID,
		PrincipalID:    in.principalID,
		Intent:         intent,
		Strategy:       strategy,
		CandidateSet:   candidateSet,
		WinnerProvider: in.providerID,
		WinnerModel:    in.modelID,
		Losers:         losers,
		ReasonCode:     in.reasonCode,
		LatencyMS:      in.latency.Milliseconds(),
		InputTokens:    in.inputTokens,
		OutputTokens:   in.outputTokens,
		CostUSD:        in.costUSD,
		CreatedAt:      time.Now(),
	}
	if err := s.audit.LogDecision(ctx, decision); err != nil {
		s.logger.Warn("audit log write failed", "error", err, "request_id", in.requestID)
	}

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(string(intent), string(strategy), in.providerID, in.modelID, in.reasonCode).Inc()
		s.metrics.RequestLatencyMS.WithLabelValues(string(intent), string(strategy), in.providerID, in.modelID).Observe(float64(in.latency.Milliseconds()))
		s.metrics.TokensTotal.WithLabelValues(in.providerID, in.modelID, "prompt").Add(float64(in.inputTokens))
		s.metrics.TokensTotal.WithLabelValues(in.providerID, in.modelID, "completion").Add(float64(in.outputTokens))
		s.metrics.CostUSDTotal.WithLabelValues(in.providerID, in.modelID, in.principalID).Add(in.costUSD)
	}
}

// serveCacheHit writes a cached response straight back to the client,
// bypassing both the router and the multiplexer. The hit is still
// accounted in usage counters at real token counts but zero currency,
// and it still produces a routing-decision audit record
// so cache hits remain visible to the same operator tooling that reads
// /omen/providers/scores and the audit log.
func (s *Server) serveCacheHit(w http.ResponseWriter, req *omentypes.ChatRequest, requestID, principalID string, hint *omentypes.RoutingHint, providerID, modelID string, cached omentypes.ChatResponse) {
	zeroCostUsage := cached.Usage
	zeroCostUsage.CostUSD = 0
	if s.usage != nil {
		_ = s.usage.RecordUsage(context.Background(), &omentypes.Principal{ID: principalID}, providerID, zeroCostUsage)
	}

	if req.Stream {
		ch := make(chan omentypes.StreamEvent, 3)
		ch <- omentypes.StreamEvent{
			Kind:       omentypes.EventDelta,
			Role:       omentypes.RoleAssistant,
			Text:       cached.Content,
			ProviderID: providerID,
			ModelID:    modelID,
		}
		ch <- omentypes.StreamEvent{
			Kind:       omentypes.EventUsageUpdate,
			Usage:      &zeroCostUsage,
			ProviderID: providerID,
			ModelID:    modelID,
		}
		ch <- omentypes.StreamEvent{
			Kind:         omentypes.EventEnd,
			FinishReason: cached.FinishReason,
			ProviderID:   providerID,
			ModelID:      modelID,
		}
		close(ch)
		if err := stream.Write(w, newResponseID(), providerID+"/"+modelID, time.Now().Unix(), ch); err != nil {
			s.logger.Warn("cached stream write failed", "error", err, "request_id", requestID)
		}
	} else {
		writeChatResponse(w, newResponseID(), req.Model, cached)
	}

	s.recordDecision(context.Background(), decisionInput{
		requestID:    requestID,
		principalID:  principalID,
		hint:         hint,
		candidates:   []multiplex.Candidate{{ProviderID: providerID, ModelID: modelID}},
		latency:      0,
		providerID:   providerID,
		modelID:      modelID,
		inputTokens:  cached.Usage.PromptTokens,
		outputTokens: cached.Usage.CompletionTokens,
		costUSD:      0,
		reasonCode:   "cache_hit",
	})
}
