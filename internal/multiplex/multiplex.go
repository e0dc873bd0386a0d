// Package multiplex owns the hardest logic in the gateway: invoking one or
// more provider candidates concurrently, selecting a winner under a
// strategy, and relaying a single ordered, non-interleaved event stream to
// the caller while losers are cancelled and their partial usage is still
// committed for accounting.
//
// The cancellation idiom — a context per invocation, a `select { case
// ch<-ev: case <-ctx.Done(): }` send that never blocks past cancellation —
// is the same pattern internal/provider's adapters use internally for
// their own streaming goroutines (see openai.go, anthropic.go),
// generalized here from one adapter relaying its own events to the
// multiplexer relaying across many adapters.
package multiplex

import (
	"context"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/provider"
)

// Candidate is one (provider, model) pair ready to be invoked, as produced
// by internal/router's Select.
type Candidate struct {
	ProviderID string
	ModelID    string
	Descriptor omentypes.ModelDescriptor
	Adapter    provider.Provider
}

// UsageRecorder lets the multiplexer commit usage for both the eventual
// winner and any cancelled losers, so budgets stay accurate under
// cancellation: losers' partial usage is committed, not
// discarded.
type UsageRecorder interface {
	CommitPartial(providerID, modelID string, usage omentypes.Usage)
	CommitFinal(providerID, modelID string, usage omentypes.Usage)
}

// MidStreamBudget lets the multiplexer enforce mid-stream budget checks
// without depending on internal/usage's concrete admission pipeline.
type MidStreamBudget interface {
	// Remaining reports the caller's remaining hard budget in USD, or
	// ok=false if no cap applies.
	Remaining(principalID string) (usd float64, ok bool)
}

// Config tunes the multiplexer's timing knobs.
type Config struct {
	RaceGraceWindow      time.Duration // default 100ms
	SpeculateDelayMin    time.Duration // default 120ms
	SpeculateDelayMax    time.Duration // default 250ms
	DefaultMaxLatencyMS  int
	MinUsefulTokens      int
	// PromoteLoserOnWinnerError controls whether to retry against a
	// recently-cancelled loser when
	// the winner errors after being chosen but before terminating. Off by
	// default — promotion after a winner has already started streaming to
	// the client risks visibly replaying content, so it is opt-in.
	PromoteLoserOnWinnerError bool
	SingleRetryOnTransient    bool
}

// DefaultConfig returns the gateway's named defaults.
func DefaultConfig() Config {
	return Config{
		RaceGraceWindow:        100 * time.Millisecond,
		SpeculateDelayMin:      120 * time.Millisecond,
		SpeculateDelayMax:      250 * time.Millisecond,
		DefaultMaxLatencyMS:    0, // 0 = no deadline unless the hint sets one
		MinUsefulTokens:        1,
		PromoteLoserOnWinnerError: false,
		SingleRetryOnTransient: true,
	}
}

// Multiplexer dispatches a request across one or more candidates under the
// requested strategy.
type Multiplexer struct {
	cfg   Config
	usage UsageRecorder
}

// New builds a Multiplexer. usage may be nil, in which case partial/final
// usage commits are no-ops (useful in tests).
func New(cfg Config, usage UsageRecorder) *Multiplexer {
	return &Multiplexer{cfg: cfg, usage: usage}
}

func (m *Multiplexer) commitPartial(providerID, modelID string, u omentypes.Usage) {
	if m.usage != nil {
		m.usage.CommitPartial(providerID, modelID, u)
	}
}

func (m *Multiplexer) commitFinal(providerID, modelID string, u omentypes.Usage) {
	if m.usage != nil {
		m.usage.CommitFinal(providerID, modelID, u)
	}
}

// Stream dispatches a streaming request across candidates per hint.Strategy
// and returns the unified outbound event sequence. parallel_merge is
// rejected here since it is non-streaming by nature; callers with a
// parallel_merge hint and stream=true must reject the request before
// reaching the multiplexer (internal/server does this at the handler).
func (m *Multiplexer) Stream(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, hint *omentypes.RoutingHint, principalID string, budget MidStreamBudget) (<-chan omentypes.StreamEvent, error) {
	if hint == nil {
		hint = &omentypes.RoutingHint{}
	}
	if len(candidates) == 0 {
		return nil, omentypes.NewError(omentypes.ErrNoEligibleProvider, "no candidates supplied to multiplexer")
	}

	deadline := m.deadlineFor(hint)

	switch hint.Strategy {
	case omentypes.StrategyRace:
		return m.raceStream(ctx, req, candidates, hint, deadline, principalID, budget)
	case omentypes.StrategySpeculateK:
		return m.speculateStream(ctx, req, candidates, hint, deadline, principalID, budget)
	case omentypes.StrategyParallelMerge:
		return nil, omentypes.NewError(omentypes.ErrBadRequest, "parallel_merge does not support streaming responses")
	default: // single
		return m.singleStream(ctx, req, candidates, deadline, principalID, budget)
	}
}

// Complete runs a non-streaming request. Every strategy except
// parallel_merge is satisfied by draining Stream() into a single response;
// parallel_merge runs its own non-streaming fan-out/merge.
func (m *Multiplexer) Complete(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, hint *omentypes.RoutingHint, principalID string, budget MidStreamBudget) (*omentypes.ChatResponse, error) {
	if hint == nil {
		hint = &omentypes.RoutingHint{}
	}
	if hint.Strategy == omentypes.StrategyParallelMerge {
		return m.mergeComplete(ctx, req, candidates, hint)
	}
	ch, err := m.Stream(ctx, req, candidates, hint, principalID, budget)
	if err != nil {
		return nil, err
	}
	return drainToResponse(ch)
}

func (m *Multiplexer) deadlineFor(hint *omentypes.RoutingHint) time.Time {
	ms := hint.MaxLatencyMS
	if ms <= 0 {
		ms = m.cfg.DefaultMaxLatencyMS
	}
	if ms <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// cloneRequestForModel copies req with Model pinned to the concrete
// candidate model id, since the router may resolve "auto" or an alias to
// several candidates that each need their own concrete model string.
func cloneRequestForModel(req *omentypes.ChatRequest, modelID string) *omentypes.ChatRequest {
	clone := *req
	clone.Model = modelID
	return &clone
}

// priceUsage stamps the USD cost of a usage snapshot from the candidate
// model's per-1K rates. Vendors report token counts, never dollars, so
// token counts times the descriptor's configured rates are the gateway's
// only price signal; a local model with zero rates prices to zero.
func priceUsage(d omentypes.ModelDescriptor, u omentypes.Usage) omentypes.Usage {
	u.CostUSD = float64(u.PromptTokens)/1000*d.CostInPer1K + float64(u.CompletionTokens)/1000*d.CostOutPer1K
	return u
}

// sendEvent delivers ev to out unless ctx is cancelled first, returning
// false if the send was abandoned.
func sendEvent(ctx context.Context, out chan<- omentypes.StreamEvent, ev omentypes.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// invoke starts a candidate's stream under its own cancellable context and
// tags every event with the candidate's identity so downstream selection
// logic can tell candidates' events apart.
func invoke(ctx context.Context, c Candidate, req *omentypes.ChatRequest) (context.Context, context.CancelFunc, <-chan omentypes.StreamEvent, error) {
	cctx, cancel := context.WithCancel(ctx)
	ch, err := c.Adapter.ChatCompletionStream(cctx, cloneRequestForModel(req, c.ModelID))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	tagged := make(chan omentypes.StreamEvent)
	go func() {
		defer close(tagged)
		for ev := range ch {
			ev.ProviderID = c.ProviderID
			ev.ModelID = c.ModelID
			select {
			case tagged <- ev:
			case <-cctx.Done():
				return
			}
		}
	}()
	return cctx, cancel, tagged, nil
}

// toolFragAssembler reassembles streamed tool-call fragments into complete
// calls for the non-streaming Complete()/mergeComplete() paths. It is a
// smaller, package-local cousin of internal/provider's toolCallAssembler;
// that type is unexported in provider and deliberately not reused
// cross-package, so the same small assembly logic is reimplemented here
// against the fragment shape rather than widening provider's API surface
// for one caller.
type toolFragAssembler struct {
	order []string
	byID  map[string]*omentypes.ToolCall
}

func newToolFragAssembler() *toolFragAssembler {
	return &toolFragAssembler{byID: map[string]*omentypes.ToolCall{}}
}

func (a *toolFragAssembler) add(frag *omentypes.ToolCallFragment) {
	if frag == nil || frag.ID == "" {
		return
	}
	tc, ok := a.byID[frag.ID]
	if !ok {
		tc = &omentypes.ToolCall{ID: frag.ID, Type: "function"}
		a.byID[frag.ID] = tc
		a.order = append(a.order, frag.ID)
	}
	if frag.Name != "" {
		tc.Function.Name = frag.Name
	}
	tc.Function.Arguments += frag.ArgsDelta
}

func (a *toolFragAssembler) add1(tc omentypes.ToolCall) {
	if _, ok := a.byID[tc.ID]; !ok {
		a.order = append(a.order, tc.ID)
	}
	cp := tc
	a.byID[tc.ID] = &cp
}

func (a *toolFragAssembler) finalize() []omentypes.ToolCall {
	out := make([]omentypes.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}
	return out
}

// drainToResponse consumes a unified event stream to completion and builds
// the non-streaming ChatResponse shape from it.
func drainToResponse(ch <-chan omentypes.StreamEvent) (*omentypes.ChatResponse, error) {
	resp := &omentypes.ChatResponse{FinishReason: omentypes.FinishStop}
	assembler := newToolFragAssembler()
	var content []byte
	for ev := range ch {
		switch ev.Kind {
		case omentypes.EventDelta:
			content = append(content, ev.Text...)
			if ev.ToolCallFragment != nil {
				assembler.add(ev.ToolCallFragment)
			}
			if resp.Model == "" && ev.ProviderID != "" {
				resp.Model = ev.ProviderID + "/" + ev.ModelID
			}
		case omentypes.EventToolCall:
			if ev.ToolCall != nil {
				assembler.add1(*ev.ToolCall)
			}
		case omentypes.EventUsageUpdate:
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
		case omentypes.EventEnd:
			resp.FinishReason = ev.FinishReason
		case omentypes.EventError:
			return nil, &omentypes.Error{Kind: ev.ErrorKind, Message: ev.ErrorMessage}
		}
	}
	resp.Content = string(content)
	resp.Tools = assembler.finalize()
	if len(resp.Tools) > 0 && resp.FinishReason == omentypes.FinishStop {
		resp.FinishReason = omentypes.FinishToolCalls
	}
	return resp, nil
}

// remainingAfter returns the candidates not yet marked used, preserving the
// router's original ranked order — race/speculate fall back to this list
// rather than re-scoring locally.
func remainingAfter(candidates []Candidate, used map[string]bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !used[c.ProviderID+"/"+c.ModelID] {
			out = append(out, c)
		}
	}
	return out
}
