// Package omentypes holds the wire and internal data model shared by every
// component of the gateway: requests, messages, stream events, provider and
// model records, principals, usage counters, and the audit/stickiness
// records written by the routing and multiplexing layers.
//
// Nothing in this package talks to the network or to a store — it is pure
// data plus the (de)serialization logic the OpenAI-compatible wire format
// requires. Every other package imports this one; this package imports
// nothing of the gateway's own.
package omentypes

import "time"

// Strategy selects how the stream multiplexer fans a request out across
// candidate providers.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyRace          Strategy = "race"
	StrategySpeculateK    Strategy = "speculate_k"
	StrategyParallelMerge Strategy = "parallel_merge"
)

// Intent biases candidate scoring toward providers suited to a task shape.
type Intent string

const (
	IntentCode    Intent = "code"
	IntentTests   Intent = "tests"
	IntentRegex   Intent = "regex"
	IntentReason  Intent = "reason"
	IntentVision  Intent = "vision"
	IntentMath    Intent = "math"
	IntentAgent   Intent = "agent"
	IntentGeneral Intent = "general"
)

// Stickiness controls how long a winning provider binds subsequent turns.
type Stickiness string

const (
	StickinessNone    Stickiness = "none"
	StickinessTurn    Stickiness = "turn"
	StickinessSession Stickiness = "session"
)

// RoutingHint is the `omen` extension object clients may attach to a chat
// request. Every field is optional; zero values mean "use the configured
// default" (see internal/config for the default table).
type RoutingHint struct {
	Strategy        Strategy           `json:"strategy,omitempty"`
	K               int                `json:"k,omitempty"`
	Intent          Intent             `json:"intent,omitempty"`
	Providers       []string           `json:"providers,omitempty"`
	BudgetUSD       *float64           `json:"budget_usd,omitempty"`
	MaxLatencyMS    int                `json:"max_latency_ms,omitempty"`
	Stickiness      Stickiness         `json:"stickiness,omitempty"`
	PriorityWeights map[string]float64 `json:"priority_weights,omitempty"`
	MinUsefulTokens int                `json:"min_useful_tokens,omitempty"`

	// SessionID is not part of the OpenAI wire format but is how a client
	// correlates turns for stickiness; carried inside the `omen` extension
	// object in the request body as `omen.session_id`.
	SessionID string `json:"session_id,omitempty"`
}

// Tool is an OpenAI-shaped function tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the JSON-schema-described function a tool call invokes.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is a model-requested invocation of a tool, as it appears in a
// non-streaming assistant message.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the name and (possibly still-accumulating)
// JSON-encoded arguments of a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the internal, provider-agnostic representation of a chat
// completion request. The API surface decodes OpenAI-compatible JSON into
// this struct; every provider adapter translates it into its own wire
// shape.
type ChatRequest struct {
	Model            string       `json:"model"`
	Messages         []Message    `json:"messages"`
	Tools            []Tool       `json:"tools,omitempty"`
	ToolChoice       any          `json:"tool_choice,omitempty"`
	Stream           bool         `json:"stream,omitempty"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	Omen             *RoutingHint `json:"omen,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
}

// IsDeterministic reports whether this request is eligible for cache
// lookups under the cache's determinism policy (temperature == 0, no
// tools).
func (r *ChatRequest) IsDeterministic() bool {
	if len(r.Tools) > 0 {
		return false
	}
	return r.Temperature != nil && *r.Temperature == 0
}

// RequiresVision reports whether any message carries an image part, which
// narrows candidate selection to vision-capable providers.
func (r *ChatRequest) RequiresVision() bool {
	for _, m := range r.Messages {
		for _, p := range m.Content.Parts {
			if p.Type == ContentPartImage {
				return true
			}
		}
	}
	return false
}

// ChatResponse is the complete (non-streaming) response, in the shape the
// OpenAI-compatible JSON body is built from.
type ChatResponse struct {
	ID      string   // provider-assigned or gateway-synthesized response id
	Model   string   // provider-qualified model actually used, e.g. "ollama/qwen2.5-coder"
	Content string   // assistant text
	Tools   []ToolCall
	FinishReason FinishReason
	Usage   Usage
}

// FinishReason is the normalized completion reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// Usage holds token counts and (if priced) the computed USD cost of a
// request. Cost is zero for local/self-hosted providers.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"-"`

	// Estimated is true when token counts were derived from the character
	// heuristic rather than returned by the vendor.
	Estimated bool `json:"-"`
}

// Add accumulates usage from a partial (e.g. cancelled-loser) chunk.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// ModelDescriptor is a single catalog entry, unique by (ProviderID, ModelID).
type ModelDescriptor struct {
	ProviderID    string       `json:"provider_id"`
	ModelID       string       `json:"model_id"`
	ContextTokens int          `json:"context_tokens"`
	CostInPer1K   float64      `json:"cost_in_per_1k"`
	CostOutPer1K  float64      `json:"cost_out_per_1k"`
	Capabilities  Capabilities `json:"-"`
}

// QualifiedID returns the provider-prefixed model id used on the wire,
// e.g. "ollama/qwen2.5-coder".
func (m ModelDescriptor) QualifiedID() string {
	return m.ProviderID + "/" + m.ModelID
}

// HealthStatus is the cached outcome of a provider's last health probe.
type HealthStatus struct {
	Healthy       bool
	LastLatencyMS int64
	Details       string
	CheckedAt     time.Time
}

// Principal is the authenticated caller, resolved by an external
// authentication collaborator and consumed read-only by the request path.
type Principal struct {
	ID             string
	KeyFingerprint string
	ScopedProviders []string // empty = all providers allowed
	ScopedModels    []string // empty = all models allowed
	BudgetBucket   string
	RateBucket     string
}

// AllowsProvider reports whether this principal's scope permits a provider.
func (p *Principal) AllowsProvider(providerID string) bool {
	if len(p.ScopedProviders) == 0 {
		return true
	}
	for _, id := range p.ScopedProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// RoutingDecision is the append-only audit record written once per request.
type RoutingDecision struct {
	RequestID      string    `json:"request_id"`
	PrincipalID    string    `json:"principal_id"`
	Intent         Intent    `json:"intent"`
	Strategy       Strategy  `json:"strategy"`
	CandidateSet   []string  `json:"candidate_set"`
	WinnerProvider string    `json:"winner_provider"`
	WinnerModel    string    `json:"winner_model"`
	Losers         []string  `json:"losers"`
	ReasonCode     string    `json:"reason_code"`
	LatencyMS      int64     `json:"latency_ms"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	CreatedAt      time.Time `json:"created_at"`
}

// StickinessRecord binds a session to a previously chosen provider/model.
type StickinessRecord struct {
	SessionID string
	ProviderID string
	ModelID   string
	ExpiresAt time.Time
}
