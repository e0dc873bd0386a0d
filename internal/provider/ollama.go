package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// EndpointPolicy selects which healthy Ollama endpoint serves the next
// request.
type EndpointPolicy string

const (
	PolicyLeastLoaded EndpointPolicy = "least_loaded"
	PolicyRoundRobin  EndpointPolicy = "round_robin"
	PolicyRandom      EndpointPolicy = "random"
)

// ollamaEndpoint tracks per-endpoint health and latency independently of
// the registry's provider-level health, so one dead endpoint in the pool
// does not take the whole provider out.
type ollamaEndpoint struct {
	baseURL      string
	mu           sync.Mutex
	healthy      bool
	latencyEWMA  float64
	inFlight     int
	consecErrors int
}

// OllamaProvider implements Provider for a pool of Ollama instances. Each
// endpoint has independent health/latency; the adapter picks among
// currently-healthy endpoints under the configured policy, so a single
// Ollama adapter can represent a fleet of local/self-hosted runners.
type OllamaProvider struct {
	endpoints []*ollamaEndpoint
	policy    EndpointPolicy
	client    *http.Client
	models    []omentypes.ModelDescriptor

	mu   sync.Mutex
	next int // round-robin cursor
}

// NewOllamaProvider builds an OllamaProvider over the given endpoint base
// URLs (e.g. "http://localhost:11434"). All endpoints start healthy.
func NewOllamaProvider(endpointURLs []string, policy EndpointPolicy, client *http.Client, models []omentypes.ModelDescriptor) *OllamaProvider {
	eps := make([]*ollamaEndpoint, 0, len(endpointURLs))
	for _, u := range endpointURLs {
		eps = append(eps, &ollamaEndpoint{baseURL: strings.TrimRight(u, "/"), healthy: true})
	}
	if policy == "" {
		policy = PolicyLeastLoaded
	}
	return &OllamaProvider{endpoints: eps, policy: policy, client: client, models: models}
}

func (o *OllamaProvider) Name() string { return "ollama" }

func (o *OllamaProvider) Capabilities() omentypes.Capabilities {
	var c omentypes.Capabilities
	return c.With(omentypes.CapChat, omentypes.CapStreaming)
}

func (o *OllamaProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return o.models, nil
}

// HealthProbe checks every endpoint concurrently and reports the pool
// healthy if at least one endpoint answers; per-endpoint state is tracked
// independently and consulted by pick() on every request.
func (o *OllamaProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	var wg sync.WaitGroup
	results := make([]bool, len(o.endpoints))
	latencies := make([]int64, len(o.endpoints))
	for i, ep := range o.endpoints {
		wg.Add(1)
		go func(i int, ep *ollamaEndpoint) {
			defer wg.Done()
			start := nowMS()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.baseURL+"/api/tags", nil)
			if err != nil {
				return
			}
			resp, err := o.client.Do(req)
			latency := nowMS() - start
			latencies[i] = latency
			healthy := err == nil && resp != nil && resp.StatusCode == http.StatusOK
			if resp != nil {
				resp.Body.Close()
			}
			results[i] = healthy
			ep.recordProbe(healthy, latency)
		}(i, ep)
	}
	wg.Wait()

	anyHealthy := false
	var totalLatency int64
	for i, ok := range results {
		if ok {
			anyHealthy = true
			totalLatency += latencies[i]
		}
	}
	avg := int64(0)
	if anyHealthy {
		avg = totalLatency / int64(countTrue(results))
	}
	details := ""
	if !anyHealthy {
		details = "no endpoints reachable"
	}
	return omentypes.HealthStatus{Healthy: anyHealthy, LastLatencyMS: avg, Details: details}, nil
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func (ep *ollamaEndpoint) recordProbe(healthy bool, latencyMS int64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.healthy = healthy
	if healthy {
		ep.consecErrors = 0
		if ep.latencyEWMA == 0 {
			ep.latencyEWMA = float64(latencyMS)
		} else {
			ep.latencyEWMA = ep.latencyEWMA*0.8 + float64(latencyMS)*0.2
		}
	} else {
		ep.consecErrors++
	}
}

// pick selects a healthy endpoint under the configured policy. Returns nil
// if every endpoint is currently marked unhealthy.
func (o *OllamaProvider) pick() *ollamaEndpoint {
	var healthy []*ollamaEndpoint
	for _, ep := range o.endpoints {
		ep.mu.Lock()
		h := ep.healthy
		ep.mu.Unlock()
		if h {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil
	}
	switch o.policy {
	case PolicyRandom:
		return healthy[rand.Intn(len(healthy))]
	case PolicyRoundRobin:
		o.mu.Lock()
		idx := o.next % len(healthy)
		o.next++
		o.mu.Unlock()
		return healthy[idx]
	default: // PolicyLeastLoaded
		best := healthy[0]
		best.mu.Lock()
		bestLoad := best.inFlight
		best.mu.Unlock()
		for _, ep := range healthy[1:] {
			ep.mu.Lock()
			load := ep.inFlight
			ep.mu.Unlock()
			if load < bestLoad {
				best, bestLoad = ep, load
			}
		}
		return best
	}
}

// --- wire types: Ollama's /api/chat is JSONL, one JSON object per line ---

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model     string            `json:"model"`
	Message   ollamaChatMessage `json:"message"`
	Done      bool              `json:"done"`
	DoneReason string           `json:"done_reason,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

func toOllamaRequest(req *omentypes.ChatRequest, stream bool) *ollamaChatRequest {
	or := &ollamaChatRequest{Model: req.Model, Stream: stream}
	for _, m := range req.Messages {
		or.Messages = append(or.Messages, ollamaChatMessage{Role: string(m.Role), Content: m.Content.FlatText()})
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		opts["stop"] = req.Stop
	}
	if len(opts) > 0 {
		or.Options = opts
	}
	return or
}

func (o *OllamaProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	ep := o.pick()
	if ep == nil {
		return nil, omentypes.NewError(omentypes.ErrProviderUnavailable, "no healthy ollama endpoints")
	}
	ep.mu.Lock()
	ep.inFlight++
	ep.mu.Unlock()
	defer func() {
		ep.mu.Lock()
		ep.inFlight--
		ep.mu.Unlock()
	}()

	oreq := toOllamaRequest(req, false)
	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		ep.recordProbe(false, 0)
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}
	var oresp ollamaChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	resp := &omentypes.ChatResponse{
		Model:        "ollama/" + oresp.Model,
		Content:      oresp.Message.Content,
		FinishReason: omentypes.FinishStop,
	}
	if oresp.PromptEvalCount > 0 || oresp.EvalCount > 0 {
		resp.Usage = omentypes.Usage{
			PromptTokens:     oresp.PromptEvalCount,
			CompletionTokens: oresp.EvalCount,
			TotalTokens:      oresp.PromptEvalCount + oresp.EvalCount,
		}
	} else {
		// Some Ollama models don't report eval counts at all; fall back to
		// the character-count heuristic in estimateTokens.
		resp.Usage = estimatedUsage(req, resp.Content)
	}
	return resp, nil
}

func (o *OllamaProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	ep := o.pick()
	if ep == nil {
		return nil, omentypes.NewError(omentypes.ErrProviderUnavailable, "no healthy ollama endpoints")
	}
	ep.mu.Lock()
	ep.inFlight++
	ep.mu.Unlock()

	oreq := toOllamaRequest(req, true)
	body, err := json.Marshal(oreq)
	if err != nil {
		ep.mu.Lock()
		ep.inFlight--
		ep.mu.Unlock()
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		ep.mu.Lock()
		ep.inFlight--
		ep.mu.Unlock()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		ep.mu.Lock()
		ep.inFlight--
		ep.mu.Unlock()
		ep.recordProbe(false, 0)
		return nil, classifyNetErr(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		ep.mu.Lock()
		ep.inFlight--
		ep.mu.Unlock()
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}

	ch := make(chan omentypes.StreamEvent)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()
		defer func() {
			ep.mu.Lock()
			ep.inFlight--
			ep.mu.Unlock()
		}()

		send := func(ev omentypes.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var acc utf8Accumulator
		firstDelta := true
		var usage *omentypes.Usage

		// Ollama's /api/chat streams newline-delimited JSON objects, not
		// `data: ` SSE frames — the same bufio.Scanner line-reading idiom
		// as the SSE adapters, minus the prefix strip.
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: fmt.Sprintf("decoding jsonl chunk: %v", err)})
				return
			}
			if chunk.Message.Content != "" {
				text := acc.Feed([]byte(chunk.Message.Content))
				if text != "" {
					role := omentypes.Role("")
					if firstDelta {
						role = omentypes.RoleAssistant
						firstDelta = false
					}
					if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, Role: role, Text: text}) {
						return
					}
				}
			}
			if chunk.Done {
				if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
					usage = &omentypes.Usage{
						PromptTokens:     chunk.PromptEvalCount,
						CompletionTokens: chunk.EvalCount,
						TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
					}
				}
				ep.recordProbe(true, time.Since(start).Milliseconds())
				break
			}
		}
		if err := scanner.Err(); err != nil {
			send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: fmt.Sprintf("reading stream: %v", err), Retriable: true})
			return
		}
		if rest := acc.Flush(); rest != "" {
			if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: rest}) {
				return
			}
		}
		if usage == nil {
			u := estimatedUsage(req, "")
			usage = &u
		}
		if !send(omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: usage}) {
			return
		}
		send(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop})
	}()
	return ch, nil
}
