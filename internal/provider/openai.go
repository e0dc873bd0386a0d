package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// OpenAIProvider implements Provider for OpenAI's native chat completions
// API. Because xAI's Grok and any self-hosted OpenAI-shaped endpoint speak
// the identical wire format, this adapter is also the engine behind
// NewXAIProvider (xai.go) — only Name() and the base URL differ.
type OpenAIProvider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	models  []omentypes.ModelDescriptor
}

// NewOpenAIProvider creates an OpenAIProvider. models is the static
// catalog from config (OpenAI has no cheap "list models with pricing"
// endpoint, so cost/context figures come from the operator's config).
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client, models []omentypes.ModelDescriptor) *OpenAIProvider {
	return &OpenAIProvider{name: "openai", apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: client, models: models}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Capabilities() omentypes.Capabilities {
	var c omentypes.Capabilities
	return c.With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapTools, omentypes.CapVision, omentypes.CapEmbeddings)
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return p.models, nil
}

func (p *OpenAIProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	return probeViaModelsList(ctx, p.client, p.baseURL+"/models", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
	})
}

type openAIEmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage openAIUsage `json:"usage"`
}

// Embeddings implements provider.Embedder. OpenAI, and any OpenAI-shaped
// endpoint reusing this adapter (xAI, local OpenAI-compatible servers),
// exposes embeddings at the sibling /embeddings path. Azure has its own
// adapter, which does not implement Embedder.
func (p *OpenAIProvider) Embeddings(ctx context.Context, input []string, model string) (*EmbeddingResponse, error) {
	body, err := json.Marshal(openAIEmbeddingsRequest{Model: model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshaling embeddings request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embeddings request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}

	var oresp openAIEmbeddingsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	vectors := make([][]float64, len(oresp.Data))
	for i, d := range oresp.Data {
		vectors[i] = d.Embedding
	}
	return &EmbeddingResponse{
		Model:   model,
		Vectors: vectors,
		Usage: omentypes.Usage{
			PromptTokens: oresp.Usage.PromptTokens,
			TotalTokens:  oresp.Usage.TotalTokens,
		},
	}, nil
}

// --- wire types -------------------------------------------------------

type openAIMessage struct {
	Role       string               `json:"role"`
	Content    json.RawMessage      `json:"content,omitempty"`
	ToolCalls  []openAIToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Tools            []omentypes.Tool `json:"tools,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

// openAIStreamChunk mirrors the response shape but with `delta` instead of
// `message` in each choice.
type openAIStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role      string           `json:"role,omitempty"`
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func toOpenAIRequest(req *omentypes.ChatRequest, stream bool) (*openAIRequest, error) {
	or := &openAIRequest{
		Model:            req.Model,
		Tools:            req.Tools,
		Stream:           stream,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	for _, m := range req.Messages {
		raw, err := json.Marshal(m.Content)
		if err != nil {
			return nil, fmt.Errorf("marshaling message content: %w", err)
		}
		wireMsg := openAIMessage{
			Role:       string(m.Role),
			Content:    raw,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := openAIToolCall{ID: tc.ID, Type: tc.Type}
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = tc.Function.Arguments
			wireMsg.ToolCalls = append(wireMsg.ToolCalls, wtc)
		}
		or.Messages = append(or.Messages, wireMsg)
	}
	return or, nil
}

func (p *OpenAIProvider) endpoint() string { return p.baseURL + "/chat/completions" }

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return httpReq, nil
}

func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	oreq, err := toOpenAIRequest(req, false)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}

	var oresp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oresp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(oresp.Choices) == 0 {
		return nil, omentypes.NewError(omentypes.ErrProviderTransient, "openai returned no choices")
	}
	choice := oresp.Choices[0]

	var content string
	_ = json.Unmarshal(choice.Message.Content, &content)

	var toolCalls []omentypes.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, omentypes.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: omentypes.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	resp := &omentypes.ChatResponse{
		ID:           oresp.ID,
		Model:        oresp.Model,
		Content:      content,
		Tools:        toolCalls,
		FinishReason: normalizeFinishReason(choice.FinishReason),
	}
	if oresp.Usage != nil {
		resp.Usage = omentypes.Usage{
			PromptTokens:     oresp.Usage.PromptTokens,
			CompletionTokens: oresp.Usage.CompletionTokens,
			TotalTokens:      oresp.Usage.TotalTokens,
		}
	} else {
		resp.Usage = estimatedUsage(req, content)
	}
	return resp, nil
}

func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	oreq, err := toOpenAIRequest(req, true)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}

	ch := make(chan omentypes.StreamEvent)
	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		send := func(ev omentypes.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		assembler := newToolCallAssembler()
		toolIDByIndex := map[int]string{}
		firstDelta := true
		var acc utf8Accumulator
		var lastUsage *omentypes.Usage
		var finishReason omentypes.FinishReason = omentypes.FinishStop

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: fmt.Sprintf("decoding stream chunk: %v", err)})
				return
			}
			if chunk.Usage != nil {
				lastUsage = &omentypes.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				text := acc.Feed([]byte(choice.Delta.Content))
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
			for _, tc := range choice.Delta.ToolCalls {
				id := tc.ID
				if id == "" {
					id = toolIDByIndex[tc.Index]
				} else {
					toolIDByIndex[tc.Index] = id
				}
				assembler.Add(id, tc.Function.Name, tc.Function.Arguments)
				if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{
					ID: id, Name: tc.Function.Name, ArgsDelta: tc.Function.Arguments,
				}}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finishReason = normalizeFinishReason(choice.FinishReason)
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
		if lastUsage == nil {
			u := estimatedUsage(req, "")
			lastUsage = &u
		}
		if !send(omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: lastUsage}) {
			return
		}
		send(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finishReason})
	}()
	return ch, nil
}

func normalizeFinishReason(reason string) omentypes.FinishReason {
	switch reason {
	case "stop", "end_turn", "STOP":
		return omentypes.FinishStop
	case "length", "max_tokens", "MAX_TOKENS":
		return omentypes.FinishLength
	case "tool_calls", "function_call", "tool_use":
		return omentypes.FinishToolCalls
	case "content_filter", "SAFETY":
		return omentypes.FinishContentFilter
	case "":
		return omentypes.FinishStop
	default:
		return omentypes.FinishStop
	}
}

func estimatedUsage(req *omentypes.ChatRequest, completion string) omentypes.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += estimateTokens(m.Content.FlatText())
	}
	done := estimateTokens(completion)
	return omentypes.Usage{
		PromptTokens:     prompt,
		CompletionTokens: done,
		TotalTokens:      prompt + done,
		Estimated:        true,
	}
}

// probeViaModelsList is shared by every OpenAI-shaped adapter (OpenAI, xAI,
// Azure): the cheapest non-trivial call most of these vendors allow is
// listing models.
func probeViaModelsList(ctx context.Context, client *http.Client, url string, decorate func(*http.Request)) (omentypes.HealthStatus, error) {
	start := nowMS()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return omentypes.HealthStatus{}, err
	}
	decorate(req)
	resp, err := client.Do(req)
	if err != nil {
		return omentypes.HealthStatus{Healthy: false, Details: err.Error()}, nil
	}
	defer resp.Body.Close()
	latency := nowMS() - start
	healthy := resp.StatusCode == http.StatusOK
	details := ""
	if !healthy {
		details = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return omentypes.HealthStatus{Healthy: healthy, LastLatencyMS: latency, Details: details}, nil
}
