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

// AnthropicProvider implements Provider for Anthropic's Messages API: system
// messages hoisted to a top-level field, a required max_tokens, and a
// named-event SSE stream (content_block_delta/message_delta/message_stop)
// rather than the OpenAI-style single-shape delta frame.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  []omentypes.ModelDescriptor
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client, models []omentypes.ModelDescriptor) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: client, models: models}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) Capabilities() omentypes.Capabilities {
	var c omentypes.Capabilities
	return c.With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapTools, omentypes.CapVision)
}

func (a *AnthropicProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return a.models, nil
}

func (a *AnthropicProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	// Anthropic has no cheap models-list endpoint with pricing; the cheapest
	// non-trivial call it allows is a 1-token completion against the
	// first configured model.
	if len(a.models) == 0 {
		return omentypes.HealthStatus{Healthy: false, Details: "no models configured"}, nil
	}
	start := nowMS()
	probeReq := &omentypes.ChatRequest{
		Model:     a.models[0].ModelID,
		Messages:  []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.NewTextContent("ping")}},
		MaxTokens: 1,
	}
	httpReq, _, err := a.buildRequest(ctx, probeReq, false)
	if err != nil {
		return omentypes.HealthStatus{}, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return omentypes.HealthStatus{Healthy: false, Details: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	latency := nowMS() - start
	healthy := resp.StatusCode == http.StatusOK
	details := ""
	if !healthy {
		details = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return omentypes.HealthStatus{Healthy: healthy, LastLatencyMS: latency, Details: details}, nil
}

// --- wire types -------------------------------------------------------

type anthropicContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
	StopSeq   []string           `json:"stop_sequences,omitempty"`
	Temp      *float64           `json:"temperature,omitempty"`
	TopP      *float64           `json:"top_p,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// anthropicEvent is the union of the named SSE event shapes Anthropic emits;
// only the fields relevant to the event's `Type` are populated.
type anthropicEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage   anthropicUsage `json:"usage"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const defaultAnthropicMaxTokens = 4096

// toAnthropicRequest hoists system messages into the top-level `system`
// field (Anthropic rejects a "system" role inside `messages`), converts
// OMEN tools to Anthropic's input_schema shape, and defaults max_tokens
// since Anthropic rejects requests without it.
func toAnthropicRequest(req *omentypes.ChatRequest, stream bool) *anthropicRequest {
	ar := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
		StopSeq:   req.Stop,
		Temp:      req.Temperature,
		TopP:      req.TopP,
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = defaultAnthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == omentypes.RoleSystem {
			system = append(system, m.Content.FlatText())
			continue
		}
		ar.Messages = append(ar.Messages, messageToAnthropic(m))
	}
	ar.System = strings.Join(system, "\n\n")
	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return ar
}

func messageToAnthropic(m omentypes.Message) anthropicMessage {
	role := string(m.Role)
	if m.Role == omentypes.RoleTool {
		role = "user" // tool_result blocks ride on a user-role message
	}
	am := anthropicMessage{Role: role}
	if m.Role == omentypes.RoleTool {
		am.Content = append(am.Content, anthropicContentBlock{Type: "tool_result", Text: m.Content.FlatText(), ID: m.ToolCallID})
		return am
	}
	if m.Content.HasParts() {
		for _, p := range m.Content.Parts {
			switch p.Type {
			case omentypes.ContentPartText:
				am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: p.Text})
			case omentypes.ContentPartImage:
				// Downgrade: Anthropic wants base64 image blocks, not a bare
				// URL reference, so a remote URL can't be forwarded as-is;
				// represent it as a text note rather than silently drop it.
				am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: fmt.Sprintf("[image: %s]", p.ImageURL.URL)})
			}
		}
	} else if text := m.Content.FlatText(); text != "" {
		am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		var input any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		am.Content = append(am.Content, anthropicContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return am
}

func (a *AnthropicProvider) buildRequest(ctx context.Context, req *omentypes.ChatRequest, stream bool) (*http.Request, []byte, error) {
	ar := toAnthropicRequest(req, stream)
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, body, nil
}

func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	httpReq, _, err := a.buildRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}
	var aresp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&aresp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var content strings.Builder
	var toolCalls []omentypes.ToolCall
	for _, block := range aresp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			argsJSON, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, omentypes.ToolCall{
				ID: block.ID, Type: "function",
				Function: omentypes.ToolCallFunction{Name: block.Name, Arguments: string(argsJSON)},
			})
		}
	}
	return &omentypes.ChatResponse{
		ID:           aresp.ID,
		Model:        aresp.Model,
		Content:      content.String(),
		Tools:        toolCalls,
		FinishReason: normalizeAnthropicStop(aresp.StopReason),
		Usage: omentypes.Usage{
			PromptTokens:     aresp.Usage.InputTokens,
			CompletionTokens: aresp.Usage.OutputTokens,
			TotalTokens:      aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	httpReq, _, err := a.buildRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpResp, err := a.client.Do(httpReq)
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

		var acc utf8Accumulator
		activeToolID := map[int]string{}
		firstDelta := true
		var usage omentypes.Usage
		var finishReason omentypes.FinishReason = omentypes.FinishStop

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var eventType string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
				continue
			case !strings.HasPrefix(line, "data: "):
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: fmt.Sprintf("decoding stream event: %v", err)})
				return
			}
			if ev.Type == "" {
				ev.Type = eventType
			}
			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					activeToolID[ev.Index] = ev.ContentBlock.ID
					if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}) {
						return
					}
				}
			case "content_block_delta":
				switch ev.Delta.Type {
				case "text_delta":
					text := acc.Feed([]byte(ev.Delta.Text))
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
				case "input_json_delta":
					id := activeToolID[ev.Index]
					if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{ID: id, ArgsDelta: ev.Delta.PartialJSON}}) {
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finishReason = normalizeAnthropicStop(ev.Delta.StopReason)
				}
				usage.CompletionTokens = ev.Usage.OutputTokens
			case "message_start":
				usage.PromptTokens = ev.Message.Usage.InputTokens
			case "error":
				send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: classifyAnthropicErrorType(ev.Error.Type), ErrorMessage: ev.Error.Message})
				return
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
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		if usage.TotalTokens == 0 {
			usage = estimatedUsage(req, "")
		}
		if !send(omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage}) {
			return
		}
		send(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finishReason})
	}()
	return ch, nil
}

func normalizeAnthropicStop(reason string) omentypes.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return omentypes.FinishStop
	case "max_tokens":
		return omentypes.FinishLength
	case "tool_use":
		return omentypes.FinishToolCalls
	default:
		return omentypes.FinishStop
	}
}

func classifyAnthropicErrorType(t string) omentypes.ErrorKind {
	switch t {
	case "overloaded_error", "api_error":
		return omentypes.ErrProviderTransient
	case "authentication_error", "permission_error":
		return omentypes.ErrProviderAuthn
	case "invalid_request_error":
		return omentypes.ErrBadRequest
	default:
		return omentypes.ErrProviderTransient
	}
}
