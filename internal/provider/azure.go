package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// AzureProvider implements Provider for Azure OpenAI. It speaks the same
// wire shape as OpenAIProvider (same request/response structs, reused
// directly from openai.go) but the endpoint is per-deployment and
// authentication rides on an `api-key` header instead of `Authorization:
// Bearer`.
//
// The endpoint must be validated as absolute (scheme + host present),
// non-empty, and trimmed of trailing slashes before any deployment URL is
// built from it — a recurring source of misconfiguration. NewAzureProvider
// refuses to construct an adapter with a malformed endpoint rather than
// failing lazily on the first request.
type AzureProvider struct {
	apiKey      string
	endpoint    string // validated, trailing-slash-trimmed
	apiVersion  string
	deployments map[string]string // model id -> Azure deployment name
	client      *http.Client
	models      []omentypes.ModelDescriptor
}

// NewAzureProvider validates endpoint and builds an AzureProvider.
func NewAzureProvider(apiKey, endpoint, apiVersion string, deployments map[string]string, client *http.Client, models []omentypes.ModelDescriptor) (*AzureProvider, error) {
	if err := validateAzureEndpoint(endpoint); err != nil {
		return nil, err
	}
	if apiVersion == "" {
		apiVersion = "2024-06-01"
	}
	return &AzureProvider{
		apiKey:      apiKey,
		endpoint:    strings.TrimRight(endpoint, "/"),
		apiVersion:  apiVersion,
		deployments: deployments,
		client:      client,
		models:      models,
	}, nil
}

// validateAzureEndpoint enforces Azure's well-known misconfiguration
// guard: the endpoint must be an absolute URL (scheme and host both
// present) and must not be empty.
func validateAzureEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("azure endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("azure endpoint %q is not a valid URL: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("azure endpoint %q must be absolute (scheme and host required)", endpoint)
	}
	return nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Capabilities() omentypes.Capabilities {
	var c omentypes.Capabilities
	return c.With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapTools, omentypes.CapVision)
}

func (p *AzureProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return p.models, nil
}

func (p *AzureProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	if len(p.models) == 0 {
		return omentypes.HealthStatus{Healthy: false, Details: "no models configured"}, nil
	}
	url := fmt.Sprintf("%s/openai/deployments?api-version=%s", p.endpoint, p.apiVersion)
	return probeViaModelsList(ctx, p.client, url, func(r *http.Request) {
		r.Header.Set("api-key", p.apiKey)
	})
}

func (p *AzureProvider) deploymentFor(model string) string {
	if d, ok := p.deployments[model]; ok {
		return d
	}
	return model
}

func (p *AzureProvider) chatURL(model string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", p.endpoint, p.deploymentFor(model), p.apiVersion)
}

func (p *AzureProvider) newHTTPRequest(ctx context.Context, model string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL(model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)
	return httpReq, nil
}

// ChatCompletion reuses the OpenAI wire structs (toOpenAIRequest,
// openAIResponse) from openai.go — Azure OpenAI's body shape is identical
// to OpenAI's, only the URL and auth header differ.
func (p *AzureProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	oreq, err := toOpenAIRequest(req, false)
	if err != nil {
		return nil, err
	}
	// Azure's deployment URL already encodes the model; the body's "model"
	// field is ignored by the service but harmless to include.
	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, req.Model, body)
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
		return nil, omentypes.NewError(omentypes.ErrProviderTransient, "azure returned no choices")
	}
	choice := oresp.Choices[0]
	var content string
	_ = json.Unmarshal(choice.Message.Content, &content)

	var toolCalls []omentypes.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, omentypes.ToolCall{
			ID: tc.ID, Type: tc.Type,
			Function: omentypes.ToolCallFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	resp := &omentypes.ChatResponse{
		ID:           oresp.ID,
		Model:        "azure/" + req.Model,
		Content:      content,
		Tools:        toolCalls,
		FinishReason: normalizeFinishReason(choice.FinishReason),
	}
	if oresp.Usage != nil {
		resp.Usage = omentypes.Usage{PromptTokens: oresp.Usage.PromptTokens, CompletionTokens: oresp.Usage.CompletionTokens, TotalTokens: oresp.Usage.TotalTokens}
	} else {
		resp.Usage = estimatedUsage(req, content)
	}
	return resp, nil
}

func (p *AzureProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	oreq, err := toOpenAIRequest(req, true)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := p.newHTTPRequest(ctx, req.Model, body)
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
				lastUsage = &omentypes.Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens}
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
				if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{ID: id, Name: tc.Function.Name, ArgsDelta: tc.Function.Arguments}}) {
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
