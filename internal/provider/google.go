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

// GoogleProvider implements Provider for Google's Gemini generateContent
// API: system messages hoisted into systemInstruction, "assistant" remapped
// to "model", and an SSE stream enabled via the alt=sse query parameter.
type GoogleProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  []omentypes.ModelDescriptor
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client, models []omentypes.ModelDescriptor) *GoogleProvider {
	return &GoogleProvider{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), client: client, models: models}
}

func (g *GoogleProvider) Name() string { return "google" }

func (g *GoogleProvider) Capabilities() omentypes.Capabilities {
	var c omentypes.Capabilities
	return c.With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapTools, omentypes.CapVision, omentypes.CapEmbeddings)
}

func (g *GoogleProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return g.models, nil
}

func (g *GoogleProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	url := fmt.Sprintf("%s/models?key=%s", g.baseURL, g.apiKey)
	return probeViaModelsList(ctx, g.client, url, func(*http.Request) {})
}

// --- wire types -------------------------------------------------------

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *geminiInlineData `json:"inlineData,omitempty"`
	FunctionCall     *geminiFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp   `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

type geminiFuncResp struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

// toGeminiRequest hoists system messages into systemInstruction, remaps
// "assistant" to "model" (Gemini's role vocabulary), and translates tool
// schemas into functionDeclarations.
func toGeminiRequest(req *omentypes.ChatRequest) *geminiRequest {
	gr := &geminiRequest{}
	for _, msg := range req.Messages {
		if msg.Role == omentypes.RoleSystem {
			part := geminiPart{Text: msg.Content.FlatText()}
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: []geminiPart{part}}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, part)
			}
			continue
		}
		gr.Contents = append(gr.Contents, messageToGemini(msg))
	}
	if len(req.Tools) > 0 {
		var decls []geminiFunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
		}
		gr.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}
	return gr
}

func messageToGemini(msg omentypes.Message) geminiContent {
	role := string(msg.Role)
	if role == "assistant" {
		role = "model"
	}
	if msg.Role == omentypes.RoleTool {
		return geminiContent{Role: "function", Parts: []geminiPart{{
			FunctionResponse: &geminiFuncResp{Name: msg.Name, Response: map[string]string{"result": msg.Content.FlatText()}},
		}}}
	}
	gc := geminiContent{Role: role}
	if msg.Content.HasParts() {
		for _, p := range msg.Content.Parts {
			switch p.Type {
			case omentypes.ContentPartText:
				gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
			case omentypes.ContentPartImage:
				// Gemini wants inline base64 data, not a bare URL; a remote
				// reference downgrades to a text note describing the part.
				gc.Parts = append(gc.Parts, geminiPart{Text: fmt.Sprintf("[image: %s]", p.ImageURL.URL)})
			}
		}
	} else {
		gc.Parts = append(gc.Parts, geminiPart{Text: msg.Content.FlatText()})
	}
	for _, tc := range msg.ToolCalls {
		var args any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFuncCall{Name: tc.Function.Name, Args: args}})
	}
	return gc
}

func (g *GoogleProvider) endpoint(model string, stream bool) string {
	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", g.baseURL, model, verb, g.apiKey)
	if stream {
		url += "&alt=sse"
	}
	return url
}

func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	gr := toGeminiRequest(req)
	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(req.Model, false), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return nil, classifyStatus(httpResp.StatusCode, string(b))
	}
	var gresp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gresp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(gresp.Candidates) == 0 {
		return nil, omentypes.NewError(omentypes.ErrProviderTransient, "gemini returned no candidates")
	}
	candidate := gresp.Candidates[0]

	var content strings.Builder
	var toolCalls []omentypes.ToolCall
	for _, p := range candidate.Content.Parts {
		if p.Text != "" {
			content.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			argsJSON, _ := json.Marshal(p.FunctionCall.Args)
			toolCalls = append(toolCalls, omentypes.ToolCall{
				Type:     "function",
				Function: omentypes.ToolCallFunction{Name: p.FunctionCall.Name, Arguments: string(argsJSON)},
			})
		}
	}

	resp := &omentypes.ChatResponse{
		Model:        req.Model,
		Content:      content.String(),
		Tools:        toolCalls,
		FinishReason: normalizeFinishReason(candidate.FinishReason),
	}
	if gresp.UsageMetadata != nil {
		resp.Usage = omentypes.Usage{
			PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
			CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
		}
	} else {
		resp.Usage = estimatedUsage(req, resp.Content)
	}
	return resp, nil
}

func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	gr := toGeminiRequest(req)
	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(req.Model, true), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
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
		firstDelta := true
		var usage *omentypes.Usage
		var finishReason omentypes.FinishReason = omentypes.FinishStop
		toolSeq := 0

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var gresp geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &gresp); err != nil {
				send(omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: fmt.Sprintf("decoding stream event: %v", err)})
				return
			}
			if gresp.UsageMetadata != nil {
				usage = &omentypes.Usage{
					PromptTokens:     gresp.UsageMetadata.PromptTokenCount,
					CompletionTokens: gresp.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gresp.UsageMetadata.TotalTokenCount,
				}
			}
			if len(gresp.Candidates) == 0 {
				continue
			}
			candidate := gresp.Candidates[0]
			for _, p := range candidate.Content.Parts {
				if p.Text != "" {
					text := acc.Feed([]byte(p.Text))
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
				if p.FunctionCall != nil {
					// Gemini delivers function calls whole, never fragmented;
					// synthesize a single id since the API doesn't assign one.
					toolSeq++
					argsJSON, _ := json.Marshal(p.FunctionCall.Args)
					id := fmt.Sprintf("gemini-call-%d", toolSeq)
					if !send(omentypes.StreamEvent{Kind: omentypes.EventToolCall, ToolCall: &omentypes.ToolCall{
						ID: id, Type: "function",
						Function: omentypes.ToolCallFunction{Name: p.FunctionCall.Name, Arguments: string(argsJSON)},
					}}) {
						return
					}
				}
			}
			if candidate.FinishReason != "" {
				finishReason = normalizeFinishReason(candidate.FinishReason)
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
		send(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finishReason})
	}()
	return ch, nil
}
