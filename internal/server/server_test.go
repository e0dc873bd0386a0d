package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
)

// fakeProvider is a minimal provider.Provider stand-in used across this
// package's tests: it answers every chat request with a fixed reply,
// fixed catalog, and a healthy probe, without making any network call.
type fakeProvider struct {
	name   string
	models []omentypes.ModelDescriptor
	reply  string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Capabilities() omentypes.Capabilities {
	return omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming)
}

func (p *fakeProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return p.models, nil
}

func (p *fakeProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	return omentypes.HealthStatus{Healthy: true, LastLatencyMS: 5}, nil
}

func (p *fakeProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	return &omentypes.ChatResponse{
		Model:        p.name + "/" + req.Model,
		Content:      p.reply,
		FinishReason: omentypes.FinishStop,
		Usage:        omentypes.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}, nil
}

func (p *fakeProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	ch := make(chan omentypes.StreamEvent, 4)
	ch <- omentypes.StreamEvent{Kind: omentypes.EventDelta, Role: omentypes.RoleAssistant, Text: p.reply}
	ch <- omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &omentypes.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}}
	ch <- omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop}
	close(ch)
	return ch, nil
}

// testServer wires a Server with one registered fakeProvider and a single
// static principal authorized by the bearer token "test-token".
func testServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	err := reg.Register(context.Background(), "fake", &fakeProvider{
		name: "fake",
		models: []omentypes.ModelDescriptor{
			{ProviderID: "fake", ModelID: "fake-model", ContextTokens: 8000,
				Capabilities: omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming)},
		},
		reply: "hello from fake",
	})
	require.NoError(t, err)

	scorer := router.NewScorer(router.DefaultWeights(), router.DefaultIntentBias())
	rt := router.New(reg, scorer)

	principal := &omentypes.Principal{ID: "p1"}
	auth := NewStaticKeyAuthenticator(map[string]*omentypes.Principal{"test-token": principal})

	return New(Deps{
		Registry: reg,
		Router:   rt,
		Auth:     auth,
	})
}

func doRequest(t *testing.T, s *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatCompletionsNonStreaming(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions", "test-token",
		`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)

	var body chatResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "chat.completion", body.Object)
	assert.Equal(t, "hello from fake", body.Choices[0].Message.Content)
	assert.Equal(t, 8, body.Usage.TotalTokens)
	assert.Equal(t, body.Usage.PromptTokens+body.Usage.CompletionTokens, body.Usage.TotalTokens)
}

func TestHandleChatCompletionsRequiresAuth(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions", "",
		`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatCompletionsRejectsEmptyMessages(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions", "test-token",
		`{"model":"auto","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleModels(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/models", "test-token", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].([]any)
	require.Len(t, data, 1)
	entry := data[0].(map[string]any)
	assert.Equal(t, "fake/fake-model", entry["id"])
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "fake", body.Providers[0].ID)
}

func TestHandleReady(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleChatCompletionsStreaming(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions", "test-token",
		`{"model":"auto","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "hello from fake")
	assert.Contains(t, body, "data: [DONE]")
	// The chunk model field must be the provider-qualified model actually
	// used, never the raw "auto" selector.
	assert.Contains(t, body, `"model":"fake/fake-model"`)
	assert.NotContains(t, body, `"model":"auto"`)
}
