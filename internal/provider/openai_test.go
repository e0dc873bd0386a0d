package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func sampleChatRequest() *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Model:    "gpt-4o",
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.NewTextContent("say hi")}},
	}
}

func TestOpenAIProvider_ChatCompletion_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization header = %q, want Bearer test-key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-abc123",
			"model": "gpt-4o",
			"choices": [{"message": {"role":"assistant","content":"Hello!"}, "finish_reason":"stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer ts.Close()

	p := NewOpenAIProvider("test-key", ts.URL, ts.Client(), nil)
	resp, err := p.ChatCompletion(context.Background(), sampleChatRequest())
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("content = %q, want %q", resp.Content, "Hello!")
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("total tokens = %d, want 7", resp.Usage.TotalTokens)
	}
	if resp.FinishReason != omentypes.FinishStop {
		t.Errorf("finish reason = %q, want stop", resp.FinishReason)
	}
}

func TestOpenAIProvider_ChatCompletion_RateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer ts.Close()

	p := NewOpenAIProvider("test-key", ts.URL, ts.Client(), nil)
	_, err := p.ChatCompletion(context.Background(), sampleChatRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	oerr, ok := err.(*omentypes.Error)
	if !ok {
		t.Fatalf("expected *omentypes.Error, got %T", err)
	}
	if oerr.Kind != omentypes.ErrProviderTransient {
		t.Errorf("kind = %q, want provider_transient", oerr.Kind)
	}
	if !oerr.Kind.Retriable() {
		t.Error("rate-limited responses should be retriable")
	}
}

func TestOpenAIProvider_ChatCompletion_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer ts.Close()

	p := NewOpenAIProvider("bad-key", ts.URL, ts.Client(), nil)
	_, err := p.ChatCompletion(context.Background(), sampleChatRequest())
	oerr, ok := err.(*omentypes.Error)
	if !ok {
		t.Fatalf("expected *omentypes.Error, got %T", err)
	}
	if oerr.Kind != omentypes.ErrProviderAuthn {
		t.Errorf("kind = %q, want provider_authn", oerr.Kind)
	}
}

func TestOpenAIProvider_ChatCompletionStream_AssemblesDeltas(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		frames := []string{
			`{"model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"model":"gpt-4o","choices":[{"delta":{"content":"lo!"}}]}`,
			`{"model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte("data: " + f + "\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer ts.Close()

	p := NewOpenAIProvider("test-key", ts.URL, ts.Client(), nil)
	req := sampleChatRequest()
	req.Stream = true
	ch, err := p.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var text strings.Builder
	var sawUsage, sawEnd bool
	for ev := range ch {
		switch ev.Kind {
		case omentypes.EventDelta:
			text.WriteString(ev.Text)
		case omentypes.EventUsageUpdate:
			sawUsage = true
			if ev.Usage.TotalTokens != 5 {
				t.Errorf("usage total = %d, want 5", ev.Usage.TotalTokens)
			}
		case omentypes.EventEnd:
			sawEnd = true
			if ev.FinishReason != omentypes.FinishStop {
				t.Errorf("finish reason = %q, want stop", ev.FinishReason)
			}
		case omentypes.EventError:
			t.Fatalf("unexpected error event: %s", ev.ErrorMessage)
		}
	}
	if text.String() != "Hello!" {
		t.Errorf("assembled delta text = %q, want %q", text.String(), "Hello!")
	}
	if !sawUsage {
		t.Error("expected a usage_update event")
	}
	if !sawEnd {
		t.Error("expected an end event")
	}
}
