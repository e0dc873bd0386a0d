package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func sendEvents(events ...omentypes.StreamEvent) <-chan omentypes.StreamEvent {
	ch := make(chan omentypes.StreamEvent)
	go func() {
		defer close(ch)
		for _, e := range events {
			ch <- e
		}
	}()
	return ch
}

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

func TestWrite_MultipleChunks(t *testing.T) {
	ch := sendEvents(
		omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: "Hello"},
		omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: " world"},
		omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &omentypes.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
		omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop},
	)

	w := httptest.NewRecorder()
	err := Write(w, "resp-1", "ollama/qwen2.5-coder", 1000, ch)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}

	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first chunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello" {
		t.Errorf("event 0 content = %q, want %q", first.Choices[0].Delta.Content, "Hello")
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("event 0 role = %q, want %q", first.Choices[0].Delta.Role, "assistant")
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("event 0 finish_reason = %v, want nil", *first.Choices[0].FinishReason)
	}

	var second chunk
	if err := json.Unmarshal([]byte(events[1]), &second); err != nil {
		t.Fatalf("failed to parse event 1: %v", err)
	}
	if second.Choices[0].Delta.Content != " world" {
		t.Errorf("event 1 content = %q, want %q", second.Choices[0].Delta.Content, " world")
	}
	if second.Choices[0].Delta.Role != "" {
		t.Errorf("event 1 role should be omitted on later deltas, got %q", second.Choices[0].Delta.Role)
	}

	var third chunk
	if err := json.Unmarshal([]byte(events[2]), &third); err != nil {
		t.Fatalf("failed to parse event 2: %v", err)
	}
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "stop" {
		t.Error("event 2 should have finish_reason=stop")
	}
	if third.Choices[0].Delta.Content != "" {
		t.Errorf("event 2 delta should be empty, got %q", third.Choices[0].Delta.Content)
	}
	if third.Usage == nil {
		t.Fatal("event 2 should have usage")
	}
	if third.Usage.TotalTokens != 7 {
		t.Errorf("usage total_tokens = %d, want 7", third.Usage.TotalTokens)
	}
	if third.Model != "ollama/qwen2.5-coder" {
		t.Errorf("model = %q, want %q", third.Model, "ollama/qwen2.5-coder")
	}
}

func TestWrite_ToolCallFragments(t *testing.T) {
	ch := sendEvents(
		omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{ID: "call_1", Name: "get_weather", ArgsDelta: `{"city":`}},
		omentypes.StreamEvent{Kind: omentypes.EventDelta, ToolCallFragment: &omentypes.ToolCallFragment{ID: "call_1", ArgsDelta: `"sf"}`}},
		omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishToolCalls},
	)

	w := httptest.NewRecorder()
	if err := Write(w, "resp-2", "openai/gpt-4o", 1000, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first chunk
	require(t, json.Unmarshal([]byte(events[0]), &first))
	if len(first.Choices[0].Delta.ToolCalls) != 1 {
		t.Fatalf("expected one tool call fragment")
	}
	tc := first.Choices[0].Delta.ToolCalls[0]
	if tc.Index != 0 || tc.ID != "call_1" || tc.Function.Name != "get_weather" {
		t.Errorf("unexpected first fragment: %+v", tc)
	}

	var second chunk
	require(t, json.Unmarshal([]byte(events[1]), &second))
	tc2 := second.Choices[0].Delta.ToolCalls[0]
	if tc2.Index != 0 {
		t.Errorf("second fragment should reuse index 0 for the same call id, got %d", tc2.Index)
	}
	if tc2.Function.Arguments != `"sf"}` {
		t.Errorf("second fragment arguments = %q", tc2.Function.Arguments)
	}

	var third chunk
	require(t, json.Unmarshal([]byte(events[2]), &third))
	if third.Choices[0].FinishReason == nil || *third.Choices[0].FinishReason != "tool_calls" {
		t.Error("finish event should have finish_reason=tool_calls")
	}
}

func TestWrite_MidStreamError(t *testing.T) {
	ch := sendEvents(
		omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: "partial"},
		omentypes.StreamEvent{Kind: omentypes.EventError, ErrorKind: omentypes.ErrProviderTransient, ErrorMessage: "connection reset"},
	)

	w := httptest.NewRecorder()
	if err := Write(w, "resp-3", "anthropic/claude", 1000, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "connection reset") {
		t.Error("errored stream should carry the error frame before terminating")
	}
	if !strings.Contains(body, `"finish_reason":"error"`) {
		t.Error("errored stream should end with a finish_reason=error chunk")
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("errored stream should still terminate with the [DONE] sentinel")
	}
	if strings.Index(body, "connection reset") > strings.Index(body, "[DONE]") {
		t.Error("error frame must precede the [DONE] sentinel")
	}
}

func TestWrite_SSEFormat(t *testing.T) {
	ch := sendEvents(
		omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: "hi"},
		omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop},
	)

	w := httptest.NewRecorder()
	if err := Write(w, "resp-4", "m", 1000, ch); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}

	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 3 {
		t.Errorf("got %d SSE events, want 3 (content + finish + DONE)", nonEmpty)
	}
}

func require(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
