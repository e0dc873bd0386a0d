package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func zero() *float64 {
	v := 0.0
	return &v
}

func sampleRequest() *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Model:       "auto",
		Messages:    []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.NewTextContent("hello")}},
		Temperature: zero(),
	}
}

func TestKey_RoundTrip(t *testing.T) {
	req := sampleRequest()
	k1 := Key("openai", "gpt-4o", req)

	// Round-trip: marshal, unmarshal into a fresh request, re-derive the
	// key. It must be the same key.
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded omentypes.ChatRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	k2 := Key("openai", "gpt-4o", &decoded)

	if k1 != k2 {
		t.Errorf("cache key not stable across round-trip: %q vs %q", k1, k2)
	}
}

func TestKey_DiffersByProviderModel(t *testing.T) {
	req := sampleRequest()
	if Key("openai", "gpt-4o", req) == Key("anthropic", "gpt-4o", req) {
		t.Error("keys should differ by provider id")
	}
	if Key("openai", "gpt-4o", req) == Key("openai", "gpt-4o-mini", req) {
		t.Error("keys should differ by model id")
	}
}

func TestIsCacheable(t *testing.T) {
	det := sampleRequest()
	if !IsCacheable(det, false) {
		t.Error("temperature=0, no tools, non-streaming request should be cacheable")
	}

	withTools := sampleRequest()
	withTools.Tools = []omentypes.Tool{{Type: "function", Function: omentypes.ToolFunction{Name: "f"}}}
	if IsCacheable(withTools, false) {
		t.Error("request with tools should not be cacheable")
	}

	nonZeroTemp := sampleRequest()
	hot := 0.7
	nonZeroTemp.Temperature = &hot
	if IsCacheable(nonZeroTemp, false) {
		t.Error("non-zero temperature should not be cacheable")
	}

	streaming := sampleRequest()
	streaming.Stream = true
	if IsCacheable(streaming, false) {
		t.Error("streaming request should not be cacheable without allowStreamReplay")
	}
	if !IsCacheable(streaming, true) {
		t.Error("streaming request should be cacheable when allowStreamReplay is set")
	}
}

func TestCache_LookupStoreRoundTrip(t *testing.T) {
	store := NewMemStore(0)
	defer store.Close()
	c := New(store, time.Minute)
	ctx := context.Background()
	req := sampleRequest()

	if _, ok := c.Lookup(ctx, "openai", "gpt-4o", req, false); ok {
		t.Fatal("expected cache miss before any Store call")
	}

	resp := omentypes.ChatResponse{Content: "hi there", Usage: omentypes.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	c.Store(ctx, "openai", "gpt-4o", req, resp, false)

	got, ok := c.Lookup(ctx, "openai", "gpt-4o", req, false)
	if !ok {
		t.Fatal("expected cache hit after Store")
	}
	if got.Content != "hi there" {
		t.Errorf("content = %q, want %q", got.Content, "hi there")
	}
}

func TestMemStore_ExpiresEntries(t *testing.T) {
	store := NewMemStore(0)
	defer store.Close()
	ctx := context.Background()

	err := store.Set(ctx, "k", Entry{Response: omentypes.ChatResponse{Content: "x"}, CreatedAt: time.Now().Add(-time.Hour), TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("entry past its TTL should not be returned")
	}
}
