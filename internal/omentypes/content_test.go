package omentypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContent_StringShape(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"role":"user","content":"hello there"}`), &m)
	require.NoError(t, err)
	assert.Equal(t, "hello there", m.Content.FlatText())

	out, err := json.Marshal(m.Content)
	require.NoError(t, err)
	assert.Equal(t, `"hello there"`, string(out))
}

func TestMessageContent_PartsShape(t *testing.T) {
	var m Message
	body := `{"role":"user","content":[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}]}`
	err := json.Unmarshal([]byte(body), &m)
	require.NoError(t, err)
	require.Len(t, m.Content.Parts, 2)
	assert.Equal(t, "what is this", m.Content.FlatText())
	assert.Equal(t, ContentPartImage, m.Content.Parts[1].Type)
	assert.Equal(t, "https://example.com/a.png", m.Content.Parts[1].ImageURL.URL)
}

func TestMessageContent_RoundTrip(t *testing.T) {
	c := NewPartsContent(ContentPart{Type: ContentPartText, Text: "hi"})
	b, err := json.Marshal(c)
	require.NoError(t, err)

	var back MessageContent
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, c.FlatText(), back.FlatText())
}

func TestMessageContent_RejectsBadShape(t *testing.T) {
	var c MessageContent
	err := json.Unmarshal([]byte(`42`), &c)
	assert.Error(t, err)
}

func TestChatRequest_RequiresVision(t *testing.T) {
	req := &ChatRequest{
		Messages: []Message{
			{Role: RoleUser, Content: NewPartsContent(
				ContentPart{Type: ContentPartImage, ImageURL: &ImageURL{URL: "x"}},
			)},
		},
	}
	assert.True(t, req.RequiresVision())

	req2 := &ChatRequest{Messages: []Message{{Role: RoleUser, Content: NewTextContent("hi")}}}
	assert.False(t, req2.RequiresVision())
}

func TestChatRequest_IsDeterministic(t *testing.T) {
	zero := 0.0
	req := &ChatRequest{Temperature: &zero}
	assert.True(t, req.IsDeterministic())

	req.Tools = []Tool{{Type: "function"}}
	assert.False(t, req.IsDeterministic())
}

func TestCapabilities(t *testing.T) {
	var caps Capabilities
	caps = caps.With(CapChat, CapStreaming)
	assert.True(t, caps.Has(CapChat))
	assert.True(t, caps.Has(CapStreaming))
	assert.False(t, caps.Has(CapVision))
}
