package omentypes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role is the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType discriminates the parts of a multi-part message.
type ContentPartType string

const (
	ContentPartText  ContentPartType = "text"
	ContentPartImage ContentPartType = "image_url"
)

// ContentPart is one piece of a multi-part message: plain text or an image
// reference. Structured content downgrades to text for
// providers that can't consume it; each adapter does this in its own
// message translation (typically via FlatText).
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
}

// ImageURL is the payload of an image content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is the tagged-union the OpenAI wire format uses for
// `messages[].content`: either a plain string or an ordered list of parts.
// The zero value is an empty string content, matching the common
// `{role, content: "text"}` shape rejected if a schema forces a single
// JSON representation.
type MessageContent struct {
	// Text is set when the wire value was a JSON string.
	Text string
	// Parts is set when the wire value was a JSON array.
	Parts []ContentPart
	// isParts distinguishes an empty-string Text from an empty Parts list,
	// both of which have a zero Go value otherwise.
	isParts bool
}

// NewTextContent builds a string-shaped MessageContent.
func NewTextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// NewPartsContent builds a parts-shaped MessageContent.
func NewPartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts, isParts: true}
}

// HasParts reports whether this content was constructed (or decoded) as a
// parts array rather than a plain string, even if that array is empty.
func (c MessageContent) HasParts() bool {
	return c.isParts
}

// FlatText concatenates the text of every part (or returns Text directly)
// for providers/paths that only need the textual content, e.g. prompt
// token estimation or a plain-text-only vendor.
func (c MessageContent) FlatText() string {
	if !c.isParts {
		return c.Text
	}
	var buf bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == ContentPartText {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// MarshalJSON emits a plain string when the content has no parts, and a
// JSON array of parts otherwise — matching whichever shape the content was
// constructed with.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if !c.isParts {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON accepts both wire shapes: a JSON string, or a JSON array of
// {type, text|image_url} objects. This dual acceptance is the single
// most common interoperability requirement across chat-completion clients.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*c = MessageContent{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decoding string content: %w", err)
		}
		*c = MessageContent{Text: s}
		return nil
	}
	if trimmed[0] == '[' {
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return fmt.Errorf("decoding content parts: %w", err)
		}
		*c = MessageContent{Parts: parts, isParts: true}
		return nil
	}
	return fmt.Errorf("message content must be a string or an array of parts, got %q", trimmed[:min(len(trimmed), 32)])
}

// Message is one turn in the conversation.
type Message struct {
	Role       Role           `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Capability is a bitset flag describing what an adapter or model can do.
// A narrow per-capability method group is preferred over a single
// do-everything interface; this bitset is how the registry and router
// filter candidates by request need.
type Capability uint8

const (
	CapChat Capability = 1 << iota
	CapStreaming
	CapTools
	CapVision
	CapEmbeddings
)

// Capabilities is a set of Capability flags.
type Capabilities uint8

// Has reports whether every bit in want is set in c.
func (c Capabilities) Has(want Capability) bool {
	return Capabilities(want)&c == Capabilities(want)
}

// With returns c with the given capabilities added.
func (c Capabilities) With(caps ...Capability) Capabilities {
	for _, cap := range caps {
		c |= Capabilities(cap)
	}
	return c
}
