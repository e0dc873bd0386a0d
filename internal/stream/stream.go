// Package stream writes the unified event sequence the multiplexer
// produces as OpenAI-compatible server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// chunk is the top-level JSON object in each SSE event, matching the
// `chat.completion.chunk` shape OpenAI-compatible clients expect.
type chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`

	// Usage is included only on the final chunk, matching OpenAI's
	// behavior where usage never appears before that.
	Usage *usage `json:"usage,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Delta        delta        `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// delta holds the incremental content of one chunk. Role is set only on
// the first delta of a turn; tool call fragments are
// forwarded keyed by index so clients reassemble them the same way the
// OpenAI SDK does.
type delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []deltaToolCall `json:"tool_calls,omitempty"`
}

type deltaToolCall struct {
	Index    int                  `json:"index"`
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function deltaToolCallFunc    `json:"function"`
}

type deltaToolCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// errorFrame is the final SSE frame emitted ahead of [DONE] when a stream
// terminates mid-flight: partial content has already been transmitted, so
// the error rides in the stream as a last frame with the unified envelope
// rather than an HTTP status.
type errorFrame struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Writer writes a single logical response as OpenAI-compatible SSE frames.
// It tracks whether the role has already been emitted and assigns stable
// tool-call indices by id, mirroring the OpenAI wire behavior clients
// expect.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id      string
	model   string
	created int64

	roleSent     bool
	toolIndices  map[string]int
	pendingUsage *omentypes.Usage
}

// NewWriter prepares w to receive SSE frames for one response. id is the
// response id (a per-response chatcmpl- id, not the request id); model is the
// provider-qualified model string included on every frame.
func NewWriter(w http.ResponseWriter, id, model string, created int64) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &Writer{w: w, flusher: flusher, id: id, model: model, created: created, toolIndices: map[string]int{}}, nil
}

func (wr *Writer) write(c chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(wr.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	wr.flusher.Flush()
	return nil
}

func (wr *Writer) newChunk() chunk {
	return chunk{ID: wr.id, Object: "chat.completion.chunk", Created: wr.created, Model: wr.model}
}

// toolCallIndex returns the stable 0-based index OpenAI clients expect for
// a tool call id, assigning the next index the first time an id is seen.
func (wr *Writer) toolCallIndex(id string) int {
	if idx, ok := wr.toolIndices[id]; ok {
		return idx
	}
	idx := len(wr.toolIndices)
	wr.toolIndices[id] = idx
	return idx
}

// WriteEvent translates one unified stream event into zero or more SSE
// frames. EventUpgrade is dropped here (an internal multiplexer signal,
// never surfaced on the wire); every other kind maps onto the
// `chat.completion.chunk` shape. Events tagged with the producing
// candidate update the chunk `model` field, so a race or speculate swap
// is reflected on the wire as the provider-qualified model that actually
// generated the tokens.
func (wr *Writer) WriteEvent(ev omentypes.StreamEvent) error {
	if ev.ProviderID != "" && ev.ModelID != "" {
		wr.model = ev.ProviderID + "/" + ev.ModelID
	}
	switch ev.Kind {
	case omentypes.EventDelta:
		d := delta{Content: ev.Text}
		if !wr.roleSent {
			d.Role = "assistant"
			wr.roleSent = true
		}
		if ev.ToolCallFragment != nil {
			idx := wr.toolCallIndex(ev.ToolCallFragment.ID)
			d.ToolCalls = []deltaToolCall{{
				Index: idx,
				ID:    ev.ToolCallFragment.ID,
				Type:  "function",
				Function: deltaToolCallFunc{
					Name:      ev.ToolCallFragment.Name,
					Arguments: ev.ToolCallFragment.ArgsDelta,
				},
			}}
		}
		c := wr.newChunk()
		c.Choices = []choice{{Index: 0, Delta: d}}
		return wr.write(c)

	case omentypes.EventToolCall:
		if ev.ToolCall == nil {
			return nil
		}
		idx := wr.toolCallIndex(ev.ToolCall.ID)
		c := wr.newChunk()
		c.Choices = []choice{{Index: 0, Delta: delta{ToolCalls: []deltaToolCall{{
			Index: idx,
			ID:    ev.ToolCall.ID,
			Type:  "function",
			Function: deltaToolCallFunc{
				Name:      ev.ToolCall.Function.Name,
				Arguments: ev.ToolCall.Function.Arguments,
			},
		}}}}}
		return wr.write(c)

	case omentypes.EventUsageUpdate:
		// Usage is folded into the End frame below rather than emitted on
		// its own, matching OpenAI's convention that usage rides the final
		// chunk alongside finish_reason.
		wr.pendingUsage = ev.Usage
		return nil

	case omentypes.EventEnd:
		reason := string(ev.FinishReason)
		if reason == "" {
			reason = string(omentypes.FinishStop)
		}
		c := wr.newChunk()
		c.Choices = []choice{{Index: 0, Delta: delta{}, FinishReason: &reason}}
		if wr.pendingUsage != nil {
			c.Usage = &usage{
				PromptTokens:     wr.pendingUsage.PromptTokens,
				CompletionTokens: wr.pendingUsage.CompletionTokens,
				TotalTokens:      wr.pendingUsage.TotalTokens,
			}
		}
		return wr.write(c)

	case omentypes.EventError:
		b, err := json.Marshal(errorFrame{Error: errorBody{
			Message: ev.ErrorMessage,
			Type:    string(ev.ErrorKind),
			Code:    string(ev.ErrorKind),
		}})
		if err != nil {
			return fmt.Errorf("marshaling error frame: %w", err)
		}
		if _, err := fmt.Fprintf(wr.w, "data: %s\n\n", b); err != nil {
			return fmt.Errorf("writing SSE error frame: %w", err)
		}
		wr.flusher.Flush()
		return nil

	default: // EventUpgrade and anything unrecognized: internal-only, dropped.
		return nil
	}
}

// Done writes the terminating `[DONE]` sentinel every OpenAI-compatible
// client looks for.
func (wr *Writer) Done() error {
	if _, err := fmt.Fprintf(wr.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	wr.flusher.Flush()
	return nil
}

// Write drains ch, writing every event as an SSE frame, and finishes with
// the [DONE] sentinel. A mid-stream error is surfaced as its own error
// frame followed by a synthesized finish_reason="error" chunk (partial
// content has already been transmitted, so the error rides inside the
// stream), and the sentinel is still written so SDKs that key completion
// off it see a terminated stream rather than a hung connection.
func Write(w http.ResponseWriter, id, model string, created int64, ch <-chan omentypes.StreamEvent) error {
	wr, err := NewWriter(w, id, model, created)
	if err != nil {
		return err
	}
	sawError := false
	sawEnd := false
	for ev := range ch {
		if werr := wr.WriteEvent(ev); werr != nil {
			return werr
		}
		switch ev.Kind {
		case omentypes.EventError:
			sawError = true
		case omentypes.EventEnd:
			sawEnd = true
		}
	}
	if sawError && !sawEnd {
		reason := string(omentypes.FinishError)
		c := wr.newChunk()
		c.Choices = []choice{{Index: 0, Delta: delta{}, FinishReason: &reason}}
		if err := wr.write(c); err != nil {
			return err
		}
	}
	return wr.Done()
}
