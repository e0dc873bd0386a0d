package provider

import (
	"context"
	"unicode/utf8"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// utf8Accumulator holds trailing bytes that don't yet form a complete rune,
// so a transcoder never emits a Delta that spans a UTF-8 boundary.
// Vendors that deliver raw bytes mid-codepoint (rare, but
// possible when a multi-byte character straddles a chunk boundary) push
// through Feed and get back only the complete, flushable prefix.
type utf8Accumulator struct {
	pending []byte
}

// Feed appends b to any pending bytes and returns the longest prefix that
// decodes as complete runes, holding back any incomplete trailing bytes
// for the next call.
func (a *utf8Accumulator) Feed(b []byte) string {
	a.pending = append(a.pending, b...)
	if len(a.pending) == 0 {
		return ""
	}
	// Walk back from the end until we find a rune boundary.
	cut := len(a.pending)
	for i := 0; i < 4 && cut > 0; i++ {
		r, size := utf8.DecodeLastRune(a.pending[:cut])
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut--
	}
	out := string(a.pending[:cut])
	a.pending = append([]byte(nil), a.pending[cut:]...)
	return out
}

// Flush returns any remaining bytes regardless of completeness — used when
// the stream ends, so a truncated trailing sequence isn't silently dropped.
func (a *utf8Accumulator) Flush() string {
	out := string(a.pending)
	a.pending = nil
	return out
}

// toolCallAssembler accumulates fragmented tool-call arguments by id.
// Fragments are emitted incrementally as they arrive, keyed by call id,
// with the name carried only on the fragment that introduces the call.
type toolCallAssembler struct {
	order []string
	names map[string]string
	args  map[string]string
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{names: map[string]string{}, args: map[string]string{}}
}

func (a *toolCallAssembler) Add(id, name, argsDelta string) {
	if _, seen := a.args[id]; !seen {
		a.order = append(a.order, id)
	}
	if name != "" {
		a.names[id] = name
	}
	a.args[id] += argsDelta
}

// Finalize returns the assembled tool calls in first-seen order.
func (a *toolCallAssembler) Finalize() []omentypes.ToolCall {
	calls := make([]omentypes.ToolCall, 0, len(a.order))
	for _, id := range a.order {
		calls = append(calls, omentypes.ToolCall{
			ID:   id,
			Type: "function",
			Function: omentypes.ToolCallFunction{
				Name:      a.names[id],
				Arguments: a.args[id],
			},
		})
	}
	return calls
}

// wrapNonStreaming adapts a Provider whose vendor has no streaming
// endpoint into the ChatCompletionStream contract by calling ChatCompletion
// and re-emitting the whole result as a single Delta followed by
// UsageUpdate and End. Used by adapters whose streaming path is served
// by a non-streaming call (currently Bedrock, which still reports
// CapStreaming) so they satisfy the interface for the multiplexer's
// uniform call path.
func wrapNonStreaming(ctx context.Context, p Provider, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan omentypes.StreamEvent, 3)
	go func() {
		defer close(ch)
		send := func(ev omentypes.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if resp.Content != "" {
			if !send(omentypes.StreamEvent{Kind: omentypes.EventDelta, Role: omentypes.RoleAssistant, Text: resp.Content}) {
				return
			}
		}
		for _, tc := range resp.Tools {
			tc := tc
			if !send(omentypes.StreamEvent{Kind: omentypes.EventToolCall, ToolCall: &tc}) {
				return
			}
		}
		usage := resp.Usage
		if !send(omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage}) {
			return
		}
		reason := resp.FinishReason
		if reason == "" {
			reason = omentypes.FinishStop
		}
		send(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: reason})
	}()
	return ch, nil
}
