package omentypes

// StreamEventKind discriminates the StreamEvent variant.
type StreamEventKind string

const (
	EventDelta       StreamEventKind = "delta"
	EventToolCall    StreamEventKind = "tool_call"
	EventUsageUpdate StreamEventKind = "usage_update"
	EventEnd         StreamEventKind = "end"
	EventError       StreamEventKind = "error"

	// EventUpgrade is a speculate_k meta-event: the multiplexer switched
	// the outbound stream to a different candidate mid-response. It never
	// reaches an OpenAI-compatible client as a frame: internal/stream's SSE
	// writer drops it, keeping only its provider/model tag for later
	// chunks, and the server's stream tap records the new candidate.
	EventUpgrade StreamEventKind = "upgrade"
)

// StreamEvent is the unified event every provider adapter's transcoder
// emits and the multiplexer selects across. Only the fields relevant to
// Kind are populated; the rest are zero values.
type StreamEvent struct {
	Kind StreamEventKind

	// EventDelta
	Role             Role   // set only on the first delta of a turn
	Text             string
	ToolCallFragment *ToolCallFragment

	// EventToolCall (a completed call, when a vendor delivers it whole)
	ToolCall *ToolCall

	// EventUsageUpdate
	Usage *Usage

	// EventEnd
	FinishReason FinishReason

	// EventError
	ErrorKind    ErrorKind
	ErrorMessage string
	Retriable    bool

	// ProviderID/ModelID let the multiplexer tag which candidate produced
	// this event, for race/speculate bookkeeping; stripped before the
	// event reaches the client.
	ProviderID string
	ModelID    string

	// EventUpgrade: the candidate the stream switched away from.
	PreviousProviderID string
	PreviousModelID    string
}

// ToolCallFragment is an incremental piece of a tool call's arguments,
// keyed by the call's id so the transcoder/client can reassemble them
// in order.
type ToolCallFragment struct {
	ID        string
	Name      string // set only on the fragment that introduces the call
	ArgsDelta string
}

// IsUseful reports whether this event is a "useful token" by the gateway's
// glossary: a Delta whose text has length >= minTokens and is not pure
// whitespace.
func (e StreamEvent) IsUseful(minTokens int) bool {
	if e.Kind != EventDelta {
		return false
	}
	if minTokens <= 0 {
		minTokens = 1
	}
	trimmed := 0
	for _, r := range e.Text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			trimmed++
		}
	}
	return trimmed >= minTokens
}
