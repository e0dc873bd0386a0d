package omentypes

import "testing"

func TestStreamEvent_IsUseful(t *testing.T) {
	cases := []struct {
		name string
		ev   StreamEvent
		min  int
		want bool
	}{
		{"plain text", StreamEvent{Kind: EventDelta, Text: "hello"}, 1, true},
		{"whitespace only", StreamEvent{Kind: EventDelta, Text: "   \n\t"}, 1, false},
		{"too short for threshold", StreamEvent{Kind: EventDelta, Text: "hi"}, 5, false},
		{"not a delta", StreamEvent{Kind: EventEnd, Text: "hello"}, 1, false},
		{"zero threshold defaults to one", StreamEvent{Kind: EventDelta, Text: "h"}, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.ev.IsUseful(c.min); got != c.want {
				t.Errorf("IsUseful(%d) = %v, want %v", c.min, got, c.want)
			}
		})
	}
}
