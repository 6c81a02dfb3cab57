package chat

import "github.com/orca-platform/orca-server/internal/llm"

// Accumulate folds streamed tool call fragments into calls. Fragments are
// keyed by their index; a slot is created the first time an index is seen,
// the id and name are taken from whichever fragment carries them and the
// argument pieces are concatenated in arrival order. Fragments without an
// index are dropped.
func Accumulate(calls []llm.ToolCall, deltas []llm.ToolCallDelta) []llm.ToolCall {
	for _, d := range deltas {
		if d.Index == nil || *d.Index < 0 {
			continue
		}
		i := *d.Index
		for len(calls) <= i {
			calls = append(calls, llm.ToolCall{Type: "function"})
		}
		if d.ID != "" {
			calls[i].ID = d.ID
		}
		if d.Function.Name != "" {
			calls[i].Function.Name = d.Function.Name
		}
		calls[i].Function.Arguments += d.Function.Arguments
	}
	return calls
}
