package llm

import openai "github.com/sashabaranov/go-openai"

// toolCallAccumulator reassembles tool calls from stream deltas. The API
// fragments each call across chunks, identified by index; the id and name
// arrive once, the argument JSON arrives in pieces.
type toolCallAccumulator struct {
	pending map[int]*ToolCall
	order   []int
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: make(map[int]*ToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := a.pending[idx]
	if !ok {
		call = &ToolCall{}
		a.pending[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

// calls returns the accumulated tool calls in first-seen index order.
func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.pending) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.pending[idx])
	}
	return out
}
