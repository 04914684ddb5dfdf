// Package llm wraps the OpenAI-compatible chat-completions and embeddings
// API used to drive agent turns.
package llm

// Message roles on the chat wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON string accumulated from stream deltas.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable function advertised to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatMessage is one turn in the conversation sent to the model.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is a buffered or streaming completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	Tools       []ToolDefinition
}

// ChatResult is the outcome of a buffered completion.
type ChatResult struct {
	Content    string
	ToolCalls  []ToolCall
	TokensUsed int
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	// EventContent carries one content delta.
	EventContent StreamEventType = "content"
	// EventToolCalls carries the fully accumulated tool calls of the turn.
	EventToolCalls StreamEventType = "tool_calls"
	// EventError terminates the stream with a failure.
	EventError StreamEventType = "error"
)

// StreamEvent is one element of the lazy completion sequence.
type StreamEvent struct {
	Type      StreamEventType
	Content   string
	ToolCalls []ToolCall
	Err       error
}
