package reasoning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/llm"
	"github.com/rbranco/agentapi/pkg/model"
)

// ProcessStream runs one turn and emits content deltas as they arrive. Tool
// calls are resolved between the first and second model call; only content
// from the final call is streamed after that. Failures surface as a single
// user-facing error chunk, never as a broken channel.
func (e *Engine) ProcessStream(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) <-chan string {
	chunks := make(chan string)
	go func() {
		defer close(chunks)
		// This goroutine is outside the HTTP handler's recovery; a panic
		// here would take the whole process down.
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("reasoning: stream turn panicked", "agent_id", cfg.ID, "panic", rec)
				emit(ctx, chunks, fmt.Sprintf("Erro ao processar mensagem: %v", rec))
			}
		}()

		contexts := e.retrieve(ctx, cfg, msg)
		client := e.clientFor(cfg)
		messages := e.assemble(cfg, msg, history, contexts)
		tools := e.buildTools(cfg)

		toolCalls, ok := e.streamCall(ctx, client, cfg, messages, tools, chunks, true)
		if !ok || len(toolCalls) == 0 {
			return
		}

		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: toolCalls})
		messages = append(messages, e.runTools(ctx, cfg, toolCalls)...)
		e.streamCall(ctx, client, cfg, messages, tools, chunks, false)
	}()
	return chunks
}

// streamCall drives one streaming completion, forwarding content deltas.
// Returns the accumulated tool calls when collectTools is set, and false on
// failure after emitting the error chunk.
func (e *Engine) streamCall(ctx context.Context, client ChatClient, cfg *agent.Config, messages []llm.ChatMessage, tools []llm.ToolDefinition, chunks chan<- string, collectTools bool) ([]llm.ToolCall, bool) {
	events, err := client.ChatStream(ctx, llm.ChatRequest{Model: cfg.Model, Messages: messages, Tools: tools})
	if err != nil {
		slog.Error("reasoning: open stream failed", "agent_id", cfg.ID, "error", err)
		emit(ctx, chunks, processError(err))
		return nil, false
	}

	var toolCalls []llm.ToolCall
	for event := range events {
		switch event.Type {
		case llm.EventContent:
			if !emit(ctx, chunks, event.Content) {
				return nil, false
			}
		case llm.EventToolCalls:
			if collectTools {
				toolCalls = event.ToolCalls
			}
		case llm.EventError:
			slog.Error("reasoning: stream failed", "agent_id", cfg.ID, "error", event.Err)
			emit(ctx, chunks, processError(event.Err))
			return nil, false
		}
	}
	return toolCalls, true
}

func emit(ctx context.Context, chunks chan<- string, s string) bool {
	select {
	case chunks <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
