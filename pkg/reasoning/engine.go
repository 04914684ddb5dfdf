// Package reasoning runs one agent turn: retrieve context, assemble the
// conversation, call the model and resolve at most one round of tool calls.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/dataquery"
	"github.com/rbranco/agentapi/pkg/llm"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/rag"
)

// defaultQuerySlots bounds how many query_data executions run at once across
// all turns.
const defaultQuerySlots = 4

// ChatClient is the completion surface the engine drives. Satisfied by
// *llm.Client.
type ChatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error)
	ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error)
}

// ContextRetriever fetches knowledge-base context. Satisfied by
// *rag.Retriever; nil disables retrieval.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, cfg *agent.Config) []model.RAGContext
}

// DataQuerier runs the query_data tool. Satisfied by *dataquery.Service;
// nil makes the tool unavailable.
type DataQuerier interface {
	LoadFrames(agentID string) error
	Info(agentID string) ([]dataquery.FrameInfo, error)
	ExecuteQuery(agentID, query string) dataquery.Result
}

// Engine orchestrates agent turns.
type Engine struct {
	chat      ChatClient
	retriever ContextRetriever
	data      DataQuerier

	// newClient returns a per-agent client when the agent carries its own
	// API key. Overridable in tests.
	newClient func(apiKey string) ChatClient

	querySlots chan struct{}
}

// NewEngine wires the engine. base is the shared model client; agents with
// their own api_key get a derived client per turn.
func NewEngine(base *llm.Client, retriever ContextRetriever, data DataQuerier) *Engine {
	return &Engine{
		chat:      base,
		retriever: retriever,
		data:      data,
		newClient: func(apiKey string) ChatClient {
			return llm.NewWithAPIKey(base, apiKey)
		},
		querySlots: make(chan struct{}, defaultQuerySlots),
	}
}

func (e *Engine) clientFor(cfg *agent.Config) ChatClient {
	if cfg.APIKey != "" && e.newClient != nil {
		return e.newClient(cfg.APIKey)
	}
	return e.chat
}

// Process runs one buffered turn. The returned response always carries text:
// on failure it is the user-facing error message, and the error is returned
// alongside so callers can record the turn as failed.
func (e *Engine) Process(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) (*model.AgentResponse, error) {
	resp := &model.AgentResponse{
		AgentID:        cfg.ID,
		ConversationID: conversationID(msg),
		CreatedAt:      time.Now().UTC(),
	}

	contexts := e.retrieve(ctx, cfg, msg)
	resp.Contexts = contexts

	client := e.clientFor(cfg)
	messages := e.assemble(cfg, msg, history, contexts)
	tools := e.buildTools(cfg)

	result, err := client.Chat(ctx, llm.ChatRequest{Model: cfg.Model, Messages: messages, Tools: tools})
	if err != nil {
		slog.Error("reasoning: model call failed", "agent_id", cfg.ID, "error", err)
		resp.Response = processError(err)
		return resp, err
	}
	resp.TokensUsed = result.TokensUsed

	if len(result.ToolCalls) == 0 {
		resp.Response = result.Content
		return resp, nil
	}

	messages = append(messages, llm.ChatMessage{
		Role:      llm.RoleAssistant,
		Content:   result.Content,
		ToolCalls: result.ToolCalls,
	})
	messages = append(messages, e.runTools(ctx, cfg, result.ToolCalls)...)

	final, err := client.Chat(ctx, llm.ChatRequest{Model: cfg.Model, Messages: messages, Tools: tools})
	if err != nil {
		slog.Error("reasoning: final model call failed", "agent_id", cfg.ID, "error", err)
		resp.Response = processError(err)
		return resp, err
	}
	resp.TokensUsed += final.TokensUsed
	resp.Response = final.Content
	return resp, nil
}

func (e *Engine) retrieve(ctx context.Context, cfg *agent.Config, msg model.Message) []model.RAGContext {
	if e.retriever == nil {
		return nil
	}
	return e.retriever.Retrieve(ctx, msg.Text, cfg)
}

// assemble builds the model conversation: system prompt, the user/assistant
// slice of the supplied history, then the current message wrapped with its
// retrieved context.
func (e *Engine) assemble(cfg *agent.Config, msg model.Message, history []model.HistoryEntry, contexts []model.RAGContext) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: cfg.SystemPrompt})
	for _, h := range history {
		if h.Role != llm.RoleUser && h.Role != llm.RoleAssistant {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llm.ChatMessage{
		Role:    llm.RoleUser,
		Content: rag.BuildUserContent(msg.Text, contexts),
	})
	return messages
}

// runTools resolves each requested call into a tool message. Only query_data
// is executed; everything else answers with a not-implemented payload so the
// model can explain itself instead of the turn dying.
func (e *Engine) runTools(ctx context.Context, cfg *agent.Config, calls []llm.ToolCall) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(calls))
	for _, call := range calls {
		out = append(out, llm.ChatMessage{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    e.runTool(ctx, cfg, call),
		})
	}
	return out
}

func (e *Engine) runTool(ctx context.Context, cfg *agent.Config, call llm.ToolCall) string {
	if call.Name == "query_data" && e.data != nil && cfg.HasDataAnalysis() {
		query := parseQueryArgument(call.Arguments)
		select {
		case e.querySlots <- struct{}{}:
		case <-ctx.Done():
			return fmt.Sprintf(`{"success": false, "error": %q}`, ctx.Err().Error())
		}
		defer func() { <-e.querySlots }()

		result := e.data.ExecuteQuery(cfg.ID, query)
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Sprintf(`{"success": false, "error": %q}`, err.Error())
		}
		return string(payload)
	}
	return fmt.Sprintf(`{"success": false, "error": "Tool %s not implemented"}`, call.Name)
}

func processError(err error) string {
	return fmt.Sprintf("Erro ao processar mensagem: %v", err)
}

func conversationID(msg model.Message) string {
	if msg.ConversationID != "" {
		return msg.ConversationID
	}
	return uuid.NewString()
}
