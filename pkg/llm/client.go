package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Client talks to an OpenAI-compatible endpoint. Safe for concurrent use.
type Client struct {
	api *openai.Client
}

// Options configures the endpoint. BaseURL is optional and supports any
// OpenAI-compatible gateway.
type Options struct {
	APIKey  string
	BaseURL string
}

// New builds a Client.
func New(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg)}
}

// NewWithAPIKey builds a Client for a per-agent credential, reusing the
// default endpoint.
func NewWithAPIKey(base *Client, apiKey string) *Client {
	if apiKey == "" {
		return base
	}
	return New(Options{APIKey: apiKey})
}

// Embed returns the embedding vector for a text.
func (c *Client) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// Chat performs a buffered completion. When the upstream omits usage data the
// token count falls back to the length heuristic.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: completion has no choices")
	}

	choice := resp.Choices[0]
	result := &ChatResult{
		Content:    choice.Message.Content,
		ToolCalls:  fromOpenAIToolCalls(choice.Message.ToolCalls),
		TokensUsed: resp.Usage.TotalTokens,
	}
	if result.TokensUsed == 0 {
		result.TokensUsed = estimateRequestTokens(req) + EstimateTokens(result.Content)
	}
	return result, nil
}

// ChatStream performs a streaming completion. The returned channel is closed
// when the stream ends; canceling ctx aborts the upstream request. Partial
// tool-call deltas are accumulated by index and emitted as one EventToolCalls
// once the model signals it is done calling tools.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("llm: open completion stream: %w", err)
	}

	events := make(chan StreamEvent)
	go c.processStream(ctx, stream, events)
	return events, nil
}

func (c *Client) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	acc := newToolCallAccumulator()
	emitted := false

	emitToolCalls := func() {
		calls := acc.calls()
		if emitted || len(calls) == 0 {
			return
		}
		emitted = true
		select {
		case events <- StreamEvent{Type: EventToolCalls, ToolCalls: calls}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emitToolCalls()
			return
		}
		if err != nil {
			slog.Error("llm: stream receive failed", "error", err)
			select {
			case events <- StreamEvent{Type: EventError, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			select {
			case events <- StreamEvent{Type: EventContent, Content: choice.Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			emitToolCalls()
		}
	}
}

func (c *Client) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Stream:      stream,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
	}

	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func estimateRequestTokens(req ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	n := (total + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
