// Package rag retrieves knowledge-base context for agent prompts and manages
// the documents behind it: extraction, chunking, embedding and indexing.
package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/vectorstore"
)

// Embedder produces embeddings for queries and documents. Satisfied by
// *llm.Client; an empty model name uses the client default.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// Retriever answers "what does this agent's knowledge base say about X".
// Failures never propagate: an agent with a broken index still answers, just
// without context.
type Retriever struct {
	stores   map[string]vectorstore.Store
	embedder Embedder
	model    string
}

// NewRetriever wires the configured backends. The stores map is keyed by
// backend kind (vectorstore.KindQdrant, vectorstore.KindRedis).
func NewRetriever(embedder Embedder, stores map[string]vectorstore.Store, embeddingModel string) *Retriever {
	return &Retriever{stores: stores, embedder: embedder, model: embeddingModel}
}

// StoreFor resolves a backend by kind.
func (r *Retriever) StoreFor(kind string) (vectorstore.Store, error) {
	if kind == "" {
		kind = vectorstore.KindQdrant
	}
	store, ok := r.stores[kind]
	if !ok {
		return nil, fmt.Errorf("rag: backend %q not configured", kind)
	}
	return store, nil
}

// Retrieve returns the top-k contexts for the query under the agent's RAG
// binding. No binding, an empty index or any backend failure yields an empty
// slice.
func (r *Retriever) Retrieve(ctx context.Context, query string, cfg *agent.Config) []model.RAGContext {
	if cfg == nil || !cfg.HasRAG() {
		return nil
	}

	store, err := r.StoreFor(cfg.RAG.Type)
	if err != nil {
		slog.Error("rag: retrieve failed", "agent_id", cfg.ID, "error", err)
		return nil
	}

	count, err := store.Count(ctx, cfg.RAG.IndexName)
	if err == nil && count == 0 {
		slog.Warn("rag: index is empty", "agent_id", cfg.ID, "index", cfg.RAG.IndexName)
		return nil
	}

	embedding, err := r.embedder.Embed(ctx, query, r.model)
	if err != nil {
		slog.Error("rag: embed query failed", "agent_id", cfg.ID, "error", err)
		return nil
	}

	points, err := store.Search(ctx, cfg.RAG.IndexName, embedding, cfg.RAG.TopK)
	if err != nil {
		slog.Error("rag: vector search failed",
			"agent_id", cfg.ID, "index", cfg.RAG.IndexName, "error", err)
		return nil
	}

	contexts := make([]model.RAGContext, 0, len(points))
	for _, p := range points {
		contexts = append(contexts, contextFromPoint(p))
	}

	best := 0.0
	if len(contexts) > 0 {
		best = contexts[0].Score
	}
	slog.Info("rag: contexts retrieved",
		"agent_id", cfg.ID, "index", cfg.RAG.IndexName,
		"count", len(contexts), "best_score", best)
	return contexts
}

// contextFromPoint splits a stored payload into content and metadata.
func contextFromPoint(p vectorstore.Point) model.RAGContext {
	content, _ := p.Payload["content"].(string)
	var metadata map[string]interface{}
	for k, v := range p.Payload {
		if k == "content" {
			continue
		}
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata[k] = v
	}
	return model.RAGContext{Content: content, Score: p.Score, Metadata: metadata}
}
