package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rbranco/agentapi/pkg/model"
)

// Document is one indexed chunk as exposed by the management API.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IndexStats summarizes one index.
type IndexStats struct {
	IndexName     string `json:"index_name"`
	DocumentCount int64  `json:"document_count"`
}

// DocumentService manages the documents behind the retriever: the CRUD
// surface of the knowledge base.
type DocumentService struct {
	retriever *Retriever
	embedder  Embedder
	model     string
}

// NewDocumentService shares the retriever's backends and embedder.
func NewDocumentService(retriever *Retriever) *DocumentService {
	return &DocumentService{
		retriever: retriever,
		embedder:  retriever.embedder,
		model:     retriever.model,
	}
}

// Add embeds the content and indexes it. An empty documentID gets a random
// uuid; ingestion passes deterministic ids so re-runs are idempotent.
func (s *DocumentService) Add(ctx context.Context, kind, index, content string, metadata map[string]interface{}, documentID string) (string, error) {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return "", err
	}
	if documentID == "" {
		documentID = uuid.NewString()
	}

	embedding, err := s.embedder.Embed(ctx, content, s.model)
	if err != nil {
		return "", fmt.Errorf("rag: embed document: %w", err)
	}

	payload := map[string]interface{}{
		"content":    content,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		payload[k] = v
	}

	if err := store.Upsert(ctx, index, documentID, embedding, payload); err != nil {
		return "", err
	}
	slog.Info("rag: document added", "index", index, "document_id", documentID)
	return documentID, nil
}

// Delete removes one document from an index.
func (s *DocumentService) Delete(ctx context.Context, kind, index, documentID string) error {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, index, documentID); err != nil {
		return err
	}
	slog.Info("rag: document removed", "index", index, "document_id", documentID)
	return nil
}

// Exists reports whether a document id is already indexed.
func (s *DocumentService) Exists(ctx context.Context, kind, index, documentID string) (bool, error) {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return false, err
	}
	return store.Exists(ctx, index, documentID)
}

// List pages through an index's documents.
func (s *DocumentService) List(ctx context.Context, kind, index string, limit int) ([]Document, error) {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	points, _, err := store.Scroll(ctx, index, limit, "")
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(points))
	for _, p := range points {
		rc := contextFromPoint(p)
		docs = append(docs, Document{ID: p.ID, Content: rc.Content, Metadata: rc.Metadata})
	}
	return docs, nil
}

// Stats returns the document count of an index.
func (s *DocumentService) Stats(ctx context.Context, kind, index string) (*IndexStats, error) {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return nil, err
	}
	count, err := store.Count(ctx, index)
	if err != nil {
		return nil, err
	}
	return &IndexStats{IndexName: index, DocumentCount: count}, nil
}

// Search runs an ad-hoc similarity query against an index, outside any agent
// binding.
func (s *DocumentService) Search(ctx context.Context, kind, index, query string, topK int) ([]model.RAGContext, error) {
	store, err := s.retriever.StoreFor(kind)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	embedding, err := s.embedder.Embed(ctx, query, s.model)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	points, err := store.Search(ctx, index, embedding, topK)
	if err != nil {
		return nil, err
	}

	contexts := make([]model.RAGContext, 0, len(points))
	for _, p := range points {
		contexts = append(contexts, contextFromPoint(p))
	}
	return contexts, nil
}
