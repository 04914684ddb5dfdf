// Package vectorstore provides vector persistence and similarity search over
// two interchangeable backends: a Qdrant server and a Redis-backed
// brute-force index for deployments without a vector database.
package vectorstore

import (
	"context"
	"math"
)

// Backend kinds accepted in agent RAG bindings.
const (
	KindQdrant = "qdrant"
	KindRedis  = "redis"
)

// Point is one stored or retrieved vector entry.
type Point struct {
	ID      string
	Score   float64
	Vector  []float32
	Payload map[string]interface{}
}

// Store is the capability set shared by all backends.
type Store interface {
	// EnsureCollection creates the collection if missing. Idempotent; the
	// dimension is fixed by the first vector seen.
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, name, id string, vector []float32, payload map[string]interface{}) error
	Delete(ctx context.Context, name, id string) error
	Count(ctx context.Context, name string) (int64, error)
	// Scroll pages through a collection. An empty cursor starts from the
	// beginning; the returned cursor is empty when exhausted.
	Scroll(ctx context.Context, name string, limit int, cursor string) ([]Point, string, error)
	Search(ctx context.Context, name string, vector []float32, topK int) ([]Point, error)
	Exists(ctx context.Context, name, id string) (bool, error)
	ListCollections(ctx context.Context) ([]string, error)
	Close() error
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or a zero-magnitude operand yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
