package vectorstore

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb)
}

func cleanupIndex(t *testing.T, s *RedisStore, index string) {
	t.Helper()
	ctx := context.Background()
	ids, _ := s.rdb.SMembers(ctx, membersKey(index)).Result()
	for _, id := range ids {
		s.Delete(ctx, index, id)
	}
	s.rdb.Del(ctx, membersKey(index))
}

func TestRedisStoreUpsertSearch(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	index := "test_" + t.Name()
	t.Cleanup(func() { cleanupIndex(t, s, index) })

	docs := []struct {
		id  string
		vec []float32
	}{
		{"a", []float32{1, 0, 0}},
		{"b", []float32{0.9, 0.1, 0}},
		{"c", []float32{0, 0, 1}},
	}
	for _, d := range docs {
		err := s.Upsert(ctx, index, d.id, d.vec, map[string]interface{}{
			"content":     "doc " + d.id,
			"source_file": d.id + ".txt",
		})
		if err != nil {
			t.Fatalf("Upsert(%s) error = %v", d.id, err)
		}
	}

	count, err := s.Count(ctx, index)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}

	hits, err := s.Search(ctx, index, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search() returned %d hits, want 2", len(hits))
	}
	if hits[0].ID != "a" {
		t.Errorf("top hit = %s, want a", hits[0].ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits must be sorted by descending score")
	}
	if hits[0].Payload["content"] != "doc a" {
		t.Errorf("top hit content = %v", hits[0].Payload["content"])
	}
	if hits[0].Payload["source_file"] != "a.txt" {
		t.Errorf("top hit metadata = %v", hits[0].Payload["source_file"])
	}
}

func TestRedisStoreSearchTopKZero(t *testing.T) {
	s := newTestRedisStore(t)
	hits, err := s.Search(context.Background(), "whatever", []float32{1}, 0)
	if err != nil {
		t.Fatalf("Search(k=0) error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Search(k=0) = %d hits, want 0", len(hits))
	}

	if _, err := s.Search(context.Background(), "whatever", []float32{1}, -1); err == nil {
		t.Error("Search(k=-1) should fail")
	}
}

func TestRedisStoreDeleteAndExists(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	index := "test_" + t.Name()
	t.Cleanup(func() { cleanupIndex(t, s, index) })

	if err := s.Upsert(ctx, index, "x", []float32{1, 2}, map[string]interface{}{"content": "x"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	ok, err := s.Exists(ctx, index, "x")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
	}

	if err := s.Delete(ctx, index, "x"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	ok, err = s.Exists(ctx, index, "x")
	if err != nil {
		t.Fatalf("Exists() after delete error = %v", err)
	}
	if ok {
		t.Error("Exists() after delete = true, want false")
	}
}

func TestRedisStoreScroll(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	index := "test_" + t.Name()
	t.Cleanup(func() { cleanupIndex(t, s, index) })

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := s.Upsert(ctx, index, id, []float32{1}, map[string]interface{}{"content": id}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}

	var (
		seen   []string
		cursor string
	)
	for {
		page, next, err := s.Scroll(ctx, index, 2, cursor)
		if err != nil {
			t.Fatalf("Scroll() error = %v", err)
		}
		for _, p := range page {
			seen = append(seen, p.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 5 {
		t.Errorf("scrolled %d ids, want 5: %v", len(seen), seen)
	}
}
