package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// searchBatchSize bounds how many embeddings one pipeline round-trip fetches
// during brute-force search.
const searchBatchSize = 200

// RedisStore is the fallback backend: documents and embeddings live as cache
// keys, a per-index set tracks membership, and search is brute-force cosine
// over all members.
//
// Keyspace:
//
//	rag:index:<index>:documents   set of document ids
//	rag:embedding:<index>:<id>    JSON float array
//	rag:doc:<index>:<id>          hash {content, metadata}
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func membersKey(index string) string       { return "rag:index:" + index + ":documents" }
func embeddingKey(index, id string) string { return "rag:embedding:" + index + ":" + id }
func documentKey(index, id string) string  { return "rag:doc:" + index + ":" + id }

// EnsureCollection is a no-op: indexes exist implicitly once a document is
// added.
func (s *RedisStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, name, id string, vector []float32, payload map[string]interface{}) error {
	emb, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal embedding %s: %w", id, err)
	}

	content, _ := payload["content"].(string)
	meta := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k != "content" {
			meta[k] = v
		}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal metadata %s: %w", id, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, embeddingKey(name, id), emb, 0)
	pipe.HSet(ctx, documentKey(name, id), "content", content, "metadata", string(metaJSON))
	pipe.SAdd(ctx, membersKey(name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vectorstore: upsert %s in %s: %w", id, name, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, embeddingKey(name, id), documentKey(name, id))
	pipe.SRem(ctx, membersKey(name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("vectorstore: delete %s from %s: %w", id, name, err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, name string) (int64, error) {
	n, err := s.rdb.SCard(ctx, membersKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %s: %w", name, err)
	}
	return n, nil
}

// Scroll pages through member ids in sorted order; the cursor is the numeric
// offset into that ordering.
func (s *RedisStore) Scroll(ctx context.Context, name string, limit int, cursor string) ([]Point, string, error) {
	ids, err := s.rdb.SMembers(ctx, membersKey(name)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("vectorstore: scroll %s: %w", name, err)
	}
	sort.Strings(ids)

	offset := 0
	if cursor != "" {
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return nil, "", fmt.Errorf("vectorstore: invalid scroll cursor %q", cursor)
		}
	}
	if offset >= len(ids) {
		return nil, "", nil
	}

	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}
	page := ids[offset:end]

	points, err := s.fetchDocuments(ctx, name, page)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if end < len(ids) {
		next = strconv.Itoa(end)
	}
	return points, next, nil
}

func (s *RedisStore) Search(ctx context.Context, name string, vector []float32, topK int) ([]Point, error) {
	if topK < 0 {
		return nil, fmt.Errorf("vectorstore: top_k must not be negative")
	}
	if topK == 0 {
		return nil, nil
	}

	ids, err := s.rdb.SMembers(ctx, membersKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("vectorstore: members of %s: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(ids))

	for start := 0; start < len(ids); start += searchBatchSize {
		end := start + searchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.Get(ctx, embeddingKey(name, id))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("vectorstore: fetch embeddings for %s: %w", name, err)
		}

		for i, cmd := range cmds {
			raw, err := cmd.Bytes()
			if err != nil {
				continue
			}
			var emb []float32
			if err := json.Unmarshal(raw, &emb); err != nil {
				continue
			}
			scores = append(scores, scored{id: batch[i], score: CosineSimilarity(vector, emb)})
		}
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if len(scores) > topK {
		scores = scores[:topK]
	}

	top := make([]string, len(scores))
	for i, sc := range scores {
		top[i] = sc.id
	}
	points, err := s.fetchDocuments(ctx, name, top)
	if err != nil {
		return nil, err
	}
	for i := range points {
		points[i].Score = scores[i].score
	}
	return points, nil
}

func (s *RedisStore) Exists(ctx context.Context, name, id string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, membersKey(name), id).Result()
	if err != nil {
		return false, fmt.Errorf("vectorstore: exists %s in %s: %w", id, name, err)
	}
	return ok, nil
}

func (s *RedisStore) ListCollections(ctx context.Context) ([]string, error) {
	var (
		names  []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "rag:index:*:documents", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("vectorstore: list indexes: %w", err)
		}
		for _, key := range keys {
			name := strings.TrimSuffix(strings.TrimPrefix(key, "rag:index:"), ":documents")
			names = append(names, name)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op: the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) fetchDocuments(ctx context.Context, name string, ids []string) ([]Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, documentKey(name, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("vectorstore: fetch documents for %s: %w", name, err)
	}

	points := make([]Point, len(ids))
	for i, cmd := range cmds {
		fields, _ := cmd.Result()
		payload := map[string]interface{}{"content": fields["content"]}
		if raw := fields["metadata"]; raw != "" {
			var meta map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				for k, v := range meta {
					payload[k] = v
				}
			}
		}
		points[i] = Point{ID: ids[i], Payload: payload}
	}
	return points, nil
}

var _ Store = (*RedisStore)(nil)
