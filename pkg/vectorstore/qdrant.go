package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

const (
	connectAttempts = 30
	connectBackoff  = time.Second
)

// QdrantStore is the persistent backend, talking gRPC to a Qdrant server.
type QdrantStore struct {
	client *qdrant.Client
}

// QdrantOptions configures the connection. URL accepts forms like
// "qdrant:6334", "http://qdrant:6334" or "https://host".
type QdrantOptions struct {
	URL    string
	APIKey string
}

// NewQdrantStore connects to Qdrant, retrying for up to thirty seconds so
// the service can start before the vector database is ready.
func NewQdrantStore(ctx context.Context, opts QdrantOptions) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(opts.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create qdrant client: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if _, lastErr = client.ListCollections(ctx); lastErr == nil {
			return &QdrantStore{client: client}, nil
		}
		slog.Warn("vectorstore: qdrant not ready", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("vectorstore: qdrant unreachable after %d attempts: %w", connectAttempts, lastErr)
}

func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	if raw == "" {
		return "localhost", 6334, false, nil
	}
	s := raw
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", 0, false, fmt.Errorf("vectorstore: parse qdrant url %q: %w", raw, err)
	}
	host = u.Hostname()
	port = 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("vectorstore: parse qdrant port %q: %w", p, err)
		}
	}
	return host, port, u.Scheme == "https", nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("vectorstore: create collection %s: %w", name, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, name, id string, vector []float32, payload map[string]interface{}) error {
	if err := s.EnsureCollection(ctx, name, len(vector)); err != nil {
		return err
	}

	converted := make(map[string]*qdrant.Value, len(payload))
	for key, value := range payload {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("vectorstore: convert payload key %s: %w", key, err)
		}
		converted[key] = val
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: converted,
		}},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert point %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, name, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete point %s from %s: %w", id, name, err)
	}
	return nil
}

func (s *QdrantStore) Count(ctx context.Context, name string) (int64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: name})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %s: %w", name, err)
	}
	return int64(count), nil
}

func (s *QdrantStore) Scroll(ctx context.Context, name string, limit int, cursor string) ([]Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		req.Offset = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: cursor}}
	}

	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("vectorstore: scroll %s: %w", name, err)
	}

	points := make([]Point, 0, len(resp.Result))
	for _, rp := range resp.Result {
		points = append(points, Point{
			ID:      pointIDString(rp.Id),
			Payload: convertPayload(rp.Payload),
		})
	}

	next := ""
	if resp.NextPageOffset != nil {
		next = pointIDString(resp.NextPageOffset)
	}
	return points, next, nil
}

func (s *QdrantStore) Search(ctx context.Context, name string, vector []float32, topK int) ([]Point, error) {
	if topK < 0 {
		return nil, fmt.Errorf("vectorstore: top_k must not be negative")
	}
	if topK == 0 {
		return nil, nil
	}

	resp, err := s.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %s: %w", name, err)
	}

	results := make([]Point, 0, len(resp.Result))
	for _, sp := range resp.Result {
		results = append(results, Point{
			ID:      pointIDString(sp.Id),
			Score:   float64(sp.Score),
			Payload: convertPayload(sp.Payload),
		})
	}
	return results, nil
}

func (s *QdrantStore) Exists(ctx context.Context, name, id string) (bool, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: name,
		Ids:            []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
	})
	if err != nil {
		return false, fmt.Errorf("vectorstore: get point %s from %s: %w", id, name, err)
	}
	return len(points) > 0, nil
}

func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list collections: %w", err)
	}
	return names, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return strconv.FormatUint(v.Num, 10)
	}
	return ""
}

func convertPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		out[key] = convertValue(value)
	}
	return out
}

func convertValue(value *qdrant.Value) interface{} {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]interface{}, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = convertValue(item)
		}
		return list
	case *qdrant.Value_StructValue:
		if v.StructValue == nil {
			return nil
		}
		return convertPayload(v.StructValue.Fields)
	default:
		return nil
	}
}

var _ Store = (*QdrantStore)(nil)
