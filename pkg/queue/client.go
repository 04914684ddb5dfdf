// Package queue wraps the Redis transport used for durable job delivery,
// pub/sub notification, caching and metric counters.
//
// Jobs travel over a Redis stream read through a consumer group, giving
// at-least-once delivery with per-message acknowledgement. Everything else
// (cache, counters, lists, sorted sets, sets) is plain keyspace access used
// by the metrics, retry and vector-cache layers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbranco/agentapi/pkg/model"
)

// ReadBlock is how long a consumer-group read blocks before returning empty.
// Keeping it short bounds worker shutdown latency.
const ReadBlock = time.Second

// StreamMessage is one delivered queue entry, carrying the id needed to ack.
type StreamMessage struct {
	ID  string
	Job model.Job
}

// Options configures a Client.
type Options struct {
	Addr   string
	DB     int
	Stream string
}

// Client is a thin facade over go-redis scoped to the service's usage.
// Safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	stream string

	mu     sync.Mutex
	groups map[string]struct{}
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: connect to redis at %s: %w", opts.Addr, err)
	}
	return &Client{
		rdb:    rdb,
		stream: opts.Stream,
		groups: make(map[string]struct{}),
	}, nil
}

// NewFromClient wraps an existing redis client. Used by tests and by
// components that share the connection pool.
func NewFromClient(rdb *redis.Client, stream string) *Client {
	return &Client{rdb: rdb, stream: stream, groups: make(map[string]struct{})}
}

// Redis exposes the underlying client for components that need raw keyspace
// access (vector cache, rate limiter).
func (c *Client) Redis() *redis.Client { return c.rdb }

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping reports broker liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ============================================================================
// Stream: enqueue / read / ack
// ============================================================================

// Enqueue appends a job to the stream and returns its generated job id.
// The job's JobID and CreatedAt are assigned here.
func (c *Client) Enqueue(ctx context.Context, job model.Job) (string, error) {
	job.JobID = uuid.New().String()
	job.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{
			"job_id": job.JobID,
			"data":   string(data),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue job: %w", err)
	}
	return job.JobID, nil
}

// Read performs a blocking consumer-group read of at most one message.
// The group is created from offset 0 on first use; a concurrent create by
// another worker is not an error. Returns (nil, nil) when the block interval
// elapses with nothing to deliver.
func (c *Client) Read(ctx context.Context, group, consumer string) (*StreamMessage, error) {
	if err := c.ensureGroup(ctx, group); err != nil {
		return nil, err
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    ReadBlock,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read group %s: %w", group, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	raw, _ := msg.Values["data"].(string)

	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", msg.ID, err)
	}
	return &StreamMessage{ID: msg.ID, Job: job}, nil
}

// Ack acknowledges one delivered message for the group.
func (c *Client) Ack(ctx context.Context, group, msgID string) error {
	if err := c.rdb.XAck(ctx, c.stream, group, msgID).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", msgID, err)
	}
	return nil
}

func (c *Client) ensureGroup(ctx context.Context, group string) error {
	c.mu.Lock()
	_, done := c.groups[group]
	c.mu.Unlock()
	if done {
		return nil
	}

	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group %s: %w", group, err)
	}

	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
	return nil
}

// ============================================================================
// Pub/sub
// ============================================================================

// Publish sends a JSON payload to a channel. Best effort: subscribers may
// not exist.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal publish payload: %w", err)
	}
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe returns a go-redis subscription for a channel.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// ============================================================================
// Key-value cache
// ============================================================================

// SetJSON stores a JSON-encoded value with a TTL (0 means no expiry).
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("queue: marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads a JSON value into dest. Returns false when the key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("queue: decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// ============================================================================
// Counters, lists, sorted sets, sets
// ============================================================================

// IncrBy increments a counter and returns the new value.
func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, n).Result()
}

// GetInt reads an integer counter, zero when absent.
func (c *Client) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Expire sets a TTL on a key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.rdb.LPush(ctx, key, values...).Err()
}

// LTrim trims a list to the index range [start, stop].
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// LRange reads a slice of a list.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// ZAdd inserts a member with a score into a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with scores in [min, max].
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.ZRem(ctx, key, members...).Err()
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers lists the members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SCard returns the cardinality of a set.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}
