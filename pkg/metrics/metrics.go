// Package metrics records per-agent and global processing counters in Redis
// and mirrors them to Prometheus. Redis is the queryable source the API
// serves; the Prometheus side exists for scraping.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rbranco/agentapi/pkg/queue"
)

const (
	// retentionTTL expires idle counters so removed agents fade out.
	retentionTTL = 30 * 24 * time.Hour

	responseTimesKept = 1000
	avgWindow         = 100
	logEntriesKept    = 10000
)

func agentKey(agentID, field string) string {
	return "metrics:agent:" + agentID + ":" + field
}

// Sample is one processed message to record.
type Sample struct {
	AgentID      string
	UserID       string
	Channel      string
	ResponseTime float64
	TokensUsed   int
	Success      bool
}

// AgentMetrics is the aggregated view of one agent. PeriodDays echoes the
// requested window; the counters themselves are lifetime totals.
type AgentMetrics struct {
	AgentID         string  `json:"agent_id"`
	PeriodDays      int     `json:"period_days"`
	Messages        int64   `json:"messages"`
	TokensUsed      int64   `json:"tokens_used"`
	SuccessCount    int64   `json:"success_count"`
	ErrorCount      int64   `json:"error_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// GlobalMetrics aggregates across all agents.
type GlobalMetrics struct {
	PeriodDays          int     `json:"period_days"`
	TotalMessages       int64   `json:"total_messages"`
	TotalTokens         int64   `json:"total_tokens"`
	AvgTokensPerMessage float64 `json:"avg_tokens_per_message"`
}

// Recorder writes and reads metrics. Recording failures are logged, never
// propagated: metrics must not take a turn down.
type Recorder struct {
	q *queue.Client

	promMessages *prometheus.CounterVec
	promTokens   *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
}

// NewRecorder wires the Redis-backed recorder and registers the Prometheus
// mirror on reg (prometheus.DefaultRegisterer in production).
func NewRecorder(q *queue.Client, reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		q: q,
		promMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentapi_messages_total",
			Help: "Messages processed, labeled by agent and outcome.",
		}, []string{"agent_id", "outcome"}),
		promTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentapi_tokens_total",
			Help: "Model tokens consumed per agent.",
		}, []string{"agent_id"}),
		promLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentapi_response_seconds",
			Help:    "End-to-end processing time per agent.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id"}),
	}
}

// RecordMessage registers one processed message.
func (r *Recorder) RecordMessage(ctx context.Context, s Sample) {
	r.incr(ctx, agentKey(s.AgentID, "messages"), 1)
	r.incr(ctx, "metrics:global:messages", 1)

	if s.TokensUsed > 0 {
		r.incr(ctx, agentKey(s.AgentID, "tokens"), int64(s.TokensUsed))
		r.incr(ctx, "metrics:global:tokens", int64(s.TokensUsed))
	}

	if s.Success {
		r.incr(ctx, agentKey(s.AgentID, "success"), 1)
	} else {
		r.incr(ctx, agentKey(s.AgentID, "errors"), 1)
	}

	if s.ResponseTime > 0 {
		r.pushTrimmed(ctx, agentKey(s.AgentID, "response_times"),
			strconv.FormatFloat(s.ResponseTime, 'f', -1, 64), responseTimesKept-1)
	}

	entry := map[string]interface{}{
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"agent_id":      s.AgentID,
		"user_id":       s.UserID,
		"channel":       s.Channel,
		"response_time": s.ResponseTime,
		"tokens_used":   s.TokensUsed,
		"success":       s.Success,
	}
	if raw, err := json.Marshal(entry); err == nil {
		r.pushTrimmed(ctx, "metrics:logs", string(raw), logEntriesKept-1)
	}

	outcome := "success"
	if !s.Success {
		outcome = "error"
	}
	r.promMessages.WithLabelValues(s.AgentID, outcome).Inc()
	if s.TokensUsed > 0 {
		r.promTokens.WithLabelValues(s.AgentID).Add(float64(s.TokensUsed))
	}
	if s.ResponseTime > 0 {
		r.promLatency.WithLabelValues(s.AgentID).Observe(s.ResponseTime)
	}
}

// AgentMetrics reads the aggregated counters of one agent.
func (r *Recorder) AgentMetrics(ctx context.Context, agentID string) (*AgentMetrics, error) {
	messages, err := r.q.GetInt(ctx, agentKey(agentID, "messages"))
	if err != nil {
		return nil, fmt.Errorf("metrics: read counters for %s: %w", agentID, err)
	}
	tokens, _ := r.q.GetInt(ctx, agentKey(agentID, "tokens"))
	success, _ := r.q.GetInt(ctx, agentKey(agentID, "success"))
	errCount, _ := r.q.GetInt(ctx, agentKey(agentID, "errors"))

	times, err := r.q.LRange(ctx, agentKey(agentID, "response_times"), 0, avgWindow-1)
	if err != nil {
		return nil, fmt.Errorf("metrics: read response times for %s: %w", agentID, err)
	}

	return &AgentMetrics{
		AgentID:         agentID,
		Messages:        messages,
		TokensUsed:      tokens,
		SuccessCount:    success,
		ErrorCount:      errCount,
		SuccessRate:     SuccessRate(success, errCount),
		AvgResponseTime: round3(averageTimes(times)),
	}, nil
}

// GlobalMetrics reads the service-wide counters.
func (r *Recorder) GlobalMetrics(ctx context.Context) (*GlobalMetrics, error) {
	messages, err := r.q.GetInt(ctx, "metrics:global:messages")
	if err != nil {
		return nil, fmt.Errorf("metrics: read global counters: %w", err)
	}
	tokens, _ := r.q.GetInt(ctx, "metrics:global:tokens")

	avg := 0.0
	if messages > 0 {
		avg = float64(tokens) / float64(messages)
	}
	return &GlobalMetrics{
		TotalMessages:       messages,
		TotalTokens:         tokens,
		AvgTokensPerMessage: avg,
	}, nil
}

// RecentLogs returns the newest structured log entries, most recent first.
func (r *Recorder) RecentLogs(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := r.q.LRange(ctx, "metrics:logs", 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("metrics: read logs: %w", err)
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, line := range raw {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// SuccessRate is success over attempted, three decimals; zero attempts yield
// zero rather than a division error.
func SuccessRate(success, errors int64) float64 {
	total := success + errors
	if total == 0 {
		return 0
	}
	return round3(float64(success) / float64(total))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func averageTimes(raw []string) float64 {
	if len(raw) == 0 {
		return 0
	}
	sum := 0.0
	n := 0
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *Recorder) incr(ctx context.Context, key string, n int64) {
	if _, err := r.q.IncrBy(ctx, key, n); err != nil {
		slog.Error("metrics: increment failed", "key", key, "error", err)
		return
	}
	if err := r.q.Expire(ctx, key, retentionTTL); err != nil {
		slog.Error("metrics: expire failed", "key", key, "error", err)
	}
}

func (r *Recorder) pushTrimmed(ctx context.Context, key, value string, keep int64) {
	if err := r.q.LPush(ctx, key, value); err != nil {
		slog.Error("metrics: push failed", "key", key, "error", err)
		return
	}
	if err := r.q.LTrim(ctx, key, 0, keep); err != nil {
		slog.Error("metrics: trim failed", "key", key, "error", err)
	}
	if err := r.q.Expire(ctx, key, retentionTTL); err != nil {
		slog.Error("metrics: expire failed", "key", key, "error", err)
	}
}
