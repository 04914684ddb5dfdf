// Package worker consumes queued jobs, runs agent turns and delivers the
// results: outbound webhook, pub/sub notification and metrics. Failed jobs
// are optionally rescheduled with backoff.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/queue"
)

const (
	// Group is the consumer group all workers read through.
	Group = "workers"

	defaultWorkers = 3
	idleSleep      = 100 * time.Millisecond
	errorSleep     = time.Second
	webhookTimeout = 10 * time.Second
)

// AgentSource resolves agent configurations. Satisfied by *agent.Registry.
type AgentSource interface {
	Get(id string) (*agent.Config, bool)
}

// Processor runs one buffered agent turn. Satisfied by *reasoning.Engine.
type Processor interface {
	Process(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) (*model.AgentResponse, error)
}

// MetricsRecorder records processed messages. Satisfied by
// *metrics.Recorder.
type MetricsRecorder interface {
	RecordMessage(ctx context.Context, s metrics.Sample)
}

// Options tunes the pool.
type Options struct {
	Workers      int
	RetryEnabled bool
}

// Pool runs N consumers over the job stream.
type Pool struct {
	q       *queue.Client
	agents  AgentSource
	engine  Processor
	metrics MetricsRecorder
	retry   *RetryService
	http    *http.Client

	workers      int
	retryEnabled bool
}

// NewPool wires a pool. retry may be nil when retries are disabled.
func NewPool(q *queue.Client, agents AgentSource, engine Processor, recorder MetricsRecorder, retry *RetryService, opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pool{
		q:            q,
		agents:       agents,
		engine:       engine,
		metrics:      recorder,
		retry:        retry,
		http:         &http.Client{Timeout: webhookTimeout},
		workers:      workers,
		retryEnabled: opts.RetryEnabled && retry != nil,
	}
}

// Run blocks until ctx is canceled or a consumer fails unrecoverably.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return p.consume(ctx, consumer) })
	}
	if p.retryEnabled {
		g.Go(func() error { return p.retry.RunScheduler(ctx) })
	}
	slog.Info("worker: pool started", "workers", p.workers, "retry_enabled", p.retryEnabled)
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, consumer string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := p.q.Read(ctx, Group, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker: read failed", "consumer", consumer, "error", err)
			sleep(ctx, errorSleep)
			continue
		}
		if msg == nil {
			continue
		}

		p.processJob(ctx, consumer, msg)
		sleep(ctx, idleSleep)
	}
}

// processJob runs one job end to end. The message is always acked: a job
// that failed processing must not loop through redelivery, the retry
// scheduler owns re-execution.
func (p *Pool) processJob(ctx context.Context, consumer string, msg *queue.StreamMessage) {
	job := msg.Job
	defer func() {
		if err := p.q.Ack(ctx, Group, msg.ID); err != nil {
			slog.Error("worker: ack failed", "consumer", consumer, "job_id", job.JobID, "error", err)
		}
	}()

	cfg, ok := p.agents.Get(job.AgentID)
	if !ok {
		slog.Warn("worker: job for unknown agent dropped",
			"consumer", consumer, "job_id", job.JobID, "agent_id", job.AgentID)
		return
	}

	start := time.Now()
	resp, perr := p.engine.Process(ctx, cfg, job.Message, job.History)
	defer func() {
		tokens := 0
		if resp != nil {
			tokens = resp.TokensUsed
		}
		p.metrics.RecordMessage(ctx, metrics.Sample{
			AgentID:      job.AgentID,
			UserID:       job.Message.UserID,
			Channel:      string(job.Message.Channel),
			ResponseTime: time.Since(start).Seconds(),
			TokensUsed:   tokens,
			Success:      perr == nil,
		})
	}()

	if url := outputURL(job, cfg); url != "" {
		p.postWebhook(ctx, url, resp)
	}

	if err := p.q.Publish(ctx, "agent_response:"+job.AgentID, resp); err != nil {
		slog.Error("worker: publish response failed", "job_id", job.JobID, "error", err)
	}

	if p.retryEnabled {
		if perr != nil {
			if err := p.retry.RecordFailure(ctx, job, perr.Error()); err != nil {
				slog.Error("worker: record failure failed", "job_id", job.JobID, "error", err)
			}
		} else if err := p.retry.Resolve(ctx, job.JobID); err != nil {
			slog.Error("worker: resolve retry state failed", "job_id", job.JobID, "error", err)
		}
	}

	slog.Info("worker: job processed",
		"consumer", consumer, "job_id", job.JobID, "agent_id", job.AgentID,
		"duration", time.Since(start), "success", perr == nil)
}

// outputURL prefers the per-job override over the agent default.
func outputURL(job model.Job, cfg *agent.Config) string {
	if job.WebhookOutputURL != "" {
		return job.WebhookOutputURL
	}
	return cfg.WebhookOutputURL
}

// postWebhook delivers the response to the configured endpoint. Failures
// are logged only: delivery is best-effort and never fails the job.
func (p *Pool) postWebhook(ctx context.Context, url string, resp *model.AgentResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("worker: marshal webhook payload failed", "url", url, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		slog.Error("worker: build webhook request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.http.Do(req)
	if err != nil {
		slog.Error("worker: webhook delivery failed", "url", url, "error", err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		slog.Error("worker: webhook rejected", "url", url, "status", res.StatusCode)
		return
	}
	slog.Debug("worker: webhook delivered", "url", url, "status", res.StatusCode)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
