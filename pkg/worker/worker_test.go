package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/metrics"
	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/queue"
)

type fakeAgents struct {
	configs map[string]*agent.Config
}

func (f *fakeAgents) Get(id string) (*agent.Config, bool) {
	cfg, ok := f.configs[id]
	return cfg, ok
}

type fakeEngine struct {
	mu        sync.Mutex
	processed []model.Job
	response  *model.AgentResponse
	err       error
}

func (f *fakeEngine) Process(ctx context.Context, cfg *agent.Config, msg model.Message, history []model.HistoryEntry) (*model.AgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, model.Job{AgentID: cfg.ID, Message: msg, History: history})
	return f.response, f.err
}

type fakeMetrics struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (f *fakeMetrics) RecordMessage(ctx context.Context, s metrics.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

func (f *fakeMetrics) all() []metrics.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]metrics.Sample(nil), f.samples...)
}

func TestOutputURLPrefersJobOverride(t *testing.T) {
	cfg := &agent.Config{ID: "a", WebhookOutputURL: "https://default.example"}
	if got := outputURL(model.Job{WebhookOutputURL: "https://job.example"}, cfg); got != "https://job.example" {
		t.Errorf("outputURL = %q", got)
	}
	if got := outputURL(model.Job{}, cfg); got != "https://default.example" {
		t.Errorf("outputURL fallback = %q", got)
	}
}

func TestPostWebhookDeliversJSON(t *testing.T) {
	var received *model.AgentResponse
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var resp model.AgentResponse
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received = &resp
	}))
	defer srv.Close()

	p := &Pool{http: srv.Client()}
	p.postWebhook(context.Background(), srv.URL,
		&model.AgentResponse{AgentID: "a", Response: "olá", TokensUsed: 7})

	if received == nil || received.Response != "olá" || received.TokensUsed != 7 {
		t.Errorf("received = %+v", received)
	}
}

func TestPostWebhookFailureIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &Pool{http: srv.Client()}
	// Must not panic or fail the job.
	p.postWebhook(context.Background(), srv.URL, &model.AgentResponse{AgentID: "a"})
	p.postWebhook(context.Background(), "http://127.0.0.1:1", &model.AgentResponse{AgentID: "a"})
}

// Integration tests against a live Redis. Set REDIS_ADDR to enable.
func newTestQueue(t *testing.T) *queue.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	c, err := queue.New(context.Background(), queue.Options{Addr: addr, Stream: "test_worker_" + t.Name()})
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPoolProcessesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engine := &fakeEngine{response: &model.AgentResponse{AgentID: "eco", Response: "pronto", TokensUsed: 3}}
	rec := &fakeMetrics{}
	pool := NewPool(q,
		&fakeAgents{configs: map[string]*agent.Config{"eco": {ID: "eco", Model: "m", SystemPrompt: "p"}}},
		engine, rec, nil, Options{Workers: 1})

	sub := q.Subscribe(ctx, "agent_response:eco")
	defer sub.Close()

	if _, err := q.Enqueue(ctx, model.Job{AgentID: "eco", Message: model.Message{UserID: "u", Text: "oi", Channel: model.ChannelWeb}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	received, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("no response published: %v", err)
	}
	var resp model.AgentResponse
	if err := json.Unmarshal([]byte(received.Payload), &resp); err != nil {
		t.Fatalf("decode published response: %v", err)
	}
	if resp.Response != "pronto" {
		t.Errorf("published response = %+v", resp)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	samples := rec.all()
	if len(samples) != 1 || !samples[0].Success || samples[0].TokensUsed != 3 {
		t.Errorf("samples = %+v", samples)
	}
}

func TestPoolDropsUnknownAgent(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	engine := &fakeEngine{response: &model.AgentResponse{}}
	rec := &fakeMetrics{}
	pool := NewPool(q, &fakeAgents{configs: map[string]*agent.Config{}}, engine, rec, nil, Options{Workers: 1})

	if _, err := q.Enqueue(ctx, model.Job{AgentID: "fantasma", Message: model.Message{UserID: "u", Text: "oi"}}); err != nil {
		t.Fatal(err)
	}

	runCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	if err := pool.Run(runCtx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	engine.mu.Lock()
	processed := len(engine.processed)
	engine.mu.Unlock()
	if processed != 0 {
		t.Errorf("unknown agent was processed %d times", processed)
	}
	if len(rec.all()) != 0 {
		t.Errorf("metrics recorded for dropped job: %+v", rec.all())
	}
}

func TestRetryRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	s := NewRetryService(q)

	job := model.Job{JobID: "job-retry-" + t.Name(), AgentID: "eco",
		Message: model.Message{UserID: "u", Text: "oi"}}
	t.Cleanup(func() { _ = s.Resolve(ctx, job.JobID) })

	if err := s.RecordFailure(ctx, job, "timeout"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	// Backoff of the first attempt is one minute, so nothing is due yet.
	due, err := s.DueJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range due {
		if d.JobID == job.JobID {
			t.Error("job due before backoff elapsed")
		}
	}

	var record FailedJob
	found, err := q.GetJSON(ctx, failedJobKey(job.JobID), &record)
	if err != nil || !found {
		t.Fatalf("failed job record missing: found=%v err=%v", found, err)
	}
	if record.RetryCount != 1 || record.Job.Message.Text != "oi" {
		t.Errorf("record = %+v", record)
	}

	if err := s.Resolve(ctx, job.JobID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if found, _ := q.GetJSON(ctx, failedJobKey(job.JobID), &record); found {
		t.Error("record still present after Resolve")
	}
}

func TestRetryExhaustionGoesToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	s := NewRetryService(q)

	job := model.Job{JobID: "job-dlq-" + t.Name(), AgentID: "eco"}
	if _, err := q.IncrBy(ctx, attemptsKey(job.JobID), maxRetries); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Resolve(ctx, job.JobID) })

	if err := s.RecordFailure(ctx, job, errors.New("permanent").Error()); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	letters, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range letters {
		if l.JobID == job.JobID && l.RetryCount == maxRetries {
			found = true
		}
	}
	if !found {
		t.Errorf("dead letters = %+v", letters)
	}
}
