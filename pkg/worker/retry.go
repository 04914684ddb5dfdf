package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rbranco/agentapi/pkg/model"
	"github.com/rbranco/agentapi/pkg/queue"
)

const (
	maxRetries     = 3
	failedJobTTL   = 24 * time.Hour
	retryQueueKey  = "retry:queue"
	deadLetterKey  = "dlq:jobs"
	deadLetterKept = 10000

	// schedulerInterval is how often due retries are re-enqueued.
	schedulerInterval = 30 * time.Second
)

func failedJobKey(jobID string) string { return "retry:failed:" + jobID }
func attemptsKey(jobID string) string  { return "retry:attempts:" + jobID }

// FailedJob is the persisted retry record of one failed job. It carries the
// full job payload so the scheduler can re-enqueue without the original
// producer.
type FailedJob struct {
	JobID       string    `json:"job_id"`
	AgentID     string    `json:"agent_id"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
	FailedAt    string    `json:"failed_at"`
	NextRetryAt string    `json:"next_retry_at"`
	Job         model.Job `json:"job"`
}

// RetryService schedules failed jobs for re-processing with exponential
// backoff and parks them in the dead-letter list once the attempts run out.
// Re-enqueued jobs get fresh ids, so consumed attempts follow the job
// through a side key.
type RetryService struct {
	q *queue.Client
}

// NewRetryService wraps the shared Redis client.
func NewRetryService(q *queue.Client) *RetryService {
	return &RetryService{q: q}
}

// AttemptsOf returns how many retries the job has already consumed.
func (s *RetryService) AttemptsOf(ctx context.Context, jobID string) int {
	n, err := s.q.GetInt(ctx, attemptsKey(jobID))
	if err != nil {
		return 0
	}
	return int(n)
}

// RecordFailure registers one failed attempt. After maxRetries the job goes
// to the dead-letter list instead of being rescheduled.
func (s *RetryService) RecordFailure(ctx context.Context, job model.Job, errMsg string) error {
	attempts := s.AttemptsOf(ctx, job.JobID)
	if attempts >= maxRetries {
		return s.moveToDeadLetter(ctx, job, errMsg)
	}

	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Minute
	now := time.Now()

	record := FailedJob{
		JobID:       job.JobID,
		AgentID:     job.AgentID,
		Error:       errMsg,
		RetryCount:  attempts + 1,
		FailedAt:    now.UTC().Format(time.RFC3339),
		NextRetryAt: now.Add(backoff).UTC().Format(time.RFC3339),
		Job:         job,
	}
	if err := s.q.SetJSON(ctx, failedJobKey(job.JobID), record, failedJobTTL); err != nil {
		return fmt.Errorf("worker: store failed job %s: %w", job.JobID, err)
	}
	if err := s.q.ZAdd(ctx, retryQueueKey, float64(now.Add(backoff).Unix()), job.JobID); err != nil {
		return fmt.Errorf("worker: schedule retry for %s: %w", job.JobID, err)
	}

	slog.Info("worker: job scheduled for retry",
		"job_id", job.JobID, "agent_id", job.AgentID, "attempt", attempts+1, "backoff", backoff)
	return nil
}

// DueJobs returns the retry records whose backoff has elapsed.
func (s *RetryService) DueJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := s.q.ZRangeByScore(ctx, retryQueueKey, math.Inf(-1), float64(time.Now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("worker: read retry queue: %w", err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}

	jobs := make([]FailedJob, 0, len(ids))
	for _, id := range ids {
		var record FailedJob
		found, err := s.q.GetJSON(ctx, failedJobKey(id), &record)
		if err != nil || !found {
			// Record expired; drop the orphaned queue entry.
			_ = s.q.ZRem(ctx, retryQueueKey, id)
			continue
		}
		jobs = append(jobs, record)
	}
	return jobs, nil
}

// Resolve removes a job from the retry bookkeeping.
func (s *RetryService) Resolve(ctx context.Context, jobID string) error {
	if err := s.q.ZRem(ctx, retryQueueKey, jobID); err != nil {
		return fmt.Errorf("worker: remove retry entry %s: %w", jobID, err)
	}
	return s.q.Delete(ctx, failedJobKey(jobID), attemptsKey(jobID))
}

// RunScheduler re-enqueues due retries until ctx is canceled.
func (s *RetryService) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.enqueueDue(ctx); err != nil {
				slog.Error("worker: retry scheduler pass failed", "error", err)
			}
		}
	}
}

func (s *RetryService) enqueueDue(ctx context.Context) error {
	due, err := s.DueJobs(ctx, 10)
	if err != nil {
		return err
	}
	for _, record := range due {
		newID, err := s.q.Enqueue(ctx, record.Job)
		if err != nil {
			slog.Error("worker: re-enqueue failed", "job_id", record.JobID, "error", err)
			continue
		}
		// Carry the consumed attempts onto the new job id.
		if _, err := s.q.IncrBy(ctx, attemptsKey(newID), int64(record.RetryCount)); err != nil {
			slog.Error("worker: carry attempts failed", "job_id", newID, "error", err)
		}
		_ = s.q.Expire(ctx, attemptsKey(newID), failedJobTTL)

		if err := s.Resolve(ctx, record.JobID); err != nil {
			slog.Error("worker: resolve retry entry failed", "job_id", record.JobID, "error", err)
		}
		slog.Info("worker: job re-enqueued",
			"old_job_id", record.JobID, "job_id", newID,
			"agent_id", record.AgentID, "attempt", record.RetryCount)
	}
	return nil
}

// DeadLetters returns the newest dead-letter records.
func (s *RetryService) DeadLetters(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.q.LRange(ctx, deadLetterKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("worker: read dead letters: %w", err)
	}
	out := make([]FailedJob, 0, len(raw))
	for _, line := range raw {
		var record FailedJob
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *RetryService) moveToDeadLetter(ctx context.Context, job model.Job, errMsg string) error {
	record := FailedJob{
		JobID:      job.JobID,
		AgentID:    job.AgentID,
		Error:      errMsg,
		RetryCount: maxRetries,
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
		Job:        job,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("worker: marshal dead letter %s: %w", job.JobID, err)
	}
	if err := s.q.LPush(ctx, deadLetterKey, string(raw)); err != nil {
		return fmt.Errorf("worker: push dead letter %s: %w", job.JobID, err)
	}
	if err := s.q.LTrim(ctx, deadLetterKey, 0, deadLetterKept-1); err != nil {
		return fmt.Errorf("worker: trim dead letters: %w", err)
	}

	slog.Warn("worker: job moved to dead letter queue",
		"job_id", job.JobID, "agent_id", job.AgentID, "error", errMsg)
	return nil
}
