package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rbranco/agentapi/pkg/model"
)

// Integration tests against a live Redis. Set REDIS_ADDR to enable,
// e.g. REDIS_ADDR=localhost:6379 go test ./pkg/queue/...
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	c, err := New(context.Background(), Options{
		Addr:   addr,
		Stream: "test_stream_" + t.Name(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		c.Redis().Del(context.Background(), c.stream)
		c.Close()
	})
	return c
}

func TestEnqueueReadAck(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	jobID, err := c.Enqueue(ctx, model.Job{
		AgentID: "echo",
		Message: model.Message{Text: "hello", Channel: model.ChannelWeb},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if jobID == "" {
		t.Fatal("Enqueue() returned empty job id")
	}

	msg, err := c.Read(ctx, "workers", "worker-test")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if msg == nil {
		t.Fatal("Read() returned no message")
	}
	if msg.Job.JobID != jobID {
		t.Errorf("job id = %q, want %q", msg.Job.JobID, jobID)
	}
	if msg.Job.Message.Text != "hello" {
		t.Errorf("message text = %q, want hello", msg.Job.Message.Text)
	}
	if msg.Job.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on enqueue")
	}

	if err := c.Ack(ctx, "workers", msg.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// Stream must be drained for this group after ack.
	again, err := c.Read(ctx, "workers", "worker-test")
	if err != nil {
		t.Fatalf("Read() after ack error = %v", err)
	}
	if again != nil {
		t.Errorf("Read() after ack = %+v, want nil", again)
	}
}

func TestReadEmptyReturnsNil(t *testing.T) {
	c := newTestClient(t)

	start := time.Now()
	msg, err := c.Read(context.Background(), "workers", "worker-test")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if msg != nil {
		t.Errorf("Read() on empty stream = %+v, want nil", msg)
	}
	if elapsed := time.Since(start); elapsed > 3*ReadBlock {
		t.Errorf("Read() blocked %v, want about %v", elapsed, ReadBlock)
	}
}

func TestCacheJSONRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	key := "test:cache:" + t.Name()
	defer c.Delete(ctx, key)

	if err := c.SetJSON(ctx, key, payload{Name: "x", Count: 2}, time.Minute); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var got payload
	found, err := c.GetJSON(ctx, key, &got)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !found {
		t.Fatal("GetJSON() found = false, want true")
	}
	if got.Name != "x" || got.Count != 2 {
		t.Errorf("GetJSON() = %+v", got)
	}

	found, err = c.GetJSON(ctx, key+":missing", &got)
	if err != nil {
		t.Fatalf("GetJSON() missing key error = %v", err)
	}
	if found {
		t.Error("GetJSON() on missing key should report not found")
	}
}
