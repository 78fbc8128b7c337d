package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/mediaqueue/internal/config"
)

func testAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Redis.Addr = mr.Addr()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewAdapter(cfg, rdb), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	a, mr := testAdapter(t)
	defer mr.Close()
	ctx := context.Background()

	job := NewOperationJob("j1", "op1", "resize-image", nil, "high", TraceEnvelope{TraceID: "t1"})
	if err := a.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	lease, ok, err := a.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a job to be dequeued")
	}
	if lease.Job.OperationID != "op1" {
		t.Fatalf("expected operation id op1, got %s", lease.Job.OperationID)
	}
	if !mr.Exists("jobqueue:processing:worker:w1") {
		t.Fatal("expected heartbeat key to be set")
	}

	if err := a.Ack(ctx, lease, "jobqueue:completed"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("jobqueue:processing:worker:w1") {
		t.Fatal("expected heartbeat key to be cleared after ack")
	}
	n, _ := mr.List("jobqueue:completed")
	if len(n) != 1 {
		t.Fatalf("expected 1 entry on completed audit list, got %d", len(n))
	}
}

func TestRequeueReturnsToSourceQueue(t *testing.T) {
	a, mr := testAdapter(t)
	defer mr.Close()
	ctx := context.Background()

	job := NewOperationJob("j2", "op2", "convert-image", nil, "low", TraceEnvelope{})
	if err := a.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	lease, ok, err := a.Dequeue(ctx, "w1")
	if err != nil || !ok {
		t.Fatalf("expected dequeue to succeed, ok=%v err=%v", ok, err)
	}

	lease.Job.AttemptsMade++
	if err := a.Requeue(ctx, lease, lease.Job); err != nil {
		t.Fatal(err)
	}
	n, err := mr.List(lease.SourceQueue)
	if err != nil {
		t.Fatal(err)
	}
	if len(n) != 1 {
		t.Fatalf("expected requeued job back on source queue, got %d entries", len(n))
	}
}

func TestPruneTrimsAuditLists(t *testing.T) {
	a, mr := testAdapter(t)
	defer mr.Close()
	a.cfg.Worker.CompletedRetention = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mr.Lpush(a.cfg.Worker.CompletedList, "x")
	}
	if err := a.Prune(ctx); err != nil {
		t.Fatal(err)
	}
	n, _ := mr.List(a.cfg.Worker.CompletedList)
	if len(n) != 2 {
		t.Fatalf("expected retention to trim list to 2, got %d", len(n))
	}
}
