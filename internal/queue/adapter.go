// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/mediaqueue/internal/config"
)

// Adapter is the priority-ordered, Redis-backed job queue: enqueue, lease
// (process), progress reporting, and retention pruning, generalized from
// the worker's original inline Redis calls so both the submission service
// and the worker runtime share one implementation of the wire contract.
type Adapter struct {
	cfg *config.Config
	rdb *redis.Client
}

func NewAdapter(cfg *config.Config, rdb *redis.Client) *Adapter {
	return &Adapter{cfg: cfg, rdb: rdb}
}

// Enqueue pushes a job onto the Redis list for its priority class.
func (a *Adapter) Enqueue(ctx context.Context, job Job) error {
	key := a.cfg.Worker.Queues[job.PriorityClass]
	if key == "" {
		key = a.cfg.Worker.Queues[a.cfg.Producer.DefaultPriority]
	}
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.QueueJobID, err)
	}
	if err := a.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.QueueJobID, err)
	}
	a.publishLifecycle(ctx, "job:queued", job.OperationID)
	return nil
}

// publishLifecycle fires an ephemeral job lifecycle event on the same
// pub/sub channel as progress ticks. Like progress, these are not durable:
// a client that missed job:queued still gets job:progress/completed and can
// infer state, so a publish failure here must not fail the enqueue/dequeue
// it's reporting on.
func (a *Adapter) publishLifecycle(ctx context.Context, eventType, operationID string) {
	_ = a.rdb.Publish(ctx, a.cfg.WebSocket.PubSubChannel,
		fmt.Sprintf(`{"type":%q,"operation_id":%q}`, eventType, operationID)).Err()
}

// Lease is a dequeued job along with the bookkeeping a worker needs to
// acknowledge, requeue, or dead-letter it.
type Lease struct {
	Job         Job
	Payload     string
	SourceQueue string
	ProcList    string
	HeartbeatKey string
}

// Dequeue polls each configured priority in order with BRPOPLPUSH, moving
// the claimed payload onto workerID's processing list and arming its
// heartbeat key. Returns ok=false if every priority timed out this round.
func (a *Adapter) Dequeue(ctx context.Context, workerID string) (Lease, bool, error) {
	procList := fmt.Sprintf(a.cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(a.cfg.Worker.HeartbeatKeyPattern, workerID)

	for _, p := range a.cfg.Worker.Priorities {
		key := a.cfg.Worker.Queues[p]
		if key == "" {
			continue
		}
		v, err := a.rdb.BRPopLPush(ctx, key, procList, a.cfg.Worker.BRPopLPushTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Lease{}, false, err
		}
		job, err := UnmarshalJob(v)
		if err != nil {
			// Poison payload: drop it from the processing list immediately so
			// it cannot loop forever, and report failure for this round.
			_ = a.rdb.LRem(ctx, procList, 1, v).Err()
			return Lease{}, false, fmt.Errorf("queue: unmarshal job from %s: %w", key, err)
		}
		if err := a.rdb.Set(ctx, hbKey, v, a.cfg.Worker.HeartbeatTTL).Err(); err != nil {
			return Lease{}, false, fmt.Errorf("queue: set heartbeat: %w", err)
		}
		a.publishLifecycle(ctx, "job:started", job.OperationID)
		return Lease{Job: job, Payload: v, SourceQueue: key, ProcList: procList, HeartbeatKey: hbKey}, true, nil
	}
	return Lease{}, false, nil
}

// Heartbeat renews a worker's lease key so the reaper does not treat it as
// abandoned while a long-running transcode is still in progress.
func (a *Adapter) Heartbeat(ctx context.Context, lease Lease) error {
	return a.rdb.Expire(ctx, lease.HeartbeatKey, a.cfg.Worker.HeartbeatTTL).Err()
}

// Ack removes the completed job from its processing list and clears its
// heartbeat, optionally appending it to a retention-bounded audit list.
func (a *Adapter) Ack(ctx context.Context, lease Lease, auditList string) error {
	pipe := a.rdb.TxPipeline()
	if auditList != "" {
		pipe.LPush(ctx, auditList, lease.Payload)
	}
	pipe.LRem(ctx, lease.ProcList, 1, lease.Payload)
	pipe.Del(ctx, lease.HeartbeatKey)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns a job (with its attempt count already incremented by the
// caller) to its source priority list for another attempt.
func (a *Adapter) Requeue(ctx context.Context, lease Lease, job Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal retry %s: %w", job.QueueJobID, err)
	}
	pipe := a.rdb.TxPipeline()
	pipe.LPush(ctx, lease.SourceQueue, payload)
	pipe.LRem(ctx, lease.ProcList, 1, lease.Payload)
	pipe.Del(ctx, lease.HeartbeatKey)
	_, err = pipe.Exec(ctx)
	return err
}

// Progress publishes an ephemeral percent-complete update for a job. Unlike
// outbox events, progress ticks are not durable: a missed tick is
// superseded by the next one, so this is a plain Redis pub/sub fire-and-forget.
func (a *Adapter) Progress(ctx context.Context, operationID string, percent int) error {
	return a.rdb.Publish(ctx, a.cfg.WebSocket.PubSubChannel, fmt.Sprintf(`{"type":"job:progress","operation_id":%q,"percent":%d}`, operationID, percent)).Err()
}

// Stats reports the current length of every priority queue plus the
// completed and dead-letter audit lists.
func (a *Adapter) Stats(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for class, key := range a.cfg.Worker.Queues {
		n, err := a.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out[class] = n
	}
	n, err := a.rdb.LLen(ctx, a.cfg.Worker.CompletedList).Result()
	if err != nil {
		return nil, err
	}
	out["completed"] = n
	n, err = a.rdb.LLen(ctx, a.cfg.Worker.DeadLetterList).Result()
	if err != nil {
		return nil, err
	}
	out["dead_letter"] = n
	return out, nil
}

// Peek returns up to n of the next items due to be dequeued from a priority
// queue, without removing them, for operator inspection.
func (a *Adapter) Peek(ctx context.Context, priorityClass string, n int64) ([]string, error) {
	key := a.cfg.Worker.Queues[priorityClass]
	if key == "" {
		return nil, fmt.Errorf("queue: unknown priority class %q", priorityClass)
	}
	if n <= 0 {
		n = 10
	}
	return a.rdb.LRange(ctx, key, -n, -1).Result()
}

// PurgeDeadLetter discards every job on the dead-letter list.
func (a *Adapter) PurgeDeadLetter(ctx context.Context) (int64, error) {
	n, err := a.rdb.LLen(ctx, a.cfg.Worker.DeadLetterList).Result()
	if err != nil {
		return 0, err
	}
	if err := a.rdb.Del(ctx, a.cfg.Worker.DeadLetterList).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// Prune trims the completed and dead-letter audit lists to their configured
// retention so they don't grow unbounded.
func (a *Adapter) Prune(ctx context.Context) error {
	if a.cfg.Worker.CompletedRetention > 0 {
		if err := a.rdb.LTrim(ctx, a.cfg.Worker.CompletedList, 0, int64(a.cfg.Worker.CompletedRetention)-1).Err(); err != nil {
			return err
		}
	}
	if a.cfg.Worker.DeadLetterRetention > 0 {
		if err := a.rdb.LTrim(ctx, a.cfg.Worker.DeadLetterList, 0, int64(a.cfg.Worker.DeadLetterRetention)-1).Err(); err != nil {
			return err
		}
	}
	return nil
}
