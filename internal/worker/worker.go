// Copyright 2025 James Ross

// Package worker runs the pool of goroutines that dequeue jobs via
// queue.Adapter, supervise the external transcoder subprocess for each one,
// and hand the outcome to the finalizer. A circuit breaker shields the
// transcoder from a thundering herd of retries when it is unhealthy.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/breaker"
	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/finalizer"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/operation"
	"github.com/flowforge/mediaqueue/internal/queue"
	"github.com/flowforge/mediaqueue/internal/storage"
	"github.com/flowforge/mediaqueue/internal/transcoder"
)

type Worker struct {
	cfg       *config.Config
	log       *zap.Logger
	cb        *breaker.CircuitBreaker
	baseID    string
	queue     *queue.Adapter
	operation *operation.Store
	finalizer *finalizer.Finalizer
	layout    storage.Layout
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger, q *queue.Adapter, opStore *operation.Store, f *finalizer.Finalizer) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	pid := os.Getpid()
	now := time.Now().UnixNano()
	randSfx := fmt.Sprintf("%04x", now&0xffff)
	base := fmt.Sprintf("%s-%d-%d-%s", host, pid, now, randSfx)
	return &Worker{
		cfg: cfg, log: log, cb: cb, baseID: base,
		queue: q, operation: opStore, finalizer: f,
		layout: storage.New(cfg.Storage),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Worker.BreakerPause)
			continue
		}

		lease, ok, err := w.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dequeue error", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		obs.JobsConsumed.Inc()
		start := time.Now()
		success := w.process(ctx, workerID, lease)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

		prev := w.cb.State()
		w.cb.Record(success)
		if curr := w.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID string, lease queue.Lease) bool {
	job := lease.Job
	logFields := []zap.Field{
		zap.String("operation_id", job.OperationID),
		zap.String("worker_id", workerID),
		zap.String("trace_id", job.Trace.TraceID),
		zap.String("span_id", job.Trace.SpanID),
	}

	op, err := w.operation.Get(ctx, job.OperationID)
	if err != nil {
		w.log.Error("operation lookup failed, dropping job", append(logFields, zap.Error(err))...)
		_ = w.queue.Ack(ctx, lease, w.cfg.Worker.DeadLetterList)
		return false
	}
	if err := w.operation.MarkProcessing(ctx, job.OperationID); err != nil {
		w.log.Warn("mark processing failed", append(logFields, zap.Error(err))...)
	}

	timeout := w.cfg.Worker.OperationTimeouts[job.Type]
	if timeout <= 0 {
		timeout = w.cfg.Worker.DefaultTimeout
	}

	spec := transcoder.Spec{
		Binary:     w.cfg.Worker.TranscoderBinary,
		Args:       w.transcoderArgs(op),
		InputPath:  w.layout.SourcePath(op.AssetID),
		OutputPath: w.layout.OutputPath(op.ID, op.Type),
		Timeout:    timeout,
	}

	heartbeatStop := w.renewLeaseUntilDone(ctx, lease, logFields)
	defer heartbeatStop()

	lastReported := -1
	result, err := transcoder.Run(ctx, spec, func(pct int) {
		if w.cfg.Worker.ProgressThrottlePct > 0 && pct-lastReported < w.cfg.Worker.ProgressThrottlePct && pct != 100 {
			return
		}
		lastReported = pct
		if pErr := w.queue.Progress(ctx, job.OperationID, pct); pErr != nil {
			w.log.Warn("progress publish failed", append(logFields, zap.Error(pErr))...)
		}
	})

	if err != nil {
		return w.handleFailure(ctx, workerID, lease, op, err, logFields)
	}

	resultPayload, _ := json.Marshal(map[string]any{
		"output_path": result.OutputPath,
		"duration_ms": result.Duration.Milliseconds(),
	})
	if err := w.finalizer.Complete(ctx, job.OperationID, resultPayload); err != nil {
		w.log.Error("finalize complete failed", append(logFields, zap.Error(err))...)
		return false
	}
	if err := w.queue.Ack(ctx, lease, w.cfg.Worker.CompletedList); err != nil {
		w.log.Error("ack failed", append(logFields, zap.Error(err))...)
	}
	obs.JobsCompleted.Inc()
	w.log.Info("job completed", logFields...)
	return true
}

func (w *Worker) handleFailure(ctx context.Context, workerID string, lease queue.Lease, op *operation.Operation, cause error, logFields []zap.Field) bool {
	obs.JobsFailed.Inc()
	job := lease.Job
	job.AttemptsMade++

	if job.AttemptsMade <= w.cfg.Worker.MaxRetries {
		bo := backoff(job.AttemptsMade, w.cfg.Worker.Backoff.Base, w.cfg.Worker.Backoff.Max)
		select {
		case <-ctx.Done():
		case <-time.After(bo):
		}
		if err := w.queue.Requeue(ctx, lease, job); err != nil {
			w.log.Error("requeue failed", append(logFields, zap.Error(err))...)
		}
		obs.JobsRetried.Inc()
		w.log.Warn("job retried", append(logFields, zap.Int("attempt", job.AttemptsMade), zap.Error(cause))...)
		return false
	}

	if err := w.finalizer.Fail(ctx, job.OperationID, cause.Error()); err != nil {
		w.log.Error("finalize fail failed", append(logFields, zap.Error(err))...)
	}
	if err := w.queue.Ack(ctx, lease, w.cfg.Worker.DeadLetterList); err != nil {
		w.log.Error("ack dead letter failed", append(logFields, zap.Error(err))...)
	}
	obs.JobsDeadLetter.Inc()
	w.log.Error("job dead-lettered", append(logFields, zap.Error(cause))...)
	return false
}

// renewLeaseUntilDone renews a job's heartbeat key on a ticker so the reaper
// does not reclaim it mid-transcode. HeartbeatTTL is typically much shorter
// than a worst-case transcode, so the lease needs active renewal rather than
// a single TTL set at dequeue time. The returned func stops the ticker and
// must be called once the job has finished processing.
func (w *Worker) renewLeaseUntilDone(ctx context.Context, lease queue.Lease, logFields []zap.Field) func() {
	interval := w.cfg.Worker.LeaseRenewInterval
	if interval <= 0 {
		return func() {}
	}
	// Renewing no sooner than the TTL would let the key expire first.
	if ttl := w.cfg.Worker.HeartbeatTTL; ttl > 0 && interval >= ttl {
		interval = ttl / 2
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, lease); err != nil {
					w.log.Warn("heartbeat renew failed", append(logFields, zap.Error(err))...)
				}
			}
		}
	}()
	return func() { close(done) }
}

// transcoderArgs builds the subprocess argument list for an operation type.
// The wrapper script convention is "<type> <params-json>", so backends
// dispatch on their first argument.
func (w *Worker) transcoderArgs(op *operation.Operation) []string {
	return []string{op.Type, string(op.Parameters)}
}

func backoff(attempts int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempts-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
