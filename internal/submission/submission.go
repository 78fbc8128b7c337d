// Copyright 2025 James Ross

// Package submission is the entry point for a new media job: it validates
// and rate-limits the request, reserves credits, records the operation and
// its job.submitted outbox event in one transaction, and only then enqueues
// the job for a worker. The queue enqueue happens after commit on purpose —
// a worker dequeuing before the operation row exists would have nothing to
// update.
package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/operation"
	"github.com/flowforge/mediaqueue/internal/outbox"
	"github.com/flowforge/mediaqueue/internal/queue"
	"github.com/flowforge/mediaqueue/internal/storage"
)

// Service wires together the stores and queue adapter a submission needs.
// It is deliberately thin: all persistence invariants live in the stores
// it calls, not here.
type Service struct {
	cfg       *config.Config
	rdb       *redis.Client
	db        *sql.DB
	ledger    *ledger.Store
	operation *operation.Store
	outbox    *outbox.Store
	queue     *queue.Adapter

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func New(cfg *config.Config, rdb *redis.Client, sdb *sql.DB, l *ledger.Store, o *operation.Store, ob *outbox.Store, q *queue.Adapter) *Service {
	return &Service{
		cfg: cfg, rdb: rdb, db: sdb, ledger: l, operation: o, outbox: ob, queue: q,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Request describes a caller's job submission.
type Request struct {
	UserID        string
	AssetID       string
	Type          string
	Parameters    json.RawMessage
	PriorityClass string
	TraceID       string
	SpanID        string
}

var ErrRateLimited = fmt.Errorf("submission: rate limit exceeded")

// Submit reserves credits for the request, durably records the operation
// and its submission event, commits, and enqueues the job. Returns the new
// operation id.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if err := storage.CheckUploadPolicy(s.cfg.Producer, req.AssetID); err != nil {
		return "", fmt.Errorf("submission: %w", err)
	}
	if err := validateParameters(s.cfg.Producer, req.Type, req.Parameters); err != nil {
		return "", fmt.Errorf("submission: %w", err)
	}

	priority := req.PriorityClass
	if priority == "" {
		priority = storage.PriorityForExt(s.cfg.Producer, filepath.Ext(req.AssetID))
	}

	if !s.tierLimiter(priority).Allow() {
		return "", ErrRateLimited
	}
	if err := s.checkRateLimit(ctx, req.UserID); err != nil {
		return "", err
	}
	cost := int64(s.cfg.Billing.CostFor(req.Type))
	operationID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("submission: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.operation.Create(ctx, tx, operation.Operation{
		ID:         operationID,
		UserID:     req.UserID,
		AssetID:    req.AssetID,
		Type:       req.Type,
		Parameters: req.Parameters,
		Cost:       cost,
	}); err != nil {
		return "", fmt.Errorf("submission: create operation: %w", err)
	}
	if err := s.ledger.Reserve(ctx, tx, req.UserID, operationID, cost); err != nil {
		return "", fmt.Errorf("submission: reserve credits: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"operation_id": operationID,
		"user_id":      req.UserID,
		"asset_id":     req.AssetID,
		"type":         req.Type,
	})
	if err := s.outbox.Insert(ctx, tx, outbox.Event{
		ID:             uuid.NewString(),
		OperationID:    operationID,
		EventType:      "job.submitted",
		RoutingKey:     "job.submitted",
		Payload:        payload,
		IdempotencyKey: "op:" + operationID + ":submitted",
	}); err != nil {
		return "", fmt.Errorf("submission: outbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("submission: commit: %w", err)
	}

	job := queue.NewOperationJob(uuid.NewString(), operationID, req.Type, req.Parameters, priority,
		queue.TraceEnvelope{TraceID: req.TraceID, SpanID: req.SpanID})
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The operation and its reservation are already committed; the
		// job simply never reaches a worker. The reservation janitor
		// (internal/janitor) later marks the still-pending operation failed
		// and releases its credits once it outlives the grace window; the
		// job is not re-enqueued.
		return operationID, fmt.Errorf("submission: enqueue after commit: %w", err)
	}

	return operationID, nil
}

// validateParameters checks a request's parameters against the operation
// type's configured JSON Schema, if one is set. Types with no configured
// schema are accepted unchecked.
func validateParameters(cfg config.Producer, opType string, params json.RawMessage) error {
	schema, ok := cfg.ParameterSchemas[opType]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("parameter schema validation error: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("parameters invalid for %q: %s", opType, result.Errors()[0].String())
	}
	return nil
}

// tierLimiter returns the in-process token bucket for a priority class,
// creating it on first use. This guards a single process against a local
// hot loop burning Redis round-trips before the cross-instance counter in
// checkRateLimit even gets a chance to reject it.
func (s *Service) tierLimiter(priority string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[priority]
	if !ok {
		perSec := s.cfg.Producer.RateLimitPerSec
		limit, burst := rate.Inf, 1
		if perSec > 0 {
			limit, burst = rate.Limit(perSec), perSec+1
		}
		l = rate.NewLimiter(limit, burst)
		s.limiters[priority] = l
	}
	return l
}

// checkRateLimit enforces a fixed-window per-user submission rate using a
// Redis INCR+EXPIRE counter, the same pattern the original file-watching
// producer used for its global throughput cap.
func (s *Service) checkRateLimit(ctx context.Context, userID string) error {
	if s.cfg.Producer.RateLimitPerSec <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s:%s:%d", s.cfg.Producer.RateLimitKey, userID, time.Now().Unix())
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("submission: rate limit check: %w", err)
	}
	if n == 1 {
		s.rdb.Expire(ctx, key, 2*time.Second)
	}
	if n > int64(s.cfg.Producer.RateLimitPerSec) {
		return ErrRateLimited
	}
	return nil
}
