// Copyright 2025 James Ross

// Package finalizer commits the one transaction that ends a job's lifecycle:
// operation status, ledger capture or refund, and the outbox event all land
// atomically, so a crash between them is impossible to observe from outside
// the database.
package finalizer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/operation"
	"github.com/flowforge/mediaqueue/internal/outbox"
)

type Finalizer struct {
	db        *sql.DB
	ledger    *ledger.Store
	operation *operation.Store
	outbox    *outbox.Store
}

func New(db *sql.DB, l *ledger.Store, o *operation.Store, ob *outbox.Store) *Finalizer {
	return &Finalizer{db: db, ledger: l, operation: o, outbox: ob}
}

// Complete marks an operation completed, captures its reservation (a job's
// cost is always exactly what was reserved for it; capture never refunds a
// delta), and emits job.completed.
func (f *Finalizer) Complete(ctx context.Context, operationID string, result json.RawMessage) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalizer: begin: %w", err)
	}
	defer tx.Rollback()

	if err := f.operation.Complete(ctx, tx, operationID, result); err != nil {
		return fmt.Errorf("finalizer: complete operation: %w", err)
	}
	if err := f.ledger.Capture(ctx, tx, operationID); err != nil {
		return fmt.Errorf("finalizer: capture: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{"operation_id": operationID, "result": result})
	if err := f.outbox.Insert(ctx, tx, outbox.Event{
		ID:             uuid.NewString(),
		OperationID:    operationID,
		EventType:      "job.completed",
		RoutingKey:     "job.completed",
		Payload:        payload,
		IdempotencyKey: "op:" + operationID + ":completed",
	}); err != nil {
		return fmt.Errorf("finalizer: outbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalizer: commit: %w", err)
	}
	obs.FinalizerCommits.Inc()
	return nil
}

// Fail marks an operation failed, releases its reservation in full, and
// emits job.failed. Used for terminal failures only; retryable failures
// never reach the finalizer and stay in the queue adapter's retry path.
func (f *Finalizer) Fail(ctx context.Context, operationID string, cause string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalizer: begin: %w", err)
	}
	defer tx.Rollback()

	if err := f.operation.Fail(ctx, tx, operationID, cause); err != nil {
		return fmt.Errorf("finalizer: fail operation: %w", err)
	}
	if err := f.ledger.Release(ctx, tx, operationID); err != nil {
		return fmt.Errorf("finalizer: release: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{"operation_id": operationID, "error": cause})
	if err := f.outbox.Insert(ctx, tx, outbox.Event{
		ID:             uuid.NewString(),
		OperationID:    operationID,
		EventType:      "job.failed",
		RoutingKey:     "job.failed",
		Payload:        payload,
		IdempotencyKey: "op:" + operationID + ":failed",
	}); err != nil {
		return fmt.Errorf("finalizer: outbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalizer: commit: %w", err)
	}
	obs.FinalizerCommits.Inc()
	return nil
}
