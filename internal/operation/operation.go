// Copyright 2025 James Ross

// Package operation stores the authoritative record of a media job: what
// was requested, its current lifecycle status, and its terminal result or
// error. The queue's Job envelope only ever carries an operation_id; every
// other subsystem reads and writes through this store.
package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status is one a completed operation cannot leave,
// enforcing operation monotonicity (pending -> processing -> {completed,failed}).
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

type Operation struct {
	ID         string
	UserID     string
	AssetID    string
	Type       string
	Parameters json.RawMessage
	Status     string
	Cost       int64
	Result     json.RawMessage
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts the operation row inside the caller's transaction, pending
// status, alongside the submission's ledger reservation and outbox event.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, op Operation) error {
	params := op.Parameters
	if params == nil {
		params = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO operations (id, user_id, asset_id, type, parameters, status, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, op.ID, op.UserID, op.AssetID, op.Type, params, StatusPending, op.Cost)
	if err != nil {
		return fmt.Errorf("operation: create %s: %w", op.ID, err)
	}
	return nil
}

// Get returns an operation by id.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	var params, result []byte
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, asset_id, type, parameters, status, cost, result, error, created_at, updated_at
		FROM operations WHERE id = $1
	`, id).Scan(&op.ID, &op.UserID, &op.AssetID, &op.Type, &params, &op.Status, &op.Cost, &result, &errMsg, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation: %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("operation: get %s: %w", id, err)
	}
	op.Parameters = params
	op.Result = result
	op.Error = errMsg.String
	return &op, nil
}

// MarkProcessing transitions pending -> processing when a worker leases the
// corresponding job. Idempotent: a second call from a racing worker is a
// no-op because the WHERE clause only matches the pending state.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, StatusProcessing, id, StatusPending)
	if err != nil {
		return fmt.Errorf("operation: mark processing %s: %w", id, err)
	}
	return nil
}

// Complete sets the terminal completed state and result payload inside the
// finalizer's transaction. Returns an error if the operation already holds
// a terminal status, preventing double-finalization.
func (s *Store) Complete(ctx context.Context, tx *sql.Tx, id string, result json.RawMessage) error {
	return s.finalize(ctx, tx, id, StatusCompleted, result, "")
}

// Fail sets the terminal failed state and error message.
func (s *Store) Fail(ctx context.Context, tx *sql.Tx, id string, cause string) error {
	return s.finalize(ctx, tx, id, StatusFailed, nil, cause)
}

func (s *Store) finalize(ctx context.Context, tx *sql.Tx, id, status string, result json.RawMessage, errMsg string) error {
	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		return fmt.Errorf("operation: finalize %s: %w", id, err)
	}
	if IsTerminal(current) {
		return fmt.Errorf("operation: %s already in terminal state %s", id, current)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = $1, result = $2, error = NULLIF($3, ''), updated_at = now() WHERE id = $4
	`, status, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("operation: finalize %s: %w", id, err)
	}
	return nil
}

// ListByStatus returns operations in a given status for reconciliation
// sweeps (e.g. processing operations whose job disappeared).
func (s *Store) ListByStatus(ctx context.Context, status string, olderThan time.Duration) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, asset_id, type, status, cost, created_at, updated_at
		FROM operations WHERE status = $1 AND updated_at < now() - $2::interval
	`, status, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("operation: list by status: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.UserID, &op.AssetID, &op.Type, &op.Status, &op.Cost, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
