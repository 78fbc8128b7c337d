// Copyright 2025 James Ross

// Package outbox implements the transactional outbox: business transactions
// insert events here in the same commit as their state change, and a
// separate Dispatcher (internal/dispatcher) polls, claims, and publishes
// them to the event bus at least once. Claiming uses SELECT ... FOR UPDATE
// SKIP LOCKED so multiple dispatcher instances can run concurrently without
// double-publishing the same row.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

const (
	StatusPending   = "pending"
	StatusPublished = "published"
	// StatusFailed is a retryable backoff state: the event will be reclaimed
	// once next_attempt_at elapses. StatusDead is terminal, set once
	// maxAttempts is exhausted.
	StatusFailed = "failed"
	StatusDead   = "dead"
)

type Event struct {
	ID             string
	OperationID    string
	EventType      string
	RoutingKey     string
	Payload        json.RawMessage
	IdempotencyKey string
	Attempts       int
	CreatedAt      time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes an outbox row inside the caller's transaction. The
// idempotency key must be unique per logical event (e.g. "op:<id>:submitted")
// so retried business transactions never produce duplicate events.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, operation_id, event_type, routing_key, payload, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, e.OperationID, e.EventType, e.RoutingKey, e.Payload, e.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("outbox: insert %s: %w", e.EventType, err)
	}
	return nil
}

// ClaimBatch leases up to limit pending (or lease-expired) events to owner
// for leaseSeconds, returning the claimed rows. Safe to call concurrently
// from multiple dispatcher processes.
func (s *Store) ClaimBatch(ctx context.Context, owner string, limit, leaseSeconds int) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, operation_id, event_type, routing_key, payload, idempotency_key, attempts, created_at
		FROM outbox_events
		WHERE status IN ('pending', 'failed')
		  AND next_attempt_at <= now()
		  AND (lease_until IS NULL OR lease_until < now())
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}

	var claimed []Event
	var ids []string
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OperationID, &e.EventType, &e.RoutingKey, &payload, &e.IdempotencyKey, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		e.Payload = payload
		claimed = append(claimed, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leaseUntil := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_events SET lease_owner = $1, lease_until = $2 WHERE id = ANY($3)`,
		owner, leaseUntil, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("outbox: claim lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: claim commit: %w", err)
	}
	return claimed, nil
}

// MarkPublished transitions an event to its terminal success state.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'published', published_at = now(), lease_owner = NULL, lease_until = NULL WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", id, err)
	}
	return nil
}

// MarkFailed increments the attempt counter and either schedules a delayed
// retry at an exponentially growing next_attempt_at or, once maxAttempts is
// exhausted, moves the event to its terminal dead state.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int, backoffBase time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: mark failed begin %s: %w", id, err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox_events WHERE id = $1 FOR UPDATE`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("outbox: mark failed select %s: %w", id, err)
	}
	attempts++

	if attempts >= maxAttempts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET attempts = $1, last_error = $2, status = $3, lease_owner = NULL, lease_until = NULL
			WHERE id = $4
		`, attempts, msg, StatusDead, id); err != nil {
			return fmt.Errorf("outbox: mark failed dead %s: %w", id, err)
		}
		return tx.Commit()
	}

	delaySeconds := int(backoffBase.Seconds() * math.Pow(2, float64(attempts-1)))
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = $1, last_error = $2, status = $3,
		    next_attempt_at = now() + ($4 || ' seconds')::interval,
		    lease_owner = NULL, lease_until = NULL
		WHERE id = $5
	`, attempts, msg, StatusFailed, delaySeconds, id); err != nil {
		return fmt.Errorf("outbox: mark failed retry %s: %w", id, err)
	}
	return tx.Commit()
}

// Stuck returns terminally dead events, oldest first, for operator tooling
// to report and optionally requeue.
func (s *Store) Stuck(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, event_type, routing_key, payload, idempotency_key, attempts, created_at
		FROM outbox_events WHERE status = $1 ORDER BY created_at ASC
	`, StatusDead)
	if err != nil {
		return nil, fmt.Errorf("outbox: stuck: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OperationID, &e.EventType, &e.RoutingKey, &payload, &e.IdempotencyKey, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// Requeue resets a terminally dead event back to pending with its attempt
// counter cleared, giving it a fresh set of dispatch attempts.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'pending', attempts = 0, last_error = NULL, lease_owner = NULL, lease_until = NULL, next_attempt_at = now() WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("outbox: requeue %s: %w", id, err)
	}
	return nil
}

// PendingCount reports the current backlog (pending events plus failed ones
// awaiting retry), used by the dispatcher gauge and the admin API stats.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE status IN ('pending', 'failed')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return n, nil
}
