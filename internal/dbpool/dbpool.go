// Copyright 2025 James Ross
package dbpool

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/flowforge/mediaqueue/internal/config"
)

// Open opens a lib/pq connection pool sized per configuration and verifies
// connectivity with a ping.
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the schema the ledger, outbox, and operation stores
// depend on. Idempotent: safe to run on every process start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		operation_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		request_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_operation ON ledger_entries(operation_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_request_id ON ledger_entries(request_id) WHERE request_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS reservations (
		operation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		amount BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'held',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		type TEXT NOT NULL,
		parameters JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		cost BIGINT NOT NULL,
		result JSONB,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		operation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		lease_owner TEXT,
		lease_until TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events(status, next_attempt_at) WHERE status IN ('pending', 'failed')`,
}
