//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowforge/mediaqueue/internal/dbpool"
)

func startPostgres(t *testing.T, ctx context.Context) (*sql.DB, func()) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections"),
		Env: map[string]string{
			"POSTGRES_USER":     "mediaqueue",
			"POSTGRES_PASSWORD": "mediaqueue",
			"POSTGRES_DB":       "mediaqueue",
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s dbname=mediaqueue user=mediaqueue password=mediaqueue sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, dbpool.Migrate(ctx, db))

	return db, func() {
		db.Close()
		_ = container.Terminate(ctx)
	}
}

func insertEvent(t *testing.T, ctx context.Context, db *sql.DB, s *Store, idemKey string) {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, tx, Event{
		ID:             idemKey,
		OperationID:    "op1",
		EventType:      "job.submitted",
		RoutingKey:     "job.submitted",
		Payload:        json.RawMessage(`{"a":1}`),
		IdempotencyKey: idemKey,
	}))
	require.NoError(t, tx.Commit())
}

func TestClaimPublishRoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	s := New(db)

	insertEvent(t, ctx, db, s, "op:op1:submitted")

	claimed, err := s.ClaimBatch(ctx, "dispatcher-1", 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A second claimant must not see the leased row.
	claimed2, err := s.ClaimBatch(ctx, "dispatcher-2", 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed2, 0)

	require.NoError(t, s.MarkPublished(ctx, claimed[0].ID))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestInsertIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	s := New(db)

	insertEvent(t, ctx, db, s, "op:op1:submitted")
	insertEvent(t, ctx, db, s, "op:op1:submitted")

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "duplicate idempotency key must not produce a second row")
}

func TestMarkFailedRetriesThenTerminates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	s := New(db)
	insertEvent(t, ctx, db, s, "op:op1:submitted")

	claimed, err := s.ClaimBatch(ctx, "dispatcher-1", 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, claimed[0].ID, fmt.Errorf("amqp down"), 2, 0))
	// Lease released and backoff delay zeroed for the test, so it is
	// claimable again immediately.
	again, err := s.ClaimBatch(ctx, "dispatcher-1", 10, 60)
	require.NoError(t, err)
	require.Len(t, again, 1)

	require.NoError(t, s.MarkFailed(ctx, again[0].ID, fmt.Errorf("amqp still down"), 2, 0))
	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE id = $1`, claimed[0].ID).Scan(&status))
	require.Equal(t, StatusDead, status)
}

func TestMarkFailedSchedulesBackoffDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	s := New(db)
	insertEvent(t, ctx, db, s, "op:op1:submitted")

	claimed, err := s.ClaimBatch(ctx, "dispatcher-1", 10, 60)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, claimed[0].ID, fmt.Errorf("amqp down"), 5, time.Minute))

	// Backoff delay (attempts=1: 1 minute) has not elapsed, so the event
	// must not be claimable yet.
	again, err := s.ClaimBatch(ctx, "dispatcher-1", 10, 60)
	require.NoError(t, err)
	require.Len(t, again, 0, "event scheduled for a future retry must not be claimed early")
}
