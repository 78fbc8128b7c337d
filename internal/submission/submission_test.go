//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/dbpool"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/operation"
	"github.com/flowforge/mediaqueue/internal/outbox"
	"github.com/flowforge/mediaqueue/internal/queue"
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

func testService(t *testing.T, ctx context.Context, db *sql.DB) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Producer.RateLimitPerSec = 0

	ob := outbox.New(db)
	l := ledger.New(db, ob)
	o := operation.New(db)
	q := queue.NewAdapter(cfg, rdb)

	return New(cfg, rdb, db, l, o, ob, q), mr
}

func TestSubmitReservesCreditsAndEnqueues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	_, err := db.ExecContext(ctx, `INSERT INTO accounts (user_id, balance) VALUES ('u1', 10)`)
	require.NoError(t, err)

	svc, mr := testService(t, ctx, db)
	defer mr.Close()

	opID, err := svc.Submit(ctx, Request{
		UserID: "u1", AssetID: "a1", Type: "resize-image", PriorityClass: "high",
		Parameters: json.RawMessage(`{"width":800,"height":600}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, opID)

	op, err := operation.New(db).Get(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, operation.StatusPending, op.Status)

	bal, err := ledger.New(db, outbox.New(db)).Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(9), bal)

	n, err := mr.List("jobqueue:priority:high")
	require.NoError(t, err)
	require.Len(t, n, 1)

	pending, err := outbox.New(db).PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestSubmitFailsOnInsufficientBalance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	_, err := db.ExecContext(ctx, `INSERT INTO accounts (user_id, balance) VALUES ('u2', 0)`)
	require.NoError(t, err)

	svc, mr := testService(t, ctx, db)
	defer mr.Close()

	_, err = svc.Submit(ctx, Request{
		UserID: "u2", AssetID: "a1", Type: "resize-image",
		Parameters: json.RawMessage(`{"width":800,"height":600}`),
	})
	require.Error(t, err)
}
