//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowforge/mediaqueue/internal/dbpool"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/outbox"
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

func TestCheckDetectsBalanceLedgerDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()

	ob := outbox.New(db)
	l := ledger.New(db, ob)
	r := New(l, nil)

	_, err := db.ExecContext(ctx, `INSERT INTO accounts (user_id, balance) VALUES ('u1', 10)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after)
		VALUES ('u1', 'seed', 'addition', 10, 10)
	`)
	require.NoError(t, err)

	// Manually desynchronize the cached balance from the ledger, simulating
	// an external balance edit that bypassed the ledger.
	_, err = db.ExecContext(ctx, `UPDATE accounts SET balance = 50 WHERE user_id = 'u1'`)
	require.NoError(t, err)

	report, err := r.Check(ctx)
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Len(t, report.Drifts, 1)
	require.Equal(t, "u1", report.Drifts[0].UserID)
	require.Equal(t, int64(50), report.Drifts[0].Balance)
	require.Equal(t, int64(10), report.Drifts[0].Sum)
	require.Equal(t, int64(40), report.Drifts[0].Amount())

	explained, err := r.Explain(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, explained, "DRIFT")

	entry, err := r.Repair(ctx, "u1", "repair-1")
	require.NoError(t, err)
	require.Equal(t, ledger.EntryAddition, entry.EntryType)
	require.Equal(t, int64(40), entry.Amount)

	sum, err := l.Sum(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(50), sum)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(50), bal, "repair never mutates the cached balance")

	cleanReport, err := r.Check(ctx)
	require.NoError(t, err)
	require.True(t, cleanReport.Clean())
}

func TestCheckCleanReportWhenNoDrift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	ob := outbox.New(db)
	l := ledger.New(db, ob)
	r := New(l, nil)

	report, err := r.Check(ctx)
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestRepairIsNoOpOnceDriftIsRepaired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, cleanup := startPostgres(t, ctx)
	defer cleanup()
	ob := outbox.New(db)
	l := ledger.New(db, ob)
	r := New(l, nil)

	_, err := db.ExecContext(ctx, `INSERT INTO accounts (user_id, balance) VALUES ('u2', 5)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after)
		VALUES ('u2', 'seed', 'addition', 5, 5)
	`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE accounts SET balance = 20 WHERE user_id = 'u2'`)
	require.NoError(t, err)

	first, err := r.Repair(ctx, "u2", "same-request")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	// A repaired ledger has no drift left, so repairing again (even with a
	// fresh request id) is a no-op rather than a second compensating entry.
	second, err := r.Repair(ctx, "u2", "another-request")
	require.NoError(t, err)
	require.Zero(t, second.ID)
}
