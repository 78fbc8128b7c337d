//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowforge/mediaqueue/internal/dbpool"
	"github.com/flowforge/mediaqueue/internal/outbox"
)

func TestLedgerConcurrencySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "ledger concurrency suite")
}

var _ = Describe("concurrent reservations against one account", func() {
	var (
		db        *sql.DB
		container testcontainers.Container
		ctx       context.Context
		cancel    context.CancelFunc
		store     *Store
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 90*time.Second)

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
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		Expect(err).NotTo(HaveOccurred())

		host, err := container.Host(ctx)
		Expect(err).NotTo(HaveOccurred())
		port, err := container.MappedPort(ctx, "5432")
		Expect(err).NotTo(HaveOccurred())

		dsn := fmt.Sprintf("host=%s port=%s dbname=mediaqueue user=mediaqueue password=mediaqueue sslmode=disable", host, port.Port())
		db, err = sql.Open("postgres", dsn)
		Expect(err).NotTo(HaveOccurred())
		Expect(db.PingContext(ctx)).To(Succeed())
		Expect(dbpool.Migrate(ctx, db)).To(Succeed())

		store = New(db, outbox.New(db))
		_, err = db.ExecContext(ctx, `INSERT INTO accounts (user_id, balance) VALUES ('race-user', 10)`)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		db.Close()
		_ = container.Terminate(ctx)
		cancel()
	})

	It("never oversells the balance under concurrent Reserve calls", func() {
		const attempts = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		var successes int

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tx, err := db.BeginTx(ctx, nil)
				if err != nil {
					return
				}
				opID := fmt.Sprintf("race-op-%d", i)
				if err := store.Reserve(ctx, tx, "race-user", opID, 1); err != nil {
					tx.Rollback()
					return
				}
				if err := tx.Commit(); err != nil {
					return
				}
				mu.Lock()
				successes++
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		Expect(successes).To(Equal(10), "only as many reservations as the starting balance should succeed")

		bal, err := store.Balance(ctx, "race-user")
		Expect(err).NotTo(HaveOccurred())
		Expect(bal).To(Equal(int64(0)), "balance must never go negative under concurrent reservation")
	})
})
