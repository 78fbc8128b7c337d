// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/adminapi"
	"github.com/flowforge/mediaqueue/internal/auditlog"
	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/dbpool"
	"github.com/flowforge/mediaqueue/internal/dispatcher"
	"github.com/flowforge/mediaqueue/internal/eventbus"
	"github.com/flowforge/mediaqueue/internal/fanout"
	"github.com/flowforge/mediaqueue/internal/finalizer"
	"github.com/flowforge/mediaqueue/internal/janitor"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/operation"
	"github.com/flowforge/mediaqueue/internal/outbox"
	"github.com/flowforge/mediaqueue/internal/queue"
	"github.com/flowforge/mediaqueue/internal/reaper"
	"github.com/flowforge/mediaqueue/internal/redisclient"
	"github.com/flowforge/mediaqueue/internal/submission"
	"github.com/flowforge/mediaqueue/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|dispatcher|janitor|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	db, err := dbpool.Open(context.Background(), cfg.Postgres)
	if err != nil {
		logger.Fatal("postgres connect failed", obs.Err(err))
	}
	defer db.Close()

	bus, err := eventbus.Dial(cfg.EventBus, logger)
	if err != nil {
		logger.Fatal("event bus connect failed", obs.Err(err))
	}
	defer bus.Close()

	outboxStore := outbox.New(db)
	ledgerStore := ledger.New(db, outboxStore)
	operationStore := operation.New(db)
	queueAdapter := queue.NewAdapter(cfg, rdb)
	finalize := finalizer.New(db, ledgerStore, operationStore, outboxStore)

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	runPruneScheduler(ctx, cfg.Worker.PruneSchedule, queueAdapter, logger)

	switch role {
	case "api":
		runAPI(ctx, cfg, rdb, db, bus, outboxStore, queueAdapter, ledgerStore, operationStore, logger)
	case "worker":
		wrk := worker.New(cfg, rdb, logger, queueAdapter, operationStore, finalize)
		rep := reaper.New(cfg, rdb, logger)
		go rep.Run(ctx)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "dispatcher":
		d := dispatcher.New(cfg.Dispatcher, instanceID, outboxStore, bus, logger)
		d.Run(ctx)
	case "janitor":
		j := janitor.New(cfg.Janitor, cfg.Billing, ledgerStore, finalize, logger)
		j.Run(ctx)
	case "all":
		wrk := worker.New(cfg, rdb, logger, queueAdapter, operationStore, finalize)
		rep := reaper.New(cfg, rdb, logger)
		d := dispatcher.New(cfg.Dispatcher, instanceID, outboxStore, bus, logger)
		j := janitor.New(cfg.Janitor, cfg.Billing, ledgerStore, finalize, logger)
		go rep.Run(ctx)
		go d.Run(ctx)
		go j.Run(ctx)
		go runAPI(ctx, cfg, rdb, db, bus, outboxStore, queueAdapter, ledgerStore, operationStore, logger)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runAPI hosts the WebSocket fan-out hub, a minimal job submission endpoint,
// and the operator admin surface. Full HTTP routing, auth, and the asset
// streaming/upload surface are external collaborators per the platform
// contract and are not reimplemented here.
func runAPI(ctx context.Context, cfg *config.Config, rdb *redis.Client, db *sql.DB, bus *eventbus.Bus,
	ob *outbox.Store, q *queue.Adapter, l *ledger.Store, o *operation.Store, logger *zap.Logger) {

	hub := fanout.NewHub(cfg.WebSocket, rdb, bus, logger)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("fanout hub stopped", obs.Err(err))
		}
	}()

	sub := submission.New(cfg, rdb, db, l, o, ob, q)

	audit, err := auditlog.New(cfg.AdminAPI.AuditLogPath, cfg.AdminAPI.AuditMaxSizeMB, cfg.AdminAPI.AuditMaxBackups)
	if err != nil {
		logger.Error("audit log init failed", obs.Err(err))
	}
	defer audit.Close()

	admin := adminapi.New(cfg.AdminAPI, q, ob, audit, logger)
	go func() {
		if err := admin.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api stopped", obs.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = admin.Shutdown(context.Background())
	}()

	router := mux.NewRouter()
	router.HandleFunc("/ws/{operationId}", func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r, mux.Vars(r)["operationId"])
	})
	router.HandleFunc("/api/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, sub)
	}).Methods(http.MethodPost)

	srv := &http.Server{Addr: cfg.WebSocket.ListenAddr, Handler: router}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	logger.Info("api listening", obs.String("addr", cfg.WebSocket.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("api server stopped", obs.Err(err))
	}
}

type submitRequest struct {
	UserID        string          `json:"user_id"`
	AssetID       string          `json:"asset_id"`
	Type          string          `json:"type"`
	Parameters    json.RawMessage `json:"parameters"`
	PriorityClass string          `json:"priority_class"`
	TraceID       string          `json:"trace_id"`
	SpanID        string          `json:"span_id"`
}

func handleSubmit(w http.ResponseWriter, r *http.Request, sub *submission.Service) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	operationID, err := sub.Submit(r.Context(), submission.Request{
		UserID:        req.UserID,
		AssetID:       req.AssetID,
		Type:          req.Type,
		Parameters:    req.Parameters,
		PriorityClass: req.PriorityClass,
		TraceID:       req.TraceID,
		SpanID:        req.SpanID,
	})
	status := http.StatusAccepted
	if err != nil {
		if err == submission.ErrRateLimited {
			status = http.StatusTooManyRequests
		} else if operationID == "" {
			status = http.StatusBadRequest
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"operation_id": operationID})
}

// runPruneScheduler schedules the queue adapter's retention pruning on a
// cron expression instead of a hand-rolled ticker, so operators can choose a
// non-uniform schedule (e.g. a nightly prune) independent of the dispatcher
// and janitor polling intervals.
func runPruneScheduler(ctx context.Context, schedule string, q *queue.Adapter, logger *zap.Logger) {
	if schedule == "" {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := q.Prune(context.Background()); err != nil {
			logger.Warn("queue prune failed", obs.Err(err))
		}
	})
	if err != nil {
		logger.Error("invalid prune schedule", obs.String("schedule", schedule), obs.Err(err))
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}
