// Copyright 2025 James Ross

// Command reconcile is the offline operator tool for billing drift: the
// cached per-user balance and the append-only ledger it is supposed to
// summarize can disagree after a bug, a manual balance edit, or a repair
// applied through an unexpected path. It never runs automatically; an
// operator invokes it, reads the report, and decides whether to repair.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/flowforge/mediaqueue/internal/auditlog"
	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/dbpool"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/outbox"
	"github.com/flowforge/mediaqueue/internal/reconcile"
)

func main() {
	var configPath string
	var mode string
	var userID string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&mode, "mode", "check", "check|explain|repair")
	fs.StringVar(&userID, "user", "", "user to target (required for explain and repair)")
	_ = fs.Parse(os.Args[1:])

	if mode != "check" && userID == "" {
		fmt.Fprintf(os.Stderr, "-user is required for mode %q\n", mode)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := dbpool.Open(ctx, cfg.Postgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres connect failed: %v\n", err)
		os.Exit(2)
	}
	defer db.Close()

	ob := outbox.New(db)
	l := ledger.New(db, ob)

	audit, err := auditlog.New(cfg.AdminAPI.AuditLogPath, cfg.AdminAPI.AuditMaxSizeMB, cfg.AdminAPI.AuditMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit log init failed: %v\n", err)
		os.Exit(2)
	}
	defer audit.Close()

	r := reconcile.New(l, audit)

	switch mode {
	case "check":
		report, err := r.Check(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			os.Exit(2)
		}
		if report.Clean() {
			fmt.Println("clean")
			os.Exit(0)
		}
		for _, d := range report.Drifts {
			fmt.Printf("DRIFT user=%s balance=%d ledger_sum=%d delta=%d\n", d.UserID, d.Balance, d.Sum, d.Amount())
		}
		fmt.Printf("%d user(s) with drift\n", len(report.Drifts))
		os.Exit(1)
	case "explain":
		out, err := r.Explain(ctx, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "explain failed: %v\n", err)
			os.Exit(2)
		}
		fmt.Print(out)
	case "repair":
		out, err := r.Explain(ctx, userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "explain failed: %v\n", err)
			os.Exit(2)
		}
		fmt.Print(out)
		entry, err := r.Repair(ctx, userID, uuid.NewString())
		if err != nil {
			fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
			os.Exit(2)
		}
		if entry.ID == 0 {
			fmt.Println("clean, nothing to repair")
			os.Exit(0)
		}
		fmt.Printf("repaired: inserted %s entry amount=%d balance_after=%d\n", entry.EntryType, entry.Amount, entry.BalanceAfter)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: want check|explain|repair\n", mode)
		os.Exit(2)
	}
}
