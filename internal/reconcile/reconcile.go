// Copyright 2025 James Ross

// Package reconcile implements the offline drift audit behind `cmd/reconcile`:
// the cached per-user balance is a denormalization of the append-only ledger,
// and the two can diverge under bugs, manual intervention, or a repair
// applied twice. Check compares balance against ledger sum for every user;
// Explain replays one user's ledger in insertion order; Repair inserts a
// single compensating entry that brings the ledger back in line with the
// cached balance without ever touching an existing row.
package reconcile

import (
	"context"
	"fmt"

	"github.com/flowforge/mediaqueue/internal/auditlog"
	"github.com/flowforge/mediaqueue/internal/ledger"
)

// Drift describes one user whose cached balance disagrees with the sum of
// their ledger entries.
type Drift struct {
	UserID  string
	Balance int64
	Sum     int64
}

// Amount is the signed correction Repair would apply: positive means the
// ledger is short and needs an addition, negative means it needs a deduction.
func (d Drift) Amount() int64 { return d.Balance - d.Sum }

type Report struct {
	Drifts []Drift
}

func (r Report) Clean() bool { return len(r.Drifts) == 0 }

type Reconciler struct {
	ledger *ledger.Store
	audit  *auditlog.Logger
}

// New builds a Reconciler. audit may be nil, in which case repairs are not
// recorded to the operator audit trail.
func New(l *ledger.Store, audit *auditlog.Logger) *Reconciler {
	return &Reconciler{ledger: l, audit: audit}
}

// Check compares every user's cached balance against their ledger sum and
// reports any mismatch.
func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	var report Report

	userIDs, err := r.ledger.AllUserIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: list users: %w", err)
	}
	for _, userID := range userIDs {
		bal, err := r.ledger.Balance(ctx, userID)
		if err != nil {
			return report, fmt.Errorf("reconcile: balance %s: %w", userID, err)
		}
		sum, err := r.ledger.Sum(ctx, userID)
		if err != nil {
			return report, fmt.Errorf("reconcile: ledger sum %s: %w", userID, err)
		}
		if bal != sum {
			report.Drifts = append(report.Drifts, Drift{UserID: userID, Balance: bal, Sum: sum})
		}
	}
	return report, nil
}

// Explain renders one user's ledger in insertion order with a running
// balance, for operator inspection before a repair.
func (r *Reconciler) Explain(ctx context.Context, userID string) (string, error) {
	entries, err := r.ledger.Entries(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reconcile: entries %s: %w", userID, err)
	}
	bal, err := r.ledger.Balance(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reconcile: balance %s: %w", userID, err)
	}
	sum, err := r.ledger.Sum(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reconcile: ledger sum %s: %w", userID, err)
	}

	out := fmt.Sprintf("user %s: cached balance %d, ledger sum %d\n", userID, bal, sum)
	var running int64
	for _, e := range entries {
		running += e.Amount
		out += fmt.Sprintf("  [%d] %-12s operation=%-24s amount=%-6d running=%d\n", e.ID, e.EntryType, e.OperationID, e.Amount, running)
	}
	if bal != sum {
		out += fmt.Sprintf("DRIFT: balance - ledger_sum = %d\n", bal-sum)
	} else {
		out += "no drift\n"
	}
	return out, nil
}

// Repair inserts a single compensating entry for userID under requestID,
// bringing the ledger sum back in line with the cached balance. If there is
// no drift it inserts nothing and returns a zero Entry. requestID must be
// unique per repair; reusing one while drift remains trips the
// ledger_entries request_id index and the repair fails rather than applying
// twice.
func (r *Reconciler) Repair(ctx context.Context, userID, requestID string) (ledger.Entry, error) {
	entry, err := r.ledger.Repair(ctx, userID, requestID)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("reconcile: repair %s: %w", userID, err)
	}
	r.logRepair(userID, entry)
	return entry, nil
}

func (r *Reconciler) logRepair(userID string, entry ledger.Entry) {
	_ = r.audit.Log(auditlog.Entry{
		Actor:  "reconcile-cli",
		Action: "repair_drift",
		Target: userID,
		Detail: fmt.Sprintf("inserted %s entry %d amount=%d balance_after=%d request_id=%s", entry.EntryType, entry.ID, entry.Amount, entry.BalanceAfter, entry.RequestID),
	})
}
