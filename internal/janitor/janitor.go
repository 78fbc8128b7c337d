// Copyright 2025 James Ross

// Package janitor reconciles credit reservations the normal Reserve ->
// Capture/Release flow never resolved. Two distinct cases fall out of a
// stale reservation's linked operation status: the operation already
// reached a terminal state but the finalizer crashed between committing it
// and resolving the reservation (worker died mid-commit), or the operation
// is still pending/processing because its job never reached a worker at
// all (queue message lost). The first is repaired immediately once the
// reservation outlives the base TTL; the second is given a more generous
// grace window before the janitor gives up and fails it outright.
package janitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/finalizer"
	"github.com/flowforge/mediaqueue/internal/ledger"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/operation"
)

type Janitor struct {
	cfg       config.Janitor
	billing   config.Billing
	ledger    *ledger.Store
	finalizer *finalizer.Finalizer
	log       *zap.Logger
}

func New(cfg config.Janitor, billing config.Billing, l *ledger.Store, f *finalizer.Finalizer, log *zap.Logger) *Janitor {
	return &Janitor{cfg: cfg, billing: billing, ledger: l, finalizer: f, log: log}
}

func (j *Janitor) Run(ctx context.Context) {
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.scanOnce(ctx)
		}
	}
}

func (j *Janitor) scanOnce(ctx context.Context) {
	baseTTL := fmt.Sprintf("%d seconds", int(j.billing.ReservationTTL.Seconds()))
	stale, err := j.ledger.StaleReservations(ctx, baseTTL)
	if err != nil {
		j.log.Warn("janitor scan error", zap.Error(err))
		return
	}
	for _, sr := range stale {
		if !operation.IsTerminal(sr.Status) {
			continue
		}
		j.reconcileTerminal(ctx, sr)
	}

	grace := j.billing.ReservationTTL
	if j.billing.JanitorGraceMultiplier > 0 {
		grace = time.Duration(float64(grace) * j.billing.JanitorGraceMultiplier)
	}
	graceTTL := fmt.Sprintf("%d seconds", int(grace.Seconds()))
	stuck, err := j.ledger.StaleReservations(ctx, graceTTL)
	if err != nil {
		j.log.Warn("janitor scan error", zap.Error(err))
		return
	}
	for _, sr := range stuck {
		if operation.IsTerminal(sr.Status) {
			continue
		}
		j.failStuck(ctx, sr)
	}
}

// reconcileTerminal resolves a reservation whose operation already committed
// a terminal outcome: the finalizer crashed between that commit and
// resolving the reservation, leaving it dangling past the base TTL.
func (j *Janitor) reconcileTerminal(ctx context.Context, sr ledger.StaleReservation) {
	var err error
	switch sr.Status {
	case operation.StatusCompleted:
		err = j.ledger.CaptureStandalone(ctx, sr.OperationID)
	case operation.StatusFailed:
		err = j.ledger.ReleaseStandalone(ctx, sr.OperationID)
	}
	if err != nil {
		j.log.Error("janitor failed to reconcile terminal reservation",
			zap.String("operation_id", sr.OperationID), zap.String("status", sr.Status), zap.Error(err))
		return
	}
	obs.JanitorReservationsExpired.Inc()
	j.log.Warn("reconciled reservation against terminal operation",
		zap.String("operation_id", sr.OperationID), zap.String("status", sr.Status))
}

// failStuck handles a reservation whose operation never reached a terminal
// state within the grace window: the job never reached a worker at all, or
// its operation row is missing entirely.
func (j *Janitor) failStuck(ctx context.Context, sr ledger.StaleReservation) {
	var err error
	if sr.Status == "" {
		err = j.ledger.ReleaseStandalone(ctx, sr.OperationID)
	} else {
		err = j.finalizer.Fail(ctx, sr.OperationID, "janitor_stuck")
	}
	if err != nil {
		j.log.Error("janitor failed to fail stuck reservation", zap.String("operation_id", sr.OperationID), zap.Error(err))
		return
	}
	obs.JanitorReservationsExpired.Inc()
	j.log.Warn("released abandoned reservation", zap.String("operation_id", sr.OperationID))
}
