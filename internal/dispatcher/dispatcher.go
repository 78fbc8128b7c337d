// Copyright 2025 James Ross

// Package dispatcher runs the outbox-to-event-bus polling loop: it claims a
// batch of pending outbox rows, publishes each to the event bus, and marks
// it published or failed. Multiple dispatcher instances can run
// concurrently against the same table; ClaimBatch's SKIP LOCKED keeps them
// from racing on the same row.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/outbox"
)

// publisher is satisfied by *eventbus.Bus; kept as an interface here so the
// polling loop can be exercised against a fake bus without a broker.
type publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

type Dispatcher struct {
	cfg    config.Dispatcher
	owner  string
	outbox *outbox.Store
	bus    publisher
	log    *zap.Logger
}

func New(cfg config.Dispatcher, owner string, store *outbox.Store, bus publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, owner: owner, outbox: store, bus: bus, log: log}
}

// Run polls on cfg.PollingInterval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.log.Error("dispatcher tick failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	events, err := d.outbox.ClaimBatch(ctx, d.owner, d.cfg.BatchSize, d.cfg.LeaseSeconds)
	if err != nil {
		return err
	}
	if n, err := d.outbox.PendingCount(ctx); err == nil {
		obs.OutboxPending.Set(float64(n))
	}
	for _, e := range events {
		start := time.Now()
		err := d.bus.Publish(ctx, e.RoutingKey, e.ID, e.Payload)
		obs.OutboxDispatchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			obs.OutboxFailed.Inc()
			if markErr := d.outbox.MarkFailed(ctx, e.ID, err, d.cfg.MaxAttempts, d.cfg.BackoffBase); markErr != nil {
				d.log.Error("dispatcher mark failed error", zap.String("event_id", e.ID), zap.Error(markErr))
			}
			d.log.Warn("dispatcher publish failed", zap.String("event_id", e.ID), zap.Int("attempt", e.Attempts+1), zap.Error(err))
			continue
		}
		if err := d.outbox.MarkPublished(ctx, e.ID); err != nil {
			d.log.Error("dispatcher mark published error", zap.String("event_id", e.ID), zap.Error(err))
			continue
		}
		obs.OutboxPublished.Inc()
	}
	return nil
}
