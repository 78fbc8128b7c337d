// Copyright 2025 James Ross

// Package eventbus wraps the AMQP topic exchange that the outbox dispatcher
// publishes to and that the fan-out service consumes from. Messages are
// published persistent; a dead-letter exchange catches anything the broker
// cannot route or that a consumer rejects.
package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/config"
)

type Bus struct {
	cfg  config.EventBus
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// Dial connects, opens a channel, and declares the topic exchange and its
// dead-letter exchange.
func Dial(cfg config.EventBus, log *zap.Logger) (*Bus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.DeadLetter, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare dlx: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, amqp.Table{
		"alternate-exchange": cfg.DeadLetter,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}

	return &Bus{cfg: cfg, conn: conn, ch: ch, log: log}, nil
}

func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		b.log.Warn("eventbus channel close error", zap.Error(err))
	}
	return b.conn.Close()
}

// Publish sends body to the topic exchange under routingKey as a
// persistent message, tagged with messageID for broker-side dedup/tracing.
func (b *Bus) Publish(ctx context.Context, routingKey, messageID string, body []byte) error {
	return b.ch.PublishWithContext(ctx, b.cfg.Exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
	})
}

// Subscribe declares a durable, auto-deleting, non-exclusive queue with a
// random name suffix, bound to the given routing patterns,
// and returns the delivery channel. The caller owns Ack/Nack for each
// delivery.
func (b *Bus) Subscribe(patterns ...string) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare(
		b.cfg.ConsumerName+"."+randSuffix(),
		true,  // durable
		true,  // auto-delete
		false, // exclusive across connections is unnecessary; this conn is solely ours
		false,
		amqp.Table{"x-dead-letter-exchange": b.cfg.DeadLetter},
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: queue declare: %w", err)
	}
	for _, p := range patterns {
		if err := b.ch.QueueBind(q.Name, p, b.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("eventbus: queue bind %s: %w", p, err)
		}
	}
	msgs, err := b.ch.Consume(q.Name, b.cfg.ConsumerName, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("eventbus: consume: %w", err)
	}
	return msgs, nil
}

func randSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
