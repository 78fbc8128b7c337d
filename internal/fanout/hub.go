// Copyright 2025 James Ross

// Package fanout serves job progress and lifecycle events to WebSocket
// clients. It merges two sources: ephemeral progress ticks from the
// worker's Redis pub/sub channel, and durable job.* and
// billing.reservation.* events consumed from the event bus. Both are keyed
// by operation id and routed only to clients subscribed to that operation.
package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/config"
	"github.com/flowforge/mediaqueue/internal/obs"
)

// subscriber is satisfied by *eventbus.Bus.
type subscriber interface {
	Subscribe(patterns ...string) (<-chan amqp.Delivery, error)
}

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	operationID string
}

type Hub struct {
	cfg      config.WebSocket
	rdb      *redis.Client
	bus      subscriber
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[string]map[*client]struct{}
}

func NewHub(cfg config.WebSocket, rdb *redis.Client, bus subscriber, log *zap.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		rdb:         rdb,
		bus:         bus,
		log:         log,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		subscribers: make(map[string]map[*client]struct{}),
	}
}

// HandleWS upgrades the request and registers the connection to receive
// every message published for operationID until the client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, operationID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("fanout: websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16), operationID: operationID}
	h.register(c)
	obs.FanoutSubscribers.Inc()

	go h.readPump(c)
	h.writePump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[c.operationID] == nil {
		h.subscribers[c.operationID] = make(map[*client]struct{})
	}
	h.subscribers[c.operationID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscribers[c.operationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subscribers, c.operationID)
		}
	}
	close(c.send)
	obs.FanoutSubscribers.Dec()
}

// readPump's only job is to notice the peer closing the connection; clients
// never send application messages to this endpoint.
func (h *Hub) readPump(c *client) {
	defer func() {
		c.conn.Close()
		h.unregister(c)
	}()
	c.conn.SetCloseHandler(func(int, string) error { return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	timeout := h.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
		obs.FanoutMessagesSent.Inc()
	}
}

func (h *Hub) broadcast(operationID string, payload []byte) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.subscribers[operationID]))
	for c := range h.subscribers[operationID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop rather than block the fan-out loop.
		}
	}
}

type envelope struct {
	OperationID string `json:"operation_id"`
}

// Run consumes both event sources until ctx is canceled, routing each
// message to the subscribers of its operation id.
func (h *Hub) Run(ctx context.Context) error {
	progress := h.rdb.Subscribe(ctx, h.cfg.PubSubChannel)
	defer progress.Close()

	deliveries, err := h.bus.Subscribe("job.*", "billing.reservation.*")
	if err != nil {
		return err
	}

	progressCh := progress.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-progressCh:
			if !ok {
				return nil
			}
			h.dispatch([]byte(msg.Payload))
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			h.dispatch(d.Body)
			_ = d.Ack(false)
		}
	}
}

func (h *Hub) dispatch(payload []byte) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil || e.OperationID == "" {
		return
	}
	h.broadcast(e.OperationID, payload)
}
