// Copyright 2025 James Ross
package fanout

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/flowforge/mediaqueue/internal/config"
)

type fakeSubscriber struct {
	ch chan amqp.Delivery
}

func (f *fakeSubscriber) Subscribe(patterns ...string) (<-chan amqp.Delivery, error) {
	return f.ch, nil
}

func newTestHub() *Hub {
	return NewHub(config.WebSocket{PubSubChannel: "jobqueue:progress"}, nil, &fakeSubscriber{ch: make(chan amqp.Delivery)}, zap.NewNop())
}

func TestBroadcastOnlyReachesSubscribersOfThatOperation(t *testing.T) {
	h := newTestHub()
	a := &client{operationID: "op1", send: make(chan []byte, 1)}
	b := &client{operationID: "op2", send: make(chan []byte, 1)}
	h.register(a)
	h.register(b)

	h.broadcast("op1", []byte(`{"operation_id":"op1","percent":50}`))

	select {
	case msg := <-a.send:
		if string(msg) != `{"operation_id":"op1","percent":50}` {
			t.Fatalf("unexpected payload: %s", msg)
		}
	default:
		t.Fatal("expected op1 subscriber to receive the message")
	}
	select {
	case <-b.send:
		t.Fatal("op2 subscriber must not receive op1's message")
	default:
	}
}

func TestUnregisterRemovesEmptyOperationSet(t *testing.T) {
	h := newTestHub()
	a := &client{operationID: "op1", send: make(chan []byte, 1)}
	h.register(a)
	h.unregister(a)

	h.mu.Lock()
	_, ok := h.subscribers["op1"]
	h.mu.Unlock()
	if ok {
		t.Fatal("expected empty operation subscriber set to be removed")
	}
}

func TestDispatchIgnoresMessagesWithoutOperationID(t *testing.T) {
	h := newTestHub()
	a := &client{operationID: "op1", send: make(chan []byte, 1)}
	h.register(a)

	h.dispatch([]byte(`{"not_an_operation":"x"}`))

	select {
	case <-a.send:
		t.Fatal("expected no message to be dispatched")
	default:
	}
}
