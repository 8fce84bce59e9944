package main

import (
	"log"
	"sync"
)

const subscriberBuffer = 64

// EventBus is a per-request publish/subscribe channel for deliberation
// progress. Both the in-process orchestrator and the bridge's
// council_progress relay publish into it; the SSE endpoint subscribes.
// Events for one request id are delivered to each subscriber in publish
// order. There is no replay: subscribers see events from subscription on.
type EventBus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a listener for one request id. The returned cancel
// function is idempotent and must be called when the listener is done; the
// channel is closed on cancel or when the request finishes.
func (b *EventBus) Subscribe(requestID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[requestID] = append(b.subs[requestID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(requestID, ch)
	}

	return ch, cancel
}

// remove drops one subscriber and closes its channel. Caller holds b.mu.
func (b *EventBus) remove(requestID string, ch chan Event) {
	subs := b.subs[requestID]
	for i, s := range subs {
		if s == ch {
			b.subs[requestID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subs[requestID]) == 0 {
		delete(b.subs, requestID)
	}
}

// Publish delivers an event to every subscriber of its request id. A
// subscriber whose buffer is full is dropped rather than blocking the
// pipeline. Terminal events (complete/error) close the request's
// subscriptions after delivery.
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := append([]chan Event(nil), b.subs[evt.RequestID]...)
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[Events] Dropping slow subscriber for request %s", evt.RequestID)
			b.remove(evt.RequestID, ch)
		}
	}

	if evt.Type == "complete" || evt.Type == "error" {
		for _, ch := range b.subs[evt.RequestID] {
			close(ch)
		}
		delete(b.subs, evt.RequestID)
	}
}

// SubscriberCount reports the number of listeners for a request id.
func (b *EventBus) SubscriberCount(requestID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[requestID])
}
