package pubsub

import (
	"context"
	"sync"
	"time"
)

// Subscriber channels buffer this many events; a slow listener loses
// events beyond it rather than stalling the publisher.
const subscriberBuffer = 64

// Broker fans worker events out to any number of subscribers. Publish
// never blocks: neither the polling loop nor the logger may stall on a
// listener.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[chan Event[T]]struct{}
	closed bool
}

// NewBroker returns an open broker with no subscribers.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[chan Event[T]]struct{})}
}

// Subscribe registers a listener. The returned channel closes when ctx
// is cancelled or the broker shuts down; on an already-closed broker it
// is closed immediately.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], subscriberBuffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish delivers an event to every subscriber with buffer room and
// drops it for the rest. No-op after Close.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	ev := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscription.
// Idempotent.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
