// Package eventbus fans status events out to any number of observers
// (console, MQTT, websocket clients) without ever blocking the publisher.
//
// A subscriber that cannot keep up loses events; the loss is counted per
// subscriber so it shows up in stats instead of stalling the supervisor.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("eventbus: bus is closed")
	ErrSubscriberExists   = errors.New("eventbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("eventbus: subscriber not found")
	ErrNilChannel         = errors.New("eventbus: nil channel provided")
)

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber[T any] struct {
	id    string
	ch    chan<- T
	stats *SubscriberStats
}

// Bus distributes values of type T to registered channels.
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber[T]
	totalPublished uint64
	closed         bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers ch under id. Sends to ch are non-blocking: size the
// buffer for the burst the consumer must absorb.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber[T]{
		id:    id,
		ch:    ch,
		stats: &SubscriberStats{},
	}
	return nil
}

// Publish delivers v to every subscriber whose channel has room.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- v:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Unsubscribe removes a subscriber. The channel is not closed; the caller
// owns it.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a copy of the delivery counters for id.
func (b *Bus[T]) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// TotalPublished returns the number of Publish calls accepted since creation.
func (b *Bus[T]) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close stops delivery and drops all subscribers. Idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = make(map[string]*subscriber[T])
}
