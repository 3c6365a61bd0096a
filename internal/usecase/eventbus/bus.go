// Package eventbus is the in-process publish/subscribe fabric for domain
// events. Each subscriber owns a buffered queue drained by a dedicated
// goroutine, so publishers never block and each subscriber observes events
// in publish order.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"civicmesh/internal/domain"
)

const queueSize = 256

type subscriber struct {
	id      uint64
	match   domain.EventType // empty = all events
	handler domain.EventHandler
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Publish fans out an event to matching subscribers. A subscriber whose
// queue is full drops the event with a warning rather than blocking the
// publisher.
func (b *Bus) Publish(_ context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.match != "" && sub.match != event.Type {
			continue
		}
		select {
		case sub.queue <- event:
		case <-sub.done:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				"event", string(event.Type), "subscriber", sub.id)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

// Close prevents new publishes and waits for all subscriber queues to stop.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) add(match domain.EventType, handler domain.EventHandler) func() {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan domain.Event, queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event handler panicked",
							"event", string(event.Type), "panic", r)
					}
				}()
				sub.handler(context.Background(), event)
			}()
		}
	}
}
