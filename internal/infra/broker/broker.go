// Package broker provides the in-process publish/subscribe transport the
// Secure Channel rides on. Topics are plain strings; delivery to each
// subscriber is at-least-once and ordered, via a per-subscriber queue drained
// by a dedicated goroutine so a slow consumer never blocks the publisher's
// other subscribers.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"civicmesh/internal/domain"
)

const subscriberQueueSize = 128

type subscriber struct {
	id      uint64
	topic   string
	handler domain.BrokerHandler
	queue   chan domain.BrokerMessage
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// InProc is an in-process domain.Broker.
type InProc struct {
	mu        sync.RWMutex
	subs      map[string]map[uint64]*subscriber
	nextID    atomic.Uint64
	connected atomic.Bool
	available atomic.Bool
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// New creates an available, not-yet-connected broker.
func New(logger *slog.Logger) *InProc {
	b := &InProc{
		subs:   make(map[string]map[uint64]*subscriber),
		logger: logger,
	}
	b.available.Store(true)
	return b
}

// SetAvailable toggles whether Connect attempts can succeed. Used to model
// broker outages in tests.
func (b *InProc) SetAvailable(ok bool) { b.available.Store(ok) }

// Connect establishes the transport connection, blocking until the broker
// accepts or ctx expires, in which case it fails with ErrTransportUnavailable.
func (b *InProc) Connect(ctx context.Context, addr string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.available.Load() {
			b.connected.Store(true)
			b.logger.Debug("broker connected", "addr", addr)
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.NewSubSystemError("broker", "InProc.Connect",
				domain.ErrTransportUnavailable, addr)
		case <-ticker.C:
		}
	}
}

// Publish sends data to every current subscriber of topic. Fails with
// ErrTransportError when the broker is not connected.
func (b *InProc) Publish(ctx context.Context, topic string, data []byte) error {
	if !b.connected.Load() {
		return domain.NewSubSystemError("broker", "InProc.Publish",
			domain.ErrTransportError, "not connected")
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	msg := domain.BrokerMessage{Topic: topic, Data: data}
	for _, sub := range targets {
		select {
		case sub.queue <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return domain.NewSubSystemError("broker", "InProc.Publish",
				domain.ErrTransportError, ctx.Err().Error())
		}
	}
	return nil
}

// Subscribe binds handler to topic and returns an unsubscribe function.
// The handler runs on its own goroutine, one message at a time, preserving
// publish order for that subscriber.
func (b *InProc) Subscribe(topic string, handler domain.BrokerHandler) (func(), error) {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		topic:   topic,
		handler: handler,
		queue:   make(chan domain.BrokerMessage, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.remove(sub) }, nil
}

// Disconnect releases the transport connection, stopping all subscriber
// queues and waiting for in-flight handlers. Idempotent.
func (b *InProc) Disconnect() error {
	if !b.connected.Swap(false) {
		return nil
	}

	b.mu.Lock()
	for topic, subs := range b.subs {
		for id, sub := range subs {
			sub.stop()
			delete(subs, id)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("broker disconnected")
	return nil
}

func (b *InProc) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("broker handler panicked",
							"topic", sub.topic, "panic", r)
					}
				}()
				sub.handler(context.Background(), msg)
			}()
		}
	}
}

func (b *InProc) remove(sub *subscriber) {
	b.mu.Lock()
	if subs, ok := b.subs[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()
	sub.stop()
}
