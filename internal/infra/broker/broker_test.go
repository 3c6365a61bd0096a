package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"civicmesh/internal/domain"
)

func connected(t *testing.T) *InProc {
	t.Helper()
	b := New(slog.Default())
	if err := b.Connect(context.Background(), "inproc://test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return b
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := connected(t)
	defer b.Disconnect()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := b.Subscribe("topic", func(_ context.Context, msg domain.BrokerMessage) {
		mu.Lock()
		got = append(got, string(msg.Data))
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, payload := range []string{"one", "two", "three"} {
		if err := b.Publish(context.Background(), "topic", []byte(payload)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := connected(t)
	defer b.Disconnect()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		once := sync.Once{}
		_, err := b.Subscribe("topic", func(_ context.Context, _ domain.BrokerMessage) {
			once.Do(wg.Done)
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "topic", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestConnectFailsWhileUnavailable(t *testing.T) {
	b := New(slog.Default())
	b.SetAvailable(false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Connect(ctx, "inproc://test")
	if !errors.Is(err, domain.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	b := New(slog.Default())
	err := b.Publish(context.Background(), "topic", []byte("x"))
	if !errors.Is(err, domain.ErrTransportError) {
		t.Fatalf("expected ErrTransportError, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := connected(t)
	defer b.Disconnect()

	received := make(chan struct{}, 8)
	unsub, err := b.Subscribe("topic", func(_ context.Context, _ domain.BrokerMessage) {
		received <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()

	if err := b.Publish(context.Background(), "topic", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-received:
		t.Fatal("unsubscribed handler must not receive messages")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	b := connected(t)
	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := b.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
