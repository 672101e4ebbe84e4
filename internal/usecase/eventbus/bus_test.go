package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetcore/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTaskSubmitted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Publish(context.Background(), newEvent(domain.EventTaskCompleted))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Publish(context.Background(), newEvent(domain.EventScalingDecided))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	unsub() // second call is a no-op
	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestSubscriberObservesPublishOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	bus.Subscribe(domain.EventTaskDispatched, func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.TaskID)
		mu.Unlock()
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventTaskDispatched,
			Timestamp: time.Now(),
			TaskID:    id,
		})
	}
	bus.Close()

	want := []string{"a", "b", "c", "d"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event %d: expected task %q, got %q", i, want[i], seen[i])
		}
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
		}()
	}
	wg.Wait()
	bus.Close()

	// A burst can overflow the subscriber queue; every publish is either
	// delivered or counted as dropped, never silently lost.
	total := int(got.Load()) + int(bus.Dropped())
	if total != 100 {
		t.Fatalf("expected delivered+dropped = 100, got %d delivered, %d dropped",
			got.Load(), bus.Dropped())
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := newTestBus()

	release := make(chan struct{})
	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		<-release
		got.Add(1)
	})

	// One delivery in flight plus a full queue, then overflow.
	for i := 0; i < defaultBuffer+10; i++ {
		bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected overflowed queue to drop events")
	}

	close(release)
	bus.Close()
	if got.Load() == 0 {
		t.Fatal("expected queued events to still be delivered")
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 (panicking handler must not kill the drain loop), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventTaskSubmitted, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	bus.Close() // blocks until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventTaskSubmitted))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close() // idempotent
}
