package eventbus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"fleetcore/internal/domain"
)

// benchBus discards drop warnings so logging does not dominate the
// measurement when publishers outpace the drain goroutine.
func benchBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func BenchmarkPublish(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventTaskDispatched,
		Timestamp: time.Now(),
		TaskID:    "bench-task",
	}

	bus.Subscribe(domain.EventTaskDispatched, func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventTaskDispatched,
		Timestamp: time.Now(),
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := benchBus()
	event := domain.Event{
		Type:      domain.EventTaskDispatched,
		Timestamp: time.Now(),
	}

	bus.Subscribe(domain.EventTaskDispatched, func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, event)
		}
	})
	bus.Close()
}
