package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"fleetcore/internal/domain"
)

// anyEvent is the map key for subscribers that want every event type.
const anyEvent domain.EventType = "*"

// defaultBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind than this starts losing events.
const defaultBuffer = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id      uint64
	queue   chan delivery
	handler domain.EventHandler
	dropped atomic.Uint64
}

// Bus is an in-process lifecycle event stream. Each subscriber drains
// its own buffered queue on a dedicated goroutine, so a single
// subscriber always observes events in publish order. Slow subscribers
// drop events rather than stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[domain.EventType][]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]*subscriber),
		logger: logger,
	}
}

// Publish fans out an event to typed subscribers and all-event
// subscribers. Publish never blocks: a subscriber whose queue is full
// loses the event, and the loss is counted and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	// Sends are non-blocking, so holding the read lock through the fan-out
	// is cheap and prevents an unsubscribe from closing a queue mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[event.Type] {
		b.offer(sub, ctx, event)
	}
	for _, sub := range b.subs[anyEvent] {
		b.offer(sub, ctx, event)
	}
}

func (b *Bus) offer(sub *subscriber, ctx context.Context, event domain.Event) {
	select {
	case sub.queue <- delivery{ctx: ctx, event: event}:
	default:
		sub.dropped.Add(1)
		b.dropped.Add(1)
		b.logger.Warn("event dropped for slow subscriber",
			"event", string(event.Type),
			"subscriber", sub.id,
			"dropped_total", sub.dropped.Load(),
		)
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
	return b.add(anyEvent, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		queue:   make(chan delivery, defaultBuffer),
		handler: handler,
	}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.remove(key, sub.id) {
				close(sub.queue)
			}
		})
	}
}

// remove detaches the subscriber and reports whether it was still
// attached. Close may have already detached it, in which case the
// queue is closed there instead.
func (b *Bus) remove(key domain.EventType, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, s := range subs {
		if s.id == id {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// drain delivers queued events to one subscriber, in order. A handler
// panic is recovered and logged without killing the drain loop.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Dropped reports how many events were lost to slow subscribers since
// the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close prevents new publishes, detaches every subscriber, and waits
// for queued deliveries to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for key, subs := range b.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
