package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetcore/internal/domain"
)

type inprocSub struct {
	id      uint64
	handler domain.MessageHandler
}

// InProc is the in-process message bus backend. Delivery is
// at-most-once per subscription: each matching handler runs in its own
// goroutine and panics are recovered.
type InProc struct {
	mu     sync.RWMutex
	agents map[string][]inprocSub // keyed by recipient agent id
	types  map[string][]inprocSub // keyed by message type

	dir    domain.DirectoryReader
	events domain.EventBus
	logger *slog.Logger

	nextID  atomic.Uint64
	expired atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewInProc creates the in-process backend. dir resolves broadcast
// targets; events may be nil when no lifecycle stream is wired.
func NewInProc(dir domain.DirectoryReader, events domain.EventBus, logger *slog.Logger) *InProc {
	return &InProc{
		agents: make(map[string][]inprocSub),
		types:  make(map[string][]inprocSub),
		dir:    dir,
		events: events,
		logger: logger,
	}
}

// Send delivers to the recipient's subscribers and to any type
// subscribers. Sending to the wildcard recipient reaches every
// subscribed agent.
func (b *InProc) Send(ctx context.Context, msg domain.AgentMessage) domain.SendResult {
	if b.closed.Load() {
		return domain.SendFailed(msg.ID, "bus closed")
	}
	if msg.To == "" {
		return domain.SendFailed(msg.ID, "empty recipient")
	}
	if msg.Expired(time.Now()) {
		b.dropExpired(ctx, msg)
		return domain.SendFailed(msg.ID, "message expired")
	}

	b.mu.RLock()
	var targets []inprocSub
	if msg.To == domain.BroadcastRecipient {
		for _, subs := range b.agents {
			targets = append(targets, subs...)
		}
	} else {
		targets = append(targets, b.agents[msg.To]...)
	}
	typed := append([]inprocSub(nil), b.types[msg.Type]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(ctx, msg, sub)
	}
	for _, sub := range typed {
		b.dispatch(ctx, msg, sub)
	}

	return domain.SendResult{OK: true, MessageID: msg.ID, Delivered: len(targets)}
}

// Broadcast resolves targets from the directory, narrowed by filter,
// and sends an independent copy to each. The sender never receives its
// own broadcast.
func (b *InProc) Broadcast(ctx context.Context, msg domain.AgentMessage, filter domain.AgentFilter) domain.SendResult {
	if b.closed.Load() {
		return domain.SendFailed(msg.ID, "bus closed")
	}

	result := domain.SendResult{OK: true, MessageID: msg.ID}
	for _, agent := range b.dir.GetAll() {
		id := agent.ID()
		if id == msg.From {
			continue
		}
		if filter != nil && !filter(agent) {
			continue
		}
		m := msg
		m.To = id
		r := b.Send(ctx, m)
		result.Delivered += r.Delivered
		result.Failed += r.Failed
		if !r.OK {
			result.OK = false
			result.Reason = r.Reason
		}
	}
	return result
}

// Subscribe registers a handler for messages addressed to agentID,
// including wildcard sends.
func (b *InProc) Subscribe(agentID string, handler domain.MessageHandler) (domain.Subscription, error) {
	if agentID == "" {
		return nil, domain.NewDomainError("bus.subscribe", domain.ErrInvalidInput, "empty agent id")
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.agents[agentID] = append(b.agents[agentID], inprocSub{id: id, handler: handler})
	b.mu.Unlock()

	return &inprocSubscription{bus: b, key: agentID, id: id, byType: false}, nil
}

// SubscribeByType registers a cross-cutting handler for every message
// of the given type regardless of recipient.
func (b *InProc) SubscribeByType(messageType string, handler domain.MessageHandler) (domain.Subscription, error) {
	if messageType == "" {
		return nil, domain.NewDomainError("bus.subscribe", domain.ErrInvalidInput, "empty message type")
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.types[messageType] = append(b.types[messageType], inprocSub{id: id, handler: handler})
	b.mu.Unlock()

	return &inprocSubscription{bus: b, key: messageType, id: id, byType: true}, nil
}

// ExpiredCount reports how many messages were rejected for exceeding
// their TTL.
func (b *InProc) ExpiredCount() uint64 {
	return b.expired.Load()
}

// Close stops delivery and waits for in-flight handlers.
func (b *InProc) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.wg.Wait()
	return nil
}

func (b *InProc) dispatch(ctx context.Context, msg domain.AgentMessage, sub inprocSub) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("message handler panicked",
					"message", msg.ID,
					"type", msg.Type,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, msg)
	}()
}

func (b *InProc) dropExpired(ctx context.Context, msg domain.AgentMessage) {
	b.expired.Add(1)
	b.logger.Warn("message expired before delivery",
		"message", msg.ID,
		"type", msg.Type,
		"to", msg.To,
	)
	if b.events != nil {
		b.events.Publish(ctx, domain.Event{
			Type:      domain.EventMessageExpired,
			Timestamp: time.Now(),
			AgentID:   msg.To,
		})
	}
}

func (b *InProc) remove(key string, id uint64, byType bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	table := b.agents
	if byType {
		table = b.types
	}
	subs := table[key]
	for i, s := range subs {
		if s.id == id {
			table[key] = append(subs[:i], subs[i+1:]...)
			if len(table[key]) == 0 {
				delete(table, key)
			}
			return
		}
	}
}

type inprocSubscription struct {
	bus    *InProc
	key    string
	id     uint64
	byType bool
	once   sync.Once
}

func (s *inprocSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.key, s.id, s.byType)
	})
}

var _ domain.MessageBus = (*InProc)(nil)
