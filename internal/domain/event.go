package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskSubmitted  EventType = "task.submitted"
	EventTaskDispatched EventType = "task.dispatched"
	EventTaskRequeued   EventType = "task.requeued"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"

	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDeregistered EventType = "agent.deregistered"
	EventAgentOffline      EventType = "agent.offline"

	EventMessageExpired EventType = "message.expired"
	EventScalingDecided EventType = "scaling.decided"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for scheduler lifecycle
// events: task state changes, agent registration, scaling decisions.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
