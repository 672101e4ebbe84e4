package domain

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// BroadcastRecipient is the wildcard recipient id addressing every agent.
const BroadcastRecipient = "*"

// Well-known message types used by the scheduler itself. Callers are free to
// define their own types; routing only ever compares the string.
const (
	MessageTypeTask       = "task.assign"
	MessageTypeTaskResult = "task.result"

	// Agent lifecycle over the bus, for deployments where workers are
	// remote and cannot reach the directory in-process.
	MessageTypeRegister    = "agent.register"
	MessageTypeRegisterAck = "agent.register.ack"
	MessageTypeHeartbeat   = "agent.heartbeat"
	MessageTypeDeregister  = "agent.deregister"
)

// AgentMessage is the immutable envelope carried by every bus backend.
// Payload is opaque to the scheduler; its schema belongs to the caller.
type AgentMessage struct {
	ID            string          `json:"message_id"`
	Type          string          `json:"message_type"`
	From          string          `json:"from_agent_id"`
	To            string          `json:"to_agent_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// TTL is the maximum age the message may reach before delivery.
	// nil means the message never expires. A zero TTL expires as soon as
	// any time at all has passed since Timestamp.
	TTL *time.Duration `json:"ttl,omitempty"`
}

// NewMessage creates an envelope with a fresh ULID and the current timestamp.
func NewMessage(msgType, from, to string, payload json.RawMessage) AgentMessage {
	return AgentMessage{
		ID:        newULID(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// WithTTL returns a copy of the message carrying the given time-to-live.
func (m AgentMessage) WithTTL(ttl time.Duration) AgentMessage {
	m.TTL = &ttl
	return m
}

// WithCorrelation returns a copy linked to a request message.
func (m AgentMessage) WithCorrelation(correlationID string) AgentMessage {
	m.CorrelationID = correlationID
	return m
}

// Expired reports whether the message's age at now exceeds its TTL.
// Messages without a TTL never expire.
func (m AgentMessage) Expired(now time.Time) bool {
	if m.TTL == nil {
		return false
	}
	return now.Sub(m.Timestamp) > *m.TTL
}

// SendResult is the outcome of a Send or Broadcast. Transport errors are
// folded into the result; the bus interface never lets them escape.
//
// Delivered counts recipient handoffs the backend itself confirmed: the
// in-process backend counts the recipient's own subscriptions it invoked
// (type-channel observers are not recipients and are not counted), while an
// external backend counts publishes the broker accepted, one per recipient,
// with no knowledge of remote subscriber counts. Failed counts recipients
// whose handoff failed outright.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

// SendOK builds a success result for a single delivery.
func SendOK(messageID string) SendResult {
	return SendResult{OK: true, MessageID: messageID, Delivered: 1}
}

// SendFailed builds a failure result for a single delivery.
func SendFailed(messageID, reason string) SendResult {
	return SendResult{MessageID: messageID, Failed: 1, Reason: reason}
}

// MessageHandler is invoked once per delivered message. A panicking handler
// is recovered by the bus and never stops delivery to other subscribers.
type MessageHandler func(ctx context.Context, msg AgentMessage)

// Subscription is the disposable handle returned by Subscribe calls.
// Unsubscribe releases backend resources and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// MessageBus is the transport-agnostic agent-to-agent messaging contract.
// Backends (in-process, Redis pub/sub) are interchangeable implementations
// selected at construction time. Delivery is at-most-once per subscription;
// there is no persistence or replay, and no cross-message ordering guarantee.
type MessageBus interface {
	// Send delivers to exactly the recipient id. It fails fast when the
	// recipient is empty or the message has already expired.
	Send(ctx context.Context, msg AgentMessage) SendResult

	// Broadcast resolves targets from the Agent Directory, optionally
	// narrowed by filter (nil matches everyone), and performs an
	// independent per-target Send with the recipient rewritten.
	Broadcast(ctx context.Context, msg AgentMessage, filter AgentFilter) SendResult

	// Subscribe registers a handler for messages addressed to agentID,
	// including broadcasts.
	Subscribe(agentID string, handler MessageHandler) (Subscription, error)

	// SubscribeByType registers a cross-cutting handler for every message
	// of the given type regardless of recipient.
	SubscribeByType(messageType string, handler MessageHandler) (Subscription, error)

	// Close releases backend connections and stops delivery.
	Close() error
}

func newULID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
