// Package registrar bridges the message bus to the agent directory and
// worker pool, so remote workers can join, heartbeat, and leave over the
// wire without an in-process handle on the scheduler.
package registrar

import (
	"context"
	"encoding/json"
	"log/slog"

	"fleetcore/internal/domain"
	"fleetcore/internal/usecase/directory"
	"fleetcore/internal/usecase/pool"
)

const senderID = "registrar"

// registerAck is the reply payload for a registration attempt, correlated
// to the register message id.
type registerAck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Registrar subscribes to the agent lifecycle message types and applies them
// to the directory and pool. A worker registers by sending its
// AgentCapabilities as the payload of an agent.register message, then keeps
// itself alive with agent.heartbeat; a heartbeat also revives a worker the
// liveness sweep had marked Offline.
type Registrar struct {
	dir     *directory.Directory
	workers *pool.Pool
	bus     domain.MessageBus
	logger  *slog.Logger

	subs []domain.Subscription
}

// New creates a Registrar. Start must be called before it handles anything.
func New(dir *directory.Directory, workers *pool.Pool, bus domain.MessageBus, logger *slog.Logger) *Registrar {
	return &Registrar{
		dir:     dir,
		workers: workers,
		bus:     bus,
		logger:  logger,
	}
}

// Start subscribes to the lifecycle message types.
func (r *Registrar) Start() error {
	if len(r.subs) > 0 {
		return domain.NewDomainError("Registrar.Start", domain.ErrInvalidInput, "already started")
	}
	for _, s := range []struct {
		msgType string
		handler domain.MessageHandler
	}{
		{domain.MessageTypeRegister, r.handleRegister},
		{domain.MessageTypeHeartbeat, r.handleHeartbeat},
		{domain.MessageTypeDeregister, r.handleDeregister},
	} {
		sub, err := r.bus.SubscribeByType(s.msgType, s.handler)
		if err != nil {
			r.Stop()
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus. Messages already in flight may still be
// handled.
func (r *Registrar) Stop() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registrar) handleRegister(ctx context.Context, msg domain.AgentMessage) {
	var caps domain.AgentCapabilities
	if err := json.Unmarshal(msg.Payload, &caps); err != nil {
		r.logger.Warn("malformed registration payload", "from", msg.From, "error", err)
		r.ack(ctx, msg, registerAck{Reason: "malformed capabilities payload"})
		return
	}
	if caps.AgentID == "" {
		caps.AgentID = msg.From
	}

	if _, err := r.dir.Register(ctx, caps); err != nil {
		r.logger.Warn("registration rejected", "agent_id", caps.AgentID, "error", err)
		r.ack(ctx, msg, registerAck{Reason: err.Error()})
		return
	}
	if err := r.workers.AddWorker(caps.AgentID); err != nil {
		// Deregistered between the two calls; the worker can retry.
		r.logger.Warn("registered agent vanished before pooling", "agent_id", caps.AgentID, "error", err)
		r.ack(ctx, msg, registerAck{Reason: "agent vanished during registration"})
		return
	}
	r.ack(ctx, msg, registerAck{OK: true})
}

func (r *Registrar) handleHeartbeat(_ context.Context, msg domain.AgentMessage) {
	if err := r.dir.Heartbeat(msg.From); err != nil {
		r.logger.Debug("heartbeat from unknown agent", "agent_id", msg.From)
		return
	}
	// Rehydrated and sweep-evicted agents are in the directory but not the
	// pool; their first heartbeat puts them back in rotation.
	if !r.workers.Contains(msg.From) {
		if err := r.workers.AddWorker(msg.From); err != nil {
			r.logger.Debug("could not pool heartbeating agent", "agent_id", msg.From, "error", err)
		}
	}
}

func (r *Registrar) handleDeregister(ctx context.Context, msg domain.AgentMessage) {
	r.workers.RemoveWorker(msg.From)
	r.dir.Deregister(ctx, msg.From)
}

func (r *Registrar) ack(ctx context.Context, msg domain.AgentMessage, a registerAck) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	reply := domain.NewMessage(domain.MessageTypeRegisterAck, senderID, msg.From, payload).
		WithCorrelation(msg.ID)
	if result := r.bus.Send(ctx, reply); !result.OK {
		r.logger.Debug("registration ack not delivered",
			"agent_id", msg.From,
			"reason", result.Reason,
		)
	}
}
