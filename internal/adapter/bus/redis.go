package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"fleetcore/internal/domain"
	"fleetcore/internal/infra/config"
)

// Default circuit breaker settings for the publish path.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 15 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// RedisClient abstracts the Redis pub/sub operations the bus needs.
// This allows a real go-redis client or a fake to be used
// interchangeably. The channel returned by Subscribe is closed when
// ctx is cancelled or the connection is lost.
type RedisClient interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	Close() error
}

// RedisConfig holds the Redis backend settings.
type RedisConfig struct {
	// ChannelPrefix namespaces every channel, e.g. "fleetcore:".
	ChannelPrefix string
	Breaker       config.BreakerConfig
}

// Redis is the external pub/sub backend. Messages are published as
// wire JSON to a per-agent channel, a shared broadcast channel, and a
// per-type channel; subscribers decode and re-check TTL on receipt.
// Publishes are routed through a circuit breaker so a dead Redis fails
// fast instead of stalling dispatch.
type Redis struct {
	client  RedisClient
	dir     domain.DirectoryReader
	events  domain.EventBus
	logger  *slog.Logger
	prefix  string
	breaker *gobreaker.CircuitBreaker[struct{}]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	expired atomic.Uint64
	closed  atomic.Bool
}

// NewRedis creates the Redis backend. dir resolves broadcast targets;
// events may be nil.
func NewRedis(client RedisClient, dir domain.DirectoryReader, events domain.EventBus, cfg RedisConfig, logger *slog.Logger) *Redis {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "bus:redis",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		client:  client,
		dir:     dir,
		events:  events,
		logger:  logger,
		prefix:  cfg.ChannelPrefix,
		breaker: cb,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Redis) agentChannel(id string) string { return b.prefix + "agent:" + id }
func (b *Redis) typeChannel(t string) string   { return b.prefix + "type:" + t }
func (b *Redis) broadcastChannel() string      { return b.prefix + "broadcast" }

// Send publishes to the recipient's channel, or the broadcast channel
// for the wildcard recipient, plus the message-type channel.
func (b *Redis) Send(ctx context.Context, msg domain.AgentMessage) domain.SendResult {
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

	data, err := encodeMessage(msg)
	if err != nil {
		return domain.SendFailed(msg.ID, err.Error())
	}
	payload := string(data)

	channel := b.agentChannel(msg.To)
	if msg.To == domain.BroadcastRecipient {
		channel = b.broadcastChannel()
	}
	if err := b.publish(ctx, channel, payload); err != nil {
		b.logger.Error("publish failed",
			"message", msg.ID,
			"channel", channel,
			"error", err,
		)
		return domain.SendFailed(msg.ID, err.Error())
	}

	// The type channel is a secondary tap for cross-cutting observers;
	// a failure there does not fail the send.
	if err := b.publish(ctx, b.typeChannel(msg.Type), payload); err != nil {
		b.logger.Warn("type channel publish failed",
			"message", msg.ID,
			"type", msg.Type,
			"error", err,
		)
	}

	return domain.SendOK(msg.ID)
}

func (b *Redis) publish(ctx context.Context, channel, payload string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.client.Publish(ctx, channel, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError("bus.publish", domain.ErrTransport, "circuit open")
	}
	if err != nil {
		return domain.NewDomainError("bus.publish", domain.ErrTransport, err.Error())
	}
	return nil
}

// Broadcast resolves targets from the directory, narrowed by filter,
// and sends an independent copy to each. The sender never receives its
// own broadcast.
func (b *Redis) Broadcast(ctx context.Context, msg domain.AgentMessage, filter domain.AgentFilter) domain.SendResult {
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

// Subscribe listens on the agent's channel and the broadcast channel.
func (b *Redis) Subscribe(agentID string, handler domain.MessageHandler) (domain.Subscription, error) {
	if agentID == "" {
		return nil, domain.NewDomainError("bus.subscribe", domain.ErrInvalidInput, "empty agent id")
	}
	return b.listen(handler, b.agentChannel(agentID), b.broadcastChannel())
}

// SubscribeByType listens on the message-type channel.
func (b *Redis) SubscribeByType(messageType string, handler domain.MessageHandler) (domain.Subscription, error) {
	if messageType == "" {
		return nil, domain.NewDomainError("bus.subscribe", domain.ErrInvalidInput, "empty message type")
	}
	return b.listen(handler, b.typeChannel(messageType))
}

func (b *Redis) listen(handler domain.MessageHandler, channels ...string) (domain.Subscription, error) {
	ctx, cancel := context.WithCancel(b.ctx)
	for _, channel := range channels {
		ch, err := b.client.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			return nil, domain.NewDomainError("bus.subscribe", domain.ErrTransport, err.Error())
		}
		b.wg.Add(1)
		go b.pump(ctx, channel, ch, handler)
	}
	return &redisSubscription{cancel: cancel}, nil
}

// pump decodes and dispatches messages from one channel until it
// closes. Malformed payloads are logged and dropped; expired messages
// are counted and dropped.
func (b *Redis) pump(ctx context.Context, channel string, ch <-chan string, handler domain.MessageHandler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			msg, err := decodeMessage([]byte(payload))
			if err != nil {
				b.logger.Warn("dropping malformed message",
					"channel", channel,
					"error", err,
				)
				continue
			}
			if msg.Expired(time.Now()) {
				b.dropExpired(ctx, msg)
				continue
			}
			b.invoke(ctx, msg, handler)
		}
	}
}

func (b *Redis) invoke(ctx context.Context, msg domain.AgentMessage, handler domain.MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				"message", msg.ID,
				"type", msg.Type,
				"panic", r,
			)
		}
	}()
	handler(ctx, msg)
}

func (b *Redis) dropExpired(ctx context.Context, msg domain.AgentMessage) {
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

// ExpiredCount reports how many messages were rejected for exceeding
// their TTL.
func (b *Redis) ExpiredCount() uint64 {
	return b.expired.Load()
}

// BreakerState returns the publish circuit breaker state for
// monitoring.
func (b *Redis) BreakerState() gobreaker.State {
	return b.breaker.State()
}

// Close cancels every subscription, closes the client, and waits for
// the pumps to drain.
func (b *Redis) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.cancel()
	err := b.client.Close()
	b.wg.Wait()
	return err
}

type redisSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() { s.cancel() })
}

var _ domain.MessageBus = (*Redis)(nil)
