// Package supervisor runs the scheduling control loop: it drains the task
// queue, picks workers, dispatches over the message bus, collects results,
// and retries or fails tasks whose delivery went wrong.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetcore/internal/domain"
	"fleetcore/internal/infra/tracer"
	"fleetcore/internal/usecase/autoscale"
	"fleetcore/internal/usecase/pool"
	"fleetcore/internal/usecase/queue"
)

// senderID is the from-agent id stamped on dispatch messages.
const senderID = "supervisor"

// Config holds the supervisor's retry and loop settings.
type Config struct {
	// MaxRequeues bounds how often a task is put back on the queue before
	// it is failed.
	MaxRequeues int
	// RequeueBackoff is the base delay before a requeue; it grows linearly
	// with the attempt count.
	RequeueBackoff time.Duration
	// RequeuePerSecond rate-limits requeue attempts so an empty pool does
	// not spin the dispatch loop. <= 0 means unlimited.
	RequeuePerSecond float64
	// ScaleInterval is the autoscaler evaluation period. 0 disables the
	// scale loop.
	ScaleInterval time.Duration
	// TaskTTL is stamped on dispatch messages. 0 means no TTL.
	TaskTTL time.Duration
	// DispatchTimeout re-queues a dispatched task whose assignee never
	// reported a result. 0 disables the janitor.
	DispatchTimeout time.Duration
}

// TaskCounter is the directory surface the supervisor mutates. Lookups go
// through the embedded reader; the counters keep per-agent load consistent
// with dispatch.
type TaskCounter interface {
	domain.DirectoryReader
	IncrementTaskCount(agentID string) error
	DecrementTaskCount(agentID string) error
}

type pendingTask struct {
	task         domain.WorkerTask
	state        domain.TaskState
	attempts     int
	assignee     string
	dispatchedAt time.Time
	future       chan domain.WorkerTaskResult
}

// Supervisor coordinates queue, pool, directory, bus and autoscaler.
type Supervisor struct {
	cfg    Config
	queue  *queue.Queue
	pool   *pool.Pool
	dir    TaskCounter
	bus    domain.MessageBus
	scaler *autoscale.Autoscaler
	events domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingTask

	limiter   *rate.Limiter
	resultSub domain.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// New creates a Supervisor. events may be nil.
func New(cfg Config, q *queue.Queue, p *pool.Pool, dir TaskCounter, bus domain.MessageBus, scaler *autoscale.Autoscaler, events domain.EventBus, logger *slog.Logger) *Supervisor {
	limit := rate.Inf
	burst := 1
	if cfg.RequeuePerSecond > 0 {
		limit = rate.Limit(cfg.RequeuePerSecond)
		if b := int(cfg.RequeuePerSecond); b > 1 {
			burst = b
		}
	}
	return &Supervisor{
		cfg:     cfg,
		queue:   q,
		pool:    p,
		dir:     dir,
		bus:     bus,
		scaler:  scaler,
		events:  events,
		logger:  logger,
		pending: make(map[string]*pendingTask),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Start subscribes to task results and launches the dispatch, scale and
// janitor loops. It is not safe to call twice.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.NewDomainError("Supervisor.Start", domain.ErrInvalidInput, "already started")
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	sub, err := s.bus.SubscribeByType(domain.MessageTypeTaskResult, s.handleResult)
	if err != nil {
		cancel()
		return domain.WrapOp("Supervisor.Start", err)
	}
	s.resultSub = sub

	s.wg.Add(1)
	go s.dispatchLoop(ctx)

	if s.cfg.ScaleInterval > 0 {
		s.wg.Add(1)
		go s.scaleLoop(ctx)
	}
	if s.cfg.DispatchTimeout > 0 {
		s.wg.Add(1)
		go s.janitorLoop(ctx)
	}

	s.logger.Info("supervisor started",
		"max_requeues", s.cfg.MaxRequeues,
		"scale_interval", s.cfg.ScaleInterval,
		"dispatch_timeout", s.cfg.DispatchTimeout,
	)
	return nil
}

// Stop cancels the loops and waits for them. In-flight tasks keep their
// pending records; callers that need their results should drain futures
// before stopping.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if s.resultSub != nil {
		s.resultSub.Unsubscribe()
	}
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
}

// Submit validates the task, registers a pending record and enqueues it.
// The returned future resolves with exactly one result once the task
// completes or fails. The error is ErrQueueFull under the reject policy and
// ErrClosed after the queue shut down.
func (s *Supervisor) Submit(ctx context.Context, task domain.WorkerTask) (<-chan domain.WorkerTaskResult, error) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.submit")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task_id", task.ID), tracer.StringAttr("task_type", task.Type))

	if task.ID == "" || task.Type == "" {
		err := domain.NewDomainError("Supervisor.Submit", domain.ErrInvalidInput, "task id and type are required")
		tracer.RecordError(span, err)
		return nil, err
	}

	p := &pendingTask{
		task:   task,
		state:  domain.TaskStateQueued,
		future: make(chan domain.WorkerTaskResult, 1),
	}
	s.mu.Lock()
	if _, exists := s.pending[task.ID]; exists {
		s.mu.Unlock()
		err := domain.NewDomainError("Supervisor.Submit", domain.ErrDuplicate, task.ID)
		tracer.RecordError(span, err)
		return nil, err
	}
	s.pending[task.ID] = p
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.mu.Lock()
		delete(s.pending, task.ID)
		s.mu.Unlock()
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Supervisor.Submit", err)
	}

	s.publish(ctx, domain.Event{
		Type:      domain.EventTaskSubmitted,
		Timestamp: time.Now(),
		TaskID:    task.ID,
	})
	s.logger.Debug("task submitted", "task_id", task.ID, "type", task.Type, "priority", task.Priority)
	return p.future, nil
}

// Watch returns the future that resolves once the task completes or fails.
// The channel carries exactly one result. ok is false for unknown tasks.
func (s *Supervisor) Watch(taskID string) (<-chan domain.WorkerTaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[taskID]
	if !ok {
		return nil, false
	}
	return p.future, true
}

// InFlight reports how many submitted tasks have not yet resolved.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Supervisor) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		task, err := s.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		s.dispatch(ctx, task)
	}
}

// dispatch hands one task to a worker. The task slot is reserved before the
// send and released again if the send fails, so the directory count never
// drifts from actual assignments.
func (s *Supervisor) dispatch(ctx context.Context, task domain.WorkerTask) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.dispatch")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("task_id", task.ID))

	worker, ok := s.selectWorker(task)
	if !ok {
		s.requeueAsync(ctx, task, "no eligible worker")
		return
	}
	agentID := worker.ID()
	span.SetAttributes(tracer.StringAttr("agent_id", agentID))

	if err := s.dir.IncrementTaskCount(agentID); err != nil {
		// Lost the slot to a concurrent dispatch; try the next candidate
		// on the requeue path.
		s.requeueAsync(ctx, task, "worker slot taken: "+agentID)
		return
	}

	payload, err := json.Marshal(task)
	if err != nil {
		s.rollback(agentID)
		tracer.RecordError(span, err)
		s.fail(ctx, task.ID, "marshal task: "+err.Error())
		return
	}
	msg := domain.NewMessage(domain.MessageTypeTask, senderID, agentID, payload)
	if s.cfg.TaskTTL > 0 {
		msg = msg.WithTTL(s.cfg.TaskTTL)
	}
	msg = msg.WithCorrelation(task.ID)

	// Mark the record before the send: a fast worker may reply before
	// Send returns, and its result must find the assignment in place.
	now := time.Now()
	s.mu.Lock()
	if p, ok := s.pending[task.ID]; ok {
		p.state = domain.TaskStateDispatched
		p.assignee = agentID
		p.dispatchedAt = now
	}
	s.mu.Unlock()

	if result := s.bus.Send(ctx, msg); !result.OK {
		s.rollback(agentID)
		s.mu.Lock()
		if p, ok := s.pending[task.ID]; ok && p.assignee == agentID {
			p.state = domain.TaskStateRequeued
			p.assignee = ""
		}
		s.mu.Unlock()
		s.logger.Warn("dispatch send failed",
			"task_id", task.ID,
			"agent_id", agentID,
			"reason", result.Reason,
		)
		s.requeueAsync(ctx, task, result.Reason)
		return
	}

	s.publish(ctx, domain.Event{
		Type:      domain.EventTaskDispatched,
		Timestamp: now,
		TaskID:    task.ID,
		AgentID:   agentID,
	})
	s.logger.Debug("task dispatched", "task_id", task.ID, "agent_id", agentID)
}

// selectWorker honors the task's preferred agent when it is managed,
// selectable and capable, and falls back to capacity-based selection.
func (s *Supervisor) selectWorker(task domain.WorkerTask) (domain.AgentInfo, bool) {
	if id := task.PreferredAgentID; id != "" && s.pool.Contains(id) {
		info, ok := s.dir.GetByID(id)
		if ok && info.Selectable() &&
			(task.RequiredCapability == "" || info.Capabilities.HasCapability(task.RequiredCapability)) {
			return info, true
		}
	}
	return s.pool.GetAvailableWorker(task.RequiredCapability)
}

// rollback releases a reserved task slot after a failed hand-off.
func (s *Supervisor) rollback(agentID string) {
	if err := s.dir.DecrementTaskCount(agentID); err != nil {
		s.logger.Warn("failed to release task slot", "agent_id", agentID, "error", err)
	}
}

// requeueAsync re-queues off the dispatch goroutine so backoff and rate
// limiting never stall dispatch of other tasks.
func (s *Supervisor) requeueAsync(ctx context.Context, task domain.WorkerTask, reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.requeue(ctx, task, reason)
	}()
}

func (s *Supervisor) requeue(ctx context.Context, task domain.WorkerTask, reason string) {
	s.mu.Lock()
	p, ok := s.pending[task.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.attempts++
	attempts := p.attempts
	if attempts > s.cfg.MaxRequeues {
		s.mu.Unlock()
		s.logger.Error("task exceeded requeue budget",
			"task_id", task.ID,
			"attempts", attempts,
			"reason", reason,
			"code", string(domain.ErrorCodeOf(domain.ErrMaxRequeues)),
		)
		s.fail(ctx, task.ID, reason)
		return
	}
	p.state = domain.TaskStateRequeued
	p.assignee = ""
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if backoff := s.cfg.RequeueBackoff * time.Duration(attempts); backoff > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.fail(ctx, task.ID, "requeue: "+err.Error())
		return
	}
	s.publish(ctx, domain.Event{
		Type:      domain.EventTaskRequeued,
		Timestamp: time.Now(),
		TaskID:    task.ID,
	})
	s.logger.Debug("task requeued", "task_id", task.ID, "attempt", attempts, "reason", reason)
}

// fail resolves a task as failed and removes its pending record.
func (s *Supervisor) fail(ctx context.Context, taskID, reason string) {
	s.mu.Lock()
	p, ok := s.pending[taskID]
	if ok {
		p.state = domain.TaskStateFailed
		delete(s.pending, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.future <- domain.WorkerTaskResult{
		TaskID:  taskID,
		Success: false,
		Error:   reason,
	}
	s.publish(ctx, domain.Event{
		Type:      domain.EventTaskFailed,
		Timestamp: time.Now(),
		TaskID:    taskID,
	})
}

// handleResult consumes task.result messages from workers.
func (s *Supervisor) handleResult(ctx context.Context, msg domain.AgentMessage) {
	var result domain.WorkerTaskResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		s.logger.Warn("dropping malformed task result", "message", msg.ID, "error", err)
		return
	}

	s.mu.Lock()
	p, ok := s.pending[result.TaskID]
	if !ok || p.state != domain.TaskStateDispatched || p.assignee != result.AgentID {
		s.mu.Unlock()
		// Late or duplicate result, e.g. after the janitor already
		// requeued the task. The slot was released then; ignore.
		s.logger.Debug("ignoring stale task result",
			"task_id", result.TaskID,
			"agent_id", result.AgentID,
		)
		return
	}
	if result.Success {
		p.state = domain.TaskStateCompleted
	} else {
		p.state = domain.TaskStateFailed
	}
	delete(s.pending, result.TaskID)
	s.mu.Unlock()

	s.rollback(result.AgentID)
	s.pool.RecordCompletion(result.Duration)

	p.future <- result

	eventType := domain.EventTaskCompleted
	if !result.Success {
		eventType = domain.EventTaskFailed
	}
	s.publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    result.TaskID,
		AgentID:   result.AgentID,
	})
	s.logger.Debug("task resolved",
		"task_id", result.TaskID,
		"agent_id", result.AgentID,
		"success", result.Success,
		"duration", result.Duration,
	)
}

// scaleLoop periodically evaluates the autoscaler and publishes its
// decisions for an external fleet manager.
func (s *Supervisor) scaleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluateScaling(ctx)
		}
	}
}

func (s *Supervisor) evaluateScaling(ctx context.Context) {
	decision := s.scaler.Evaluate(s.pool.GetStatistics(), s.queue.PendingCount())
	if decision.Action == domain.ScaleActionNone {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		s.logger.Warn("failed to marshal scaling decision", "error", err)
		return
	}
	s.publish(ctx, domain.Event{
		Type:      domain.EventScalingDecided,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	s.logger.Info("scaling decided",
		"action", string(decision.Action),
		"delta", decision.WorkerCountDelta,
		"reason", decision.Reason,
	)
}

// janitorLoop re-queues dispatched tasks whose worker never reported back,
// covering workers that deregistered or died mid-task.
func (s *Supervisor) janitorLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.DispatchTimeout / 2
	if interval < time.Second {
		interval = s.cfg.DispatchTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapStalled(ctx)
		}
	}
}

func (s *Supervisor) reapStalled(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.DispatchTimeout)

	type stalled struct {
		task     domain.WorkerTask
		assignee string
	}
	var reap []stalled
	s.mu.Lock()
	for _, p := range s.pending {
		if p.state == domain.TaskStateDispatched && p.dispatchedAt.Before(cutoff) {
			reap = append(reap, stalled{task: p.task, assignee: p.assignee})
			// Flip the state under the lock so a result racing the reap
			// is treated as stale instead of double-releasing the slot.
			p.state = domain.TaskStateRequeued
			p.assignee = ""
		}
	}
	s.mu.Unlock()

	for _, r := range reap {
		s.logger.Warn("dispatched task stalled, re-queueing",
			"task_id", r.task.ID,
			"agent_id", r.assignee,
		)
		s.rollback(r.assignee)
		s.requeueAsync(ctx, r.task, "dispatch timeout")
	}
}

func (s *Supervisor) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, event)
}
