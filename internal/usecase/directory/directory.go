// Package directory holds the capability and liveness record for every
// known worker agent.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetcore/internal/domain"
)

// Checkpointer persists registrations so a restarted scheduler can rehydrate
// its directory. Implementations must tolerate being called concurrently.
type Checkpointer interface {
	SaveAgent(ctx context.Context, caps domain.AgentCapabilities) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// Config configures a Directory.
type Config struct {
	// HeartbeatTimeout is the heartbeat age after which the liveness sweep
	// marks an agent Offline.
	HeartbeatTimeout time.Duration
	// SweepSchedule is a cron expression (or "@every <dur>") for the sweep.
	SweepSchedule string
	// OfflineHook, if set, is invoked (outside any lock) for each agent the
	// sweep marks Offline. Removal policy lives in the hook, not here.
	OfflineHook func(info domain.AgentInfo)
	// Bus, if set, receives agent lifecycle events.
	Bus domain.EventBus
	// Checkpoint, if set, persists registrations.
	Checkpoint Checkpointer
}

// Directory owns the AgentInfo records. Mutations are serialized per agent
// id; every read hands out a copy, never the live record.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	info domain.AgentInfo
}

// New creates a Directory.
func New(cfg Config, logger *slog.Logger) *Directory {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}
	return &Directory{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
	}
}

// Register creates or replaces the record for the agent id. The descriptor is
// replaced wholesale; status resets to Available with a zero task count.
// Idempotent by id.
func (d *Directory) Register(ctx context.Context, caps domain.AgentCapabilities) (domain.AgentInfo, error) {
	if caps.AgentID == "" {
		return domain.AgentInfo{}, domain.NewDomainError("Directory.Register", domain.ErrInvalidInput, "empty agent id")
	}
	if caps.MaxConcurrentTasks <= 0 {
		return domain.AgentInfo{}, domain.NewDomainError("Directory.Register", domain.ErrInvalidInput,
			fmt.Sprintf("max_concurrent_tasks must be positive, got %d", caps.MaxConcurrentTasks))
	}

	info := domain.AgentInfo{
		Capabilities:  caps,
		Status:        domain.AgentStatusAvailable,
		LastHeartbeat: time.Now(),
	}

	d.mu.Lock()
	d.entries[caps.AgentID] = &entry{info: info}
	d.mu.Unlock()

	if d.cfg.Checkpoint != nil {
		if err := d.cfg.Checkpoint.SaveAgent(ctx, caps); err != nil {
			d.logger.Warn("failed to checkpoint registration", "agent_id", caps.AgentID, "error", err)
		}
	}
	d.publish(ctx, domain.EventAgentRegistered, caps.AgentID, info)
	d.logger.Info("agent registered",
		"agent_id", caps.AgentID,
		"agent_type", caps.AgentType,
		"max_concurrent", caps.MaxConcurrentTasks,
	)
	return info, nil
}

// Deregister removes the record. No-op if absent.
func (d *Directory) Deregister(ctx context.Context, agentID string) {
	d.mu.Lock()
	_, existed := d.entries[agentID]
	delete(d.entries, agentID)
	d.mu.Unlock()

	if !existed {
		return
	}
	if d.cfg.Checkpoint != nil {
		if err := d.cfg.Checkpoint.DeleteAgent(ctx, agentID); err != nil {
			d.logger.Warn("failed to remove checkpointed registration", "agent_id", agentID, "error", err)
		}
	}
	d.publish(ctx, domain.EventAgentDeregistered, agentID, nil)
	d.logger.Info("agent deregistered", "agent_id", agentID)
}

// GetByID returns a copy of the agent's record.
func (d *Directory) GetByID(agentID string) (domain.AgentInfo, bool) {
	e, ok := d.lookup(agentID)
	if !ok {
		return domain.AgentInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// GetAll returns a snapshot of every record, sorted by agent id.
func (d *Directory) GetAll() []domain.AgentInfo {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	infos := make([]domain.AgentInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		infos = append(infos, e.info)
		e.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID() < infos[j].ID() })
	return infos
}

// UpdateStatus sets the agent's status.
func (d *Directory) UpdateStatus(agentID string, status domain.AgentStatus) error {
	e, ok := d.lookup(agentID)
	if !ok {
		return domain.NewDomainError("Directory.UpdateStatus", domain.ErrNotFound, agentID)
	}
	e.mu.Lock()
	e.info.Status = status
	e.mu.Unlock()
	return nil
}

// IncrementTaskCount reserves a task slot. It refuses to breach the agent's
// max concurrent task invariant.
func (d *Directory) IncrementTaskCount(agentID string) error {
	e, ok := d.lookup(agentID)
	if !ok {
		return domain.NewDomainError("Directory.IncrementTaskCount", domain.ErrNotFound, agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.CurrentTaskCount >= e.info.Capabilities.MaxConcurrentTasks {
		return domain.NewDomainError("Directory.IncrementTaskCount", domain.ErrInvariant,
			fmt.Sprintf("agent %s already at max concurrent tasks (%d)", agentID, e.info.Capabilities.MaxConcurrentTasks))
	}
	e.info.CurrentTaskCount++
	d.reconcileStatus(&e.info)
	return nil
}

// DecrementTaskCount releases a task slot. Decrement below zero is clamped
// and logged as an anomaly rather than failed.
func (d *Directory) DecrementTaskCount(agentID string) error {
	e, ok := d.lookup(agentID)
	if !ok {
		return domain.NewDomainError("Directory.DecrementTaskCount", domain.ErrNotFound, agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.CurrentTaskCount <= 0 {
		d.logger.Error("task count decrement below zero, clamping",
			"agent_id", agentID,
			"code", domain.CodeInvariant,
		)
		e.info.CurrentTaskCount = 0
		return nil
	}
	e.info.CurrentTaskCount--
	d.reconcileStatus(&e.info)
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp. An Offline agent that
// heartbeats again becomes Available.
func (d *Directory) Heartbeat(agentID string) error {
	e, ok := d.lookup(agentID)
	if !ok {
		return domain.NewDomainError("Directory.Heartbeat", domain.ErrNotFound, agentID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info.LastHeartbeat = time.Now()
	if e.info.Status == domain.AgentStatusOffline {
		d.logger.Info("agent back online", "agent_id", agentID)
		d.reconcileStatus(&e.info)
	}
	return nil
}

// StartSweep schedules the liveness sweep. Safe to skip in embedders that run
// their own liveness policy.
func (d *Directory) StartSweep() error {
	c := cron.New()
	if _, err := c.AddFunc(d.cfg.SweepSchedule, func() { d.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("directory: invalid sweep schedule %q: %w", d.cfg.SweepSchedule, err)
	}
	d.cron = c
	c.Start()
	d.logger.Info("liveness sweep started",
		"schedule", d.cfg.SweepSchedule,
		"heartbeat_timeout", d.cfg.HeartbeatTimeout,
	)
	return nil
}

// StopSweep stops the liveness sweep and waits for a running sweep to finish.
func (d *Directory) StopSweep() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// Sweep marks agents whose heartbeat age exceeds the timeout as Offline and
// invokes the offline hook for each. Returns the number of agents marked.
func (d *Directory) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-d.cfg.HeartbeatTimeout)

	var stale []domain.AgentInfo
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.info.Status != domain.AgentStatusOffline && e.info.LastHeartbeat.Before(cutoff) {
			e.info.Status = domain.AgentStatusOffline
			stale = append(stale, e.info)
		}
		e.mu.Unlock()
	}

	for _, info := range stale {
		d.logger.Warn("agent missed heartbeat, marked offline",
			"agent_id", info.ID(),
			"last_heartbeat", info.LastHeartbeat,
		)
		d.publish(ctx, domain.EventAgentOffline, info.ID(), info)
		if d.cfg.OfflineHook != nil {
			d.cfg.OfflineHook(info)
		}
	}
	return len(stale)
}

// Rehydrate re-registers previously checkpointed capabilities, typically at
// startup. Rehydrated agents start Offline until their first heartbeat.
func (d *Directory) Rehydrate(ctx context.Context, caps []domain.AgentCapabilities) int {
	restored := 0
	for _, c := range caps {
		info, err := d.Register(ctx, c)
		if err != nil {
			d.logger.Warn("skipping invalid checkpointed registration", "agent_id", c.AgentID, "error", err)
			continue
		}
		// The worker has not spoken yet this process lifetime.
		if err := d.UpdateStatus(info.ID(), domain.AgentStatusOffline); err == nil {
			restored++
		}
	}
	return restored
}

func (d *Directory) lookup(agentID string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[agentID]
	return e, ok
}

// reconcileStatus derives Available/Busy from the task count. Offline and
// Draining are sticky and only changed explicitly. Caller holds e.mu.
func (d *Directory) reconcileStatus(info *domain.AgentInfo) {
	if info.Status == domain.AgentStatusDraining {
		return
	}
	if info.CurrentTaskCount > 0 {
		info.Status = domain.AgentStatusBusy
	} else {
		info.Status = domain.AgentStatusAvailable
	}
}

func (d *Directory) publish(ctx context.Context, et domain.EventType, agentID string, payload any) {
	if d.cfg.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	d.cfg.Bus.Publish(ctx, domain.Event{
		Type:      et,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   raw,
	})
}
