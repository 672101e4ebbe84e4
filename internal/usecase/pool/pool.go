// Package pool translates "I need capability X" into an available agent id,
// keeping load accounting consistent with the Agent Directory.
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetcore/internal/domain"
)

// Pool tracks the set of agent ids it manages. All capability and status
// reads defer to the Directory; the pool duplicates no mutable agent state.
type Pool struct {
	mu      sync.RWMutex
	managed map[string]struct{}

	dir    domain.DirectoryReader
	logger *slog.Logger

	tasksProcessed atomic.Int64
	totalDuration  atomic.Int64 // nanoseconds
}

// New creates a Pool backed by the given directory.
func New(dir domain.DirectoryReader, logger *slog.Logger) *Pool {
	return &Pool{
		managed: make(map[string]struct{}),
		dir:     dir,
		logger:  logger,
	}
}

// AddWorker adds an agent to the managed set. The agent must already be
// registered in the Directory.
func (p *Pool) AddWorker(agentID string) error {
	if _, ok := p.dir.GetByID(agentID); !ok {
		return domain.NewDomainError("Pool.AddWorker", domain.ErrNotFound, agentID)
	}
	p.mu.Lock()
	p.managed[agentID] = struct{}{}
	p.mu.Unlock()
	p.logger.Debug("worker added to pool", "agent_id", agentID)
	return nil
}

// RemoveWorker removes an agent from the managed set. Tasks already
// dispatched to it are not retracted; the supervisor's timeout path covers
// those. Removing an unknown or mid-task worker is not an error.
func (p *Pool) RemoveWorker(agentID string) {
	p.mu.Lock()
	delete(p.managed, agentID)
	p.mu.Unlock()
	p.logger.Debug("worker removed from pool", "agent_id", agentID)
}

// Contains reports whether the agent is in the managed set.
func (p *Pool) Contains(agentID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.managed[agentID]
	return ok
}

// GetAvailableWorker selects, among managed workers with a free task slot
// (and advertising requiredCapability when non-empty), the one with the most
// spare capacity. Ties break on lowest current task count, then agent id, so
// selection is deterministic. An empty result is a normal outcome, not an
// error: it reports (zero, false).
func (p *Pool) GetAvailableWorker(requiredCapability string) (domain.AgentInfo, bool) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.managed))
	for id := range p.managed {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var best domain.AgentInfo
	found := false
	for _, id := range ids {
		info, ok := p.dir.GetByID(id)
		if !ok || !info.Selectable() {
			continue
		}
		if requiredCapability != "" && !info.Capabilities.HasCapability(requiredCapability) {
			continue
		}
		if !found || better(info, best) {
			best = info
			found = true
		}
	}
	return best, found
}

// RecordCompletion folds a finished task into the pool's aggregate counters.
func (p *Pool) RecordCompletion(duration time.Duration) {
	p.tasksProcessed.Add(1)
	p.totalDuration.Add(int64(duration))
}

// GetStatistics returns the aggregate snapshot used by the autoscaler.
func (p *Pool) GetStatistics() domain.PoolStatistics {
	p.mu.RLock()
	ids := make([]string, 0, len(p.managed))
	for id := range p.managed {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	stats := domain.PoolStatistics{
		TotalTasksProcessed: p.tasksProcessed.Load(),
	}
	for _, id := range ids {
		info, ok := p.dir.GetByID(id)
		if !ok {
			continue
		}
		stats.TotalWorkers++
		stats.CurrentTaskCount += info.CurrentTaskCount
		stats.TotalTaskSlots += info.Capabilities.MaxConcurrentTasks
		switch info.Status {
		case domain.AgentStatusAvailable:
			stats.AvailableWorkers++
		case domain.AgentStatusBusy:
			stats.BusyWorkers++
		}
	}
	if n := stats.TotalTasksProcessed; n > 0 {
		stats.AverageTaskDuration = time.Duration(p.totalDuration.Load() / n)
	}
	return stats
}

// better reports whether a should be selected over b.
func better(a, b domain.AgentInfo) bool {
	if a.SpareCapacity() != b.SpareCapacity() {
		return a.SpareCapacity() > b.SpareCapacity()
	}
	if a.CurrentTaskCount != b.CurrentTaskCount {
		return a.CurrentTaskCount < b.CurrentTaskCount
	}
	return a.ID() < b.ID()
}
