package domain

import (
	"slices"
	"time"
)

// AgentStatus represents the current state of a worker agent.
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
	AgentStatusDraining  AgentStatus = "draining"
)

// AgentCapabilities is the immutable descriptor a worker presents at
// registration. Re-registration replaces the whole descriptor; it is never
// mutated in place.
type AgentCapabilities struct {
	AgentID            string   `json:"agent_id"`
	AgentType          string   `json:"agent_type"`
	SupportedTools     []string `json:"supported_tools,omitempty"`
	SupportedIntents   []string `json:"supported_intents,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// HasTool reports whether the agent advertises the named tool.
func (c AgentCapabilities) HasTool(name string) bool {
	return slices.Contains(c.SupportedTools, name)
}

// HasIntent reports whether the agent advertises the named intent.
func (c AgentCapabilities) HasIntent(name string) bool {
	return slices.Contains(c.SupportedIntents, name)
}

// HasCapability reports whether name matches any advertised tool or intent.
func (c AgentCapabilities) HasCapability(name string) bool {
	return c.HasTool(name) || c.HasIntent(name)
}

// AgentInfo is the mutable runtime record for a registered agent.
// The Agent Directory owns these records exclusively; everything handed to
// callers is a copy.
type AgentInfo struct {
	Capabilities     AgentCapabilities `json:"capabilities"`
	Status           AgentStatus       `json:"status"`
	CurrentTaskCount int               `json:"current_task_count"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
}

// ID is shorthand for the agent identifier.
func (a AgentInfo) ID() string { return a.Capabilities.AgentID }

// SpareCapacity returns the number of additional tasks the agent can take.
func (a AgentInfo) SpareCapacity() int {
	return a.Capabilities.MaxConcurrentTasks - a.CurrentTaskCount
}

// Selectable reports whether the agent may receive new work: it must not be
// offline or draining and must have a free task slot.
func (a AgentInfo) Selectable() bool {
	if a.Status != AgentStatusAvailable && a.Status != AgentStatusBusy {
		return false
	}
	return a.CurrentTaskCount < a.Capabilities.MaxConcurrentTasks
}

// AgentFilter narrows a broadcast target set.
type AgentFilter func(AgentInfo) bool

// FilterByStatus matches agents in the given status.
func FilterByStatus(status AgentStatus) AgentFilter {
	return func(a AgentInfo) bool { return a.Status == status }
}

// FilterByCapability matches agents advertising the given tool or intent.
func FilterByCapability(name string) AgentFilter {
	return func(a AgentInfo) bool { return a.Capabilities.HasCapability(name) }
}

// DirectoryReader is the read surface of the Agent Directory, used by the
// message bus to resolve broadcast targets.
type DirectoryReader interface {
	GetByID(agentID string) (AgentInfo, bool)
	GetAll() []AgentInfo
}
