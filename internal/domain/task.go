package domain

import (
	"encoding/json"
	"time"
)

// TaskPriority orders tasks in the queue. Higher values dequeue first.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 0
	PriorityNormal   TaskPriority = 10
	PriorityHigh     TaskPriority = 20
	PriorityCritical TaskPriority = 30
)

// TaskState tracks a task through the supervisor's lifecycle.
type TaskState string

const (
	TaskStateQueued     TaskState = "queued"
	TaskStateDispatched TaskState = "dispatched"
	TaskStateRequeued   TaskState = "requeued"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
)

// WorkerTask is an immutable unit of work. The queue owns it until a
// successful hand-off; after dispatch the logical task lives in the message.
type WorkerTask struct {
	ID                 string          `json:"task_id"`
	Type               string          `json:"task_type"`
	Priority           TaskPriority    `json:"priority"`
	RequiredCapability string          `json:"required_capability,omitempty"`
	PreferredAgentID   string          `json:"preferred_agent_id,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// NewTask creates a task with a fresh ULID and the current timestamp.
func NewTask(taskType string, priority TaskPriority, payload json.RawMessage) WorkerTask {
	return WorkerTask{
		ID:        newULID(),
		Type:      taskType,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// WorkerTaskResult is the outcome reported by a worker.
type WorkerTaskResult struct {
	TaskID   string          `json:"task_id"`
	AgentID  string          `json:"agent_id"`
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}
