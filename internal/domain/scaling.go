package domain

import "time"

// ScaleAction is the kind of adjustment the autoscaler recommends.
type ScaleAction string

const (
	ScaleActionNone ScaleAction = "none"
	ScaleActionUp   ScaleAction = "scale_up"
	ScaleActionDown ScaleAction = "scale_down"
)

// ScalingDecision is emitted once per evaluation cycle for an external fleet
// manager to act on. It is never persisted.
type ScalingDecision struct {
	Action           ScaleAction `json:"action"`
	WorkerCountDelta int         `json:"worker_count_delta"`
	Reason           string      `json:"reason"`
}

// PoolStatistics is the aggregate snapshot the worker pool exposes to the
// autoscaler and to observability.
type PoolStatistics struct {
	TotalWorkers        int           `json:"total_workers"`
	AvailableWorkers    int           `json:"available_workers"`
	BusyWorkers         int           `json:"busy_workers"`
	CurrentTaskCount    int           `json:"current_task_count"`
	TotalTaskSlots      int           `json:"total_task_slots"`
	TotalTasksProcessed int64         `json:"total_tasks_processed"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
}

// Utilization is the ratio of in-flight task slots to total slots, 0 when the
// pool is empty.
func (s PoolStatistics) Utilization() float64 {
	if s.TotalTaskSlots == 0 {
		return 0
	}
	return float64(s.CurrentTaskCount) / float64(s.TotalTaskSlots)
}
