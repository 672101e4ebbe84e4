// Package autoscale turns load metrics into scale decisions. The evaluator
// is a pure function of its inputs; the only state it holds is thresholds.
package autoscale

import (
	"fmt"
	"math"
	"time"

	"fleetcore/internal/domain"
)

// Thresholds configures the control loop. The scale-up and scale-down target
// ratios are intentionally separate: the asymmetry is hysteresis that keeps
// the loop from oscillating around a single target.
type Thresholds struct {
	MinWorkers int
	MaxWorkers int

	// Scale-up gates: all must hold simultaneously.
	ScaleUpTaskThreshold  int     // pending tasks must exceed this
	ScaleUpTasksPerWorker float64 // pending per available worker must exceed this
	ScaleUpUtilization    float64 // slot utilization must exceed this
	ScaleUpIncrement      int     // max workers added per cycle
	TargetTasksPerWorker  int     // desired pending-per-worker after scaling up

	// Scale-down gates: all must hold simultaneously.
	ScaleDownTaskThreshold        int           // pending tasks must be under this
	ScaleDownUtilization          float64       // slot utilization must be under this
	ScaleDownIncrement            int           // max workers removed per cycle
	ScaleDownTargetTasksPerWorker int           // desired pending-per-worker after scaling down
	ScaleDownMaxTaskDuration      time.Duration // no scale-down while tasks run long
}

// Autoscaler evaluates pool statistics against configured thresholds.
type Autoscaler struct {
	t Thresholds
}

// New creates an Autoscaler with the given thresholds.
func New(t Thresholds) *Autoscaler {
	return &Autoscaler{t: t}
}

// Evaluate computes a scaling decision from a pool snapshot and the pending
// task count. Min/max worker bounds are hard invariants: no returned delta
// ever moves the fleet outside them.
func (a *Autoscaler) Evaluate(stats domain.PoolStatistics, pendingTasks int) domain.ScalingDecision {
	t := a.t
	utilization := stats.Utilization()
	current := stats.TotalWorkers
	available := stats.AvailableWorkers
	tasksPerAvailable := float64(pendingTasks) / math.Max(1, float64(available))

	if pendingTasks > t.ScaleUpTaskThreshold &&
		tasksPerAvailable > t.ScaleUpTasksPerWorker &&
		utilization > t.ScaleUpUtilization &&
		current < t.MaxWorkers {

		wanted := int(math.Ceil(float64(pendingTasks)/float64(t.TargetTasksPerWorker))) - available
		delta := min3(wanted, t.ScaleUpIncrement, t.MaxWorkers-current)
		if delta > 0 {
			return domain.ScalingDecision{
				Action:           domain.ScaleActionUp,
				WorkerCountDelta: delta,
				Reason: fmt.Sprintf("%d pending tasks, %.1f per available worker, %.0f%% utilization",
					pendingTasks, tasksPerAvailable, utilization*100),
			}
		}
	}

	if pendingTasks < t.ScaleDownTaskThreshold &&
		utilization < t.ScaleDownUtilization &&
		current > t.MinWorkers &&
		stats.AverageTaskDuration < t.ScaleDownMaxTaskDuration {

		needed := int(math.Ceil(float64(pendingTasks) / float64(t.ScaleDownTargetTasksPerWorker)))
		delta := min3(current-needed, t.ScaleDownIncrement, current-t.MinWorkers)
		if delta > 0 {
			return domain.ScalingDecision{
				Action:           domain.ScaleActionDown,
				WorkerCountDelta: delta,
				Reason: fmt.Sprintf("%d pending tasks, %.0f%% utilization, avg task %s",
					pendingTasks, utilization*100, stats.AverageTaskDuration),
			}
		}
	}

	return domain.ScalingDecision{Action: domain.ScaleActionNone, Reason: "within thresholds"}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	if m < 0 {
		return 0
	}
	return m
}
