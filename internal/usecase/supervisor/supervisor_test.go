package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetcore/internal/adapter/bus"
	"fleetcore/internal/domain"
	"fleetcore/internal/usecase/autoscale"
	"fleetcore/internal/usecase/directory"
	"fleetcore/internal/usecase/eventbus"
	"fleetcore/internal/usecase/pool"
	"fleetcore/internal/usecase/queue"
)

func testConfig() Config {
	return Config{
		MaxRequeues:      5,
		RequeueBackoff:   5 * time.Millisecond,
		RequeuePerSecond: 200,
		DispatchTimeout:  0,
	}
}

type harness struct {
	t      *testing.T
	dir    *directory.Directory
	queue  *queue.Queue
	pool   *pool.Pool
	bus    *bus.InProc
	events *eventbus.Bus
	sup    *Supervisor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.Default()
	dir := directory.New(directory.Config{HeartbeatTimeout: time.Minute}, logger)
	q := queue.New(queue.PolicyGrow, 0, logger)
	p := pool.New(dir, logger)
	events := eventbus.New(logger)
	b := bus.NewInProc(dir, events, logger)
	scaler := autoscale.New(autoscale.Thresholds{
		MinWorkers:                    1,
		MaxWorkers:                    20,
		ScaleUpTaskThreshold:          10,
		ScaleUpTasksPerWorker:         3,
		ScaleUpUtilization:            0.7,
		ScaleUpIncrement:              3,
		TargetTasksPerWorker:          5,
		ScaleDownTaskThreshold:        2,
		ScaleDownUtilization:          0.3,
		ScaleDownIncrement:            2,
		ScaleDownTargetTasksPerWorker: 3,
		ScaleDownMaxTaskDuration:      30 * time.Second,
	})
	sup := New(cfg, q, p, dir, b, scaler, events, logger)

	h := &harness{t: t, dir: dir, queue: q, pool: p, bus: b, events: events, sup: sup}
	t.Cleanup(func() {
		sup.Stop()
		q.Close()
		b.Close()
		events.Close()
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.sup.Start(); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

// startWorker registers an agent, adds it to the pool, and runs a loopback
// worker that answers every task assignment after delay.
func (h *harness) startWorker(id string, maxConcurrent int, delay time.Duration) {
	h.t.Helper()
	h.register(id, maxConcurrent)
	_, err := h.bus.Subscribe(id, func(ctx context.Context, msg domain.AgentMessage) {
		if msg.Type != domain.MessageTypeTask {
			return
		}
		var task domain.WorkerTask
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			h.t.Errorf("worker %s: bad task payload: %v", id, err)
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		h.reply(ctx, id, task.ID, true, "")
	})
	if err != nil {
		h.t.Fatalf("Subscribe(%s): %v", id, err)
	}
}

func (h *harness) register(id string, maxConcurrent int) {
	h.t.Helper()
	_, err := h.dir.Register(context.Background(), domain.AgentCapabilities{
		AgentID:            id,
		AgentType:          "worker",
		SupportedTools:     []string{"compute"},
		MaxConcurrentTasks: maxConcurrent,
	})
	if err != nil {
		h.t.Fatalf("Register(%s): %v", id, err)
	}
	if err := h.pool.AddWorker(id); err != nil {
		h.t.Fatalf("AddWorker(%s): %v", id, err)
	}
}

func (h *harness) reply(ctx context.Context, agentID, taskID string, success bool, errMsg string) {
	payload, _ := json.Marshal(domain.WorkerTaskResult{
		TaskID:   taskID,
		AgentID:  agentID,
		Success:  success,
		Error:    errMsg,
		Duration: time.Millisecond,
	})
	h.bus.Send(ctx, domain.NewMessage(domain.MessageTypeTaskResult, agentID, senderID, payload))
}

func awaitResult(t *testing.T, future <-chan domain.WorkerTaskResult, timeout time.Duration) domain.WorkerTaskResult {
	t.Helper()
	select {
	case r := <-future:
		return r
	case <-time.After(timeout):
		t.Fatal("task never resolved")
		return domain.WorkerTaskResult{}
	}
}

func TestSubmitAndComplete(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startWorker("w1", 2, 0)
	h.start()

	task := domain.NewTask("compute", domain.PriorityNormal, []byte(`{"n":42}`))
	future, err := h.sup.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := awaitResult(t, future, 3*time.Second)
	if !result.Success {
		t.Fatalf("task failed: %s", result.Error)
	}
	if result.TaskID != task.ID || result.AgentID != "w1" {
		t.Errorf("result = %+v, want task %s from w1", result, task.ID)
	}
	if n := h.sup.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after completion, want 0", n)
	}

	info, ok := h.dir.GetByID("w1")
	if !ok {
		t.Fatal("w1 missing from directory")
	}
	if info.CurrentTaskCount != 0 {
		t.Errorf("w1 task count = %d after completion, want 0", info.CurrentTaskCount)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.sup.Submit(context.Background(), domain.WorkerTask{Type: "compute"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing id: err = %v, want ErrInvalidInput", err)
	}

	task := domain.NewTask("compute", domain.PriorityNormal, nil)
	if _, err := h.sup.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = h.sup.Submit(context.Background(), task)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate id: err = %v, want ErrDuplicate", err)
	}
}

func TestWatchResolvesWithSubmit(t *testing.T) {
	h := newHarness(t, testConfig())

	task := domain.NewTask("compute", domain.PriorityNormal, nil)
	if _, err := h.sup.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	future, ok := h.sup.Watch(task.ID)
	if !ok {
		t.Fatal("Watch: task not found")
	}
	if _, ok := h.sup.Watch("ghost"); ok {
		t.Error("Watch(ghost) reported a pending task")
	}

	// Resolve by starting the machinery afterwards.
	h.startWorker("w1", 1, 0)
	h.start()

	result := awaitResult(t, future, 3*time.Second)
	if !result.Success {
		t.Fatalf("task failed: %s", result.Error)
	}
}

func TestLoadSpreadsAndRespectsSlots(t *testing.T) {
	cfg := testConfig()
	// Saturated slots legitimately bounce tasks through the requeue path;
	// only the pathological case should ever exhaust the budget here.
	cfg.MaxRequeues = 1000
	cfg.RequeueBackoff = time.Millisecond
	cfg.RequeuePerSecond = 2000
	h := newHarness(t, cfg)
	for _, id := range []string{"w1", "w2", "w3"} {
		h.startWorker(id, 5, 2*time.Millisecond)
	}
	h.start()

	const total = 100
	maxSlots := 3 * 5

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var breach atomic.Int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			inFlight := 0
			for _, info := range h.dir.GetAll() {
				inFlight += info.CurrentTaskCount
			}
			if inFlight > maxSlots {
				breach.Store(int32(inFlight))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	futures := make([]<-chan domain.WorkerTaskResult, 0, total)
	for i := 0; i < total; i++ {
		task := domain.NewTask("compute", domain.PriorityNormal, nil)
		future, err := h.sup.Submit(context.Background(), task)
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		futures = append(futures, future)
	}

	for i, future := range futures {
		result := awaitResult(t, future, 10*time.Second)
		if !result.Success {
			t.Fatalf("task #%d failed: %s", i, result.Error)
		}
	}
	close(stop)
	wg.Wait()

	if n := breach.Load(); n != 0 {
		t.Errorf("in-flight tasks reached %d, above the %d pooled slots", n, maxSlots)
	}
	if n := h.pool.GetStatistics().TotalTasksProcessed; n != total {
		t.Errorf("TotalTasksProcessed = %d, want %d", n, total)
	}
	for _, info := range h.dir.GetAll() {
		if info.CurrentTaskCount != 0 {
			t.Errorf("agent %s task count = %d after drain, want 0", info.ID(), info.CurrentTaskCount)
		}
	}
}

func TestPreferredAgentWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startWorker("big", 8, 0) // would win on spare capacity
	h.startWorker("pref", 1, 0)
	h.start()

	task := domain.NewTask("compute", domain.PriorityNormal, nil)
	task.PreferredAgentID = "pref"
	future, err := h.sup.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := awaitResult(t, future, 3*time.Second)
	if result.AgentID != "pref" {
		t.Errorf("task ran on %s, want preferred agent", result.AgentID)
	}
}

func TestRequeueEscalatesToFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequeues = 2
	h := newHarness(t, cfg)

	var requeued atomic.Int32
	h.events.Subscribe(domain.EventTaskRequeued, func(_ context.Context, _ domain.Event) {
		requeued.Add(1)
	})

	// No workers at all: every dispatch attempt requeues.
	h.start()

	future, err := h.sup.Submit(context.Background(), domain.NewTask("compute", domain.PriorityNormal, nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := awaitResult(t, future, 5*time.Second)
	if result.Success {
		t.Fatal("task succeeded with no workers")
	}
	if result.Error == "" {
		t.Error("failure result carries no reason")
	}
	if n := h.sup.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after failure, want 0", n)
	}
	// The budget allows exactly MaxRequeues re-queues before failing.
	deadline := time.Now().Add(time.Second)
	for requeued.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := requeued.Load(); n != 2 {
		t.Errorf("observed %d requeue events, want 2", n)
	}
}

func TestFailureResultResolvesFuture(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register("w1", 1)
	_, err := h.bus.Subscribe("w1", func(ctx context.Context, msg domain.AgentMessage) {
		var task domain.WorkerTask
		if err := json.Unmarshal(msg.Payload, &task); err != nil {
			return
		}
		h.reply(ctx, "w1", task.ID, false, "tool crashed")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.start()

	future, err := h.sup.Submit(context.Background(), domain.NewTask("compute", domain.PriorityNormal, nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := awaitResult(t, future, 3*time.Second)
	if result.Success {
		t.Fatal("expected a failed result")
	}
	if result.Error != "tool crashed" {
		t.Errorf("Error = %q, want the worker's reason", result.Error)
	}

	// A failed result is terminal, never retried.
	info, _ := h.dir.GetByID("w1")
	if info.CurrentTaskCount != 0 {
		t.Errorf("w1 task count = %d, want 0", info.CurrentTaskCount)
	}
}

func TestSilentWorkerIsReaped(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	// The silent worker advertises the most spare capacity, so it wins the
	// first dispatch and then vanishes without reporting a result.
	h.register("silent", 8)
	_, err := h.bus.Subscribe("silent", func(ctx context.Context, _ domain.AgentMessage) {
		h.pool.RemoveWorker("silent")
		h.dir.Deregister(ctx, "silent")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.startWorker("steady", 1, 0)
	h.start()

	future, err := h.sup.Submit(context.Background(), domain.NewTask("compute", domain.PriorityNormal, nil))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result := awaitResult(t, future, 5*time.Second)
	if !result.Success {
		t.Fatalf("task failed: %s", result.Error)
	}
	if result.AgentID != "steady" {
		t.Errorf("task completed on %s, want the steady worker", result.AgentID)
	}
}

func TestScalingDecisionPublished(t *testing.T) {
	h := newHarness(t, testConfig())

	decisions := make(chan domain.ScalingDecision, 1)
	h.events.Subscribe(domain.EventScalingDecided, func(_ context.Context, e domain.Event) {
		var d domain.ScalingDecision
		if err := json.Unmarshal(e.Payload, &d); err == nil {
			decisions <- d
		}
	})

	// One saturated worker and a deep backlog. The supervisor is not
	// started, so the queue depth holds still for the evaluation.
	h.register("w1", 1)
	if err := h.dir.IncrementTaskCount("w1"); err != nil {
		t.Fatalf("IncrementTaskCount: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := h.queue.Enqueue(context.Background(), domain.NewTask("compute", domain.PriorityNormal, nil)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	h.sup.evaluateScaling(context.Background())

	select {
	case d := <-decisions:
		if d.Action != domain.ScaleActionUp {
			t.Errorf("Action = %q, want scale_up", d.Action)
		}
		if d.WorkerCountDelta != 3 {
			t.Errorf("delta = %d, want increment-capped 3", d.WorkerCountDelta)
		}
	case <-time.After(time.Second):
		t.Fatal("no scaling decision published")
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	if err := h.sup.Start(); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("second Start: err = %v, want ErrInvalidInput", err)
	}
}
