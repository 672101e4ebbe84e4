// Package queue implements the priority-ordered holding area for work items
// awaiting a worker.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"fleetcore/internal/domain"
)

// FullPolicy decides what Enqueue does when the queue is at capacity.
type FullPolicy int

const (
	// PolicyGrow lets the queue grow without bound. The default.
	PolicyGrow FullPolicy = iota
	// PolicyBlock makes Enqueue wait for space, bounded by the context.
	PolicyBlock
	// PolicyReject makes Enqueue fail with ErrQueueFull.
	PolicyReject
)

// Queue is a concurrency-safe priority queue of WorkerTasks. Higher priority
// dequeues first; tasks of equal priority dequeue in FIFO order. Tasks are
// never silently dropped: a full queue blocks, rejects, or grows according to
// the configured policy.
type Queue struct {
	mu       sync.Mutex
	items    taskHeap
	seq      uint64
	capacity int // 0 = unbounded
	policy   FullPolicy
	closed   bool
	logger   *slog.Logger

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// New creates a queue. capacity is ignored under PolicyGrow.
func New(policy FullPolicy, capacity int, logger *slog.Logger) *Queue {
	if policy == PolicyGrow {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		policy:   policy,
		logger:   logger,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds a task. Under PolicyBlock a full queue waits for space until
// the context is cancelled; under PolicyReject it returns ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, task domain.WorkerTask) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.WrapOp("Queue.Enqueue", domain.ErrClosed)
		}
		if q.capacity == 0 || q.items.Len() < q.capacity {
			q.seq++
			heap.Push(&q.items, queuedTask{task: task, seq: q.seq})
			spare := q.capacity == 0 || q.items.Len() < q.capacity
			q.mu.Unlock()
			q.signal(q.notEmpty)
			if spare {
				q.signal(q.notFull)
			}
			return nil
		}
		q.mu.Unlock()

		if q.policy == PolicyReject {
			q.logger.Warn("queue at capacity, rejecting task",
				"task_id", task.ID,
				"capacity", q.capacity,
			)
			return domain.WrapOp("Queue.Enqueue", domain.ErrQueueFull)
		}

		select {
		case <-ctx.Done():
			return domain.WrapOp("Queue.Enqueue", ctx.Err())
		case <-q.done:
		case <-q.notFull:
		}
	}
}

// Dequeue removes and returns the highest-priority task, waiting for one to
// arrive until the context is cancelled or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (domain.WorkerTask, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			qt := heap.Pop(&q.items).(queuedTask)
			remaining := q.items.Len()
			q.mu.Unlock()
			q.signal(q.notFull)
			if remaining > 0 {
				// Pass the wake-up on so a second waiter is not stranded
				// when two enqueues raced a single buffered signal.
				q.signal(q.notEmpty)
			}
			return qt.task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return domain.WorkerTask{}, domain.WrapOp("Queue.Dequeue", domain.ErrClosed)
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.WorkerTask{}, domain.WrapOp("Queue.Dequeue", ctx.Err())
		case <-q.done:
		case <-q.notEmpty:
		}
	}
}

// TryDequeue removes and returns the highest-priority task without waiting.
func (q *Queue) TryDequeue() (domain.WorkerTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return domain.WorkerTask{}, false
	}
	qt := heap.Pop(&q.items).(queuedTask)
	if q.items.Len() > 0 {
		q.signal(q.notEmpty)
	}
	q.signal(q.notFull)
	return qt.task, true
}

// PendingCount returns the number of queued tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes all waiters. Queued tasks remain dequeueable; new enqueues fail.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		// Waiters select on done and re-check state; the signal channels
		// stay open so racing signals never hit a closed channel.
		close(q.done)
	}
	q.mu.Unlock()
}

// signal performs a non-blocking send so producers never wait on consumers.
func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type queuedTask struct {
	task domain.WorkerTask
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
