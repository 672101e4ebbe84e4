package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleetcore/internal/domain"
)

func testTask(id string, priority domain.TaskPriority) domain.WorkerTask {
	return domain.WorkerTask{ID: id, Type: "test", Priority: priority, CreatedAt: time.Now()}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx := context.Background()

	q.Enqueue(ctx, testTask("low", domain.PriorityLow))
	q.Enqueue(ctx, testTask("critical", domain.PriorityCritical))
	q.Enqueue(ctx, testTask("normal", domain.PriorityNormal))

	want := []string{"critical", "normal", "low"}
	for _, id := range want {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.ID != id {
			t.Errorf("Dequeue = %q, want %q", task.ID, id)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, testTask(fmt.Sprintf("t%d", i), domain.PriorityNormal))
	}
	for i := 0; i < 5; i++ {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if want := fmt.Sprintf("t%d", i); task.ID != want {
			t.Errorf("Dequeue = %q, want %q", task.ID, want)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx := context.Background()

	done := make(chan domain.WorkerTask, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(ctx, testTask("late", domain.PriorityNormal))

	select {
	case task := <-done:
		if task.ID != "late" {
			t.Errorf("got %q, want late", task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestDequeueCancelled(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestRejectPolicy(t *testing.T) {
	q := New(PolicyReject, 2, slog.Default())
	ctx := context.Background()

	q.Enqueue(ctx, testTask("a", domain.PriorityNormal))
	q.Enqueue(ctx, testTask("b", domain.PriorityNormal))

	err := q.Enqueue(ctx, testTask("c", domain.PriorityNormal))
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if q.PendingCount() != 2 {
		t.Errorf("PendingCount = %d, want 2", q.PendingCount())
	}
}

func TestBlockPolicy(t *testing.T) {
	q := New(PolicyBlock, 1, slog.Default())
	ctx := context.Background()

	q.Enqueue(ctx, testTask("a", domain.PriorityNormal))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.Enqueue(ctx, testTask("b", domain.PriorityNormal))
	}()

	select {
	case <-unblocked:
		t.Fatal("Enqueue should have blocked on a full queue")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("blocked Enqueue: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after Dequeue")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer = 8, 50
	total := producers * perProducer

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(ctx, testTask(fmt.Sprintf("p%d-%d", p, i), domain.PriorityNormal))
			}
		}(p)
	}

	got := make(chan string, total)
	for c := 0; c < 4; c++ {
		go func() {
			for {
				task, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				got <- task.ID
			}
		}()
	}

	wg.Wait()
	seen := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		select {
		case id := <-got:
			if seen[id] {
				t.Fatalf("task %q delivered twice", id)
			}
			seen[id] = true
		case <-ctx.Done():
			t.Fatalf("only %d of %d tasks dequeued", len(seen), total)
		}
	}
	if q.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after draining", q.PendingCount())
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue not woken by Close")
	}

	if err := q.Enqueue(context.Background(), testTask("x", domain.PriorityNormal)); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Enqueue after Close: expected ErrClosed, got %v", err)
	}
}

func TestCloseRacingEnqueues(t *testing.T) {
	q := New(PolicyGrow, 0, slog.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Each call either succeeds or reports ErrClosed; a racing
			// Close must never panic a producer mid-signal.
			for j := 0; j < 50; j++ {
				err := q.Enqueue(ctx, testTask(fmt.Sprintf("t-%d-%d", n, j), domain.PriorityNormal))
				if err != nil && !errors.Is(err, domain.ErrClosed) {
					t.Errorf("Enqueue: %v", err)
					return
				}
			}
		}(i)
	}

	time.Sleep(time.Millisecond)
	q.Close()
	q.Close() // idempotent
	wg.Wait()

	// Everything enqueued before the close stays dequeueable.
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
	}
	if n := q.PendingCount(); n != 0 {
		t.Errorf("PendingCount after drain = %d, want 0", n)
	}
}
