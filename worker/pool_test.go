package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/getlarge/themoltnet-sub004/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolStartStop(t *testing.T) {
	pool := worker.NewPool(testLogger(), worker.WithPoolConcurrency(2))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be a no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be a no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPoolExecutesTasks(t *testing.T) {
	pool := worker.NewPool(testLogger(), worker.WithPoolConcurrency(4))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 50
	var (
		count atomic.Int32
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for range n {
		if err := pool.Submit(func() {
			count.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if got := count.Load(); got != n {
		t.Errorf("executed %d tasks, want %d", got, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := worker.NewPool(testLogger(), worker.WithPoolConcurrency(1))

	if err := pool.Submit(func() {}); err != worker.ErrPoolStopped {
		t.Errorf("Submit before start: err = %v, want ErrPoolStopped", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := pool.Submit(func() {}); err != worker.ErrPoolStopped {
		t.Errorf("Submit after stop: err = %v, want ErrPoolStopped", err)
	}
}

func TestPoolDrainsQueuedTasksOnStop(t *testing.T) {
	pool := worker.NewPool(testLogger(), worker.WithPoolConcurrency(1))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var count atomic.Int32
	for range 10 {
		if err := pool.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := count.Load(); got != 10 {
		t.Errorf("executed %d tasks after stop, want 10", got)
	}
}

func TestPoolRecoverPanickedTask(t *testing.T) {
	pool := worker.NewPool(testLogger(), worker.WithPoolConcurrency(1))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	if err := pool.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A panicked task must not kill the worker goroutine.
	if err := pool.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panicked task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPoolRateLimit(t *testing.T) {
	// 100 tasks/s with burst 1: 5 tasks should take at least ~40ms.
	pool := worker.NewPool(testLogger(),
		worker.WithPoolConcurrency(4),
		worker.WithRateLimit(rate.Limit(100), 1),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(5)
	start := time.Now()
	for range 5 {
		if err := pool.Submit(func() { wg.Done() }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("5 rate-limited tasks finished in %v, expected >=30ms", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
