// Package worker provides a bounded pool of goroutines that executes
// submitted tasks. The workflow runner hands asynchronous runs to a Pool,
// which caps concurrency and optionally rate-limits task starts.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/getlarge/themoltnet-sub004/id"
	"github.com/getlarge/themoltnet-sub004/workflow"
)

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("worker: pool is not running")

// defaultQueueSize bounds how many tasks may wait for a free worker.
const defaultQueueSize = 256

var _ workflow.Submitter = (*Pool)(nil)

// Pool manages a set of concurrent worker goroutines that execute
// submitted tasks.
type Pool struct {
	concurrency int
	queueSize   int
	limiter     *rate.Limiter
	workerID    id.WorkerID
	logger      *slog.Logger

	tasks   chan func()
	stopCh  chan struct{}
	limCtx  context.Context
	limStop context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueSize sets how many tasks may queue waiting for a free worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) { p.queueSize = n }
}

// WithRateLimit caps how fast workers may start tasks. A zero limit
// disables rate limiting.
func WithRateLimit(limit rate.Limit, burst int) PoolOption {
	return func(p *Pool) {
		if limit > 0 {
			p.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// NewPool creates a worker pool.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		concurrency: 10,
		queueSize:   defaultQueueSize,
		workerID:    id.NewWorkerID(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.tasks = make(chan func(), p.queueSize)
	p.stopCh = make(chan struct{})
	p.limCtx, p.limStop = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}

	return nil
}

// Submit hands a task to the pool. It blocks while the queue is full and
// returns ErrPoolStopped if the pool is stopped before the task is queued.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	tasks, stopCh := p.tasks, p.stopCh
	p.mu.Unlock()

	select {
	case tasks <- task:
		return nil
	case <-stopCh:
		return ErrPoolStopped
	}
}

// Stop signals all workers to stop and waits for in-flight tasks to finish.
// If the context expires first, remaining tasks are abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.limStop()
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// workLoop is run by each worker goroutine. Queued tasks are drained
// before the worker exits so an accepted Submit is never silently lost.
func (p *Pool) workLoop() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.tasks:
			p.runTask(task)
		case <-p.stopCh:
			for {
				select {
				case task := <-p.tasks:
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(task func()) {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.limCtx); err != nil {
			// Shutting down; run the task anyway so it isn't lost.
			p.logger.Debug("rate limiter wait aborted", slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				slog.Any("panic", r),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
	}()
	task()
}
