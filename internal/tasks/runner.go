// Package tasks runs command actions and maintenance sweeps off the request
// path: a small worker pool for fire-and-forget jobs plus the cron schedule
// for periodic sweeps.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// jobTimeout bounds one background job.
const jobTimeout = 30 * time.Second

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Runner executes submitted jobs on a fixed pool of workers. Submission never
// blocks the caller: a full queue rejects the job instead of stalling the
// request that produced it.
type Runner struct {
	logger *slog.Logger
	queue  chan job

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	workers   int
}

// NewRunner creates a runner with the given pool size and queue depth.
func NewRunner(log *slog.Logger, workers, depth int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 256
	}
	return &Runner{
		logger:  log.With(slog.String("service", "tasks")),
		queue:   make(chan job, depth),
		done:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the worker pool.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
	})
}

// Submit enqueues a job. It returns an error only when the runner is stopped
// or the queue is full; the job's own outcome is logged, not returned.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) error {
	select {
	case <-r.done:
		return fmt.Errorf("task runner stopped")
	default:
	}

	select {
	case r.queue <- job{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("task queue full, dropping %s", name)
	}
}

// Stop drains the queue and waits for in-flight jobs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.done)
		close(r.queue)
	})

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for j := range r.queue {
		r.run(j)
	}
}

func (r *Runner) run(j job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked",
				slog.String("task", j.name),
				slog.Any("panic", rec),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.fn(ctx); err != nil {
		r.logger.Error("task failed", slog.String("task", j.name), slog.Any("error", err))
	}
}
