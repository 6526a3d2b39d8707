package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// Submit queues task without waiting. It fails with an error wrapping
// errors.ErrCapacityExceeded when the queue is full. The task runs with
// context.Background(); use SubmitWithContext to wait for a slot.
func (p *workerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	p.mu.RLock()
	isShutdown := p.isShutdown
	p.mu.RUnlock()
	if isShutdown {
		return fmt.Errorf("cannot submit task: %w", errors.ErrClosed)
	}

	select {
	case p.taskQueue <- taskWithContext{task: task, ctx: context.Background()}:
		p.totalSubmitted.Add(1)
		p.metrics.WorkerPoolQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))
		return nil
	default:
		return fmt.Errorf("cannot submit task: queue of %d full: %w", cap(p.taskQueue), errors.ErrCapacityExceeded)
	}
}

// SubmitWithTimeout submits a task, giving up if no queue slot frees up
// within timeout.
func (p *workerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := p.SubmitWithContext(ctx, task)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("cannot submit task: %w", errors.ErrTimeout)
	}
	return err
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// The context is passed to the task's Execute method, enabling timeout and
// cancellation propagation. If the pool has a TaskTimeout configured, the
// effective timeout will be the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	isShutdown := p.isShutdown
	p.mu.RUnlock()

	if isShutdown {
		return fmt.Errorf("cannot submit task: %w", errors.ErrClosed)
	}

	// Check if context is already canceled before attempting to queue
	// This ensures deterministic behavior for pre-canceled contexts
	select {
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	default:
	}

	select {
	case p.taskQueue <- taskWithContext{task: task, ctx: ctx}:
		p.totalSubmitted.Add(1)
		p.metrics.WorkerPoolQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))
		return nil
	case <-p.shutdownCh:
		return fmt.Errorf("cannot submit task: %w", errors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	}
}

// Shutdown initiates a graceful shutdown of the pool.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.isShutdown = true
		p.mu.Unlock()

		close(p.shutdownCh)

		go func() {
			p.workerWg.Wait()
			close(p.done)
		}()
	})

	return p.done
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	return int(p.active.Load())
}

// TotalSubmitted returns the total number of tasks submitted to the pool.
func (p *workerPool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks completed by the pool.
func (p *workerPool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

// run is the main loop for a worker. After shutdown it drains the tasks
// that were already queued.
func (p *workerPool) run(id int) {
	defer p.workerWg.Done()

	for {
		select {
		case twc := <-p.taskQueue:
			p.executeTask(id, twc)
		case <-p.shutdownCh:
			for {
				select {
				case twc := <-p.taskQueue:
					p.executeTask(id, twc)
				default:
					return
				}
			}
		}
	}
}

// executeTask executes a single task with the provided context.
func (p *workerPool) executeTask(id int, twc taskWithContext) {
	start := time.Now()
	var err error

	p.active.Add(1)
	p.metrics.WorkerPoolActive.WithLabelValues(p.config.Name).Set(float64(p.active.Load()))

	// Handle panics during task execution
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}

		p.active.Add(-1)
		p.totalCompleted.Add(1)
		p.metrics.WorkerPoolActive.WithLabelValues(p.config.Name).Set(float64(p.active.Load()))
		p.metrics.WorkerPoolQueued.WithLabelValues(p.config.Name).Set(float64(len(p.taskQueue)))

		result := Result{
			Task:     twc.task,
			Error:    err,
			Duration: time.Since(start),
			WorkerID: id,
		}
		if err != nil {
			p.logger.Warn("task failed",
				zap.Int("worker", id),
				zap.Duration("duration", result.Duration),
				zap.Error(err))
		}
		if p.config.OnTaskComplete != nil {
			p.config.OnTaskComplete(result)
		}
	}()

	ctx := twc.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// The effective timeout is the minimum of the context deadline and TaskTimeout
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err = twc.task.Execute(ctx)
}
