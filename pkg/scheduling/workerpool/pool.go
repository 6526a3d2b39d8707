package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vnykmshr/clusterflow/pkg/common/validation"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the given context.
	// It should respect context cancellation and return any error encountered.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result describes one finished task.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Pool executes submitted tasks on a fixed set of workers.
type Pool interface {
	// Submit queues a task without blocking. It fails if the pool is shut
	// down or the queue is full.
	Submit(task Task) error

	// SubmitWithTimeout submits a task, giving up if it cannot be queued
	// within timeout.
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// SubmitWithContext submits a task with a context for cancellation.
	// The context bounds the queuing and is passed to Execute.
	SubmitWithContext(ctx context.Context, task Task) error

	// Shutdown stops accepting tasks, lets queued tasks finish and returns a
	// channel that closes when every worker has exited.
	Shutdown() <-chan struct{}

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// Name labels the pool in logs and metrics.
	// Default: "default"
	Name string

	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of tasks that can be queued.
	// Zero hands tasks directly to an idle worker.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// Logger receives task failures. If nil, logging is disabled.
	Logger *zap.Logger

	// Metrics records pool activity. If nil, a private registry is used.
	Metrics *metrics.Registry

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(result Result)
}

// workerPool implements the Pool interface.
type workerPool struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Registry

	taskQueue    chan taskWithContext
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	mu         sync.RWMutex
	isShutdown bool

	active         atomic.Int32
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	workerWg sync.WaitGroup
}

type taskWithContext struct {
	task Task
	ctx  context.Context
}

// New creates a worker pool with the specified number of workers and queue
// size. It panics on invalid arguments; use NewWithConfig to get an error.
func New(workerCount, queueSize int) Pool {
	p, err := NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
	if err != nil {
		panic(err)
	}
	return p
}

// NewWithConfig creates a worker pool with the specified configuration.
func NewWithConfig(config Config) (Pool, error) {
	if err := validation.ValidatePositive("workerpool", "WorkerCount", config.WorkerCount); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegative("workerpool", "QueueSize", float64(config.QueueSize)); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "default"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}

	pool := &workerPool{
		config:     config,
		logger:     config.Logger.With(zap.String("pool", config.Name)),
		metrics:    config.Metrics,
		taskQueue:  make(chan taskWithContext, config.QueueSize),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}

	for i := 0; i < config.WorkerCount; i++ {
		pool.workerWg.Add(1)
		go pool.run(i)
	}
	return pool, nil
}
