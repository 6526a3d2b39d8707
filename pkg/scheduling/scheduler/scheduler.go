package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
	"github.com/vnykmshr/clusterflow/pkg/scheduling/workerpool"
)

// Task describes a scheduled task.
type Task struct {
	ID      string
	RunAt   time.Time
	Cron    bool
	Created time.Time
}

// Scheduler runs tasks once after a delay or on a cron schedule.
type Scheduler interface {
	// ScheduleAfter runs task once, delay from now.
	ScheduleAfter(id string, task workerpool.Task, delay time.Duration) error

	// ScheduleCron schedules a task using a cron expression. Both the five
	// field and the six field (leading seconds) forms are accepted, as are
	// descriptors such as "@hourly" and "@every 30s".
	ScheduleCron(id string, cronExpr string, task workerpool.Task) error

	// Cancel removes a task that has not been handed to the pool yet.
	Cancel(id string) bool

	// List returns the pending tasks, earliest first.
	List() []Task

	// Lifecycle
	Start() error
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	// Name labels the scheduler in logs and metrics.
	// Default: "default"
	Name string

	// WorkerPool executes due tasks. If nil, the scheduler owns a pool of
	// Workers workers and shuts it down on Stop.
	WorkerPool workerpool.Pool

	// Workers sizes the owned pool. A single worker runs due tasks one at
	// a time in schedule order.
	// Default: 4
	Workers int

	Location     *time.Location // For cron scheduling
	TickInterval time.Duration  // How often to check for ready tasks (default: 50ms)
	MaxTasks     int            // Maximum number of scheduled tasks (default: 10000)

	// Logger receives scheduling failures. If nil, logging is disabled.
	Logger *zap.Logger

	// Metrics records scheduling activity. If nil, a private registry is used.
	Metrics *metrics.Registry
}

type scheduledTask struct {
	id           string
	task         workerpool.Task
	runAt        time.Time
	cronSchedule cron.Schedule
	created      time.Time
}

type scheduler struct {
	name         string
	pool         workerpool.Pool
	ownPool      bool
	location     *time.Location
	tickInterval time.Duration
	maxTasks     int
	cronParser   cron.Parser
	logger       *zap.Logger
	metrics      *metrics.Registry

	mu      sync.RWMutex
	tasks   map[string]*scheduledTask
	done    chan struct{}
	running bool
	stopped bool
	loop    sync.WaitGroup
}

// New creates a scheduler with default configuration.
func New() Scheduler {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) Scheduler {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	pool := cfg.WorkerPool
	ownPool := false
	if pool == nil {
		workers := cfg.Workers
		if workers <= 0 {
			workers = 4
		}
		var err error
		pool, err = workerpool.NewWithConfig(workerpool.Config{
			Name:        cfg.Name,
			WorkerCount: workers,
			QueueSize:   100,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
		})
		if err != nil {
			panic(err)
		}
		ownPool = true
	}

	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}

	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10000
	}

	return &scheduler{
		name:         cfg.Name,
		pool:         pool,
		ownPool:      ownPool,
		location:     location,
		tickInterval: tickInterval,
		maxTasks:     maxTasks,
		cronParser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  cfg.Logger.With(zap.String("scheduler", cfg.Name)),
		metrics: cfg.Metrics,
		tasks:   make(map[string]*scheduledTask),
		done:    make(chan struct{}),
	}
}

func validateTask(id string, task workerpool.Task) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("task ID too long (max 255 characters)")
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	return nil
}

// addLocked registers st. The caller holds s.mu.
func (s *scheduler) addLocked(st *scheduledTask) error {
	if _, exists := s.tasks[st.id]; exists {
		return fmt.Errorf("task with ID %q already exists, use a different ID or cancel the existing task first", st.id)
	}
	if len(s.tasks) >= s.maxTasks {
		return fmt.Errorf("cannot schedule task: maximum number of tasks (%d) reached", s.maxTasks)
	}
	s.tasks[st.id] = st
	s.metrics.TasksScheduled.WithLabelValues(s.name).Inc()
	return nil
}

func (s *scheduler) ScheduleAfter(id string, task workerpool.Task, delay time.Duration) error {
	if err := validateTask(id, task); err != nil {
		return err
	}
	if delay < 0 {
		return fmt.Errorf("delay cannot be negative, got %v", delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	return s.addLocked(&scheduledTask{
		id:      id,
		task:    task,
		runAt:   now.Add(delay),
		created: now,
	})
}

func (s *scheduler) ScheduleCron(id string, cronExpr string, task workerpool.Task) error {
	if err := validateTask(id, task); err != nil {
		return err
	}
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}

	schedule, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(&scheduledTask{
		id:           id,
		task:         task,
		runAt:        schedule.Next(time.Now().In(s.location)),
		cronSchedule: schedule,
		created:      time.Now(),
	})
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		delete(s.tasks, id)
		return true
	}
	return false
}

func (s *scheduler) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, Task{
			ID:      t.id,
			RunAt:   t.runAt,
			Cron:    t.cronSchedule != nil,
			Created: t.created,
		})
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})

	return tasks
}

func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler stopped, create a new one")
	}
	if s.running {
		return fmt.Errorf("scheduler already running, call Stop() first")
	}

	s.running = true
	s.loop.Add(1)
	go s.run(time.NewTicker(s.tickInterval))
	return nil
}

// Stop halts the tick loop. Tasks already handed to the pool still run; the
// returned channel closes once the loop has exited and, for an owned pool,
// the pool has drained.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.running = false
		close(s.done)
	}
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.loop.Wait()
		if s.ownPool {
			<-s.pool.Shutdown()
		}
	}()

	return stopped
}

func (s *scheduler) run(ticker *time.Ticker) {
	defer s.loop.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.processReadyTasks(now)
		}
	}
}

func (s *scheduler) processReadyTasks(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", zap.Any("panic", r))
		}
	}()

	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return
	}

	ready := make([]*scheduledTask, 0, len(s.tasks))
	for id, task := range s.tasks {
		if now.Before(task.runAt) {
			continue
		}
		ready = append(ready, task)

		if task.cronSchedule != nil {
			task.runAt = task.cronSchedule.Next(now.In(s.location))
		} else {
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	// Due tasks are handed over oldest first.
	sort.Slice(ready, func(i, j int) bool { return ready[i].created.Before(ready[j].created) })
	for _, task := range ready {
		err := s.pool.Submit(s.instrument(task))
		switch {
		case err == nil:
		case cferrors.IsTemporary(err) && task.cronSchedule == nil:
			// One-time tasks are retried on the next tick; a cron task
			// just skips this run.
			s.retry(task)
			s.logger.Debug("pool busy, retrying task", zap.String("task", task.id), zap.Error(err))
		default:
			s.logger.Warn("task submission failed", zap.String("task", task.id), zap.Error(err))
		}
	}
}

// retry puts a one-time task back unless its id was reused meanwhile.
func (s *scheduler) retry(task *scheduledTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.id]; !exists {
		s.tasks[task.id] = task
	}
}

func (s *scheduler) instrument(st *scheduledTask) workerpool.Task {
	return workerpool.TaskFunc(func(ctx context.Context) error {
		start := time.Now()
		err := st.task.Execute(ctx)
		s.metrics.TasksExecuted.WithLabelValues(s.name).Inc()
		s.metrics.TaskExecutionDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.TasksFailed.WithLabelValues(s.name).Inc()
			s.logger.Debug("scheduled task failed", zap.String("task", st.id), zap.Error(err))
		}
		return err
	})
}
