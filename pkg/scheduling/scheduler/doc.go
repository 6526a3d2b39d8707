/*
Package scheduler runs workerpool tasks once after a delay or on a cron
schedule.

A tick loop checks for due tasks every TickInterval and hands them to a
worker pool. One-time tasks are removed once handed over, or kept for the next
tick when the pool queue is full. Cron tasks are rescheduled from the tick
that fired them.

	s := scheduler.NewWithConfig(scheduler.Config{Name: "token-server"})
	if err := s.Start(); err != nil {
		return err
	}
	defer func() { <-s.Stop() }()

	s.ScheduleCron("idle-scan", "@every 10s", workerpool.TaskFunc(scan))
	s.ScheduleAfter("reconnect", workerpool.TaskFunc(connect), 2*time.Second)

Cron expressions accept the standard five fields, an optional leading seconds
field and descriptors such as "@hourly" or "@every 1m30s".

When Config.WorkerPool is nil the scheduler creates its own pool of
Config.Workers workers and shuts it down on Stop. With Workers set to 1, due
tasks run one at a time in the order they were scheduled.
*/
package scheduler
