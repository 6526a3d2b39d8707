/*
Package scheduling holds the background execution primitives behind the
token server's idle scan and the token client's reconnect attempts.

  - workerpool: fixed pool of workers draining a bounded task queue
  - scheduler: cron schedules that submit tasks to a worker pool

The token server runs its idle connection scan through a scheduler:

	s := scheduler.NewWithConfig(scheduler.Config{Name: "token-server", Workers: 1})
	_ = s.Start()
	defer func() { <-s.Stop() }()

	_ = s.ScheduleCron("idle-scan", "@every 10s", workerpool.TaskFunc(func(ctx context.Context) error {
		closeIdle()
		return nil
	}))
*/
package scheduling
