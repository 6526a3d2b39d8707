/*
Package workerpool executes tasks on a fixed set of goroutines fed by a
bounded queue.

	pool, err := workerpool.NewWithConfig(workerpool.Config{
		Name:        "dispatch",
		WorkerCount: 8,
		QueueSize:   256,
		TaskTimeout: time.Second,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() { <-pool.Shutdown() }()

	err = pool.SubmitWithTimeout(workerpool.TaskFunc(func(ctx context.Context) error {
		return handle(ctx)
	}), 100*time.Millisecond)

Submissions after Shutdown fail with an error wrapping errors.ErrClosed. Submit
never blocks and wraps errors.ErrCapacityExceeded when the queue is full; a
SubmitWithTimeout that cannot be queued in time wraps errors.ErrTimeout. Shutdown
stops accepting work, lets queued tasks finish and closes the returned channel
once every worker has exited.

A panicking task is recovered and reported as a failed Result. Completed
results are delivered to Config.OnTaskComplete when it is set, and recorded in
the pool metrics either way.
*/
package workerpool
