// Package pool runs a fixed batch of tasks on a bounded set of workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotStarted marks tasks that never ran because the batch was stopped.
var ErrNotStarted = errors.New("task not started")

// Task is one unit of work.
type Task func(ctx context.Context) error

// Options tunes failure handling. By default a failing task never affects
// the others; StopOnError cancels the shared context on the first failure
// and leaves unstarted tasks as ErrNotStarted.
type Options struct {
	StopOnError bool
}

// Run executes tasks with at most parallelism in flight and blocks until
// every task has finished or been skipped. The returned slice holds one
// error per task, in task order.
func Run(ctx context.Context, parallelism int, tasks []Task, opts Options) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	if parallelism > len(tasks) {
		parallelism = len(tasks)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int, len(tasks))
	for i := range tasks {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if runCtx.Err() != nil {
					errs[i] = ErrNotStarted
					continue
				}
				if err := runTask(runCtx, tasks[i]); err != nil {
					errs[i] = err
					if opts.StopOnError {
						cancel()
					}
				}
			}
		}()
	}
	wg.Wait()
	return errs
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task(ctx)
}
