package swmc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a thin wrapper around errgroup.Group used to run the subsystem's
// long-lived worker tasks (the receive loop, per-message fault workers, the
// async-completion daemon and the hotness daemon) under one cancellation scope: a
// fatal failure in any one task cancels the context every other task observes.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner creates a TaskRunner. maxConcurrent limits how many Go-routines spawned
// via Go may run at once; 0 or negative means unlimited.
func NewTaskRunner(ctx context.Context, maxConcurrent int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		eg.SetLimit(maxConcurrent)
	}
	return &TaskRunner{eg: eg, context: ctx2}
}

// Context returns the task runner's derived context, canceled once any task returns a
// non-nil error or Wait is called and returns.
func (tr *TaskRunner) Context() context.Context {
	return tr.context
}

// Go spawns task on a new goroutine under the runner's errgroup.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait blocks until every spawned task has returned, and returns the first non-nil
// error (if any).
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
