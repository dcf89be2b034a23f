package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsnav/opsnav/internal/database"
)

// Job is the body of a background task. A returned error fails the
// task with the error text; a nil return finalizes it as successful
// unless the job already wrote its own terminal state.
type Job func(ctx context.Context, w *Writer) error

// Runner executes jobs on a bounded worker pool. Submissions beyond
// the worker count stay pending until a slot frees up.
type Runner struct {
	svc     *Service
	slots   chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a runner with the given number of worker slots.
func NewRunner(svc *Service, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		svc:     svc,
		slots:   make(chan struct{}, workers),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Submit records a pending task and schedules fn to run on the pool.
// It returns the created task immediately; fn runs asynchronously.
func (r *Runner) Submit(ctx context.Context, kind, targetID, message string, fn Job) (*database.Task, error) {
	task, err := r.svc.Create(ctx, kind, targetID, message)
	if err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.run(task.ID, fn)
	return task, nil
}

func (r *Runner) run(id string, fn Job) {
	defer r.wg.Done()

	w := r.svc.Writer(id)

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-r.baseCtx.Done():
		w.Fail(r.baseCtx, "server shutting down")
		return
	}

	defer func() {
		if v := recover(); v != nil {
			r.svc.logger.Error("Task panicked", "task_id", id, "panic", v)
			w.Fail(r.baseCtx, fmt.Sprintf("internal error: %v", v))
		}
	}()

	if err := fn(r.baseCtx, w); err != nil {
		w.Fail(r.baseCtx, err.Error())
		return
	}
	// No-op when the job already wrote its terminal state; otherwise
	// finalize without touching the last message or result.
	w.Succeed(r.baseCtx, "", nil)
}

// Shutdown waits for in-flight jobs to finish until ctx expires, then
// cancels the pool context so stragglers abort.
func (r *Runner) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	r.cancel()
}
