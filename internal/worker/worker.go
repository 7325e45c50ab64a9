// ============================================================================
// forgec worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine of the pool. Each worker loops:
//   1. receive a task from taskCh (blocking)
//   2. skip it if the pool context is already cancelled
//   3. run the handler with the pool context
//   4. send the result to resultCh
// until taskCh is closed.
//
// Cancellation:
//   Tasks dequeued after the pool context is done are reported as Skipped
//   with the context error, without calling the handler. A handler that is
//   already running sees the cancelled context and decides itself.
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker is a single execution goroutine.
type Worker[T, R any] struct {
	id       int              // worker index, for debugging
	ctx      context.Context  // pool context
	handler  Handler[T, R]    // task logic
	taskCh   <-chan Task[T]   // tasks to execute (read-only)
	resultCh chan<- Result[R] // results (write-only)
}

func newWorker[T, R any](ctx context.Context, id int, handler Handler[T, R], taskCh <-chan Task[T], resultCh chan<- Result[R]) *Worker[T, R] {
	return &Worker[T, R]{
		id:       id,
		ctx:      ctx,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the worker main loop.
func (w *Worker[T, R]) Run() {
	for task := range w.taskCh {
		w.resultCh <- w.execute(task)
	}
}

func (w *Worker[T, R]) execute(task Task[T]) Result[R] {
	if err := w.ctx.Err(); err != nil {
		return Result[R]{Index: task.Index, Err: err, Skipped: true}
	}

	start := time.Now()
	value, err := w.handler(w.ctx, task.Payload)
	return Result[R]{
		Index:    task.Index,
		Value:    value,
		Err:      err,
		Duration: time.Since(start),
	}
}
