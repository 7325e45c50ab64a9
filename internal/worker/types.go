package worker

import (
	"context"
	"time"
)

// Handler executes one task payload.
type Handler[T, R any] func(ctx context.Context, payload T) (R, error)

// Task is one unit of work. Index identifies the task to the submitter.
type Task[T any] struct {
	Index   int // position of the task in the submitter's list
	Payload T   // handler input
}

// Result is the outcome of one task.
type Result[R any] struct {
	Index    int           // Task.Index of the task that produced it
	Value    R             // handler output, zero on error
	Err      error         // handler error or the pool context error
	Skipped  bool          // true if the task never ran because the pool was cancelled
	Duration time.Duration // handler wall time
}
