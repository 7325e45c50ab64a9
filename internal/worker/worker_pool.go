// ============================================================================
// forgec worker pool - bounded concurrent executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs a fixed number of worker goroutines that drain a shared task
//          channel and report to a shared result channel.
//
// Architecture:
//   ┌─────────────┐
//   │  Submitter  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(ctx, bufferSize, handler)
//   2. Start(n)        start n workers
//   3. Submit(task)    enqueue
//   4. ReceiveResult() dequeue one result, in completion order
//   5. Stop()          close taskCh, wait for workers, close resultCh
//
// Cancellation:
//   Cancelling the pool context does not stop the pool; queued tasks still
//   produce a (Skipped) result each, so a submitter that waits for exactly
//   one result per submitted task never blocks forever.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrPoolClosed means the pool was stopped.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start was not called yet.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice.
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// Pool
// ============================================================================

// Pool runs tasks of payload type T producing values of type R.
type Pool[T, R any] struct {
	ctx      context.Context
	handler  Handler[T, R]
	workers  []*Worker[T, R]
	taskCh   chan Task[T]
	resultCh chan Result[R]
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates a pool whose channels buffer bufferSize tasks and results.
// Every handler call receives ctx.
func NewPool[T, R any](ctx context.Context, bufferSize int, handler Handler[T, R]) *Pool[T, R] {
	return &Pool[T, R]{
		ctx:      ctx,
		handler:  handler,
		workers:  make([]*Worker[T, R], 0),
		taskCh:   make(chan Task[T], bufferSize),
		resultCh: make(chan Result[R], bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool[T, R]) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(p.ctx, i, p.handler, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker[T, R]) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit enqueues a task. It blocks while the task buffer is full.
func (p *Pool[T, R]) Submit(task Task[T]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// Holding mu while sending keeps Stop from closing taskCh under us.
	p.taskCh <- task
	return nil
}

// ReceiveResult blocks until a result is available.
func (p *Pool[T, R]) ReceiveResult() (Result[R], error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result[R]{}, ErrPoolClosed
	}
	return result, nil
}

// Stop closes the task channel, waits for all workers to exit and closes the
// result channel. Results not yet received are discarded.
func (p *Pool[T, R]) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	// drain so workers blocked on a full resultCh can exit
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			close(p.resultCh)
			for range p.resultCh {
			}
			return
		case <-p.resultCh:
		}
	}
}

// GetWorkerCount returns the number of started workers.
func (p *Pool[T, R]) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start was called.
func (p *Pool[T, R]) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed once Stop was called.
func (p *Pool[T, R]) Done() <-chan struct{} {
	return p.stopCh
}
