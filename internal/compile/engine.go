// ============================================================================
// forgec compile engine - runs compiler jobs
// ============================================================================
//
// Package: internal/compile
// File: engine.go
// Purpose: Executes the jobs of one run, sequentially on the calling goroutine
//          or on a bounded worker pool.
//
// State machine:
//   Idle -> Dispatching -> (per job) Running -> Collected -> Done
//
// Per job:
//   1. reporter.CompilerSpawn(compiler, version, dirty)
//   2. compiler.Compile(ctx, input)
//   3. reporter.CompilerSuccess(compiler, version, elapsed)
//   4. seen.CompilerSeen(file) for every actually dirty file
//
// Failure:
//   A compiler invocation error aborts the run. Sequential mode stops at the
//   failing job; parallel mode cancels the pool context so queued jobs are
//   skipped, then returns the first error. Diagnostics never fail a run.
//
// Results:
//   Returned in job order regardless of completion order.
//
// ============================================================================

package compile

import (
	"context"
	"errors"
	"time"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/report"
	"github.com/foundry-rs/foundry-sub026/internal/worker"
)

// Seer records files handed to the compiler. It must be safe for concurrent use.
type Seer interface {
	CompilerSeen(file string)
}

// Engine runs jobs with one compiler backend.
type Engine struct {
	compiler compilers.Compiler
	reporter report.Reporter
	seen     Seer
	jobs     int
}

// NewEngine creates an engine. jobs > 1 selects the worker pool.
// A nil reporter drops events; a nil seer records nothing.
func NewEngine(compiler compilers.Compiler, reporter report.Reporter, seen Seer, jobs int) *Engine {
	if reporter == nil {
		reporter = report.Noop{}
	}
	return &Engine{compiler: compiler, reporter: reporter, seen: seen, jobs: jobs}
}

// Run executes jobs and returns one result per job, in job order.
func (e *Engine) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if e.jobs > 1 && len(jobs) > 1 {
		return e.runParallel(ctx, jobs)
	}
	return e.runSequential(ctx, jobs)
}

func (e *Engine) runSequential(ctx context.Context, jobs []Job) ([]JobResult, error) {
	results := make([]JobResult, 0, len(jobs))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := execute(ctx, e.compiler, e.reporter, e.seen, job)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) runParallel(ctx context.Context, jobs []Job) ([]JobResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// captured once and handed to every worker
	compiler, reporter, seen := e.compiler, e.reporter, e.seen
	pool := worker.NewPool(ctx, len(jobs), func(ctx context.Context, job Job) (JobResult, error) {
		return execute(ctx, compiler, reporter, seen, job)
	})

	workers := e.jobs
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if err := pool.Start(workers); err != nil {
		return nil, err
	}
	defer pool.Stop()

	log.Debug("dispatching jobs", "jobs", len(jobs), "workers", workers)
	for i, job := range jobs {
		if err := pool.Submit(worker.Task[Job]{Index: i, Payload: job}); err != nil {
			return nil, err
		}
	}

	results := make([]JobResult, len(jobs))
	var firstErr, skipErr error
	for range jobs {
		res, err := pool.ReceiveResult()
		if err != nil {
			return nil, err
		}
		switch {
		case res.Skipped:
			if skipErr == nil {
				skipErr = res.Err
			}
		case res.Err != nil:
			if firstErr == nil {
				firstErr = res.Err
				cancel()
			}
		default:
			results[res.Index] = res.Value
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if skipErr != nil {
		return nil, skipErr
	}
	return results, nil
}

func execute(ctx context.Context, compiler compilers.Compiler, reporter report.Reporter, seen Seer, job Job) (JobResult, error) {
	in := job.Input
	name := in.CompilerName()

	reporter.CompilerSpawn(name, in.Version, job.ActuallyDirty)
	start := time.Now()
	out, err := compiler.Compile(ctx, in)
	if err != nil {
		var ie *compilers.InvocationError
		if !errors.As(err, &ie) {
			err = &compilers.InvocationError{Compiler: name, Version: versionOf(in), Err: err}
		}
		report.Failure(reporter, name, in.Version, err)
		return JobResult{}, err
	}
	if out == nil {
		out = &compilers.Output{}
	}
	reporter.CompilerSuccess(name, in.Version, time.Since(start))

	if seen != nil {
		for _, f := range job.ActuallyDirty {
			seen.CompilerSeen(f)
		}
	}
	return JobResult{
		Input:         in,
		Output:        out,
		Profile:       job.Profile,
		ActuallyDirty: job.ActuallyDirty,
	}, nil
}

func versionOf(in *compilers.Input) string {
	if in.Version == nil {
		return ""
	}
	return in.Version.String()
}
