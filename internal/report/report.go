// Package report defines the observability sink the compile engine emits events to.
//
// A Reporter is handed to the engine explicitly and captured once per run; workers
// never look one up on their own. Implementations must be safe for concurrent use
// and must never block the run for long.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fatih/color"

	"github.com/foundry-rs/foundry-sub026/internal/buildlog"
	"github.com/foundry-rs/foundry-sub026/internal/metrics"
)

// Reporter receives compiler lifecycle events.
type Reporter interface {
	// CompilerSpawn is called right before a compiler is invoked for dirty files.
	CompilerSpawn(compiler string, version *semver.Version, dirty []string)
	// CompilerSuccess is called after the compiler returned output.
	CompilerSuccess(compiler string, version *semver.Version, elapsed time.Duration)
}

// FailureReporter is optionally implemented by reporters interested in invocation failures.
type FailureReporter interface {
	CompilerFailure(compiler string, version *semver.Version, err error)
}

// Failure forwards err to r if it implements FailureReporter.
func Failure(r Reporter, compiler string, version *semver.Version, err error) {
	if fr, ok := r.(FailureReporter); ok {
		fr.CompilerFailure(compiler, version, err)
	}
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// ============================================================================
// Noop
// ============================================================================

// Noop drops every event.
type Noop struct{}

func (Noop) CompilerSpawn(string, *semver.Version, []string)       {}
func (Noop) CompilerSuccess(string, *semver.Version, time.Duration) {}

// ============================================================================
// Basic
// ============================================================================

// Basic prints human readable progress lines.
type Basic struct {
	mu  sync.Mutex
	out io.Writer

	spawn   *color.Color
	success *color.Color
	failure *color.Color
}

// NewBasic creates a Basic reporter writing to out.
func NewBasic(out io.Writer) *Basic {
	return &Basic{
		out:     out,
		spawn:   color.New(color.FgYellow),
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
	}
}

func (b *Basic) CompilerSpawn(compiler string, version *semver.Version, dirty []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	files := "files"
	if len(dirty) == 1 {
		files = "file"
	}
	b.spawn.Fprintf(b.out, "Compiling %d %s with %s %s\n", len(dirty), files, compiler, versionString(version))
}

func (b *Basic) CompilerSuccess(compiler string, version *semver.Version, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.success.Fprintf(b.out, "%s %s finished in %s\n", compiler, versionString(version), elapsed.Round(10*time.Millisecond))
}

func (b *Basic) CompilerFailure(compiler string, version *semver.Version, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure.Fprintf(b.out, "%s %s failed: %v\n", compiler, versionString(version), err)
}

// ============================================================================
// Metrics
// ============================================================================

// Metrics records events in a prometheus collector.
type Metrics struct {
	c *metrics.Collector
}

// NewMetrics wraps a collector.
func NewMetrics(c *metrics.Collector) *Metrics {
	return &Metrics{c: c}
}

func (m *Metrics) CompilerSpawn(_ string, _ *semver.Version, dirty []string) {
	m.c.RecordDispatch(len(dirty))
}

func (m *Metrics) CompilerSuccess(compiler string, version *semver.Version, elapsed time.Duration) {
	m.c.RecordSuccess(compiler, versionString(version), elapsed.Seconds())
}

func (m *Metrics) CompilerFailure(string, *semver.Version, error) {
	m.c.RecordFailure()
}

// ============================================================================
// BuildLog
// ============================================================================

// BuildLog appends every event to a build log. Write errors are dropped after
// the first one is remembered.
type BuildLog struct {
	log   *buildlog.Log
	runID string

	mu  sync.Mutex
	err error
}

// NewBuildLog creates a reporter tagging every event with runID.
func NewBuildLog(l *buildlog.Log, runID string) *BuildLog {
	return &BuildLog{log: l, runID: runID}
}

// Err returns the first append error, if any.
func (b *BuildLog) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *BuildLog) append(e buildlog.Event, force bool) {
	e.RunID = b.runID
	if err := b.log.Append(e, force); err != nil {
		b.mu.Lock()
		if b.err == nil {
			b.err = err
		}
		b.mu.Unlock()
	}
}

func (b *BuildLog) CompilerSpawn(compiler string, version *semver.Version, dirty []string) {
	b.append(buildlog.Event{
		Type:     buildlog.EventSpawn,
		Compiler: compiler,
		Version:  versionString(version),
		Files:    append([]string(nil), dirty...),
	}, false)
}

func (b *BuildLog) CompilerSuccess(compiler string, version *semver.Version, elapsed time.Duration) {
	b.append(buildlog.Event{
		Type:      buildlog.EventSuccess,
		Compiler:  compiler,
		Version:   versionString(version),
		ElapsedMs: elapsed.Milliseconds(),
	}, false)
}

func (b *BuildLog) CompilerFailure(compiler string, version *semver.Version, err error) {
	b.append(buildlog.Event{
		Type:     buildlog.EventFailure,
		Compiler: compiler,
		Version:  versionString(version),
		Error:    err.Error(),
	}, true)
}

// ============================================================================
// Multi
// ============================================================================

// Multi fans every event out to several reporters in order.
type Multi []Reporter

func (m Multi) CompilerSpawn(compiler string, version *semver.Version, dirty []string) {
	for _, r := range m {
		r.CompilerSpawn(compiler, version, dirty)
	}
}

func (m Multi) CompilerSuccess(compiler string, version *semver.Version, elapsed time.Duration) {
	for _, r := range m {
		r.CompilerSuccess(compiler, version, elapsed)
	}
}

func (m Multi) CompilerFailure(compiler string, version *semver.Version, err error) {
	for _, r := range m {
		Failure(r, compiler, version, err)
	}
}
