// ============================================================================
// forgec compile - project compile state machine
// ============================================================================
//
// Package: internal/compile
// File: project.go
// Purpose: Drives one compile run of a project from resolved sources to the
//          final output, coordinating cache, compiler and artifact writer.
//
// States (linear, every transition consumes its state):
//
//   ProjectCompiler --Preprocess()--> PreprocessedState
//                   --Compile()-----> CompiledState
//                   --WriteArtifacts()> ArtifactsState
//                   --WriteCache()--> ProjectCompileOutput
//
// Preprocess:
//   slash all paths, load the cache, reset its dirty bookkeeping and narrow
//   every version group to the sources that need compiling
//
// Compile:
//   build one job per non-empty group, run the jobs, fold every result into
//   one AggregatedOutput and join the project root back onto its paths
//
// WriteArtifacts:
//   no_artifacts         compute artifacts, write nothing
//   failing diagnostics  write artifacts of the buckets without failures
//   otherwise            write all artifacts and build infos
//
// WriteCache:
//   hand artifacts and build infos to the cache, persisting only when
//   artifacts were written without failures; merge with cached results
//
// Every state can be constructed directly, so each phase is testable alone.
//
// ============================================================================

package compile

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/foundry-rs/foundry-sub026/internal/artifacts"
	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/cache"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/internal/metrics"
	"github.com/foundry-rs/foundry-sub026/internal/report"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Run context
// ============================================================================

// run is the read-only context shared by every state of one compile run.
type run struct {
	project  *config.Project
	compiler compilers.Compiler
	reporter report.Reporter
	sparse   SparseOutputFilter
	edges    *graph.Edges
	metrics  *metrics.Collector
	id       string
	log      *slog.Logger
}

func (r *run) filter() DiagnosticFilter {
	return DiagnosticFilter{
		IgnoredCodes: r.project.IgnoredErrorCodes,
		IgnoredPaths: r.project.IgnoredFilePaths,
		Severity:     r.project.CompilerSeverityFilter,
	}
}

func (r *run) handler() *artifacts.Handler {
	return artifacts.New(r.project.Paths.Root, r.project.Paths.Artifacts)
}

// Option configures a ProjectCompiler.
type Option func(*ProjectCompiler)

// WithReporter sets the sink for compiler events.
func WithReporter(r report.Reporter) Option {
	return func(pc *ProjectCompiler) { pc.run.reporter = r }
}

// WithSparse replaces the sparse filter built from the project globs.
func WithSparse(f SparseOutputFilter) Option {
	return func(pc *ProjectCompiler) { pc.run.sparse = f }
}

// WithMetrics records run level gauges in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(pc *ProjectCompiler) { pc.run.metrics = c }
}

// WithRunID sets the id attached to every log line of the run.
func WithRunID(id string) Option {
	return func(pc *ProjectCompiler) { pc.run.id = id }
}

// ============================================================================
// ProjectCompiler
// ============================================================================

// ProjectCompiler compiles one project once.
type ProjectCompiler struct {
	run      *run
	sources  *CompilerSources
	consumed bool
}

// New reads every input file of project and resolves it.
func New(project *config.Project, compiler compilers.Compiler, opts ...Option) (*ProjectCompiler, error) {
	sources, err := graph.ReadSources(project.Paths.InputDirs()...)
	if err != nil {
		return nil, wrap(PhaseResolve, err)
	}
	return WithSources(project, compiler, sources, opts...)
}

// WithSources resolves an explicit set of sources instead of the input dirs.
func WithSources(project *config.Project, compiler compilers.Compiler, sources types.Sources, opts ...Option) (*ProjectCompiler, error) {
	if compiler == nil {
		return nil, ErrNoCompiler
	}
	versions := map[compilers.Language][]*semver.Version{
		compilers.Solidity: compiler.Available(compilers.Solidity),
		compilers.Vyper:    compiler.Available(compilers.Vyper),
	}
	resolved, err := graph.Resolve(sources, project.GraphOptions(versions))
	if err != nil {
		return nil, wrap(PhaseResolve, err)
	}

	pc := &ProjectCompiler{
		run: &run{
			project:  project,
			compiler: compiler,
			reporter: report.Noop{},
			sparse:   NewSparseOutputFilter(project.Paths.Root, project.Sparse),
			edges:    resolved.Edges,
		},
		sources: NewCompilerSources(resolved, project.Jobs),
	}
	for _, opt := range opts {
		opt(pc)
	}
	if pc.run.reporter == nil {
		pc.run.reporter = report.Noop{}
	}
	if pc.run.id == "" {
		pc.run.id = uuid.NewString()
	}
	pc.run.log = log.With("run", pc.run.id)
	return pc, nil
}

// RunID returns the id of this run.
func (pc *ProjectCompiler) RunID() string {
	return pc.run.id
}

// Sources returns the partitioned sources. They are narrowed by Preprocess.
func (pc *ProjectCompiler) Sources() *CompilerSources {
	return pc.sources
}

// Compile runs all four phases.
func (pc *ProjectCompiler) Compile(ctx context.Context) (*ProjectCompileOutput, error) {
	start := time.Now()
	l := pc.run.log
	l.Info("compile started", "groups", pc.sources.Sources.Len(), "parallel", pc.sources.Parallel())

	pre, err := pc.Preprocess()
	if err != nil {
		return nil, err
	}
	compiled, err := pre.Compile(ctx)
	if err != nil {
		return nil, err
	}
	written, err := compiled.WriteArtifacts()
	if err != nil {
		return nil, err
	}
	out, err := written.WriteCache()
	if err != nil {
		return nil, err
	}
	if pc.run.project.SlashPaths {
		out.SlashPaths()
	}

	elapsed := time.Since(start)
	if pc.run.metrics != nil {
		pc.run.metrics.SetCachedArtifacts(out.Cached.Len())
		pc.run.metrics.SetRunDuration(elapsed.Seconds())
	}
	l.Info("compile finished",
		"compiled", out.Compiled.Len(),
		"cached", out.Cached.Len(),
		"diagnostics", len(out.Output.Errors),
		"elapsed", elapsed)
	return out, nil
}

// Preprocess loads the cache and narrows every group to its dirty sources.
func (pc *ProjectCompiler) Preprocess() (*PreprocessedState, error) {
	if pc.consumed {
		return nil, ErrStateConsumed
	}
	pc.consumed = true

	pc.sources.SlashPaths()
	c := cache.New(pc.run.project, pc.run.edges)
	pc.sources.Filter(c)
	pc.run.log.Debug("preprocessed", "dirty", len(pc.sources.DirtyFiles()), "cached", c.IsCached())

	return &PreprocessedState{run: pc.run, sources: pc.sources, cache: c}, nil
}

// ============================================================================
// PreprocessedState
// ============================================================================

// PreprocessedState holds filtered sources and the loaded cache.
type PreprocessedState struct {
	run      *run
	sources  *CompilerSources
	cache    *cache.ArtifactsCache
	consumed bool
}

// Compile runs every job and aggregates the results.
func (s *PreprocessedState) Compile(ctx context.Context) (*CompiledState, error) {
	if s.consumed {
		return nil, ErrStateConsumed
	}
	s.consumed = true

	r := s.run
	jobs := s.sources.BuildJobs(r.project, r.edges, r.sparse)
	r.log.Debug("built jobs", "jobs", len(jobs))

	engine := NewEngine(r.compiler, r.reporter, s.cache, s.sources.Jobs)
	results, err := engine.Run(ctx, jobs)
	if err != nil {
		return nil, wrap(PhaseCompile, err)
	}

	output, err := aggregate(results, r.project)
	if err != nil {
		return nil, wrap(PhaseCompile, err)
	}
	output.JoinAll(r.project.Paths.Root)

	return &CompiledState{run: r, output: output, cache: s.cache}, nil
}

// aggregate folds results into one output. Each result is trimmed to the
// files its job owns and the project root is joined back onto its paths.
func aggregate(results []JobResult, project *config.Project) (*AggregatedOutput, error) {
	root := project.Paths.Root
	out := NewAggregatedOutput()
	for _, res := range results {
		info, err := buildinfo.New(res.Input, res.Output, project.BuildInfo)
		if err != nil {
			return nil, err
		}

		own := make([]string, 0, len(res.ActuallyDirty))
		for _, f := range res.ActuallyDirty {
			own = append(own, types.StripPrefix(f, root))
		}
		trimmed := copyOutput(res.Output)
		trimmed.RetainFiles(own)
		trimmed.JoinAll(root)

		out.Extend(res.Input.Version, info, res.Profile, trimmed)
	}
	out.Sort()
	return out, nil
}

// copyOutput copies the maps RetainFiles and JoinAll rewrite, so a build info
// embedding the raw output is left untouched.
func copyOutput(o *compilers.Output) *compilers.Output {
	return &compilers.Output{
		Errors:    append([]compilers.Diagnostic(nil), o.Errors...),
		Sources:   maps.Clone(o.Sources),
		Contracts: maps.Clone(o.Contracts),
	}
}

// ============================================================================
// CompiledState
// ============================================================================

// CompiledState holds the aggregated output of all jobs.
type CompiledState struct {
	run      *run
	output   *AggregatedOutput
	cache    *cache.ArtifactsCache
	consumed bool
}

// Output returns the aggregated output.
func (s *CompiledState) Output() *AggregatedOutput {
	return s.output
}

// WriteArtifacts turns the output into artifacts, writing them unless
// disabled. Buckets with failing diagnostics never produce artifacts.
func (s *CompiledState) WriteArtifacts() (*ArtifactsState, error) {
	if s.consumed {
		return nil, ErrStateConsumed
	}
	s.consumed = true

	r := s.run
	handler := r.handler()
	ctx := s.cache.OutputContext()
	filter := r.filter()

	var (
		written artifacts.Artifacts
		err     error
	)
	switch {
	case r.project.NoArtifacts:
		r.log.Debug("skip writing artifacts, disabled")
		written = handler.OutputToArtifacts(s.output.artifactContracts(nil), ctx)
	case s.output.HasError(filter):
		failed := s.output.failedBuckets(filter)
		r.log.Debug("skip writing artifacts of failing buckets", "buckets", len(failed))
		written, err = handler.OnOutput(s.output.artifactContracts(failed), ctx)
		if err == nil {
			err = s.writeBuildInfos(failed)
		}
	default:
		written, err = handler.OnOutput(s.output.artifactContracts(nil), ctx)
		if err == nil {
			err = s.writeBuildInfos(nil)
		}
	}
	if err != nil {
		return nil, wrap(PhaseWriteArtifacts, err)
	}
	return &ArtifactsState{run: r, output: s.output, cache: s.cache, compiled: written}, nil
}

func (s *CompiledState) writeBuildInfos(exclude map[bucket]bool) error {
	dir := s.run.project.Paths.BuildInfos
	if len(exclude) == 0 {
		return s.output.WriteBuildInfos(dir)
	}
	failedIDs := map[string]bool{}
	for _, d := range s.output.Errors {
		if exclude[bucket{versionString(d.Version), d.Profile}] {
			failedIDs[d.BuildID] = true
		}
	}
	for _, bi := range s.output.BuildInfos {
		if failedIDs[bi.ID] {
			continue
		}
		if err := bi.Write(dir); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// ArtifactsState
// ============================================================================

// ArtifactsState holds the artifacts produced by this run.
type ArtifactsState struct {
	run      *run
	output   *AggregatedOutput
	cache    *cache.ArtifactsCache
	compiled artifacts.Artifacts
	consumed bool
}

// WriteCache updates the cache and assembles the final output.
func (s *ArtifactsState) WriteCache() (*ProjectCompileOutput, error) {
	if s.consumed {
		return nil, ErrStateConsumed
	}
	s.consumed = true

	r := s.run
	filter := r.filter()
	skip := r.project.NoArtifacts || s.output.HasError(filter)

	cached, cachedBuilds, err := s.cache.Consume(s.compiled, s.output.BuildInfos, !skip)
	if err != nil {
		return nil, wrap(PhaseWriteCache, err)
	}
	if err := r.handler().HandleCachedArtifacts(cached); err != nil {
		return nil, wrap(PhaseWriteCache, err)
	}

	root := r.project.Paths.Root
	builds := make(map[string]*buildinfo.BuildInfo, len(cachedBuilds)+len(s.output.BuildInfos))
	for id, bi := range cachedBuilds {
		builds[id] = joinedBuild(bi, root)
	}
	for _, bi := range s.output.BuildInfos {
		builds[bi.ID] = joinedBuild(bi, root)
	}

	return &ProjectCompileOutput{
		Output:   s.output,
		Compiled: s.compiled,
		Cached:   cached,
		Builds:   builds,
		filter:   filter,
	}, nil
}

func joinedBuild(bi *buildinfo.BuildInfo, root string) *buildinfo.BuildInfo {
	cp := *bi
	cp.Context.SourceIDToPath = maps.Clone(bi.Context.SourceIDToPath)
	cp.JoinPaths(root)
	return &cp
}

// ============================================================================
// ProjectCompileOutput
// ============================================================================

// ProjectCompileOutput is the result of a compile run.
type ProjectCompileOutput struct {
	// Output is what the compiler produced in this run.
	Output *AggregatedOutput
	// Compiled are the artifacts of this run, Cached those reused from the cache.
	Compiled artifacts.Artifacts
	Cached   artifacts.Artifacts
	// Builds is every build info backing an artifact, by id, with absolute paths.
	Builds map[string]*buildinfo.BuildInfo

	filter DiagnosticFilter
}

// Artifacts returns compiled and cached artifacts, sorted.
func (o *ProjectCompileOutput) Artifacts() []artifacts.ArtifactFile {
	return o.Compiled.Merge(o.Cached).List()
}

// ArtifactCount returns the number of compiled and cached artifacts.
func (o *ProjectCompileOutput) ArtifactCount() int {
	return o.Compiled.Len() + o.Cached.Len()
}

// FindFirst returns the first artifact called name, preferring compiled ones.
func (o *ProjectCompileOutput) FindFirst(name string) *artifacts.ArtifactFile {
	if a := o.Compiled.FindFirst(name); a != nil {
		return a
	}
	return o.Cached.FindFirst(name)
}

// IsUnchanged reports whether nothing was compiled.
func (o *ProjectCompileOutput) IsUnchanged() bool {
	return o.Output.IsUnchanged()
}

// HasCompilerErrors reports whether a diagnostic fails the build.
func (o *ProjectCompileOutput) HasCompilerErrors() bool {
	return o.Output.HasError(o.filter)
}

// HasCompilerWarnings reports whether a warning survives the ignore filters.
func (o *ProjectCompileOutput) HasCompilerWarnings() bool {
	return o.Output.HasWarning(o.filter)
}

// Succeeded reports whether the run produced no failing diagnostics.
func (o *ProjectCompileOutput) Succeeded() bool {
	return !o.HasCompilerErrors()
}

// WriteDiagnostics prints the diagnostics not silenced by the project filters.
func (o *ProjectCompileOutput) WriteDiagnostics(w io.Writer) error {
	return o.Output.WriteDiagnostics(w, o.filter)
}

// SlashPaths normalises every path of the output.
func (o *ProjectCompileOutput) SlashPaths() {
	o.Output.SlashPaths()
	o.Compiled = o.Compiled.SlashPaths()
	o.Cached = o.Cached.SlashPaths()
}
