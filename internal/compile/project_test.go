package compile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/cache"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/compilers/fake"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

type testProject struct {
	t        *testing.T
	project  *config.Project
	compiler *fake.Compiler
}

func newTestProject(t *testing.T, files map[string]string, configure ...func(*config.Config)) *testProject {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Jobs = 1
	for _, fn := range configure {
		fn(cfg)
	}
	require.NoError(t, cfg.Validate())
	project, err := cfg.Project()
	require.NoError(t, err)

	p := &testProject{t: t, project: project, compiler: fake.New("0.7.6", "0.8.19")}
	for name, content := range files {
		p.write(name, content)
	}
	return p
}

func (p *testProject) path(name string) string {
	return types.JoinRoot(p.project.Paths.Root, name)
}

func (p *testProject) write(name, content string) {
	p.t.Helper()
	file := p.path(name)
	require.NoError(p.t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(p.t, os.WriteFile(file, []byte(content), 0o644))
}

func (p *testProject) projectCompiler() *ProjectCompiler {
	p.t.Helper()
	pc, err := New(p.project, p.compiler)
	require.NoError(p.t, err)
	return pc
}

func (p *testProject) compile(opts ...Option) (*ProjectCompileOutput, *recorder) {
	p.t.Helper()
	rec := &recorder{}
	pc, err := New(p.project, p.compiler, append([]Option{WithReporter(rec)}, opts...)...)
	require.NoError(p.t, err)
	out, err := pc.Compile(context.Background())
	require.NoError(p.t, err)
	return out, rec
}

// recorder is a Reporter remembering every event.
type recorder struct {
	mu        sync.Mutex
	spawns    []spawn
	successes int
	failures  int
}

type spawn struct {
	version string
	dirty   []string
}

func (r *recorder) CompilerSpawn(_ string, v *semver.Version, dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns = append(r.spawns, spawn{version: v.String(), dirty: append([]string(nil), dirty...)})
}

func (r *recorder) CompilerSuccess(string, *semver.Version, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recorder) CompilerFailure(string, *semver.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *recorder) dirty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.spawns {
		out = append(out, s.dirty...)
	}
	sort.Strings(out)
	return out
}

var importPair = map[string]string{
	"src/A.sol": "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A {}\n",
	"src/B.sol": "pragma solidity ^0.8.0;\ncontract B {}\n",
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

func TestScenarioFirstAndUnchangedRun(t *testing.T) {
	p := newTestProject(t, importPair)

	out, rec := p.compile()
	require.Len(t, rec.spawns, 1)
	assert.Equal(t, []string{p.path("src/A.sol"), p.path("src/B.sol")}, rec.spawns[0].dirty)
	assert.Equal(t, 2, out.Compiled.Len())
	assert.Equal(t, 0, out.Cached.Len())
	assert.True(t, out.Succeeded())
	for _, a := range out.Artifacts() {
		assert.FileExists(t, a.File)
	}
	assert.FileExists(t, p.project.Paths.CacheFile)

	p.compiler.Reset()
	out, rec = p.compile()
	assert.Empty(t, rec.spawns)
	assert.Empty(t, p.compiler.Calls())
	assert.True(t, out.IsUnchanged())
	assert.Equal(t, 0, out.Compiled.Len())
	assert.Equal(t, 2, out.Cached.Len())
	assert.Len(t, out.Builds, 1)
}

func TestScenarioEditImporterOnly(t *testing.T) {
	p := newTestProject(t, importPair)
	p.compile()

	p.write("src/A.sol", "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A {\n    function run() public {}\n}\n")
	p.compiler.Reset()
	out, rec := p.compile()

	require.Len(t, rec.spawns, 1)
	assert.Equal(t, []string{p.path("src/A.sol")}, rec.spawns[0].dirty)
	assert.Equal(t, 1, out.Compiled.Len())
	assert.Equal(t, 1, out.Cached.Len())
	assert.Equal(t, 2, out.ArtifactCount())
	assert.NotNil(t, out.Compiled.FindFirst("A"))
	assert.NotNil(t, out.Cached.FindFirst("B"))

	// B is sent along so the import resolves, with nothing requested for it
	calls := p.compiler.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Sources, "src/B.sol")
	assert.Equal(t, compilers.EmptyFileSelection(), calls[0].Settings.OutputSelection["src/B.sol"])
}

func TestEditImporterSendsTransitiveImports(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/A.sol": "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A {}\n",
		"src/B.sol": "pragma solidity ^0.8.0;\nimport \"./C.sol\";\ncontract B {}\n",
		"src/C.sol": "pragma solidity ^0.8.0;\ncontract C {}\n",
	})
	p.compile()

	p.write("src/A.sol", "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A { uint y; }\n")
	p.compiler.Reset()
	out, rec := p.compile()

	require.Len(t, rec.spawns, 1)
	assert.Equal(t, []string{p.path("src/A.sol")}, rec.spawns[0].dirty)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, out.Compiled.Len())
	assert.Equal(t, 2, out.Cached.Len())

	calls := p.compiler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"src/A.sol", "src/B.sol", "src/C.sol"}, calls[0].Sources.Paths())
	assert.Equal(t, compilers.EmptyFileSelection(), calls[0].Settings.OutputSelection["src/C.sol"])
}

func TestScenarioCompileErrorSkipsOnlyFailingBucket(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/A.sol":   "pragma solidity ^0.8.0;\n// @error 2314 expected semicolon\ncontract A {}\n",
		"src/Old.sol": "pragma solidity 0.7.6;\ncontract Old {}\n",
	})

	out, _ := p.compile()
	assert.True(t, out.HasCompilerErrors())
	assert.False(t, out.Succeeded())
	require.Len(t, out.Output.Errors, 1)
	assert.Equal(t, "2314", out.Output.Errors[0].ErrorCode)
	assert.Equal(t, p.path("src/A.sol"), out.Output.Errors[0].SourceLocation.File)

	assert.Nil(t, out.FindFirst("A"))
	old := out.FindFirst("Old")
	require.NotNil(t, old)
	assert.FileExists(t, old.File)
	assert.NoFileExists(t, p.project.Paths.CacheFile, "cache is only persisted for clean builds")
}

func TestFailingBucketWithContractsIsNotWritten(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/A.sol":   "pragma solidity ^0.8.0;\n// @warning 5667 unused parameter\ncontract A {}\n",
		"src/Old.sol": "pragma solidity 0.7.6;\ncontract Old {}\n",
	}, func(c *config.Config) { c.Deny = "warning" })

	out, _ := p.compile()
	assert.True(t, out.HasCompilerErrors())
	assert.NotEmpty(t, out.Output.Contracts[p.path("src/A.sol")], "the compiler produced A")
	assert.Nil(t, out.Compiled.FindFirst("A"))
	assert.NotNil(t, out.Compiled.FindFirst("Old"))
}

// ============================================================================
// Incremental properties
// ============================================================================

func TestEditImportDirtiesImporters(t *testing.T) {
	files := map[string]string{
		"src/C.sol": "pragma solidity ^0.8.0;\ncontract C {}\n",
	}
	for k, v := range importPair {
		files[k] = v
	}
	p := newTestProject(t, files)
	p.compile()

	p.write("src/B.sol", "pragma solidity ^0.8.0;\ncontract B {\n    function b() public {}\n}\n")
	out, rec := p.compile()
	assert.Equal(t, []string{p.path("src/A.sol"), p.path("src/B.sol")}, rec.dirty())
	assert.Equal(t, 2, out.Compiled.Len())
	assert.NotNil(t, out.Cached.FindFirst("C"))
}

func TestNoFileCompiledTwiceForSameVersionAndProfile(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/Shared.sol": "pragma solidity >=0.7.0;\ncontract Shared {}\n",
		"src/A.sol":      "pragma solidity ^0.8.0;\nimport \"./Shared.sol\";\ncontract A {}\n",
		"src/Old.sol":    "pragma solidity 0.7.6;\nimport \"./Shared.sol\";\ncontract Old {}\n",
		"src/Other.sol":  "pragma solidity ^0.8.0;\ncontract Other {}\n",
	})
	_, rec := p.compile()

	seen := map[string]bool{}
	for _, s := range rec.spawns {
		for _, f := range s.dirty {
			key := s.version + " " + f
			assert.False(t, seen[key], "%s compiled twice", key)
			seen[key] = true
		}
	}
	// Shared is needed by both versions, every other file by one
	assert.True(t, seen["0.7.6 "+p.path("src/Shared.sol")])
	assert.True(t, seen["0.8.19 "+p.path("src/Shared.sol")])
	assert.Len(t, seen, 5)
}

func TestSchedulingDoesNotChangeOutput(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/A.sol":     "pragma solidity ^0.8.0;\nimport \"./B.sol\";\n// @warning 2072 unused local\ncontract A {}\n",
		"src/B.sol":     "pragma solidity ^0.8.0;\ncontract B {\n    function f(uint a) public {}\n}\n",
		"src/Old.sol":   "pragma solidity 0.7.6;\ncontract Old {}\n",
		"src/opt/O.sol": "pragma solidity ^0.8.0;\ncontract O {}\n",
	}, func(c *config.Config) {
		c.Profiles = []config.ProfileConfig{{Name: "heavy", Optimizer: true, OptimizerRuns: 10000, Match: []string{"src/opt/**"}}}
	})

	pre, err := p.projectCompiler().Preprocess()
	require.NoError(t, err)
	jobs := pre.sources.BuildJobs(p.project, pre.run.edges, pre.run.sparse)
	require.Len(t, jobs, 3)

	reversed := append([]Job(nil), jobs...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	p.compiler.Delay = 5 * time.Millisecond
	seqResults, err := NewEngine(p.compiler, nil, nil, 1).Run(context.Background(), jobs)
	require.NoError(t, err)
	parResults, err := NewEngine(p.compiler, nil, nil, 3).Run(context.Background(), reversed)
	require.NoError(t, err)

	seq, err := aggregate(seqResults, p.project)
	require.NoError(t, err)
	par, err := aggregate(parResults, p.project)
	require.NoError(t, err)
	assert.Equal(t, seq, par)
	assert.Equal(t, 4, seq.ContractCount())
}

func TestSparseFilterKeepsDirtySet(t *testing.T) {
	p := newTestProject(t, importPair)

	plain, err := p.projectCompiler().Preprocess()
	require.NoError(t, err)

	pc, err := New(p.project, p.compiler, WithSparse(NewSparseOutputFilter(p.project.Paths.Root, []string{"src/B.sol"})))
	require.NoError(t, err)
	sparse, err := pc.Preprocess()
	require.NoError(t, err)

	assert.Equal(t, plain.sources.DirtyFiles(), sparse.sources.DirtyFiles())

	full := plain.sources.BuildJobs(p.project, plain.run.edges, plain.run.sparse)
	narrow := sparse.sources.BuildJobs(p.project, sparse.run.edges, sparse.run.sparse)
	require.Len(t, full, 1)
	require.Len(t, narrow, 1)
	assert.Equal(t, []string{p.path("src/A.sol"), p.path("src/B.sol")}, full[0].ActuallyDirty)
	assert.Equal(t, []string{p.path("src/B.sol")}, narrow[0].ActuallyDirty)
}

func TestSparseSkippedFilesCompileLater(t *testing.T) {
	p := newTestProject(t, importPair)

	none := SparseFunc(func(string) bool { return false })
	out, rec := p.compile(WithSparse(none))
	assert.Empty(t, rec.spawns)
	assert.Equal(t, 0, out.ArtifactCount())

	out, rec = p.compile()
	require.Len(t, rec.spawns, 1)
	assert.Len(t, rec.spawns[0].dirty, 2)
	assert.Equal(t, 2, out.Compiled.Len())
}

// ============================================================================
// Modes and failures
// ============================================================================

func TestNoArtifactsComputesButWritesNothing(t *testing.T) {
	p := newTestProject(t, importPair, func(c *config.Config) { c.NoArtifacts = true })

	out, _ := p.compile()
	require.Equal(t, 2, out.Compiled.Len())
	for _, a := range out.Artifacts() {
		assert.NoFileExists(t, a.File)
	}
	assert.NoFileExists(t, p.project.Paths.CacheFile)
	assert.NoDirExists(t, p.project.Paths.BuildInfos)
}

func TestEphemeralProjectRecompilesEverything(t *testing.T) {
	p := newTestProject(t, importPair, func(c *config.Config) { c.Cache = false })
	p.compile()
	_, rec := p.compile()
	require.Len(t, rec.spawns, 1)
	assert.Len(t, rec.spawns[0].dirty, 2)
}

func TestInvocationErrorAbortsRun(t *testing.T) {
	for _, jobs := range []int{1, 4} {
		p := newTestProject(t, map[string]string{
			"src/A.sol":   "pragma solidity ^0.8.0;\ncontract A {}\n",
			"src/Old.sol": "pragma solidity 0.7.6;\ncontract Old {}\n",
		}, func(c *config.Config) { c.Jobs = jobs })
		boom := errors.New("solc crashed")
		p.compiler.Fail = func(in *compilers.Input) error {
			if in.Version.Minor() == 7 {
				return boom
			}
			return nil
		}

		rec := &recorder{}
		pc, err := New(p.project, p.compiler, WithReporter(rec))
		require.NoError(t, err)
		assert.Equal(t, jobs > 1, pc.Sources().Parallel())

		_, err = pc.Compile(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, compilers.ErrInvocation)
		var pe *PhaseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, PhaseCompile, pe.Phase)
		assert.GreaterOrEqual(t, rec.failures, 1)
		assert.NoFileExists(t, p.project.Paths.CacheFile)
	}
}

func TestResolutionErrorBeforePreprocess(t *testing.T) {
	p := newTestProject(t, map[string]string{
		"src/Future.sol": "pragma solidity ^0.9.0;\ncontract Future {}\n",
	})
	_, err := New(p.project, p.compiler)
	assert.ErrorIs(t, err, graph.ErrResolution)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseResolve, pe.Phase)
	assert.Empty(t, p.compiler.Calls())
}

func TestStatesAreConsumed(t *testing.T) {
	p := newTestProject(t, importPair)
	pc := p.projectCompiler()
	pre, err := pc.Preprocess()
	require.NoError(t, err)
	_, err = pc.Preprocess()
	assert.ErrorIs(t, err, ErrStateConsumed)

	compiled, err := pre.Compile(context.Background())
	require.NoError(t, err)
	_, err = pre.Compile(context.Background())
	assert.ErrorIs(t, err, ErrStateConsumed)

	written, err := compiled.WriteArtifacts()
	require.NoError(t, err)
	_, err = compiled.WriteArtifacts()
	assert.ErrorIs(t, err, ErrStateConsumed)

	_, err = written.WriteCache()
	require.NoError(t, err)
	_, err = written.WriteCache()
	assert.ErrorIs(t, err, ErrStateConsumed)
}

func TestWithNilCompiler(t *testing.T) {
	p := newTestProject(t, importPair)
	_, err := New(p.project, nil)
	assert.ErrorIs(t, err, ErrNoCompiler)
}

// ============================================================================
// Phases in isolation
// ============================================================================

func TestWriteArtifactsFromConstructedState(t *testing.T) {
	p := newTestProject(t, nil)
	file := p.path("src/X.sol")
	v := semver.MustParse("0.8.19")

	out := NewAggregatedOutput()
	out.Contracts[file] = map[string][]Contract{
		"X": {{Contract: compilers.Contract{ABI: []byte(`[]`)}, Version: v, Profile: config.DefaultProfile, BuildID: "b1"}},
	}
	state := &CompiledState{
		run:    &run{project: p.project, log: log},
		output: out,
		cache:  cache.New(p.project, graph.NewEdges()),
	}

	written, err := state.WriteArtifacts()
	require.NoError(t, err)
	a := written.compiled.FindFirst("X")
	require.NotNil(t, a)
	assert.FileExists(t, a.File)
	assert.Equal(t, p.path("out/X.sol/X.json"), a.File)
}

func TestWriteCacheFromConstructedState(t *testing.T) {
	p := newTestProject(t, nil, func(c *config.Config) { c.Cache = false })
	state := &ArtifactsState{
		run:      &run{project: p.project, log: log},
		output:   NewAggregatedOutput(),
		cache:    cache.New(p.project, graph.NewEdges()),
		compiled: nil,
	}
	out, err := state.WriteCache()
	require.NoError(t, err)
	assert.True(t, out.IsUnchanged())
	assert.Equal(t, 0, out.ArtifactCount())
}
