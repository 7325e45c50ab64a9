package cache

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/artifacts"
	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	t       *testing.T
	root    string
	project *config.Project
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	project, err := cfg.Project()
	require.NoError(t, err)
	f := &fixture{t: t, root: project.Paths.Root, project: project}
	for name, content := range files {
		f.write(name, content)
	}
	return f
}

func (f *fixture) path(name string) string {
	return types.JoinRoot(f.root, name)
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	p := f.path(name)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(f.t, os.WriteFile(p, []byte(content), 0o644))
}

func (f *fixture) resolve() *graph.Resolved {
	f.t.Helper()
	sources, err := graph.ReadSources(f.project.Paths.InputDirs()...)
	require.NoError(f.t, err)
	resolved, err := graph.Resolve(sources, f.project.GraphOptions(map[compilers.Language][]*semver.Version{
		compilers.Solidity: {semver.MustParse("0.8.19")},
	}))
	require.NoError(f.t, err)
	return resolved
}

// start performs the preprocess steps and returns the filtered groups.
func (f *fixture) start() (*ArtifactsCache, []graph.Group) {
	f.t.Helper()
	resolved := f.resolve()
	c := New(f.project, resolved.Edges)
	c.RemoveDirtySources()
	groups := resolved.Sources[compilers.Solidity]
	for i := range groups {
		groups[i].Sources = groups[i].Sources.Clone()
		c.Filter(groups[i].Sources, groups[i].Version, groups[i].Profile)
	}
	return c, groups
}

// finish plays the compiler: one contract per Complete file that declares one.
func (f *fixture) finish(c *ArtifactsCache, groups []graph.Group) (artifacts.Artifacts, artifacts.Artifacts) {
	f.t.Helper()
	var contracts []artifacts.Contract
	var builds []*buildinfo.BuildInfo
	for _, g := range groups {
		if len(g.Sources) == 0 {
			continue
		}
		in := compilers.NewInput(g.Sources, g.Settings, compilers.Solidity, g.Version)
		bi, err := buildinfo.New(in, &compilers.Output{}, false)
		require.NoError(f.t, err)
		require.NoError(f.t, bi.Write(f.project.Paths.BuildInfos))
		builds = append(builds, bi)

		for _, file := range g.Sources.DirtyFiles() {
			c.CompilerSeen(file)
			if !strings.Contains(g.Sources[file].Content, "contract") {
				continue
			}
			contracts = append(contracts, artifacts.Contract{
				File:     file,
				Name:     strings.TrimSuffix(path.Base(file), ".sol"),
				Version:  g.Version,
				BuildID:  bi.ID,
				Profile:  g.Profile,
				Contract: compilers.Contract{ABI: json.RawMessage(`[]`)},
			})
		}
	}
	written, err := artifacts.New(f.root, f.project.Paths.Artifacts).OnOutput(contracts, c.OutputContext())
	require.NoError(f.t, err)
	cached, _, err := c.Consume(written, builds, true)
	require.NoError(f.t, err)
	return written, cached
}

func kinds(g graph.Group) map[string]types.SourceKind {
	out := map[string]types.SourceKind{}
	for file, src := range g.Sources {
		out[path.Base(file)] = src.Kind
	}
	return out
}

var twoFiles = map[string]string{
	"src/A.sol": "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A {}",
	"src/B.sol": "pragma solidity ^0.8.0;\ncontract B {}",
}

// ============================================================================
// Incremental behaviour
// ============================================================================

func TestFirstRunCompilesEverything(t *testing.T) {
	f := newFixture(t, twoFiles)
	c, groups := f.start()
	require.Len(t, groups, 1)
	assert.Equal(t, map[string]types.SourceKind{"A.sol": types.Complete, "B.sol": types.Complete}, kinds(groups[0]))

	written, cached := f.finish(c, groups)
	assert.Equal(t, 2, written.Len())
	assert.Equal(t, 0, cached.Len())
	assert.FileExists(t, f.project.Paths.CacheFile)
}

func TestUnchangedRunReusesEverything(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())

	c, groups := f.start()
	assert.Empty(t, groups[0].Sources)
	assert.Empty(t, c.DirtyFiles())

	written, cached := f.finish(c, groups)
	assert.Equal(t, 0, written.Len())
	assert.Equal(t, 2, cached.Len())
}

func TestEditedImportDirtiesImporter(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())

	f.write("src/B.sol", "pragma solidity ^0.8.0;\ncontract B { uint x; }")
	c, groups := f.start()
	assert.Equal(t, []string{f.path("src/A.sol"), f.path("src/B.sol")}, c.DirtyFiles())
	assert.Equal(t, map[string]types.SourceKind{"A.sol": types.Complete, "B.sol": types.Complete}, kinds(groups[0]))
}

func TestEditedImporterKeepsImportOptimized(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())

	f.write("src/A.sol", "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A { uint y; }")
	c, groups := f.start()
	assert.Equal(t, []string{f.path("src/A.sol")}, c.DirtyFiles())
	assert.Equal(t, map[string]types.SourceKind{"A.sol": types.Complete, "B.sol": types.Optimized}, kinds(groups[0]))

	written, cached := f.finish(c, groups)
	assert.Equal(t, 1, written.Len())
	assert.Equal(t, 1, cached.Len())
	assert.Equal(t, "B", cached.List()[0].Name)
}

func TestEditedImporterKeepsWholeImportChain(t *testing.T) {
	f := newFixture(t, map[string]string{
		"src/A.sol": "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A {}",
		"src/B.sol": "pragma solidity ^0.8.0;\nimport \"./C.sol\";\ncontract B {}",
		"src/C.sol": "pragma solidity ^0.8.0;\ncontract C {}",
	})
	f.finish(f.start())

	f.write("src/A.sol", "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A { uint y; }")
	c, groups := f.start()
	assert.Equal(t, []string{f.path("src/A.sol")}, c.DirtyFiles())
	assert.Equal(t, map[string]types.SourceKind{
		"A.sol": types.Complete,
		"B.sol": types.Optimized,
		"C.sol": types.Optimized,
	}, kinds(groups[0]))
}

func TestDeletedArtifactIsRecompiled(t *testing.T) {
	f := newFixture(t, twoFiles)
	written, _ := f.finish(f.start())

	b := written.FindFirst("B")
	require.NotNil(t, b)
	require.NoError(t, os.Remove(b.File))

	_, groups := f.start()
	assert.Equal(t, map[string]types.SourceKind{"B.sol": types.Complete}, kinds(groups[0]))
}

func TestChangedProfileSettingsInvalidateArtifacts(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())

	f.project.DefaultProfile.Settings.Optimizer.Runs = 10_000
	_, groups := f.start()
	assert.Len(t, groups[0].Sources, 2)
	for _, src := range groups[0].Sources {
		assert.Equal(t, types.Complete, src.Kind)
	}
}

func TestSeenFileWithoutArtifactsIsNotRecompiled(t *testing.T) {
	f := newFixture(t, map[string]string{
		"src/Empty.sol": "pragma solidity ^0.8.0;\n",
	})
	written, _ := f.finish(f.start())
	assert.Equal(t, 0, written.Len())

	c, groups := f.start()
	assert.Empty(t, groups[0].Sources)
	e, ok := c.Entry(f.path("src/Empty.sol"))
	require.True(t, ok)
	assert.True(t, e.SeenByCompiler)
}

func TestUnresolvedImportsIgnoreExistingCache(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())

	f.write("src/C.sol", "pragma solidity ^0.8.0;\nimport \"missing/X.sol\";\ncontract C {}")
	_, groups := f.start()
	assert.Len(t, groups[0].Sources, 3)
	for _, src := range groups[0].Sources {
		assert.Equal(t, types.Complete, src.Kind)
	}
}

func TestFilterDoesNotLeakKindsAcrossGroups(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())
	f.write("src/A.sol", "pragma solidity ^0.8.0;\nimport \"./B.sol\";\ncontract A { uint y; }")

	resolved := f.resolve()
	group := resolved.Sources[compilers.Solidity][0].Sources
	b := group[f.path("src/B.sol")]

	c := New(f.project, resolved.Edges)
	c.RemoveDirtySources()
	c.Filter(group, semver.MustParse("0.8.19"), config.DefaultProfile)

	assert.Equal(t, types.Optimized, group[f.path("src/B.sol")].Kind)
	assert.Equal(t, types.Complete, b.Kind, "the shared source is left untouched")
}

// ============================================================================
// Ephemeral mode and consume rules
// ============================================================================

func TestEphemeralCache(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.project.Cached = false

	c, groups := f.start()
	assert.False(t, c.IsCached())
	assert.Len(t, groups[0].Sources, 2)

	_, cached := f.finish(c, groups)
	assert.Equal(t, 0, cached.Len())
	assert.NoFileExists(t, f.project.Paths.CacheFile)

	_, ok := c.Entry(f.path("src/A.sol"))
	assert.False(t, ok)
}

func TestConsumeTwice(t *testing.T) {
	f := newFixture(t, twoFiles)
	c, groups := f.start()
	f.finish(c, groups)
	_, _, err := c.Consume(nil, nil, false)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestConsumeWithoutPersistLeavesCacheFileAlone(t *testing.T) {
	f := newFixture(t, twoFiles)
	c, _ := f.start()
	_, _, err := c.Consume(make(artifacts.Artifacts), nil, false)
	require.NoError(t, err)
	assert.NoFileExists(t, f.project.Paths.CacheFile)
}

func TestOutdatedBuildsAreRemoved(t *testing.T) {
	f := newFixture(t, twoFiles)
	f.finish(f.start())
	first, err := buildinfo.ReadDir(f.project.Paths.BuildInfos)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// both files change, so the first build no longer backs any artifact
	f.write("src/B.sol", "pragma solidity ^0.8.0;\ncontract B { uint z; }")
	f.finish(f.start())

	all, err := buildinfo.ReadDir(f.project.Paths.BuildInfos)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEqual(t, first[0].ID, all[0].ID)
}
