package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

func sparseFixture() (types.Sources, *graph.Edges) {
	clean := types.NewSource("clean")
	clean.Kind = types.Optimized
	sources := types.Sources{
		"/p/src/A.sol":      types.NewSource("a"),
		"/p/src/B.sol":      clean,
		"/p/src/C.sol":      types.NewSource("c"),
		"/p/test/T.t.sol":   types.NewSource("t"),
		"/p/src/lib/L.sol":  types.NewSource("l"),
		"/p/src/lib/LL.sol": types.NewSource("ll"),
	}
	edges := graph.NewEdges()
	edges.AddImport("/p/src/A.sol", "/p/src/B.sol")
	edges.AddImport("/p/src/A.sol", "/p/src/lib/L.sol")
	edges.AddImport("/p/src/lib/L.sol", "/p/src/lib/LL.sol")
	return sources, edges
}

func TestSparseDisabledSelectsEveryDirtyFile(t *testing.T) {
	sources, edges := sparseFixture()
	settings := compilers.Settings{OutputSelection: compilers.NewOutputSelection()}

	got := SparseOutputFilter{}.SparseSources(sources, &settings, edges)
	assert.Equal(t, sources.DirtyFiles(), got)
	assert.NotContains(t, got, "/p/src/B.sol")

	sel := settings.OutputSelection
	assert.NotContains(t, sel, "*")
	assert.Equal(t, compilers.EmptyFileSelection(), sel["/p/src/B.sol"])
	assert.Equal(t, compilers.NewOutputSelection()["*"], sel["/p/src/A.sol"])
	assert.Len(t, sel, len(sources))
}

func TestSparsePullsInDirtyImports(t *testing.T) {
	sources, edges := sparseFixture()
	settings := compilers.Settings{OutputSelection: compilers.NewOutputSelection()}
	filter := NewSparseOutputFilter("/p", []string{"src/A.sol"})
	require.True(t, filter.Enabled())

	got := filter.SparseSources(sources, &settings, edges)
	assert.Equal(t, []string{"/p/src/A.sol", "/p/src/lib/L.sol", "/p/src/lib/LL.sol"}, got)
	assert.Equal(t, compilers.EmptyFileSelection(), settings.OutputSelection["/p/src/C.sol"])
	assert.Equal(t, compilers.EmptyFileSelection(), settings.OutputSelection["/p/test/T.t.sol"])
}

func TestSparseNeverSelectsCleanFiles(t *testing.T) {
	sources, edges := sparseFixture()
	settings := compilers.Settings{}
	filter := SparseFunc(func(string) bool { return true })

	got := filter.SparseSources(sources, &settings, edges)
	for _, f := range got {
		assert.True(t, sources[f].IsDirty(), f)
	}
	assert.Equal(t, compilers.EmptyFileSelection(), settings.OutputSelection["/p/src/B.sol"])
}

func TestSparseKeepsConfiguredDefaultSelection(t *testing.T) {
	sources, edges := sparseFixture()
	custom := compilers.OutputSelection{"*": {"*": {"abi"}}}
	settings := compilers.Settings{OutputSelection: custom}

	SparseOutputFilter{}.SparseSources(sources, &settings, edges)
	assert.Equal(t, map[string][]string{"*": {"abi"}}, settings.OutputSelection["/p/src/A.sol"])
	assert.Contains(t, custom, "*", "caller selection must not be mutated")

	settings.OutputSelection["/p/src/A.sol"]["*"][0] = "x"
	assert.Equal(t, "abi", custom["*"]["*"][0])
}

func TestSparseNoMatchSelectsNothing(t *testing.T) {
	sources, edges := sparseFixture()
	settings := compilers.Settings{}
	filter := NewSparseOutputFilter("/p", []string{"script/**"})

	assert.Empty(t, filter.SparseSources(sources, &settings, edges))
	for file, sel := range settings.OutputSelection {
		assert.Equal(t, compilers.EmptyFileSelection(), sel, file)
	}
}
