package compile

import (
	"sort"

	"github.com/ahrtr/gocontainer/set"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// SparseOutputFilter decides which dirty files get full compiler output.
// The zero value selects every dirty file.
type SparseOutputFilter struct {
	match func(file string) bool
}

// NewSparseOutputFilter matches root relative paths against globs. No globs
// selects every file.
func NewSparseOutputFilter(root string, globs []string) SparseOutputFilter {
	if len(globs) == 0 {
		return SparseOutputFilter{}
	}
	patterns := append([]string(nil), globs...)
	return SparseOutputFilter{match: func(file string) bool {
		rel := types.StripPrefix(file, root)
		for _, g := range patterns {
			if graph.MatchGlob(g, rel) {
				return true
			}
		}
		return false
	}}
}

// SparseFunc wraps an arbitrary predicate.
func SparseFunc(match func(file string) bool) SparseOutputFilter {
	return SparseOutputFilter{match: match}
}

// Enabled reports whether the filter narrows anything.
func (f SparseOutputFilter) Enabled() bool {
	return f.match != nil
}

func (f SparseOutputFilter) matches(file string) bool {
	return f.match == nil || f.match(file)
}

// SparseSources returns the sorted files of sources that need full output and
// rewrites the output selection of settings accordingly: those files keep the
// default selection, every other file requests nothing.
//
// A selected file pulls in its dirty imports. Clean files are never selected,
// so the result is always a subset of sources.DirtyFiles().
func (f SparseOutputFilter) SparseSources(sources types.Sources, settings *compilers.Settings, edges *graph.Edges) []string {
	full := set.New()
	for _, file := range sources.DirtyFiles() {
		if !f.matches(file) {
			continue
		}
		full.Add(file)
		for _, imp := range edges.AllImports(file) {
			if src, ok := sources[imp]; ok && src.IsDirty() {
				full.Add(imp)
			}
		}
	}

	selection := settings.OutputSelection.Clone()
	if selection == nil {
		selection = compilers.NewOutputSelection()
	}
	def, ok := selection["*"]
	if !ok {
		def = compilers.NewOutputSelection()["*"]
	}
	delete(selection, "*")

	var out []string
	for _, file := range sources.Paths() {
		if full.Contains(file) {
			selection[file] = cloneFileSelection(def)
			out = append(out, file)
			continue
		}
		selection[file] = compilers.EmptyFileSelection()
	}
	settings.OutputSelection = selection
	log.Debug("optimized output selection", "full", len(out), "empty", len(sources)-len(out))
	sort.Strings(out)
	return out
}

func cloneFileSelection(sel map[string][]string) map[string][]string {
	out := make(map[string][]string, len(sel))
	for k, v := range sel {
		out[k] = append([]string(nil), v...)
	}
	return out
}
