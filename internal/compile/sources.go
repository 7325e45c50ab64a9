package compile

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// VersionGroup is the set of sources of one language compiled together with
// one compiler version and one settings profile.
type VersionGroup struct {
	Language compilers.Language
	Version  *semver.Version
	Sources  types.Sources
	Profile  string
	Settings compilers.Settings
}

// VersionedSources is language -> groups, in resolver order.
type VersionedSources map[compilers.Language][]*VersionGroup

// Partition regroups the resolver output. It does no filtering and no I/O.
func Partition(resolved *graph.Resolved) VersionedSources {
	out := make(VersionedSources, len(resolved.Sources))
	for lang, groups := range resolved.Sources {
		for _, g := range groups {
			out[lang] = append(out[lang], &VersionGroup{
				Language: lang,
				Version:  g.Version,
				Sources:  g.Sources,
				Profile:  g.Profile,
				Settings: g.Settings,
			})
		}
	}
	return out
}

// Languages returns the languages in sorted order.
func (vs VersionedSources) Languages() []compilers.Language {
	langs := make([]compilers.Language, 0, len(vs))
	for l := range vs {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// Groups returns every group, ordered by language and then resolver order.
func (vs VersionedSources) Groups() []*VersionGroup {
	var out []*VersionGroup
	for _, l := range vs.Languages() {
		out = append(out, vs[l]...)
	}
	return out
}

// Len returns the number of groups.
func (vs VersionedSources) Len() int {
	n := 0
	for _, groups := range vs {
		n += len(groups)
	}
	return n
}

// ============================================================================
// CompilerSources
// ============================================================================

// Filterer is the part of the cache the dirty filter drives.
type Filterer interface {
	RemoveDirtySources()
	Filter(sources types.Sources, version *semver.Version, profile string)
}

// CompilerSources is the partitioned input of one run.
type CompilerSources struct {
	Sources VersionedSources
	// Jobs is the worker count of the engine; 1 or less runs sequentially.
	Jobs int
}

// NewCompilerSources partitions resolved and decides the scheduling mode.
func NewCompilerSources(resolved *graph.Resolved, jobs int) *CompilerSources {
	sources := Partition(resolved)
	return &CompilerSources{
		Sources: sources,
		Jobs:    parallelism(jobs, sources.Len()),
	}
}

// parallelism enables the pool only when there is more than one group and
// more than one job slot. A single group always compiles in one invocation.
func parallelism(jobs, groups int) int {
	if jobs > 1 && groups > 1 {
		return jobs
	}
	return 1
}

// Parallel reports whether jobs run on the worker pool.
func (cs *CompilerSources) Parallel() bool {
	return cs.Jobs > 1
}

// SlashPaths normalises the path keys of every group.
func (cs *CompilerSources) SlashPaths() {
	for _, g := range cs.Sources.Groups() {
		g.Sources = g.Sources.SlashPaths()
	}
}

// Filter resets the dirty bookkeeping of c and narrows every group to the
// sources that must be sent to the compiler.
func (cs *CompilerSources) Filter(c Filterer) {
	c.RemoveDirtySources()
	for _, g := range cs.Sources.Groups() {
		c.Filter(g.Sources, g.Version, g.Profile)
		log.Debug("filtered group", "language", g.Language, "version", g.Version,
			"profile", g.Profile, "dirty", g.Sources.DirtyCount(), "sources", len(g.Sources))
	}
}

// DirtyFiles returns the sorted union of dirty files over all groups.
func (cs *CompilerSources) DirtyFiles() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range cs.Sources.Groups() {
		for _, f := range g.Sources.DirtyFiles() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
