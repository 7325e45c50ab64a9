package compile

import (
	"sort"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// Job is one compiler invocation.
type Job struct {
	Input   *compilers.Input
	Profile string
	// ActuallyDirty are the absolute paths whose output this job owns.
	ActuallyDirty []string
}

// JobResult is the output of one Job.
type JobResult struct {
	Input         *compilers.Input
	Output        *compilers.Output
	Profile       string
	ActuallyDirty []string
}

// includePaths merges the project include paths with the library roots found
// by the graph.
func includePaths(project *config.Project, edges *graph.Edges) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{project.IncludePaths, edges.IncludePaths()} {
		for _, p := range list {
			p = types.SlashPath(p)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// BuildJobs turns every group with work left into a Job. Groups with no
// sources, or whose sparse selection is empty, produce none.
func (cs *CompilerSources) BuildJobs(project *config.Project, edges *graph.Edges, sparse SparseOutputFilter) []Job {
	include := includePaths(project, edges)
	root := project.Paths.Root

	var jobs []Job
	for _, g := range cs.Sources.Groups() {
		if len(g.Sources) == 0 {
			log.Debug("skip empty group", "language", g.Language, "version", g.Version, "profile", g.Profile)
			continue
		}

		settings := g.Settings.Clone()
		dirty := sparse.SparseSources(g.Sources, &settings, edges)
		if len(dirty) == 0 {
			log.Debug("skip group, no files selected for output", "language", g.Language, "version", g.Version, "profile", g.Profile)
			continue
		}

		settings = settings.
			WithBasePath(root).
			WithAllowPaths(project.AllowedPaths).
			WithIncludePaths(include).
			WithRemappings(project.Remappings)

		input := compilers.NewInput(g.Sources, settings, g.Language, g.Version)
		input.StripPrefix(root)

		jobs = append(jobs, Job{
			Input:         input,
			Profile:       g.Profile,
			ActuallyDirty: dirty,
		})
	}
	return jobs
}
