// ============================================================================
// forgec cache - incremental build cache
// ============================================================================
//
// Package: internal/cache
// File: cache.go
// Purpose: Decides which sources must be recompiled and which artifacts of a
//          previous run can be reused, then records the new state.
//
// A source is dirty when:
//   - it has no cache entry or cannot be read
//   - its content hash changed
//   - it (transitively) imports a dirty source
//   - its settings profile changed in a way that affects output
//
// A source needs full output (Complete) when, for the version and profile of
// the group being filtered, it is dirty or any of its artifacts are missing.
// Clean sources imported by a Complete source are sent to the compiler as
// Optimized so imports resolve; every other source is dropped from the group.
//
// Lifecycle (one run):
//   1. New(project, edges)   load cache file, cached artifacts, build infos
//   2. RemoveDirtySources()  purge dirty entries, once
//   3. Filter(...)           per (version, profile) group
//   4. CompilerSeen(file)    from the execution engine, concurrently
//   5. Consume(...)          reuse decision + optional write
//
// With project.Cached off the cache is ephemeral: Filter keeps everything,
// nothing is read or written and Consume returns no cached artifacts.
//
// ============================================================================

package cache

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/ahrtr/gocontainer/set"

	"github.com/foundry-rs/foundry-sub026/internal/artifacts"
	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

var log = slog.Default()

// ErrConsumed means Consume was already called on this cache.
var ErrConsumed = errors.New("cache already consumed")

// ArtifactsCache is the per-run view of the build cache. It is safe for
// concurrent use.
type ArtifactsCache struct {
	mu       sync.Mutex
	project  *config.Project
	edges    *graph.Edges
	cached   bool
	consumed bool

	store *Store
	file  *File

	cachedArtifacts artifacts.Artifacts
	artifactPaths   set.Interface
	cachedBuilds    map[string]*buildinfo.BuildInfo

	// dirty holds files purged from the cache; dirtyList keeps them in insertion order.
	dirty     set.Interface
	dirtyList []string
	// inScope is file -> versions the file was filtered with in this run.
	inScope map[string]map[string]bool
}

// New loads the cache for project. A cache is never read when edges has
// unresolved imports, so a broken graph cannot produce false cache hits.
func New(project *config.Project, edges *graph.Edges) *ArtifactsCache {
	c := &ArtifactsCache{
		project:         project,
		edges:           edges,
		cached:          project.Cached,
		cachedArtifacts: make(artifacts.Artifacts),
		artifactPaths:   set.New(),
		cachedBuilds:    make(map[string]*buildinfo.BuildInfo),
		dirty:           set.New(),
		inScope:         make(map[string]map[string]bool),
	}
	if !c.cached {
		log.Debug("no cache configured, ephemeral")
		return c
	}

	invalidate := len(edges.UnresolvedImports()) > 0
	if invalidate {
		log.Debug("unresolved imports, ignoring existing cache", "files", len(edges.UnresolvedImports()))
	}
	c.store = NewStore(project.Paths.CacheFile)
	c.file = c.load(invalidate)
	c.file.RemoveMissingFiles()

	if st, err := os.Stat(project.Paths.Artifacts); err == nil && st.IsDir() {
		arts, err := c.readArtifacts()
		if err != nil {
			log.Debug("failed to read cached artifacts, starting empty", "error", err)
			arts = make(artifacts.Artifacts)
		}
		c.cachedArtifacts = arts
	}

	builds, err := c.readBuilds()
	if err != nil {
		log.Debug("failed to read cached build infos, starting empty", "error", err)
		builds = make(map[string]*buildinfo.BuildInfo)
	}
	c.cachedBuilds = builds

	// artifacts whose build info is gone cannot be reused
	kept := make(artifacts.Artifacts)
	for _, f := range c.cachedArtifacts.List() {
		if _, ok := c.cachedBuilds[f.BuildID]; ok {
			kept.Add(f)
			c.artifactPaths.Add(f.File)
		}
	}
	c.cachedArtifacts = kept
	log.Debug("loaded cache", "entries", len(c.file.Files), "artifacts", kept.Len(), "builds", len(builds))
	return c
}

func (c *ArtifactsCache) relPaths() Paths {
	p := c.project.Paths
	rel := func(x string) string { return types.StripPrefix(x, p.Root) }
	libs := make([]string, 0, len(p.Libraries))
	for _, l := range p.Libraries {
		libs = append(libs, rel(l))
	}
	return Paths{
		Artifacts:  rel(p.Artifacts),
		BuildInfos: rel(p.BuildInfos),
		Sources:    rel(p.Sources),
		Tests:      rel(p.Tests),
		Scripts:    rel(p.Scripts),
		Libraries:  libs,
	}
}

func (c *ArtifactsCache) load(invalidate bool) *File {
	paths := c.relPaths()
	if !invalidate && c.store.Exists() {
		f, err := c.store.Load()
		switch {
		case err != nil:
			log.Warn("ignoring unusable cache file", "path", c.store.Path(), "error", err)
		case !f.Paths.equal(paths):
			log.Debug("project paths changed, ignoring cache")
		default:
			return f.JoinEntries(c.project.Paths.Root).JoinArtifactsFiles(c.project.Paths.Artifacts)
		}
	}
	return NewFile(paths)
}

func (p Paths) equal(o Paths) bool {
	if p.Artifacts != o.Artifacts || p.BuildInfos != o.BuildInfos || p.Sources != o.Sources ||
		p.Tests != o.Tests || p.Scripts != o.Scripts || len(p.Libraries) != len(o.Libraries) {
		return false
	}
	for i := range p.Libraries {
		if p.Libraries[i] != o.Libraries[i] {
			return false
		}
	}
	return true
}

func (c *ArtifactsCache) readArtifacts() (artifacts.Artifacts, error) {
	out := make(artifacts.Artifacts)
	for file, e := range c.file.Files {
		for name, byVersion := range e.Artifacts {
			for v, byProfile := range byVersion {
				version, err := semver.NewVersion(v)
				if err != nil {
					return nil, err
				}
				for profile, ref := range byProfile {
					a, err := artifacts.Read(ref.Path)
					if errors.Is(err, artifacts.ErrArtifactNotFound) {
						// reported as missing by Filter
						continue
					}
					if err != nil {
						return nil, err
					}
					out.Add(artifacts.ArtifactFile{
						Artifact: a,
						Source:   file,
						Name:     name,
						File:     ref.Path,
						Version:  version,
						BuildID:  ref.BuildID,
						Profile:  profile,
					})
				}
			}
		}
	}
	return out, nil
}

func (c *ArtifactsCache) readBuilds() (map[string]*buildinfo.BuildInfo, error) {
	out := make(map[string]*buildinfo.BuildInfo, len(c.file.Builds))
	for _, id := range c.file.Builds {
		bi, err := buildinfo.Read(buildinfo.Path(c.project.Paths.BuildInfos, id))
		if err != nil {
			return nil, err
		}
		out[id] = bi
	}
	return out, nil
}

// ============================================================================
// Dirty detection
// ============================================================================

// RemoveDirtySources finds every dirty cache entry and removes it.
func (c *ArtifactsCache) RemoveDirtySources() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cached {
		return
	}

	c.removeDirtyProfiles()

	files := make([]string, 0, len(c.file.Files))
	for f := range c.file.Files {
		files = append(files, f)
	}
	sort.Strings(files)

	importers := map[string][]string{}
	addEdge := func(file, dep string) { importers[dep] = append(importers[dep], file) }
	for _, file := range files {
		for _, imp := range c.file.Files[file].Imports {
			addEdge(file, types.JoinRoot(c.project.Paths.Root, imp))
		}
	}
	for _, file := range c.edges.Files() {
		for _, dep := range c.edges.Imports(file) {
			addEdge(file, dep)
		}
	}

	for _, file := range files {
		src, err := types.ReadSource(file)
		if err != nil {
			c.markDirty(file)
			continue
		}
		if src.ContentHash() != c.file.Files[file].ContentHash {
			log.Debug("content hash changed", "file", file)
			c.markDirty(file)
		}
	}

	// propagate to direct and indirect importers
	var visit func(file string)
	visit = func(file string) {
		for _, imp := range importers[file] {
			if !c.dirty.Contains(imp) {
				c.markDirty(imp)
				visit(imp)
			}
		}
	}
	for _, file := range append([]string(nil), c.dirtyList...) {
		visit(file)
	}

	for _, file := range c.dirtyList {
		if _, ok := c.file.Files[file]; ok {
			log.Debug("removing dirty file from cache", "file", file)
			delete(c.file.Files, file)
		}
	}
}

func (c *ArtifactsCache) markDirty(file string) {
	if c.dirty.Contains(file) {
		return
	}
	c.dirty.Add(file)
	c.dirtyList = append(c.dirtyList, file)
}

// removeDirtyProfiles drops artifacts built with settings that no longer match
// and records the current profiles.
func (c *ArtifactsCache) removeDirtyProfiles() {
	existing := c.project.ProfileSettings()

	dirtyProfiles := map[string]bool{}
	for name, cached := range c.file.Profiles {
		cur, ok := existing[name]
		if !ok || !cur.CanUseCached(cached) {
			log.Debug("dirty profile", "profile", name)
			dirtyProfiles[name] = true
		}
	}
	for name := range dirtyProfiles {
		delete(c.file.Profiles, name)
	}

	if len(dirtyProfiles) > 0 {
		for file, e := range c.file.Files {
			// entries that never had artifacts are kept
			if len(e.Artifacts) == 0 {
				continue
			}
			for name, byVersion := range e.Artifacts {
				for v, byProfile := range byVersion {
					for p := range byProfile {
						if dirtyProfiles[p] {
							delete(byProfile, p)
						}
					}
					if len(byProfile) == 0 {
						delete(byVersion, v)
					}
				}
				if len(byVersion) == 0 {
					delete(e.Artifacts, name)
				}
			}
			if len(e.Artifacts) == 0 {
				delete(c.file.Files, file)
			}
		}
	}

	for name, s := range existing {
		if _, ok := c.file.Profiles[name]; !ok {
			c.file.Profiles[name] = s
		}
	}
}

// ============================================================================
// Filtering
// ============================================================================

// Filter marks every source of a (version, profile) group Complete or
// Optimized and deletes the sources that need no compilation. Sources are
// replaced by copies so groups sharing a source do not affect each other.
func (c *ArtifactsCache) Filter(sources types.Sources, version *semver.Version, profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cached {
		return
	}

	complete := set.New()
	var completeList []string
	for _, file := range sources.Paths() {
		c.markInScope(file, version)
		if c.isMissingArtifacts(file, version, profile) {
			complete.Add(file)
			completeList = append(completeList, file)
		}
		if _, ok := c.file.Files[file]; !ok {
			c.createEntry(file, sources[file])
		}
	}

	optimized := set.New()
	for _, file := range completeList {
		for _, imp := range c.edges.AllImports(file) {
			if !complete.Contains(imp) {
				optimized.Add(imp)
			}
		}
	}

	for file, src := range sources {
		cp := *src
		switch {
		case complete.Contains(file):
			cp.Kind = types.Complete
		case optimized.Contains(file):
			cp.Kind = types.Optimized
		default:
			delete(sources, file)
			continue
		}
		sources[file] = &cp
	}
	log.Debug("filtered sources", "version", version, "profile", profile,
		"complete", complete.Size(), "optimized", optimized.Size())
}

func (c *ArtifactsCache) markInScope(file string, version *semver.Version) {
	if c.inScope[file] == nil {
		c.inScope[file] = make(map[string]bool)
	}
	c.inScope[file][version.String()] = true
}

func (c *ArtifactsCache) isMissingArtifacts(file string, version *semver.Version, profile string) bool {
	e, ok := c.file.Files[file]
	if !ok {
		return true
	}
	// a file that only re-exports or declares nothing yields no artifacts
	if e.SeenByCompiler && len(e.Artifacts) == 0 {
		return false
	}
	if !e.Contains(version, profile) {
		return true
	}
	for _, ref := range e.ArtifactsForVersion(version) {
		if !c.artifactPaths.Contains(ref.Path) {
			log.Debug("missing artifact", "path", ref.Path)
			return true
		}
	}
	return false
}

func (c *ArtifactsCache) createEntry(file string, src *types.Source) {
	root := c.project.Paths.Root
	deps := c.edges.Imports(file)
	imports := make([]string, 0, len(deps))
	for _, imp := range deps {
		imports = append(imports, types.StripPrefix(imp, root))
	}
	var modified int64
	if st, err := os.Stat(file); err == nil {
		modified = st.ModTime().UnixMilli()
	}
	c.file.Files[file] = &Entry{
		LastModificationDate: modified,
		ContentHash:          src.ContentHash(),
		SourceName:           types.StripPrefix(file, root),
		Imports:              imports,
		VersionRequirement:   c.edges.VersionRequirement(file),
		Artifacts:            make(map[string]map[string]map[string]ArtifactRef),
	}
}

// CompilerSeen marks the entry of file as compiled at least once.
func (c *ArtifactsCache) CompilerSeen(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cached {
		return
	}
	if e, ok := c.file.Files[file]; ok {
		e.SeenByCompiler = true
	}
}

// ============================================================================
// Consume
// ============================================================================

// Consume merges the artifacts written in this run into the cache and returns
// the cached artifacts that are still valid, together with the cached builds.
//
// A cached artifact is reused only when its file was in scope for its version,
// the file is not dirty and no artifact for the same (file, contract, version)
// was written in this run. With persist the cache file is rewritten.
func (c *ArtifactsCache) Consume(written artifacts.Artifacts, builds []*buildinfo.BuildInfo, persist bool) (artifacts.Artifacts, map[string]*buildinfo.BuildInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return nil, nil, ErrConsumed
	}
	c.consumed = true
	if !c.cached {
		return make(artifacts.Artifacts), make(map[string]*buildinfo.BuildInfo), nil
	}

	kept := make(artifacts.Artifacts)
	for _, f := range c.cachedArtifacts.List() {
		if !c.inScope[f.Source][f.Version.String()] {
			continue
		}
		if c.dirty.Contains(f.Source) {
			continue
		}
		if written.Find(f.Source, f.Name, f.Version) != nil {
			continue
		}
		kept.Add(f)
	}

	for _, f := range written.List() {
		e, ok := c.file.Files[f.Source]
		if !ok {
			continue
		}
		v := f.Version.String()
		if e.Artifacts[f.Name] == nil {
			e.Artifacts[f.Name] = make(map[string]map[string]ArtifactRef)
		}
		if e.Artifacts[f.Name][v] == nil {
			e.Artifacts[f.Name][v] = make(map[string]ArtifactRef)
		}
		e.Artifacts[f.Name][v][f.Profile] = ArtifactRef{Path: f.File, BuildID: f.BuildID}
	}

	for _, b := range builds {
		c.file.AddBuild(b.ID)
	}

	if persist {
		root, dir := c.project.Paths.Root, c.project.Paths.Artifacts
		c.file.RemoveOutdatedBuilds(c.project.Paths.BuildInfos)
		c.file.StripEntriesPrefix(root).StripArtifactFilesPrefixes(dir)
		err := c.store.Write(c.file)
		c.file.JoinEntries(root).JoinArtifactsFiles(dir)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("wrote cache", "path", c.store.Path(), "entries", len(c.file.Files))
	}
	return kept, c.cachedBuilds, nil
}

// ============================================================================
// Queries
// ============================================================================

// IsCached reports whether the cache reads and writes a cache file.
func (c *ArtifactsCache) IsCached() bool {
	return c.cached
}

// Edges returns the import graph the cache was created with.
func (c *ArtifactsCache) Edges() *graph.Edges {
	return c.edges
}

// DirtyFiles returns the files purged by RemoveDirtySources, sorted.
func (c *ArtifactsCache) DirtyFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.dirtyList...)
	sort.Strings(out)
	return out
}

// Entry returns a copy of the cache entry for file.
func (c *ArtifactsCache) Entry(file string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cached {
		return Entry{}, false
	}
	e, ok := c.file.Files[file]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// OutputContext returns the artifact paths owned by the remaining cache entries.
func (c *ArtifactsCache) OutputContext() *artifacts.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := artifacts.NewContext()
	if !c.cached {
		return ctx
	}
	for file, e := range c.file.Files {
		for name, byVersion := range e.Artifacts {
			for v, byProfile := range byVersion {
				for profile, ref := range byProfile {
					ctx.Add(file, name, v, profile, ref.Path)
				}
			}
		}
	}
	return ctx
}
