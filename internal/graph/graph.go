// ============================================================================
// forgec graph - import graph and version resolution
// ============================================================================
//
// Package: internal/graph
// File: graph.go
// Purpose: Builds the import graph of a project, picks a compiler version for
//          every source file and groups files into (language, version,
//          profile) sets for the compile pipeline.
//
// Parsing:
//   Only what resolution needs is parsed, with regular expressions:
//     import "a.sol";  import "a.sol" as A;  import {X} from "a.sol";
//     pragma solidity ^0.8.0;   # pragma version ^0.3.10 (vyper)
//
// Version selection:
//   For every file, every available version satisfying the pragmas of the
//   file and all of its transitive imports is a candidate; the highest one
//   wins. A file with no candidate is a resolution error.
//
// Grouping:
//   A file and its whole import closure are placed into the group of the
//   file's version and profile, so an imported file may appear in several
//   groups (once per distinct importer version/profile).
//
// ============================================================================

package graph

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// ErrResolution means the graph could not assign versions to every source.
var ErrResolution = errors.New("dependency graph resolution failed")

var (
	importRe       = regexp.MustCompile(`(?m)^\s*import\s+(?:[^;]*?\s+from\s+)?["']([^"']+)["'][^;]*;`)
	solPragmaRe    = regexp.MustCompile(`(?m)^\s*pragma\s+solidity\s+([^;]+);`)
	vyPragmaRe     = regexp.MustCompile(`(?m)^\s*#\s*(?:pragma\s+version|@version)\s+(.+)$`)
	comparatorRe   = regexp.MustCompile(`(>=|<=|>|<|=|\^|~)?\s*v?\d+(?:\.(?:\d+|[xX*]))?(?:\.(?:\d+|[xX*]))?`)
	sourceSuffixes = []string{".sol", ".vy", ".vyi"}
)

// ============================================================================
// Edges
// ============================================================================

// Edges is the resolved import graph. All paths are absolute and slashed.
type Edges struct {
	imports      map[string][]string
	importers    map[string][]string
	unresolved   map[string][]string
	versionReqs  map[string]string
	includePaths []string
}

// NewEdges creates an empty graph.
func NewEdges() *Edges {
	return &Edges{
		imports:     make(map[string][]string),
		importers:   make(map[string][]string),
		unresolved:  make(map[string][]string),
		versionReqs: make(map[string]string),
	}
}

// AddImport records that file imports dep.
func (e *Edges) AddImport(file, dep string) {
	for _, d := range e.imports[file] {
		if d == dep {
			return
		}
	}
	e.imports[file] = append(e.imports[file], dep)
	e.importers[dep] = append(e.importers[dep], file)
	sort.Strings(e.imports[file])
	sort.Strings(e.importers[dep])
}

// Imports returns the direct imports of file.
func (e *Edges) Imports(file string) []string {
	return e.imports[file]
}

// Importers returns the files that directly import file.
func (e *Edges) Importers(file string) []string {
	return e.importers[file]
}

// AllImports returns the transitive imports of file, sorted, excluding file itself.
func (e *Edges) AllImports(file string) []string {
	seen := map[string]bool{file: true}
	stack := append([]string(nil), e.imports[file]...)
	var out []string
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		stack = append(stack, e.imports[f]...)
	}
	sort.Strings(out)
	return out
}

// VersionRequirement returns the raw pragma of file, or "".
func (e *Edges) VersionRequirement(file string) string {
	return e.versionReqs[file]
}

// UnresolvedImports returns file -> import strings that could not be found.
func (e *Edges) UnresolvedImports() map[string][]string {
	return e.unresolved
}

// IncludePaths returns the library directories that were used to resolve imports.
func (e *Edges) IncludePaths() []string {
	return e.includePaths
}

// Files returns all files known to the graph.
func (e *Edges) Files() []string {
	seen := map[string]bool{}
	for f := range e.versionReqs {
		seen[f] = true
	}
	for f, deps := range e.imports {
		seen[f] = true
		for _, d := range deps {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Resolution result
// ============================================================================

// Group is one (version, sources, profile) tuple for a language.
type Group struct {
	Version  *semver.Version
	Sources  types.Sources
	Profile  string
	Settings compilers.Settings
}

// Resolved is the output of Resolve.
type Resolved struct {
	Sources map[compilers.Language][]Group
	Edges   *Edges
	// PrimaryProfiles maps each input file to the profile that owns it.
	PrimaryProfiles map[string]string
}

// Profile is a named settings bundle applied to files matching any of its globs.
type Profile struct {
	Name     string
	Settings compilers.Settings
	Match    []string
}

// Options configures resolution.
type Options struct {
	Root       string
	Libraries  []string // library roots searched for non-relative imports
	Remappings []string // prefix=target
	// Versions lists the available compiler versions per language.
	Versions map[compilers.Language][]*semver.Version
	// Profiles are tried in order; the default profile is used when none matches.
	Profiles       []Profile
	DefaultProfile Profile
	// ReadFile reads sources that are imported but not part of the input set.
	ReadFile func(path string) (*types.Source, error)
}

// ============================================================================
// Reading sources
// ============================================================================

// IsSourceFile reports whether path has a compilable extension.
func IsSourceFile(p string) bool {
	for _, s := range sourceSuffixes {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}

// ReadSources reads every source file under dirs. Missing dirs are skipped.
func ReadSources(dirs ...string) (types.Sources, error) {
	sources := make(types.Sources)
	for _, dir := range dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsSourceFile(p) {
				return nil
			}
			src, err := types.ReadSource(p)
			if err != nil {
				return err
			}
			sources[types.SlashPath(p)] = src
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read sources in %s: %w", dir, err)
		}
	}
	return sources, nil
}

// ============================================================================
// Resolve
// ============================================================================

// Resolve builds the graph for sources and assigns versions and profiles.
func Resolve(sources types.Sources, opts Options) (*Resolved, error) {
	if opts.ReadFile == nil {
		opts.ReadFile = types.ReadSource
	}
	if opts.DefaultProfile.Name == "" {
		opts.DefaultProfile.Name = "default"
	}

	all := sources.SlashPaths()
	edges := NewEdges()
	seenLib := map[string]bool{}

	queue := all.Paths()
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]
		src := all[file]

		edges.versionReqs[file] = parsePragma(file, src.Content)

		for _, imp := range ParseImports(src.Content) {
			resolved, libDir, ok := resolveImport(file, imp, opts)
			if !ok {
				edges.unresolved[file] = append(edges.unresolved[file], imp)
				continue
			}
			if libDir != "" && !seenLib[libDir] {
				seenLib[libDir] = true
				edges.includePaths = append(edges.includePaths, libDir)
			}
			edges.AddImport(file, resolved)
			if _, known := all[resolved]; !known {
				dep, err := opts.ReadFile(resolved)
				if err != nil {
					return nil, fmt.Errorf("%w: read %s imported by %s: %v", ErrResolution, resolved, file, err)
				}
				all[resolved] = dep
				queue = append(queue, resolved)
			}
		}
	}
	sort.Strings(edges.includePaths)

	versions := make(map[string]*semver.Version, len(all))
	for _, file := range all.Paths() {
		v, err := pickVersion(file, edges, opts)
		if err != nil {
			return nil, err
		}
		versions[file] = v
	}

	type key struct {
		lang    compilers.Language
		version string
		profile string
	}
	groups := map[key]*Group{}
	primary := make(map[string]string, len(sources))

	// only input files own groups; imported library files ride along with their importers
	for _, file := range sources.SlashPaths().Paths() {
		lang, _ := compilers.LanguageForFile(file)
		p := profileFor(file, opts)
		primary[file] = p.Name

		k := key{lang, versions[file].String(), p.Name}
		g, ok := groups[k]
		if !ok {
			g = &Group{Version: versions[file], Sources: make(types.Sources), Profile: p.Name, Settings: p.Settings.Clone()}
			groups[k] = g
		}
		g.Sources[file] = all[file]
		for _, dep := range edges.AllImports(file) {
			g.Sources[dep] = all[dep]
		}
	}

	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].lang != keys[j].lang {
			return keys[i].lang < keys[j].lang
		}
		vi, vj := groups[keys[i]].Version, groups[keys[j]].Version
		if !vi.Equal(vj) {
			return vi.LessThan(vj)
		}
		return keys[i].profile < keys[j].profile
	})

	out := &Resolved{
		Sources:         make(map[compilers.Language][]Group),
		Edges:           edges,
		PrimaryProfiles: primary,
	}
	for _, k := range keys {
		out.Sources[k.lang] = append(out.Sources[k.lang], *groups[k])
	}
	return out, nil
}

// ParseImports returns the import paths of a Solidity source in declaration order.
func ParseImports(content string) []string {
	var out []string
	for _, m := range importRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	return out
}

func parsePragma(file, content string) string {
	re := solPragmaRe
	if lang, _ := compilers.LanguageForFile(file); lang == compilers.Vyper {
		re = vyPragmaRe
	}
	if m := re.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ParseConstraint converts a pragma such as ">=0.7.0 <0.9.0 || ^0.6.2" into a semver constraint.
func ParseConstraint(pragma string) (*semver.Constraints, error) {
	var ors []string
	for _, part := range strings.Split(pragma, "||") {
		cmps := comparatorRe.FindAllString(part, -1)
		if len(cmps) == 0 {
			return nil, fmt.Errorf("invalid version requirement %q", pragma)
		}
		for i, c := range cmps {
			cmps[i] = strings.ReplaceAll(c, " ", "")
		}
		ors = append(ors, strings.Join(cmps, ", "))
	}
	return semver.NewConstraint(strings.Join(ors, " || "))
}

func pickVersion(file string, edges *Edges, opts Options) (*semver.Version, error) {
	lang, ok := compilers.LanguageForFile(file)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown language", ErrResolution, file)
	}
	available := append([]*semver.Version(nil), opts.Versions[lang]...)
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no %s compiler versions available for %s", ErrResolution, lang, file)
	}

	closure := append([]string{file}, edges.AllImports(file)...)
	var constraints []*semver.Constraints
	for _, f := range closure {
		req := edges.VersionRequirement(f)
		if req == "" {
			continue
		}
		c, err := ParseConstraint(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrResolution, f, err)
		}
		constraints = append(constraints, c)
	}

	sort.Sort(sort.Reverse(semver.Collection(available)))
	for _, v := range available {
		ok := true
		for _, c := range constraints {
			if !c.Check(v) {
				ok = false
				break
			}
		}
		if ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: no available %s version satisfies the requirements of %s and its imports", ErrResolution, lang, file)
}

func profileFor(file string, opts Options) Profile {
	rel := types.StripPrefix(file, opts.Root)
	for _, p := range opts.Profiles {
		for _, glob := range p.Match {
			if MatchGlob(glob, rel) {
				return p
			}
		}
	}
	return opts.DefaultProfile
}

// MatchGlob matches a root relative slash path against a glob. A trailing "/**"
// matches everything below a directory and a leading "**/" matches any depth.
func MatchGlob(glob, rel string) bool {
	switch {
	case strings.HasSuffix(glob, "/**"):
		prefix := strings.TrimSuffix(glob, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	case strings.HasPrefix(glob, "**/"):
		suffix := strings.TrimPrefix(glob, "**/")
		parts := strings.Split(rel, "/")
		for i := range parts {
			if ok, _ := path.Match(suffix, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
		return false
	default:
		ok, _ := path.Match(glob, rel)
		return ok
	}
}

func resolveImport(file, imp string, opts Options) (resolved, libDir string, ok bool) {
	root := types.SlashPath(opts.Root)
	exists := func(p string) bool {
		st, err := os.Stat(p)
		return err == nil && !st.IsDir()
	}

	if strings.HasPrefix(imp, "./") || strings.HasPrefix(imp, "../") {
		p := path.Join(path.Dir(file), imp)
		return p, "", exists(p)
	}

	// longest remapping prefix wins
	best, target := "", ""
	for _, r := range opts.Remappings {
		from, to, found := strings.Cut(r, "=")
		if !found {
			continue
		}
		if strings.HasPrefix(imp, from) && len(from) > len(best) {
			best, target = from, to
		}
	}
	if best != "" {
		p := types.JoinRoot(root, target+strings.TrimPrefix(imp, best))
		return p, "", exists(p)
	}

	if p := types.JoinRoot(root, imp); exists(p) {
		return p, "", true
	}
	for _, lib := range opts.Libraries {
		lib = types.JoinRoot(root, lib)
		if p := path.Join(lib, imp); exists(p) {
			return p, lib, true
		}
	}
	return "", "", false
}
