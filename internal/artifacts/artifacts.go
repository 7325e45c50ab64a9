// ============================================================================
// forgec artifacts - artifact layout and writer
// ============================================================================
//
// Package: internal/artifacts
// File: artifacts.go
// Purpose: Turns compiled contracts into artifact files on disk and reads
//          them back for the cache.
//
// Layout:
//   <out>/<file name>/<Contract>.json
//   <out>/<file name>/<Contract>.<version>.json            several versions
//   <out>/<file name>/<Contract>.<version>.<profile>.json  several profiles
//   Files sharing a base name fall back to their root relative path as the
//   directory, e.g. <out>/src/a/Token.sol/Token.json.
//
//   Paths already recorded by the cache are reused for the same
//   (file, contract, version, profile) key and are never handed to a
//   different key.
//
// ============================================================================

package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

var log = slog.Default()

// ErrArtifactNotFound means an artifact file is missing on disk.
var ErrArtifactNotFound = errors.New("artifact not found")

// ============================================================================
// Types
// ============================================================================

// Artifact is the JSON document written for one contract.
type Artifact struct {
	ABI               json.RawMessage     `json:"abi,omitempty"`
	Bytecode          *compilers.Bytecode `json:"bytecode,omitempty"`
	DeployedBytecode  *compilers.Bytecode `json:"deployedBytecode,omitempty"`
	MethodIdentifiers map[string]string   `json:"methodIdentifiers,omitempty"`
	RawMetadata       string              `json:"rawMetadata,omitempty"`
	ID                int                 `json:"id"`
}

// FromContract converts compiler output into an artifact.
func FromContract(c compilers.Contract, sourceID int) *Artifact {
	a := &Artifact{ABI: c.ABI, RawMetadata: c.Metadata, ID: sourceID}
	if c.EVM != nil {
		a.Bytecode = c.EVM.Bytecode
		a.DeployedBytecode = c.EVM.DeployedBytecode
		a.MethodIdentifiers = c.EVM.MethodIdentifiers
	}
	return a
}

// ArtifactFile is an artifact together with where it lives and what built it.
type ArtifactFile struct {
	Artifact *Artifact
	Source   string
	Name     string
	File     string
	Version  *semver.Version
	BuildID  string
	Profile  string
}

// Artifacts maps source file -> contract name -> artifact files.
type Artifacts map[string]map[string][]ArtifactFile

// Add inserts f under its source and name.
func (a Artifacts) Add(f ArtifactFile) {
	if a[f.Source] == nil {
		a[f.Source] = make(map[string][]ArtifactFile)
	}
	a[f.Source][f.Name] = append(a[f.Source][f.Name], f)
}

// Find returns the artifact for (file, name, version), any profile.
func (a Artifacts) Find(file, name string, version *semver.Version) *ArtifactFile {
	for i, f := range a[file][name] {
		if f.Version.Equal(version) {
			return &a[file][name][i]
		}
	}
	return nil
}

// FindFirst returns the first artifact of a contract named name, in List order.
func (a Artifacts) FindFirst(name string) *ArtifactFile {
	for _, f := range a.List() {
		if f.Name == name {
			return &f
		}
	}
	return nil
}

// Len returns the number of artifact files.
func (a Artifacts) Len() int {
	n := 0
	for _, byName := range a {
		for _, files := range byName {
			n += len(files)
		}
	}
	return n
}

// List returns every artifact ordered by source, name, version and profile.
func (a Artifacts) List() []ArtifactFile {
	var out []ArtifactFile
	for _, byName := range a {
		for _, files := range byName {
			out = append(out, files...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		x, y := out[i], out[j]
		if x.Source != y.Source {
			return x.Source < y.Source
		}
		if x.Name != y.Name {
			return x.Name < y.Name
		}
		if !x.Version.Equal(y.Version) {
			return x.Version.LessThan(y.Version)
		}
		return x.Profile < y.Profile
	})
	return out
}

// Merge returns a new set holding the artifacts of a and other.
func (a Artifacts) Merge(other Artifacts) Artifacts {
	out := make(Artifacts)
	for _, f := range a.List() {
		out.Add(f)
	}
	for _, f := range other.List() {
		out.Add(f)
	}
	return out
}

// SlashPaths rewrites every source key and artifact path with '/' separators.
func (a Artifacts) SlashPaths() Artifacts {
	out := make(Artifacts)
	for _, f := range a.List() {
		f.Source = types.SlashPath(f.Source)
		f.File = types.SlashPath(f.File)
		out.Add(f)
	}
	return out
}

// ============================================================================
// Output context
// ============================================================================

type key struct {
	file, name, version, profile string
}

// Context holds the artifact paths already owned by cached builds.
type Context struct {
	existing map[key]string
	taken    map[string]key
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{existing: make(map[key]string), taken: make(map[string]key)}
}

// Add records that path belongs to (file, name, version, profile).
func (c *Context) Add(file, name, version, profile, p string) {
	k := key{file, name, version, profile}
	c.existing[k] = p
	c.taken[p] = k
}

// ============================================================================
// Handler
// ============================================================================

// Contract is one compiled contract handed to the writer.
type Contract struct {
	File     string
	Name     string
	Version  *semver.Version
	BuildID  string
	Profile  string
	SourceID int
	Contract compilers.Contract
}

// Handler computes and writes artifacts below Dir. Root is the project root.
type Handler struct {
	Root string
	Dir  string
}

// New creates a handler.
func New(root, dir string) *Handler {
	return &Handler{Root: types.SlashPath(root), Dir: types.SlashPath(dir)}
}

// OutputToArtifacts assigns a path to every contract without touching the disk.
func (h *Handler) OutputToArtifacts(contracts []Contract, ctx *Context) Artifacts {
	if ctx == nil {
		ctx = NewContext()
	}

	type fileName struct{ file, name string }
	versions := map[fileName]map[string]bool{}
	profiles := map[fileName]map[string]bool{}
	bases := map[string]map[string]bool{}
	for _, c := range contracts {
		fn := fileName{c.File, c.Name}
		if versions[fn] == nil {
			versions[fn] = map[string]bool{}
			profiles[fn] = map[string]bool{}
		}
		versions[fn][c.Version.String()] = true
		profiles[fn][c.Profile] = true
		b := path.Base(c.File)
		if bases[b] == nil {
			bases[b] = map[string]bool{}
		}
		bases[b][c.File] = true
	}

	sorted := append([]Contract(nil), contracts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		x, y := sorted[i], sorted[j]
		if x.File != y.File {
			return x.File < y.File
		}
		if x.Name != y.Name {
			return x.Name < y.Name
		}
		if !x.Version.Equal(y.Version) {
			return x.Version.LessThan(y.Version)
		}
		return x.Profile < y.Profile
	})

	out := make(Artifacts)
	for _, c := range sorted {
		fn := fileName{c.File, c.Name}
		k := key{c.File, c.Name, c.Version.String(), c.Profile}

		p, ok := ctx.existing[k]
		if !ok {
			dir := path.Base(c.File)
			if len(bases[dir]) > 1 {
				dir = types.StripPrefix(c.File, h.Root)
			}
			p = h.path(dir, c.Name, c.Version.String(), c.Profile, len(versions[fn]) > 1, len(profiles[fn]) > 1)
			if owner, taken := ctx.taken[p]; taken && owner != k {
				p = h.path(dir, c.Name, c.Version.String(), c.Profile, true, true)
			}
			ctx.Add(k.file, k.name, k.version, k.profile, p)
		}

		out.Add(ArtifactFile{
			Artifact: FromContract(c.Contract, c.SourceID),
			Source:   c.File,
			Name:     c.Name,
			File:     p,
			Version:  c.Version,
			BuildID:  c.BuildID,
			Profile:  c.Profile,
		})
	}
	return out
}

func (h *Handler) path(dir, name, version, profile string, withVersion, withProfile bool) string {
	file := name
	if withVersion {
		file += "." + version
	}
	if withProfile {
		file += "." + profile
	}
	return path.Join(h.Dir, dir, file+".json")
}

// OnOutput computes the artifacts and writes them to disk.
func (h *Handler) OnOutput(contracts []Contract, ctx *Context) (Artifacts, error) {
	arts := h.OutputToArtifacts(contracts, ctx)
	for _, f := range arts.List() {
		if err := Write(f.File, f.Artifact); err != nil {
			return nil, err
		}
	}
	log.Debug("wrote artifacts", "count", arts.Len(), "dir", h.Dir)
	return arts, nil
}

// HandleCachedArtifacts is called with the artifacts reused from the cache.
func (h *Handler) HandleCachedArtifacts(cached Artifacts) error {
	log.Debug("reusing cached artifacts", "count", cached.Len())
	return nil
}

// ============================================================================
// Disk access
// ============================================================================

// Write stores an artifact at p using a temp file and rename.
func Write(p string, a *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", p, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename artifact %s: %w", p, err)
	}
	return nil
}

// Read loads the artifact stored at p.
func Read(p string) (*Artifact, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, p)
	}
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", p, err)
	}
	return &a, nil
}

// Exists reports whether an artifact file is present.
func Exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
