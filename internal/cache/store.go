package cache

// ============================================================================
// Responsibilities:
// 1. Serialize the build cache (File) to a JSON file
// 2. Atomic writes (temp file + rename) so a crash never leaves half a cache
// 3. Check the format string on load; a foreign or old layout is rejected
// 4. Paths on disk are relative (entries to root, artifacts to the artifacts
//    dir) so a project can be moved without invalidating its cache
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrCorruptedCache      = errors.New("cache file is corrupted")
	ErrIncompatibleVersion = errors.New("cache file format is incompatible")
)

// Format is written into every cache file and checked on load.
const Format = "forgec-sol-cache-1"

// ============================================================================
// Data structures
// ============================================================================

// ArtifactRef points at one artifact file and the build that produced it.
type ArtifactRef struct {
	Path    string `json:"path"`
	BuildID string `json:"build_id"`
}

// Entry is the cached state of one source file.
type Entry struct {
	LastModificationDate int64  `json:"lastModificationDate"`
	ContentHash          string `json:"contentHash"`
	SourceName           string `json:"sourceName"`
	// Imports are root relative resolved import paths.
	Imports            []string `json:"imports"`
	VersionRequirement string   `json:"versionRequirement,omitempty"`
	// Artifacts is contract name -> version -> profile -> artifact.
	Artifacts      map[string]map[string]map[string]ArtifactRef `json:"artifacts"`
	SeenByCompiler bool                                         `json:"seenByCompiler"`
}

// Contains reports whether any contract has an artifact for (version, profile).
func (e *Entry) Contains(version *semver.Version, profile string) bool {
	v := version.String()
	for _, byVersion := range e.Artifacts {
		if _, ok := byVersion[v][profile]; ok {
			return true
		}
	}
	return false
}

// ArtifactsForVersion returns every artifact built with version, any profile.
func (e *Entry) ArtifactsForVersion(version *semver.Version) []ArtifactRef {
	v := version.String()
	var out []ArtifactRef
	for _, byVersion := range e.Artifacts {
		for _, ref := range byVersion[v] {
			out = append(out, ref)
		}
	}
	return out
}

// ArtifactCount returns the number of artifact references of the entry.
func (e *Entry) ArtifactCount() int {
	n := 0
	for _, byVersion := range e.Artifacts {
		for _, byProfile := range byVersion {
			n += len(byProfile)
		}
	}
	return n
}

func (e *Entry) mapArtifactPaths(fn func(string) string) {
	for _, byVersion := range e.Artifacts {
		for _, byProfile := range byVersion {
			for profile, ref := range byProfile {
				ref.Path = fn(ref.Path)
				byProfile[profile] = ref
			}
		}
	}
}

// Paths is the project layout the cache was written for, relative to root.
type Paths struct {
	Artifacts  string   `json:"artifacts"`
	BuildInfos string   `json:"build_infos"`
	Sources    string   `json:"sources"`
	Tests      string   `json:"tests"`
	Scripts    string   `json:"scripts"`
	Libraries  []string `json:"libraries"`
}

// File is the whole cache document.
type File struct {
	Format   string                        `json:"_format"`
	Paths    Paths                         `json:"paths"`
	Files    map[string]*Entry             `json:"files"`
	Builds   []string                      `json:"builds"`
	Profiles map[string]compilers.Settings `json:"profiles"`
}

// NewFile creates an empty cache for paths.
func NewFile(paths Paths) *File {
	return &File{
		Format:   Format,
		Paths:    paths,
		Files:    make(map[string]*Entry),
		Profiles: make(map[string]compilers.Settings),
	}
}

// HasBuild reports whether id is a known build.
func (f *File) HasBuild(id string) bool {
	i := sort.SearchStrings(f.Builds, id)
	return i < len(f.Builds) && f.Builds[i] == id
}

// AddBuild records id, keeping Builds sorted and unique.
func (f *File) AddBuild(id string) {
	if f.HasBuild(id) {
		return
	}
	f.Builds = append(f.Builds, id)
	sort.Strings(f.Builds)
}

// ArtifactCount returns the number of artifact references in the cache.
func (f *File) ArtifactCount() int {
	n := 0
	for _, e := range f.Files {
		n += e.ArtifactCount()
	}
	return n
}

// JoinEntries joins root onto every entry key.
func (f *File) JoinEntries(root string) *File {
	files := make(map[string]*Entry, len(f.Files))
	for p, e := range f.Files {
		files[types.JoinRoot(root, p)] = e
	}
	f.Files = files
	return f
}

// StripEntriesPrefix makes every entry key relative to root.
func (f *File) StripEntriesPrefix(root string) *File {
	files := make(map[string]*Entry, len(f.Files))
	for p, e := range f.Files {
		files[types.StripPrefix(p, root)] = e
	}
	f.Files = files
	return f
}

// JoinArtifactsFiles joins dir onto every artifact path.
func (f *File) JoinArtifactsFiles(dir string) *File {
	for _, e := range f.Files {
		e.mapArtifactPaths(func(p string) string { return types.JoinRoot(dir, p) })
	}
	return f
}

// StripArtifactFilesPrefixes makes every artifact path relative to dir.
func (f *File) StripArtifactFilesPrefixes(dir string) *File {
	for _, e := range f.Files {
		e.mapArtifactPaths(func(p string) string { return types.StripPrefix(p, dir) })
	}
	return f
}

// RemoveMissingFiles drops entries whose source no longer exists. Keys must be absolute.
func (f *File) RemoveMissingFiles() {
	for p := range f.Files {
		if _, err := os.Stat(p); err != nil {
			log.Debug("remove missing file from cache", "file", p)
			delete(f.Files, p)
		}
	}
}

// RemoveOutdatedBuilds forgets builds no artifact refers to and deletes their
// build-info files from buildInfoDir.
func (f *File) RemoveOutdatedBuilds(buildInfoDir string) {
	used := map[string]bool{}
	for _, e := range f.Files {
		for _, byVersion := range e.Artifacts {
			for _, byProfile := range byVersion {
				for _, ref := range byProfile {
					used[ref.BuildID] = true
				}
			}
		}
	}
	kept := f.Builds[:0]
	for _, id := range f.Builds {
		if used[id] {
			kept = append(kept, id)
			continue
		}
		log.Debug("remove outdated build info", "build", id)
		if err := buildinfo.Remove(buildInfoDir, id); err != nil {
			log.Warn("failed to remove build info", "build", id, "error", err)
		}
	}
	f.Builds = kept
}

// ============================================================================
// Store
// ============================================================================

// Store reads and writes the cache file at one path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write atomically replaces the cache file with f.
//
// Flow:
// 1. write <path>.tmp
// 2. os.Rename over the original
func (s *Store) Write(f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.Format = Format
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp cache: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache: %w", err)
	}
	return nil
}

// Load reads the cache file.
//
// Behaviour:
//   - a missing file is os.ErrNotExist, wrapped
//   - undecodable content is ErrCorruptedCache
//   - a different format string is ErrIncompatibleVersion
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedCache, err)
	}
	if f.Format != Format {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIncompatibleVersion, f.Format, Format)
	}

	if f.Files == nil {
		f.Files = make(map[string]*Entry)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]compilers.Settings)
	}
	for _, e := range f.Files {
		if e.Artifacts == nil {
			e.Artifacts = make(map[string]map[string]map[string]ArtifactRef)
		}
	}
	return &f, nil
}

// Exists reports whether the cache file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Remove deletes the cache file. A missing file is not an error.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the cache file path.
func (s *Store) Path() string {
	return s.path
}
