// Package types defines the source-level domain model shared by every forgec package.
package types

import (
	"encoding/hex"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// SourceKind tells the compile pipeline how much output it needs for a source.
type SourceKind int

const (
	// Complete sources are dirty: full compiler output is requested and artifacts are produced.
	Complete SourceKind = iota
	// Optimized sources are clean but imported by a dirty source. They are handed to the
	// compiler so imports resolve, but no output is requested for them.
	Optimized
)

func (k SourceKind) String() string {
	switch k {
	case Complete:
		return "complete"
	case Optimized:
		return "optimized"
	default:
		return "unknown"
	}
}

// Source is one source unit as seen by a compiler.
type Source struct {
	Content string     `json:"content"`
	Kind    SourceKind `json:"-"`
}

// NewSource creates a Complete source with the given content.
func NewSource(content string) *Source {
	return &Source{Content: content, Kind: Complete}
}

// ReadSource reads a source file from disk.
func ReadSource(file string) (*Source, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return NewSource(string(data)), nil
}

// ContentHash returns the hex blake3 digest of the content.
func (s *Source) ContentHash() string {
	sum := blake3.Sum256([]byte(s.Content))
	return hex.EncodeToString(sum[:16])
}

// IsDirty reports whether the source needs full compilation.
func (s *Source) IsDirty() bool {
	return s.Kind == Complete
}

// Sources maps a file path to its source. Iteration order is irrelevant; helpers that
// expose paths return them sorted.
type Sources map[string]*Source

// Paths returns all paths in sorted order.
func (s Sources) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// DirtyFiles returns the sorted paths of all Complete sources.
func (s Sources) DirtyFiles() []string {
	paths := make([]string, 0, len(s))
	for p, src := range s {
		if src.IsDirty() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// DirtyCount returns the number of Complete sources.
func (s Sources) DirtyCount() int {
	n := 0
	for _, src := range s {
		if src.IsDirty() {
			n++
		}
	}
	return n
}

// Clone returns a shallow copy with copied Source values.
func (s Sources) Clone() Sources {
	out := make(Sources, len(s))
	for p, src := range s {
		cp := *src
		out[p] = &cp
	}
	return out
}

// SlashPaths rewrites every key to use '/' separators.
func (s Sources) SlashPaths() Sources {
	out := make(Sources, len(s))
	for p, src := range s {
		out[SlashPath(p)] = src
	}
	return out
}

// StripPrefix rewrites every key relative to root.
func (s Sources) StripPrefix(root string) Sources {
	out := make(Sources, len(s))
	for p, src := range s {
		out[StripPrefix(p, root)] = src
	}
	return out
}

// JoinRoot rewrites every relative key to live under root.
func (s Sources) JoinRoot(root string) Sources {
	out := make(Sources, len(s))
	for p, src := range s {
		out[JoinRoot(root, p)] = src
	}
	return out
}

// ============================================================================
// Path normalisation
// ============================================================================

// SlashPath converts backslash separators to '/'. It is applied unconditionally and is a
// no-op on POSIX style paths.
func SlashPath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// StripPrefix returns p relative to root using '/' separators. Paths outside root are
// returned slashed but otherwise unchanged.
func StripPrefix(p, root string) string {
	if root == "" {
		return SlashPath(p)
	}
	sp := SlashPath(p)
	sr := strings.TrimSuffix(SlashPath(root), "/")
	if sp == sr {
		return "."
	}
	if strings.HasPrefix(sp, sr+"/") {
		return strings.TrimPrefix(sp, sr+"/")
	}
	return sp
}

// JoinRoot joins a relative path onto root. Absolute paths are returned slashed.
func JoinRoot(root, p string) string {
	sp := SlashPath(p)
	if root == "" || isAbs(sp) {
		return sp
	}
	return path.Join(SlashPath(root), sp)
}

func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	// volume-qualified paths such as C:/x
	return len(p) > 2 && p[1] == ':' && p[2] == '/' || filepath.IsAbs(p)
}
