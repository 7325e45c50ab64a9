// Package buildinfo records which compiler input produced a set of artifacts.
//
// Every compiler job yields one BuildInfo. Its ID is derived from the exact
// input sent to the compiler, so two runs with identical input share an ID and
// artifacts can point back at the invocation that built them. The full input
// and output are only embedded when requested; the build context (source id to
// path mapping) is always kept.
package buildinfo

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// Format identifies the on-disk build-info layout.
const Format = "forgec-build-info-1"

// ErrCorrupted means a build-info file could not be decoded.
var ErrCorrupted = errors.New("build info file is corrupted")

// Context maps compiler source ids back to file paths.
type Context struct {
	SourceIDToPath map[int]string     `json:"source_id_to_path"`
	Language       compilers.Language `json:"language"`
}

// BuildInfo is the record of one compiler invocation.
type BuildInfo struct {
	ID      string            `json:"id"`
	Format  string            `json:"_format"`
	Version string            `json:"solcVersion"`
	Context Context           `json:"build_context"`
	Input   *compilers.Input  `json:"input,omitempty"`
	Output  *compilers.Output `json:"output,omitempty"`
}

// New builds the record for input and output. withPayload embeds both in full.
func New(input *compilers.Input, output *compilers.Output, withPayload bool) (*BuildInfo, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode compiler input: %w", err)
	}
	version := ""
	if input.Version != nil {
		version = input.Version.String()
	}

	h := blake3.New()
	h.Write([]byte(version))
	h.Write([]byte{0})
	h.Write(data)
	sum := h.Sum(nil)

	bi := &BuildInfo{
		ID:      hex.EncodeToString(sum[:16]),
		Format:  Format,
		Version: version,
		Context: Context{
			SourceIDToPath: make(map[int]string, len(output.Sources)),
			Language:       input.Language,
		},
	}
	for file, src := range output.Sources {
		bi.Context.SourceIDToPath[src.ID] = file
	}
	if withPayload {
		bi.Input = input
		bi.Output = output
	}
	return bi, nil
}

// JoinPaths joins root onto every path of the build context.
func (b *BuildInfo) JoinPaths(root string) {
	for id, p := range b.Context.SourceIDToPath {
		b.Context.SourceIDToPath[id] = types.JoinRoot(root, p)
	}
}

// Files returns the sorted file paths known to the build context.
func (b *BuildInfo) Files() []string {
	out := make([]string, 0, len(b.Context.SourceIDToPath))
	for _, p := range b.Context.SourceIDToPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Path returns where the record for id lives under dir.
func Path(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// Write stores the record under dir as <id>.json using a temp file and rename.
func (b *BuildInfo) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create build info dir: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode build info %s: %w", b.ID, err)
	}
	path := Path(dir, b.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write build info %s: %w", b.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename build info %s: %w", b.ID, err)
	}
	return nil
}

// Read loads a record from path.
func Read(path string) (*BuildInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bi BuildInfo
	if err := json.Unmarshal(data, &bi); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	if bi.Format != Format {
		return nil, fmt.Errorf("%w: %s: unexpected format %q", ErrCorrupted, path, bi.Format)
	}
	return &bi, nil
}

// ReadDir loads every record under dir, sorted by ID. A missing dir is empty.
func ReadDir(dir string) ([]*BuildInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*BuildInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		bi, err := Read(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, bi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Remove deletes the record for id. A missing file is not an error.
func Remove(dir, id string) error {
	err := os.Remove(Path(dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
