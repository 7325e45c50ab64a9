package cache

// ============================================================================
// Cache store tests
// Purpose: atomic writes, format checks, relative path round trip
// ============================================================================

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

func mustVersion(t *testing.T, v string) *semver.Version {
	t.Helper()
	version, err := semver.NewVersion(v)
	require.NoError(t, err)
	return version
}

func sampleFile() *File {
	f := NewFile(Paths{Artifacts: "out", Sources: "src"})
	f.Files["/p/src/A.sol"] = &Entry{
		ContentHash: "abc",
		SourceName:  "src/A.sol",
		Artifacts: map[string]map[string]map[string]ArtifactRef{
			"A": {"0.8.19": {"default": {Path: "/p/out/A.sol/A.json", BuildID: "b1"}}},
		},
	}
	f.AddBuild("b1")
	f.Profiles["default"] = compilers.Settings{Optimizer: compilers.Optimizer{Enabled: true, Runs: 200}}
	return f
}

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "cache", "forgec-cache.json"))
	assert.False(t, s.Exists())

	f := sampleFile()
	f.StripEntriesPrefix("/p").StripArtifactFilesPrefixes("/p/out")
	require.NoError(t, s.Write(f))
	assert.True(t, s.Exists())
	assert.NoFileExists(t, s.Path()+".tmp")

	got, err := s.Load()
	require.NoError(t, err)
	require.Contains(t, got.Files, "src/A.sol")
	assert.Equal(t, "A.sol/A.json", got.Files["src/A.sol"].Artifacts["A"]["0.8.19"]["default"].Path)

	got.JoinEntries("/p").JoinArtifactsFiles("/p/out")
	assert.Equal(t, "/p/out/A.sol/A.json", got.Files["/p/src/A.sol"].Artifacts["A"]["0.8.19"]["default"].Path)
	assert.Equal(t, 200, got.Profiles["default"].Optimizer.Runs)
	assert.True(t, got.HasBuild("b1"))
}

func TestStoreLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewStore(filepath.Join(dir, "missing.json")).Load()
	assert.ErrorIs(t, err, os.ErrNotExist)

	corrupted := filepath.Join(dir, "corrupted.json")
	require.NoError(t, os.WriteFile(corrupted, []byte("{not json"), 0o644))
	_, err = NewStore(corrupted).Load()
	assert.ErrorIs(t, err, ErrCorruptedCache)

	foreign := filepath.Join(dir, "foreign.json")
	require.NoError(t, os.WriteFile(foreign, []byte(`{"_format":"hh-sol-cache-2"}`), 0o644))
	_, err = NewStore(foreign).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestStoreRemove(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "c.json"))
	require.NoError(t, s.Write(NewFile(Paths{})))
	require.NoError(t, s.Remove())
	require.NoError(t, s.Remove())
	assert.False(t, s.Exists())
}

func TestEntryQueries(t *testing.T) {
	e := sampleFile().Files["/p/src/A.sol"]
	v := mustVersion(t, "0.8.19")
	assert.True(t, e.Contains(v, "default"))
	assert.False(t, e.Contains(v, "test"))
	assert.False(t, e.Contains(mustVersion(t, "0.8.20"), "default"))
	assert.Len(t, e.ArtifactsForVersion(v), 1)
	assert.Equal(t, 1, e.ArtifactCount())
}

func TestBuildsStaySortedAndUnique(t *testing.T) {
	f := NewFile(Paths{})
	f.AddBuild("c")
	f.AddBuild("a")
	f.AddBuild("c")
	assert.Equal(t, []string{"a", "c"}, f.Builds)
}

func TestRemoveOutdatedBuilds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b1.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b2.json"), []byte("{}"), 0o644))

	f := sampleFile()
	f.AddBuild("b2")
	f.RemoveOutdatedBuilds(dir)

	assert.Equal(t, []string{"b1"}, f.Builds)
	assert.FileExists(t, filepath.Join(dir, "b1.json"))
	assert.NoFileExists(t, filepath.Join(dir, "b2.json"))
}
