package solc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

func TestParseVersion(t *testing.T) {
	cases := map[string]string{
		"solc, the solidity compiler commandline interface\nVersion: 0.8.19+commit.7dd6d404.Linux.g++\n": "0.8.19",
		"0.3.10+commit.91361694\n": "0.3.10",
	}
	for in, want := range cases {
		v, err := ParseVersion(in)
		require.NoError(t, err)
		assert.Equal(t, want, v.String())
	}

	_, err := ParseVersion("garbage")
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	in := compilers.NewInput(types.Sources{}, compilers.Settings{
		BasePath:     "/root/project",
		AllowPaths:   []string{"lib", "../shared"},
		IncludePaths: []string{"node_modules"},
	}, compilers.Solidity, semver.MustParse("0.8.19"))

	assert.Equal(t, []string{
		"--standard-json",
		"--base-path", "/root/project",
		"--allow-paths", "lib,../shared",
		"--include-path", "node_modules",
	}, Args(in))

	in.Language = compilers.Vyper
	assert.Equal(t, []string{"--standard-json"}, Args(in))
}

func TestCompileDispatchesByVersion(t *testing.T) {
	c := New(
		Binary{Language: compilers.Solidity, Version: semver.MustParse("0.8.19"), Path: "/bin/solc-0.8.19"},
		Binary{Language: compilers.Solidity, Version: semver.MustParse("0.7.6"), Path: "/bin/solc-0.7.6"},
	)

	var gotPath string
	var gotInput map[string]any
	c.run = func(_ context.Context, path string, _ []string, stdin []byte) ([]byte, error) {
		gotPath = path
		require.NoError(t, json.Unmarshal(stdin, &gotInput))
		return []byte(`{"errors":[{"severity":"warning","errorCode":"2072","message":"unused"}],
			"sources":{"A.sol":{"id":0}},
			"contracts":{"A.sol":{"A":{"abi":[]}}}}`), nil
	}

	in := compilers.NewInput(types.Sources{"A.sol": types.NewSource("contract A {}")},
		compilers.Settings{OutputSelection: compilers.NewOutputSelection()},
		compilers.Solidity, semver.MustParse("0.7.6"))
	out, err := c.Compile(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "/bin/solc-0.7.6", gotPath)
	assert.Equal(t, "Solidity", gotInput["language"])
	require.Len(t, out.Errors, 1)
	assert.True(t, out.Errors[0].IsWarning())
	assert.Contains(t, out.Contracts["A.sol"], "A")

	vs := c.Available(compilers.Solidity)
	require.Len(t, vs, 2)
	assert.Equal(t, "0.7.6", vs[0].String())
	assert.Empty(t, c.Available(compilers.Vyper))
}

func TestCompileErrors(t *testing.T) {
	c := New(Binary{Language: compilers.Solidity, Version: semver.MustParse("0.8.19"), Path: "solc"})
	in := compilers.NewInput(types.Sources{}, compilers.Settings{}, compilers.Solidity, semver.MustParse("0.8.20"))

	_, err := c.Compile(context.Background(), in)
	assert.ErrorIs(t, err, ErrBinaryNotFound)

	in.Version = semver.MustParse("0.8.19")
	boom := errors.New("segfault")
	c.run = func(context.Context, string, []string, []byte) ([]byte, error) { return nil, boom }
	_, err = c.Compile(context.Background(), in)
	assert.ErrorIs(t, err, boom)

	c.run = func(context.Context, string, []string, []byte) ([]byte, error) { return []byte("not json"), nil }
	_, err = c.Compile(context.Background(), in)
	assert.Error(t, err)
}
