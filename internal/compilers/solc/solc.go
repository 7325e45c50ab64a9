// ============================================================================
// forgec solc - process compiler backend
// ============================================================================
//
// Package: internal/compilers/solc
// File: solc.go
// Purpose: Runs `solc --standard-json` (or `vyper --standard-json`) as a child
//          process, writing the compiler input to stdin and decoding stdout.
//
// Invocation:
//   solc --standard-json --base-path <root> --allow-paths a,b --include-path x
//
// A process that cannot be started, exits non-zero without producing JSON, or
// writes something that is not valid output is an invocation failure. Source
// level problems come back inside Output.Errors.
//
// ============================================================================

package solc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

var log = slog.Default()

// ErrBinaryNotFound is returned when no binary is configured for the requested version.
var ErrBinaryNotFound = errors.New("compiler binary not found")

var versionRe = regexp.MustCompile(`(?i)version:?\s*v?(\d+\.\d+\.\d+)`)

// Binary is one installed compiler executable.
type Binary struct {
	Language compilers.Language
	Version  *semver.Version
	Path     string
}

// Compiler runs installed binaries. It dispatches on (language, version).
type Compiler struct {
	binaries map[compilers.Language]map[string]Binary
	run      func(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error)
}

// New creates a process compiler from a set of binaries.
func New(bins ...Binary) *Compiler {
	c := &Compiler{
		binaries: make(map[compilers.Language]map[string]Binary),
		run:      runProcess,
	}
	for _, b := range bins {
		c.Add(b)
	}
	return c
}

// Add registers a binary, replacing any previous one for the same language and version.
func (c *Compiler) Add(b Binary) {
	if c.binaries[b.Language] == nil {
		c.binaries[b.Language] = make(map[string]Binary)
	}
	c.binaries[b.Language][b.Version.String()] = b
}

// Detect resolves a binary on PATH (or an explicit path) and asks it for its version.
func Detect(ctx context.Context, lang compilers.Language, name string) (Binary, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return Binary{}, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, name, err)
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return Binary{}, fmt.Errorf("%s --version: %w", path, err)
	}
	v, err := ParseVersion(string(out))
	if err != nil {
		return Binary{}, fmt.Errorf("%s: %w", path, err)
	}
	return Binary{Language: lang, Version: v, Path: path}, nil
}

// ParseVersion extracts the semantic version from `solc --version` or `vyper --version` output.
func ParseVersion(out string) (*semver.Version, error) {
	if m := versionRe.FindStringSubmatch(out); m != nil {
		return semver.NewVersion(m[1])
	}
	// vyper prints a bare version such as 0.3.10+commit.91361694
	fields := strings.Fields(out)
	if len(fields) > 0 {
		base := strings.SplitN(fields[len(fields)-1], "+", 2)[0]
		if v, err := semver.NewVersion(base); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unrecognised version output %q", strings.TrimSpace(out))
}

func (c *Compiler) Name() string { return "Solc" }

func (c *Compiler) Available(lang compilers.Language) []*semver.Version {
	out := make([]*semver.Version, 0, len(c.binaries[lang]))
	for _, b := range c.binaries[lang] {
		out = append(out, b.Version)
	}
	sort.Sort(semver.Collection(out))
	return out
}

// Compile runs the binary matching the input's language and version.
func (c *Compiler) Compile(ctx context.Context, input *compilers.Input) (*compilers.Output, error) {
	if input.Version == nil {
		return nil, fmt.Errorf("%w: input has no version", ErrBinaryNotFound)
	}
	bin, ok := c.binaries[input.Language][input.Version.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrBinaryNotFound, input.Language, input.Version)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	args := Args(input)
	log.Debug("spawning compiler", "path", bin.Path, "args", args, "sources", len(input.Sources))
	stdout, err := c.run(ctx, bin.Path, args, payload)
	if err != nil {
		return nil, err
	}

	var out compilers.Output
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", bin.Path, err)
	}
	return &out, nil
}

// Args builds the command line for an input.
func Args(input *compilers.Input) []string {
	args := []string{"--standard-json"}
	if input.Language == compilers.Vyper {
		return args
	}
	s := input.Settings
	if s.BasePath != "" {
		args = append(args, "--base-path", s.BasePath)
	}
	if len(s.AllowPaths) > 0 {
		args = append(args, "--allow-paths", strings.Join(s.AllowPaths, ","))
	}
	for _, p := range s.IncludePaths {
		args = append(args, "--include-path", p)
	}
	return args
}

func runProcess(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// solc exits non-zero on some source errors but still prints valid JSON
		if stdout.Len() > 0 && json.Valid(stdout.Bytes()) {
			return stdout.Bytes(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s: %s", path, msg)
	}
	return stdout.Bytes(), nil
}
