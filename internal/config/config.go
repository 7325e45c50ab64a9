// ============================================================================
// forgec config - project configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the project configuration file and converts it into the
//          runtime Project consumed by the compile pipeline.
//
// Formats:
//   forgec.yaml / forgec.yml   decoded with gopkg.in/yaml.v3
//   foundry.toml / *.toml      decoded with github.com/pelletier/go-toml
//   Both decoders fill the same Config struct; keys absent from the file keep
//   the values of Default().
//
// Example (yaml):
//   src: src
//   libs: [lib]
//   out: out
//   jobs: 4
//   remappings: ["@oz/=lib/openzeppelin/contracts/"]
//   profiles:
//     - name: test
//       optimizer: false
//       match: ["test/**"]
//
// Path handling:
//   A relative root is resolved against the directory of the config file.
//   Every other relative path is resolved against root.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/graph"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrInvalidConfig is wrapped by every Validate failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnknownFormat means the config file extension is not supported.
	ErrUnknownFormat = errors.New("unknown config file format")
)

// DefaultProfile is the name of the profile used when no profile glob matches.
const DefaultProfile = "default"

// ============================================================================
// File structure
// ============================================================================

// Config is the on-disk configuration.
type Config struct {
	Root          string   `yaml:"root" toml:"root"`
	Src           string   `yaml:"src" toml:"src"`
	Test          string   `yaml:"test" toml:"test"`
	Script        string   `yaml:"script" toml:"script"`
	Libs          []string `yaml:"libs" toml:"libs"`
	Out           string   `yaml:"out" toml:"out"`
	CachePath     string   `yaml:"cache_path" toml:"cache_path"`
	BuildInfoPath string   `yaml:"build_info_path" toml:"build_info_path"`
	IncludePaths  []string `yaml:"include_paths" toml:"include_paths"`
	AllowPaths    []string `yaml:"allow_paths" toml:"allow_paths"`
	Remappings    []string `yaml:"remappings" toml:"remappings"`

	Compilers []Binary `yaml:"compilers" toml:"compilers"`
	// Remote is the address of a forgec compile server; when set it replaces local binaries.
	Remote string `yaml:"remote" toml:"remote"`

	// Jobs bounds compiler parallelism; 0 means one job per CPU.
	Jobs        int  `yaml:"jobs" toml:"jobs"`
	Cache       bool `yaml:"cache" toml:"cache"`
	NoArtifacts bool `yaml:"no_artifacts" toml:"no_artifacts"`
	BuildInfo   bool `yaml:"build_info" toml:"build_info"`
	SlashPaths  bool `yaml:"slash_paths" toml:"slash_paths"`

	IgnoredErrorCodes   []uint64 `yaml:"ignored_error_codes" toml:"ignored_error_codes"`
	IgnoredWarningsFrom []string `yaml:"ignored_warnings_from" toml:"ignored_warnings_from"`
	// Deny is the lowest severity that fails a build: error, warning or info.
	Deny string `yaml:"deny" toml:"deny"`
	// Sparse restricts full compilation to files matching any of these globs.
	Sparse []string `yaml:"sparse" toml:"sparse"`

	Optimizer     bool   `yaml:"optimizer" toml:"optimizer"`
	OptimizerRuns int    `yaml:"optimizer_runs" toml:"optimizer_runs"`
	EVMVersion    string `yaml:"evm_version" toml:"evm_version"`

	Profiles []ProfileConfig `yaml:"profiles" toml:"profiles"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
		Port    int  `yaml:"port" toml:"port"`
	} `yaml:"metrics" toml:"metrics"`

	BuildLog string `yaml:"build_log" toml:"build_log"`
}

// Binary names a local compiler binary. An empty version is detected by running it.
type Binary struct {
	Language string `yaml:"language" toml:"language"`
	Version  string `yaml:"version" toml:"version"`
	Path     string `yaml:"path" toml:"path"`
}

// ProfileConfig is a named settings profile applied to files matching Match.
type ProfileConfig struct {
	Name          string   `yaml:"name" toml:"name"`
	Optimizer     bool     `yaml:"optimizer" toml:"optimizer"`
	OptimizerRuns int      `yaml:"optimizer_runs" toml:"optimizer_runs"`
	EVMVersion    string   `yaml:"evm_version" toml:"evm_version"`
	Match         []string `yaml:"match" toml:"match"`
}

// Default returns the configuration used for keys missing from a file.
func Default() *Config {
	cfg := &Config{
		Root:          ".",
		Src:           "src",
		Test:          "test",
		Script:        "script",
		Libs:          []string{"lib"},
		Out:           "out",
		CachePath:     "cache/forgec-cache.json",
		BuildInfoPath: "out/build-info",
		Jobs:          0,
		Cache:         true,
		BuildInfo:     true,
		SlashPaths:    true,
		Deny:          "error",
		Optimizer:     true,
		OptimizerRuns: 200,
		BuildLog:      "cache/build.log",
	}
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads path and decodes it according to its extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot work with.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root must not be empty", ErrInvalidConfig)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("%w: jobs must be >= 0, got %d", ErrInvalidConfig, c.Jobs)
	}
	if c.OptimizerRuns < 0 {
		return fmt.Errorf("%w: optimizer_runs must be >= 0", ErrInvalidConfig)
	}
	if _, err := compilers.ParseSeverity(c.Deny); err != nil {
		return fmt.Errorf("%w: deny: %v", ErrInvalidConfig, err)
	}
	for _, r := range c.Remappings {
		if from, _, ok := strings.Cut(r, "="); !ok || from == "" {
			return fmt.Errorf("%w: remapping %q must look like prefix=target", ErrInvalidConfig, r)
		}
	}
	for _, b := range c.Compilers {
		if _, err := parseLanguage(b.Language); err != nil {
			return fmt.Errorf("%w: compiler %s: %v", ErrInvalidConfig, b.Path, err)
		}
		if b.Path == "" {
			return fmt.Errorf("%w: compiler entry without path", ErrInvalidConfig)
		}
	}
	seen := map[string]bool{DefaultProfile: true}
	for _, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("%w: profile without name", ErrInvalidConfig)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate profile %q", ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
		if len(p.Match) == 0 {
			return fmt.Errorf("%w: profile %q matches no files", ErrInvalidConfig, p.Name)
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics port %d out of range", ErrInvalidConfig, c.Metrics.Port)
	}
	return nil
}

func parseLanguage(s string) (compilers.Language, error) {
	switch strings.ToLower(s) {
	case "", "solidity", "solc":
		return compilers.Solidity, nil
	case "vyper":
		return compilers.Vyper, nil
	default:
		return "", fmt.Errorf("unknown language %q", s)
	}
}

// LanguageOrDefault returns the parsed language of a compiler entry, Solidity if unset.
func (b Binary) LanguageOrDefault() compilers.Language {
	lang, _ := parseLanguage(b.Language)
	return lang
}

// ============================================================================
// Runtime project
// ============================================================================

// Paths are absolute, slashed project locations.
type Paths struct {
	Root       string
	Sources    string
	Tests      string
	Scripts    string
	Libraries  []string
	Artifacts  string
	CacheFile  string
	BuildInfos string
	BuildLog   string
}

// InputDirs returns the directories whose files are compiled as project sources.
func (p Paths) InputDirs() []string {
	return []string{p.Sources, p.Tests, p.Scripts}
}

// Project is everything the compile pipeline needs to know about a project.
type Project struct {
	Paths        Paths
	IncludePaths []string
	AllowedPaths []string
	Remappings   []string

	Jobs        int
	Cached      bool
	NoArtifacts bool
	BuildInfo   bool
	SlashPaths  bool

	IgnoredErrorCodes []uint64
	IgnoredFilePaths  []string
	// CompilerSeverityFilter is the lowest severity that counts as a failure.
	CompilerSeverityFilter compilers.Severity
	Sparse                 []string

	Profiles       []graph.Profile
	DefaultProfile graph.Profile
}

// Project converts the file configuration into a runtime Project.
func (c *Config) Project() (*Project, error) {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	root = types.SlashPath(root)
	join := func(p string) string { return types.JoinRoot(root, p) }
	joinAll := func(ps []string) []string {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			out = append(out, join(p))
		}
		return out
	}

	deny, err := compilers.ParseSeverity(c.Deny)
	if err != nil {
		return nil, fmt.Errorf("%w: deny: %v", ErrInvalidConfig, err)
	}

	jobs := c.Jobs
	if jobs == 0 {
		jobs = runtime.NumCPU()
	}

	p := &Project{
		Paths: Paths{
			Root:       root,
			Sources:    join(c.Src),
			Tests:      join(c.Test),
			Scripts:    join(c.Script),
			Libraries:  joinAll(c.Libs),
			Artifacts:  join(c.Out),
			CacheFile:  join(c.CachePath),
			BuildInfos: join(c.BuildInfoPath),
			BuildLog:   join(c.BuildLog),
		},
		IncludePaths:           joinAll(c.IncludePaths),
		AllowedPaths:           joinAll(c.AllowPaths),
		Remappings:             append([]string(nil), c.Remappings...),
		Jobs:                   jobs,
		Cached:                 c.Cache,
		NoArtifacts:            c.NoArtifacts,
		BuildInfo:              c.BuildInfo,
		SlashPaths:             c.SlashPaths,
		IgnoredErrorCodes:      append([]uint64(nil), c.IgnoredErrorCodes...),
		IgnoredFilePaths:       joinAll(c.IgnoredWarningsFrom),
		CompilerSeverityFilter: deny,
		Sparse:                 append([]string(nil), c.Sparse...),
		DefaultProfile: graph.Profile{
			Name:     DefaultProfile,
			Settings: settings(c.Optimizer, c.OptimizerRuns, c.EVMVersion),
		},
	}
	for _, pc := range c.Profiles {
		p.Profiles = append(p.Profiles, graph.Profile{
			Name:     pc.Name,
			Settings: settings(pc.Optimizer, pc.OptimizerRuns, pc.EVMVersion),
			Match:    append([]string(nil), pc.Match...),
		})
	}
	return p, nil
}

func settings(optimizer bool, runs int, evm string) compilers.Settings {
	return compilers.Settings{
		Optimizer:       compilers.Optimizer{Enabled: optimizer, Runs: runs},
		EVMVersion:      evm,
		OutputSelection: compilers.NewOutputSelection(),
	}
}

// ProfileSettings returns the settings of every profile by name, default included.
func (p *Project) ProfileSettings() map[string]compilers.Settings {
	out := make(map[string]compilers.Settings, len(p.Profiles)+1)
	out[p.DefaultProfile.Name] = p.DefaultProfile.Settings
	for _, pr := range p.Profiles {
		out[pr.Name] = pr.Settings
	}
	return out
}

// GraphOptions builds resolver options for the given available versions.
func (p *Project) GraphOptions(versions map[compilers.Language][]*semver.Version) graph.Options {
	libs := make([]string, 0, len(p.Paths.Libraries))
	for _, l := range p.Paths.Libraries {
		libs = append(libs, types.StripPrefix(l, p.Paths.Root))
	}
	return graph.Options{
		Root:           p.Paths.Root,
		Libraries:      libs,
		Remappings:     p.Remappings,
		Versions:       versions,
		Profiles:       p.Profiles,
		DefaultProfile: p.DefaultProfile,
	}
}
