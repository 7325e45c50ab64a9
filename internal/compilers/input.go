package compilers

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// DefaultOutputSelection is what a full compilation requests for every contract.
var DefaultOutputSelection = []string{"abi", "evm.bytecode", "evm.deployedBytecode", "evm.methodIdentifiers", "metadata"}

// OutputSelection is file -> contract -> requested outputs. The "*" file key is the
// default for every file not listed explicitly.
type OutputSelection map[string]map[string][]string

// NewOutputSelection requests the default outputs (plus the per-file ast) for all files.
func NewOutputSelection() OutputSelection {
	return OutputSelection{
		"*": {
			"*": append([]string(nil), DefaultOutputSelection...),
			"":  {"ast"},
		},
	}
}

// EmptyFileSelection requests nothing for a file.
func EmptyFileSelection() map[string][]string {
	return map[string][]string{"*": {}}
}

// Clone deep copies the selection.
func (o OutputSelection) Clone() OutputSelection {
	out := make(OutputSelection, len(o))
	for file, contracts := range o {
		c := make(map[string][]string, len(contracts))
		for name, fields := range contracts {
			c[name] = append([]string(nil), fields...)
		}
		out[file] = c
	}
	return out
}

// Optimizer mirrors the standard-JSON optimizer block.
type Optimizer struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

// Settings is the compiler settings object attached to every Input.
type Settings struct {
	Optimizer       Optimizer         `json:"optimizer"`
	EVMVersion      string            `json:"evmVersion,omitempty"`
	Remappings      []string          `json:"remappings,omitempty"`
	OutputSelection OutputSelection   `json:"outputSelection"`
	Libraries       map[string]string `json:"libraries,omitempty"`

	// Not part of the JSON sent to the compiler; used to build command line flags.
	BasePath     string   `json:"-"`
	AllowPaths   []string `json:"-"`
	IncludePaths []string `json:"-"`
}

// Clone deep copies the settings.
func (s Settings) Clone() Settings {
	out := s
	out.Remappings = append([]string(nil), s.Remappings...)
	out.AllowPaths = append([]string(nil), s.AllowPaths...)
	out.IncludePaths = append([]string(nil), s.IncludePaths...)
	if s.OutputSelection != nil {
		out.OutputSelection = s.OutputSelection.Clone()
	}
	if s.Libraries != nil {
		out.Libraries = make(map[string]string, len(s.Libraries))
		for k, v := range s.Libraries {
			out.Libraries[k] = v
		}
	}
	return out
}

// CanUseCached reports whether artifacts built with cached can be reused under s.
// Path-only settings do not affect output.
func (s Settings) CanUseCached(cached Settings) bool {
	if s.Optimizer != cached.Optimizer || s.EVMVersion != cached.EVMVersion {
		return false
	}
	if len(s.Libraries) != len(cached.Libraries) {
		return false
	}
	for k, v := range s.Libraries {
		if cached.Libraries[k] != v {
			return false
		}
	}
	return true
}

// WithBasePath sets the base path.
func (s Settings) WithBasePath(root string) Settings {
	s.BasePath = root
	return s
}

// WithAllowPaths sets the allowed paths.
func (s Settings) WithAllowPaths(paths []string) Settings {
	s.AllowPaths = append([]string(nil), paths...)
	return s
}

// WithIncludePaths sets the include paths.
func (s Settings) WithIncludePaths(paths []string) Settings {
	s.IncludePaths = append([]string(nil), paths...)
	return s
}

// WithRemappings sets the import remappings.
func (s Settings) WithRemappings(remappings []string) Settings {
	s.Remappings = append([]string(nil), remappings...)
	return s
}

// Input is one compiler invocation: sources, settings, language and version.
type Input struct {
	Language Language        `json:"language"`
	Version  *semver.Version `json:"-"`
	Sources  types.Sources   `json:"sources"`
	Settings Settings        `json:"settings"`
}

// NewInput builds the compiler input for a version group.
func NewInput(sources types.Sources, settings Settings, lang Language, version *semver.Version) *Input {
	return &Input{
		Language: lang,
		Version:  version,
		Sources:  sources,
		Settings: settings,
	}
}

// CompilerName returns the display name of the compiler for this input's language.
func (in *Input) CompilerName() string {
	if in.Language == Vyper {
		return "Vyper"
	}
	return "Solc"
}

// StripPrefix strips root from every path inside the input so the compiler never sees
// host-absolute paths.
func (in *Input) StripPrefix(root string) {
	in.Sources = in.Sources.StripPrefix(root)
	sel := make(OutputSelection, len(in.Settings.OutputSelection))
	for file, contracts := range in.Settings.OutputSelection {
		if file == "*" {
			sel[file] = contracts
			continue
		}
		sel[types.StripPrefix(file, root)] = contracts
	}
	in.Settings.OutputSelection = sel
	in.Settings.AllowPaths = stripAll(in.Settings.AllowPaths, root)
	in.Settings.IncludePaths = stripAll(in.Settings.IncludePaths, root)
	if in.Settings.Libraries != nil {
		libs := make(map[string]string, len(in.Settings.Libraries))
		for file, addr := range in.Settings.Libraries {
			libs[types.StripPrefix(file, root)] = addr
		}
		in.Settings.Libraries = libs
	}
}

func stripAll(paths []string, root string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, types.StripPrefix(p, root))
	}
	sort.Strings(out)
	return out
}
