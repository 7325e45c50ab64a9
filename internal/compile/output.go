package compile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fatih/color"

	"github.com/foundry-rs/foundry-sub026/internal/artifacts"
	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// testFileIgnoredCodes are warnings never reported for test files: missing
// SPDX license (1878) and contract size limit (5574).
var testFileIgnoredCodes = []uint64{1878, 5574}

// Diagnostic is a compiler diagnostic tagged with the job it came from.
type Diagnostic struct {
	compilers.Diagnostic
	Version *semver.Version
	Profile string
	BuildID string
}

// SourceFile is a per-file output entry tagged with its job.
type SourceFile struct {
	compilers.SourceFile
	Version *semver.Version
	Profile string
	BuildID string
}

// Contract is a compiled contract tagged with its job.
type Contract struct {
	compilers.Contract
	Version *semver.Version
	Profile string
	BuildID string
}

// DiagnosticFilter decides which diagnostics fail a build.
type DiagnosticFilter struct {
	IgnoredCodes []uint64
	// IgnoredPaths silences warnings from files below these paths.
	IgnoredPaths []string
	// Severity is the lowest severity that counts as a failure.
	Severity compilers.Severity
}

// ShouldIgnore reports whether a coded warning is silenced by the filter,
// either by its code or by coming from a file below an ignored path. Errors,
// infos and warnings without a code are never ignored.
func (f DiagnosticFilter) ShouldIgnore(d compilers.Diagnostic) bool {
	if !d.IsWarning() {
		return false
	}
	code, hasCode := d.Code()
	if !hasCode {
		return false
	}
	if d.SourceLocation != nil {
		file := types.SlashPath(d.SourceLocation.File)
		for _, p := range f.IgnoredPaths {
			if under(file, types.SlashPath(p)) {
				return true
			}
		}
		if strings.HasSuffix(file, ".t.sol") && containsCode(testFileIgnoredCodes, code) {
			return true
		}
	}
	return containsCode(f.IgnoredCodes, code)
}

// under reports whether file is dir or lies below it, component wise.
func under(file, dir string) bool {
	dir = strings.TrimSuffix(dir, "/")
	return file == dir || strings.HasPrefix(file, dir+"/")
}

// Fails reports whether d fails the build.
func (f DiagnosticFilter) Fails(d compilers.Diagnostic) bool {
	if d.IsError() {
		return true
	}
	if d.Severity < f.Severity {
		return false
	}
	return !f.ShouldIgnore(d)
}

func containsCode(codes []uint64, code uint64) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// ============================================================================
// AggregatedOutput
// ============================================================================

// AggregatedOutput is the merged output of every job of a run.
type AggregatedOutput struct {
	Errors []Diagnostic
	// Sources is file -> one entry per (version, profile).
	Sources map[string][]SourceFile
	// Contracts is file -> contract name -> one entry per (version, profile).
	Contracts  map[string]map[string][]Contract
	BuildInfos []*buildinfo.BuildInfo
}

// NewAggregatedOutput creates an empty output.
func NewAggregatedOutput() *AggregatedOutput {
	return &AggregatedOutput{
		Sources:   make(map[string][]SourceFile),
		Contracts: make(map[string]map[string][]Contract),
	}
}

// Extend folds the output of one job into o.
func (o *AggregatedOutput) Extend(version *semver.Version, info *buildinfo.BuildInfo, profile string, out *compilers.Output) {
	id := info.ID
	for _, d := range out.Errors {
		o.Errors = append(o.Errors, Diagnostic{Diagnostic: d, Version: version, Profile: profile, BuildID: id})
	}
	for file, sf := range out.Sources {
		o.Sources[file] = append(o.Sources[file], SourceFile{SourceFile: sf, Version: version, Profile: profile, BuildID: id})
	}
	for file, contracts := range out.Contracts {
		if o.Contracts[file] == nil {
			o.Contracts[file] = make(map[string][]Contract)
		}
		for name, c := range contracts {
			o.Contracts[file][name] = append(o.Contracts[file][name], Contract{Contract: c, Version: version, Profile: profile, BuildID: id})
		}
	}
	o.BuildInfos = append(o.BuildInfos, info)
}

// Sort puts every list into canonical order, so outputs folded in different
// orders compare equal.
func (o *AggregatedOutput) Sort() {
	sort.SliceStable(o.Errors, func(i, j int) bool {
		a, b := o.Errors[i], o.Errors[j]
		if fa, fb := locFile(a), locFile(b); fa != fb {
			return fa < fb
		}
		if sa, sb := locStart(a), locStart(b); sa != sb {
			return sa < sb
		}
		if a.ErrorCode != b.ErrorCode {
			return a.ErrorCode < b.ErrorCode
		}
		if a.Message != b.Message {
			return a.Message < b.Message
		}
		return tagLess(a.Version, a.Profile, b.Version, b.Profile)
	})
	for _, list := range o.Sources {
		sort.SliceStable(list, func(i, j int) bool {
			return tagLess(list[i].Version, list[i].Profile, list[j].Version, list[j].Profile)
		})
	}
	for _, byName := range o.Contracts {
		for _, list := range byName {
			sort.SliceStable(list, func(i, j int) bool {
				return tagLess(list[i].Version, list[i].Profile, list[j].Version, list[j].Profile)
			})
		}
	}
	sort.SliceStable(o.BuildInfos, func(i, j int) bool { return o.BuildInfos[i].ID < o.BuildInfos[j].ID })
}

func locFile(d Diagnostic) string {
	if d.SourceLocation == nil {
		return ""
	}
	return d.SourceLocation.File
}

func locStart(d Diagnostic) int {
	if d.SourceLocation == nil {
		return -1
	}
	return d.SourceLocation.Start
}

func tagLess(va *semver.Version, pa string, vb *semver.Version, pb string) bool {
	if va != nil && vb != nil && !va.Equal(vb) {
		return va.LessThan(vb)
	}
	if (va == nil) != (vb == nil) {
		return va == nil
	}
	return pa < pb
}

// JoinAll joins root onto every path.
func (o *AggregatedOutput) JoinAll(root string) {
	o.rewritePaths(func(p string) string { return types.JoinRoot(root, p) })
}

// StripPrefixAll makes every path relative to root.
func (o *AggregatedOutput) StripPrefixAll(root string) {
	o.rewritePaths(func(p string) string { return types.StripPrefix(p, root) })
}

// SlashPaths normalises every path separator.
func (o *AggregatedOutput) SlashPaths() {
	o.rewritePaths(types.SlashPath)
}

func (o *AggregatedOutput) rewritePaths(fn func(string) string) {
	sources := make(map[string][]SourceFile, len(o.Sources))
	for file, list := range o.Sources {
		sources[fn(file)] = append(sources[fn(file)], list...)
	}
	o.Sources = sources

	contracts := make(map[string]map[string][]Contract, len(o.Contracts))
	for file, byName := range o.Contracts {
		f := fn(file)
		if contracts[f] == nil {
			contracts[f] = make(map[string][]Contract, len(byName))
		}
		for name, list := range byName {
			contracts[f][name] = append(contracts[f][name], list...)
		}
	}
	o.Contracts = contracts

	for i := range o.Errors {
		if loc := o.Errors[i].SourceLocation; loc != nil {
			cp := *loc
			cp.File = fn(cp.File)
			o.Errors[i].SourceLocation = &cp
		}
	}
}

// ============================================================================
// Queries
// ============================================================================

// IsEmpty reports whether no contract was compiled.
func (o *AggregatedOutput) IsEmpty() bool {
	return len(o.Contracts) == 0
}

// IsUnchanged reports whether nothing was compiled and nothing was reported.
func (o *AggregatedOutput) IsUnchanged() bool {
	return len(o.Contracts) == 0 && len(o.Errors) == 0
}

// HasError reports whether any diagnostic fails the build under f.
func (o *AggregatedOutput) HasError(f DiagnosticFilter) bool {
	for _, d := range o.Errors {
		if f.Fails(d.Diagnostic) {
			return true
		}
	}
	return false
}

// HasWarning reports whether any warning survives f.
func (o *AggregatedOutput) HasWarning(f DiagnosticFilter) bool {
	for _, d := range o.Errors {
		if d.IsWarning() && !f.ShouldIgnore(d.Diagnostic) {
			return true
		}
	}
	return false
}

// bucket identifies the (version, profile) pair of one job.
type bucket struct {
	version string
	profile string
}

// failedBuckets returns the (version, profile) pairs owning a failing diagnostic.
func (o *AggregatedOutput) failedBuckets(f DiagnosticFilter) map[bucket]bool {
	out := map[bucket]bool{}
	for _, d := range o.Errors {
		if f.Fails(d.Diagnostic) {
			out[bucket{versionString(d.Version), d.Profile}] = true
		}
	}
	return out
}

// Diagnostics returns the diagnostics not silenced by f.
func (o *AggregatedOutput) Diagnostics(f DiagnosticFilter) []Diagnostic {
	var out []Diagnostic
	for _, d := range o.Errors {
		if d.IsError() || !f.ShouldIgnore(d.Diagnostic) {
			out = append(out, d)
		}
	}
	return out
}

// WriteDiagnostics prints the diagnostics not silenced by f, errors in red
// and warnings in yellow.
func (o *AggregatedOutput) WriteDiagnostics(w io.Writer, f DiagnosticFilter) error {
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	for _, d := range o.Diagnostics(f) {
		c := yellow
		if d.IsError() {
			c = red
		}
		if _, err := c.Fprintln(w, d.String()); err != nil {
			return err
		}
	}
	return nil
}

// FindFirst returns the first contract called name, in path order.
func (o *AggregatedOutput) FindFirst(name string) *Contract {
	files := make([]string, 0, len(o.Contracts))
	for f := range o.Contracts {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if list := o.Contracts[f][name]; len(list) > 0 {
			c := list[0]
			return &c
		}
	}
	return nil
}

// ContractCount returns the number of (file, contract, version, profile) entries.
func (o *AggregatedOutput) ContractCount() int {
	n := 0
	for _, byName := range o.Contracts {
		for _, list := range byName {
			n += len(list)
		}
	}
	return n
}

// WriteBuildInfos writes every build info into dir.
func (o *AggregatedOutput) WriteBuildInfos(dir string) error {
	for _, bi := range o.BuildInfos {
		if err := bi.Write(dir); err != nil {
			return fmt.Errorf("write build info %s: %w", bi.ID, err)
		}
	}
	return nil
}

// artifactContracts lists the contracts for the artifact writer, skipping the
// buckets in exclude.
func (o *AggregatedOutput) artifactContracts(exclude map[bucket]bool) []artifacts.Contract {
	var out []artifacts.Contract
	for file, byName := range o.Contracts {
		for name, list := range byName {
			for _, c := range list {
				if exclude[bucket{versionString(c.Version), c.Profile}] {
					continue
				}
				out = append(out, artifacts.Contract{
					File:     file,
					Name:     name,
					Version:  c.Version,
					BuildID:  c.BuildID,
					Profile:  c.Profile,
					SourceID: o.sourceID(file, c.BuildID),
					Contract: c.Contract,
				})
			}
		}
	}
	return out
}

func (o *AggregatedOutput) sourceID(file, buildID string) int {
	for _, sf := range o.Sources[file] {
		if sf.BuildID == buildID {
			return sf.ID
		}
	}
	return 0
}

func versionString(v *semver.Version) string {
	if v == nil {
		return ""
	}
	return v.String()
}
