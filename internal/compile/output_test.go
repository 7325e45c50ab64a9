package compile

import (
	"bytes"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

func diag(sev compilers.Severity, code, file string) compilers.Diagnostic {
	d := compilers.Diagnostic{Severity: sev, ErrorCode: code, Message: "msg " + code}
	if file != "" {
		d.SourceLocation = &compilers.SourceLocation{File: file}
	}
	return d
}

func jobOutput(file, contract string, diags ...compilers.Diagnostic) *compilers.Output {
	return &compilers.Output{
		Errors:    diags,
		Sources:   map[string]compilers.SourceFile{file: {ID: 0}},
		Contracts: map[string]map[string]compilers.Contract{file: {contract: {ABI: []byte(`[]`)}}},
	}
}

// ============================================================================
// DiagnosticFilter
// ============================================================================

func TestDiagnosticFilter(t *testing.T) {
	warn := DiagnosticFilter{Severity: compilers.SeverityWarning, IgnoredCodes: []uint64{2072}, IgnoredPaths: []string{"/p/lib"}}
	deny := DiagnosticFilter{Severity: compilers.SeverityError}

	tests := []struct {
		name   string
		filter DiagnosticFilter
		d      compilers.Diagnostic
		ignore bool
		fails  bool
	}{
		{"error always fails", deny, diag(compilers.SeverityError, "2314", "/p/src/A.sol"), false, true},
		{"ignored code on error still fails", warn, diag(compilers.SeverityError, "2072", "/p/src/A.sol"), false, true},
		{"warning below error filter", deny, diag(compilers.SeverityWarning, "5667", "/p/src/A.sol"), false, false},
		{"warning with warning filter", warn, diag(compilers.SeverityWarning, "5667", "/p/src/A.sol"), false, true},
		{"ignored code", warn, diag(compilers.SeverityWarning, "2072", "/p/src/A.sol"), true, false},
		{"ignored path", warn, diag(compilers.SeverityWarning, "5667", "/p/lib/x/X.sol"), true, false},
		{"license in test file", warn, diag(compilers.SeverityWarning, "1878", "/p/test/A.t.sol"), true, false},
		{"size limit in test file", warn, diag(compilers.SeverityWarning, "5574", "/p/test/A.t.sol"), true, false},
		{"license in source file", warn, diag(compilers.SeverityWarning, "1878", "/p/src/A.sol"), false, true},
		{"info below warning filter", warn, diag(compilers.SeverityInfo, "1", ""), false, false},
		{"path containing ignored dir elsewhere", warn, diag(compilers.SeverityWarning, "5667", "/p/src/p/lib/X.sol"), false, true},
		{"sibling with ignored dir as prefix", warn, diag(compilers.SeverityWarning, "5667", "/p/library/X.sol"), false, true},
		{"codeless warning under ignored path", warn, diag(compilers.SeverityWarning, "", "/p/lib/X.sol"), false, true},
		{"info with ignored code", DiagnosticFilter{Severity: compilers.SeverityInfo, IgnoredCodes: []uint64{2072}},
			diag(compilers.SeverityInfo, "2072", "/p/src/A.sol"), false, true},
		{"info under ignored path", DiagnosticFilter{Severity: compilers.SeverityInfo, IgnoredPaths: []string{"/p/lib"}},
			diag(compilers.SeverityInfo, "5667", "/p/lib/X.sol"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ignore, tt.filter.ShouldIgnore(tt.d))
			assert.Equal(t, tt.fails, tt.filter.Fails(tt.d))
		})
	}
}

// ============================================================================
// AggregatedOutput
// ============================================================================

func TestExtendIsOrderIndependent(t *testing.T) {
	v1, v2 := semver.MustParse("0.7.6"), semver.MustParse("0.8.19")
	b1, b2 := &buildinfo.BuildInfo{ID: "b1"}, &buildinfo.BuildInfo{ID: "b2"}

	fold := func(order []int) *AggregatedOutput {
		o := NewAggregatedOutput()
		for _, i := range order {
			switch i {
			case 0:
				o.Extend(v1, b1, "default", jobOutput("/p/src/S.sol", "S", diag(compilers.SeverityWarning, "1", "/p/src/S.sol")))
			case 1:
				o.Extend(v2, b2, "default", jobOutput("/p/src/S.sol", "S", diag(compilers.SeverityWarning, "1", "/p/src/S.sol")))
			}
		}
		o.Sort()
		return o
	}

	a, b := fold([]int{0, 1}), fold([]int{1, 0})
	assert.Equal(t, a, b)
	require.Len(t, a.Contracts["/p/src/S.sol"]["S"], 2)
	assert.Equal(t, "0.7.6", a.Contracts["/p/src/S.sol"]["S"][0].Version.String())
	assert.Equal(t, "b1", a.BuildInfos[0].ID)
}

func TestJoinAndStripPaths(t *testing.T) {
	o := NewAggregatedOutput()
	o.Extend(semver.MustParse("0.8.19"), &buildinfo.BuildInfo{ID: "b"}, "default",
		jobOutput("src/A.sol", "A", diag(compilers.SeverityWarning, "1", "src/A.sol")))

	o.JoinAll("/p")
	assert.Contains(t, o.Contracts, "/p/src/A.sol")
	assert.Contains(t, o.Sources, "/p/src/A.sol")
	assert.Equal(t, "/p/src/A.sol", o.Errors[0].SourceLocation.File)

	o.StripPrefixAll("/p")
	assert.Contains(t, o.Contracts, "src/A.sol")
	assert.Equal(t, "src/A.sol", o.Errors[0].SourceLocation.File)

	o.Contracts[`src\B.sol`] = o.Contracts["src/A.sol"]
	o.SlashPaths()
	assert.Contains(t, o.Contracts, "src/B.sol")
}

func TestOutputQueries(t *testing.T) {
	o := NewAggregatedOutput()
	assert.True(t, o.IsEmpty())
	assert.True(t, o.IsUnchanged())
	assert.Nil(t, o.FindFirst("A"))

	o.Extend(semver.MustParse("0.8.19"), &buildinfo.BuildInfo{ID: "b"}, "default",
		jobOutput("/p/src/A.sol", "A", diag(compilers.SeverityWarning, "5667", "/p/src/A.sol")))
	assert.False(t, o.IsEmpty())
	assert.False(t, o.IsUnchanged())
	assert.Equal(t, 1, o.ContractCount())
	require.NotNil(t, o.FindFirst("A"))
	assert.Equal(t, "b", o.FindFirst("A").BuildID)

	deny := DiagnosticFilter{Severity: compilers.SeverityError}
	assert.False(t, o.HasError(deny))
	assert.True(t, o.HasWarning(deny))
	assert.False(t, o.HasWarning(DiagnosticFilter{IgnoredCodes: []uint64{5667}}))
	assert.Len(t, o.Diagnostics(deny), 1)
}

func TestFailedBucketsExcludeArtifacts(t *testing.T) {
	o := NewAggregatedOutput()
	o.Extend(semver.MustParse("0.8.19"), &buildinfo.BuildInfo{ID: "ok"}, "default", jobOutput("/p/src/A.sol", "A"))
	o.Extend(semver.MustParse("0.8.19"), &buildinfo.BuildInfo{ID: "bad"}, "heavy",
		jobOutput("/p/src/B.sol", "B", diag(compilers.SeverityError, "1", "/p/src/B.sol")))

	failed := o.failedBuckets(DiagnosticFilter{})
	assert.Equal(t, map[bucket]bool{{"0.8.19", "heavy"}: true}, failed)

	contracts := o.artifactContracts(failed)
	require.Len(t, contracts, 1)
	assert.Equal(t, "A", contracts[0].Name)
	assert.Len(t, o.artifactContracts(nil), 2)
}

func TestWriteDiagnostics(t *testing.T) {
	color.NoColor = true
	o := NewAggregatedOutput()
	o.Extend(semver.MustParse("0.8.19"), &buildinfo.BuildInfo{ID: "b"}, "default", jobOutput("/p/src/A.sol", "A",
		diag(compilers.SeverityError, "2314", "/p/src/A.sol"),
		diag(compilers.SeverityWarning, "2072", "/p/src/A.sol"),
	))

	var buf bytes.Buffer
	require.NoError(t, o.WriteDiagnostics(&buf, DiagnosticFilter{IgnoredCodes: []uint64{2072}}))
	assert.Contains(t, buf.String(), "msg 2314")
	assert.NotContains(t, buf.String(), "msg 2072")
}

func TestWriteBuildInfos(t *testing.T) {
	dir := t.TempDir()
	o := NewAggregatedOutput()
	o.BuildInfos = []*buildinfo.BuildInfo{{ID: "one", Format: buildinfo.Format}, {ID: "two", Format: buildinfo.Format}}
	require.NoError(t, o.WriteBuildInfos(dir))

	all, err := buildinfo.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
