// Package fake is an in-process compiler that produces deterministic output from
// source text alone. It recognises `contract|interface|library Name` declarations
// and diagnostic markers of the form
//
//	// @error 1234 message
//	// @warning 5667 message
//
// Any error marker in an input suppresses all contract output for that input, the
// same way a real compiler refuses to emit bytecode for a failing compilation.
package fake

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/zeebo/blake3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

var (
	contractRe = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?(?:contract|interface|library)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	functionRe = regexp.MustCompile(`function\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)
	markerRe   = regexp.MustCompile(`(?m)//\s*@(error|warning|info)\s+(\d+)\s*(.*)$`)
)

// Compiler is a fake compiler backend. The zero value is not usable; use New.
type Compiler struct {
	name     string
	versions map[compilers.Language][]*semver.Version

	// Delay is slept before each compilation; used to shake out scheduling order.
	Delay time.Duration
	// Fail, when set, is returned as an invocation failure for matching inputs.
	Fail func(*compilers.Input) error

	mu    sync.Mutex
	calls []*compilers.Input
}

// New creates a fake compiler offering the given Solidity versions.
func New(versions ...string) *Compiler {
	c := &Compiler{
		name:     "Solc",
		versions: make(map[compilers.Language][]*semver.Version),
	}
	for _, v := range versions {
		c.versions[compilers.Solidity] = append(c.versions[compilers.Solidity], semver.MustParse(v))
	}
	return c
}

// WithVyper adds Vyper versions.
func (c *Compiler) WithVyper(versions ...string) *Compiler {
	for _, v := range versions {
		c.versions[compilers.Vyper] = append(c.versions[compilers.Vyper], semver.MustParse(v))
	}
	return c
}

func (c *Compiler) Name() string { return c.name }

func (c *Compiler) Available(lang compilers.Language) []*semver.Version {
	return append([]*semver.Version(nil), c.versions[lang]...)
}

// Calls returns every input compiled so far, in call order.
func (c *Compiler) Calls() []*compilers.Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*compilers.Input(nil), c.calls...)
}

// Reset forgets recorded calls.
func (c *Compiler) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}

func (c *Compiler) Compile(ctx context.Context, input *compilers.Input) (*compilers.Output, error) {
	c.mu.Lock()
	c.calls = append(c.calls, input)
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Fail != nil {
		if err := c.Fail(input); err != nil {
			return nil, err
		}
	}

	out := &compilers.Output{
		Sources:   make(map[string]compilers.SourceFile, len(input.Sources)),
		Contracts: make(map[string]map[string]compilers.Contract),
	}

	files := input.Sources.Paths()
	failed := false
	for id, file := range files {
		src := input.Sources[file]
		out.Sources[file] = compilers.SourceFile{ID: id}
		for _, m := range markerRe.FindAllStringSubmatchIndex(src.Content, -1) {
			sev, _ := compilers.ParseSeverity(src.Content[m[2]:m[3]])
			d := compilers.Diagnostic{
				Severity:  sev,
				Type:      typeFor(sev),
				Component: "general",
				ErrorCode: src.Content[m[4]:m[5]],
				Message:   strings.TrimSpace(src.Content[m[6]:m[7]]),
				SourceLocation: &compilers.SourceLocation{
					File:  file,
					Start: m[0],
					End:   m[1],
				},
			}
			if d.IsError() {
				failed = true
			}
			out.Errors = append(out.Errors, d)
		}
	}
	if failed {
		out.Contracts = nil
		return out, nil
	}

	for _, file := range files {
		if !wantsContracts(input.Settings.OutputSelection, file) {
			continue
		}
		content := input.Sources[file].Content
		for _, m := range contractRe.FindAllStringSubmatch(content, -1) {
			name := m[1]
			if out.Contracts[file] == nil {
				out.Contracts[file] = make(map[string]compilers.Contract)
			}
			out.Contracts[file][name] = buildContract(input, file, name, content)
		}
	}
	return out, nil
}

func typeFor(s compilers.Severity) string {
	switch s {
	case compilers.SeverityError:
		return "TypeError"
	case compilers.SeverityWarning:
		return "Warning"
	default:
		return "Info"
	}
}

// wantsContracts reports whether the selection requests any contract level output for file.
func wantsContracts(sel compilers.OutputSelection, file string) bool {
	contracts, ok := sel[file]
	if !ok {
		contracts = sel["*"]
	}
	for name, fields := range contracts {
		if name != "" && len(fields) > 0 {
			return true
		}
	}
	return false
}

// signature keeps only the type of each parameter: "foo(uint256 x, address)"
// becomes "foo(uint256,address)".
func signature(name, params string) string {
	var typesOnly []string
	for _, p := range strings.Split(params, ",") {
		if fields := strings.Fields(p); len(fields) > 0 {
			typesOnly = append(typesOnly, fields[0])
		}
	}
	return name + "(" + strings.Join(typesOnly, ",") + ")"
}

func buildContract(input *compilers.Input, file, name, content string) compilers.Contract {
	version := ""
	if input.Version != nil {
		version = input.Version.String()
	}
	h := blake3.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%v", version, file, name, content, input.Settings.Optimizer)
	sum := h.Sum(nil)

	methods := map[string]string{}
	type abiEntry struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		Inputs []any  `json:"inputs"`
	}
	var abi []abiEntry
	for _, fn := range functionRe.FindAllStringSubmatch(content, -1) {
		sig := signature(fn[1], fn[2])
		sel := blake3.Sum256([]byte(sig))
		methods[sig] = hex.EncodeToString(sel[:4])
		abi = append(abi, abiEntry{Type: "function", Name: fn[1], Inputs: []any{}})
	}
	sort.Slice(abi, func(i, j int) bool { return abi[i].Name < abi[j].Name })
	if abi == nil {
		abi = []abiEntry{}
	}
	raw, _ := json.Marshal(abi)

	return compilers.Contract{
		ABI:      raw,
		Metadata: fmt.Sprintf(`{"compiler":{"version":%q},"sources":{%q:{}}}`, version, file),
		EVM: &compilers.EVM{
			Bytecode:          &compilers.Bytecode{Object: hex.EncodeToString(sum)},
			DeployedBytecode:  &compilers.Bytecode{Object: hex.EncodeToString(sum[:16])},
			MethodIdentifiers: methods,
		},
	}
}
