package compilers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/foundry-rs/foundry-sub026/pkg/types"
)

// Severity of a compiler diagnostic. Higher is more severe.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// ParseSeverity parses "error", "warning" or "info" (case insensitive).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "":
		return SeverityError, nil
	case "warning":
		return SeverityWarning, nil
	case "info":
		return SeverityInfo, nil
	default:
		return SeverityError, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SourceLocation points into a source file.
type SourceLocation struct {
	File  string `json:"file"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Diagnostic is a compiler-reported warning or error about the source code.
type Diagnostic struct {
	Severity         Severity        `json:"severity"`
	Type             string          `json:"type,omitempty"`
	Component        string          `json:"component,omitempty"`
	ErrorCode        string          `json:"errorCode,omitempty"`
	Message          string          `json:"message"`
	FormattedMessage string          `json:"formattedMessage,omitempty"`
	SourceLocation   *SourceLocation `json:"sourceLocation,omitempty"`
}

// IsError reports whether the diagnostic has error severity.
func (d Diagnostic) IsError() bool { return d.Severity == SeverityError }

// IsWarning reports whether the diagnostic has warning severity.
func (d Diagnostic) IsWarning() bool { return d.Severity == SeverityWarning }

// Code returns the numeric error code, if any.
func (d Diagnostic) Code() (uint64, bool) {
	if d.ErrorCode == "" {
		return 0, false
	}
	var code uint64
	if _, err := fmt.Sscanf(d.ErrorCode, "%d", &code); err != nil {
		return 0, false
	}
	return code, true
}

func (d Diagnostic) String() string {
	if d.FormattedMessage != "" {
		return strings.TrimRight(d.FormattedMessage, "\n")
	}
	loc := ""
	if d.SourceLocation != nil {
		loc = fmt.Sprintf(" --> %s:%d:%d", d.SourceLocation.File, d.SourceLocation.Start, d.SourceLocation.End)
	}
	code := ""
	if d.ErrorCode != "" {
		code = " (" + d.ErrorCode + ")"
	}
	return fmt.Sprintf("%s%s: %s%s", d.Severity, code, d.Message, loc)
}

// SourceFile is the per-file part of the compiler output.
type SourceFile struct {
	ID  int             `json:"id"`
	AST json.RawMessage `json:"ast,omitempty"`
}

// Bytecode holds hex object code.
type Bytecode struct {
	Object string `json:"object"`
}

// EVM is the evm section of a compiled contract.
type EVM struct {
	Bytecode          *Bytecode         `json:"bytecode,omitempty"`
	DeployedBytecode  *Bytecode         `json:"deployedBytecode,omitempty"`
	MethodIdentifiers map[string]string `json:"methodIdentifiers,omitempty"`
}

// Contract is the per-contract part of the compiler output.
type Contract struct {
	ABI      json.RawMessage `json:"abi,omitempty"`
	Metadata string          `json:"metadata,omitempty"`
	EVM      *EVM            `json:"evm,omitempty"`
}

// Output is the raw output of one compiler invocation.
type Output struct {
	Errors    []Diagnostic                   `json:"errors,omitempty"`
	Sources   map[string]SourceFile          `json:"sources,omitempty"`
	Contracts map[string]map[string]Contract `json:"contracts,omitempty"`
}

// RetainFiles drops every source and contract entry whose file is not in files.
// Diagnostics are kept.
func (o *Output) RetainFiles(files []string) {
	keep := make(map[string]struct{}, len(files))
	for _, f := range files {
		keep[types.SlashPath(f)] = struct{}{}
	}
	for file := range o.Sources {
		if _, ok := keep[file]; !ok {
			delete(o.Sources, file)
		}
	}
	for file := range o.Contracts {
		if _, ok := keep[file]; !ok {
			delete(o.Contracts, file)
		}
	}
}

// JoinAll joins root onto every path in the output.
func (o *Output) JoinAll(root string) {
	o.rewritePaths(func(p string) string { return types.JoinRoot(root, p) })
}

// StripPrefixAll makes every path in the output relative to root.
func (o *Output) StripPrefixAll(root string) {
	o.rewritePaths(func(p string) string { return types.StripPrefix(p, root) })
}

func (o *Output) rewritePaths(fn func(string) string) {
	if o.Sources != nil {
		sources := make(map[string]SourceFile, len(o.Sources))
		for file, sf := range o.Sources {
			sources[fn(file)] = sf
		}
		o.Sources = sources
	}
	if o.Contracts != nil {
		contracts := make(map[string]map[string]Contract, len(o.Contracts))
		for file, c := range o.Contracts {
			contracts[fn(file)] = c
		}
		o.Contracts = contracts
	}
	for i := range o.Errors {
		if loc := o.Errors[i].SourceLocation; loc != nil {
			cp := *loc
			cp.File = fn(cp.File)
			o.Errors[i].SourceLocation = &cp
		}
	}
}
