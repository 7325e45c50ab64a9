// ============================================================================
// forgec compilers - compiler abstraction
// ============================================================================
//
// Package: internal/compilers
// File: compilers.go
// Purpose: The capability interface every compiler backend implements, plus
//          the standard-JSON shaped input/output schema the orchestrator uses.
//
// Backends:
//   - solc/    local binaries driven through --standard-json
//   - remote/  a compile server reached over gRPC
//   - multi/   dispatches by language to one of the above
//   - fake/    deterministic in-process compiler for tests
//
// The orchestration core only depends on Compiler, Input and Output, so new
// backends never touch the state machine.
//
// ============================================================================

package compilers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvocation marks a failure to run the compiler itself (not a diagnostic).
var ErrInvocation = errors.New("compiler invocation failed")

// Language identifies the source language of a version group.
type Language string

const (
	Solidity Language = "Solidity"
	Vyper    Language = "Vyper"
)

// LanguageForFile derives the language from the file extension.
func LanguageForFile(path string) (Language, bool) {
	switch {
	case strings.HasSuffix(path, ".sol"):
		return Solidity, true
	case strings.HasSuffix(path, ".vy"), strings.HasSuffix(path, ".vyi"):
		return Vyper, true
	default:
		return "", false
	}
}

// Compiler is implemented by every compiler backend.
type Compiler interface {
	// Name is the human readable compiler name, e.g. "Solc".
	Name() string
	// Compile runs one compiler invocation. A returned error is an invocation failure;
	// source-level problems are reported through Output.Errors.
	Compile(ctx context.Context, input *Input) (*Output, error)
	// Available lists the versions this backend can compile with for a language.
	Available(lang Language) []*semver.Version
}

// InvocationError wraps an error returned by a compiler backend.
type InvocationError struct {
	Compiler string
	Version  string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Compiler, e.Version, e.Err)
}

func (e *InvocationError) Unwrap() []error {
	return []error{ErrInvocation, e.Err}
}
