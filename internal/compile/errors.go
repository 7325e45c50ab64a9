package compile

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error definitions
// ============================================================================

// Phase names one step of a compile run.
type Phase string

const (
	PhaseResolve        Phase = "resolve"
	PhasePreprocess     Phase = "preprocess"
	PhaseCompile        Phase = "compile"
	PhaseWriteArtifacts Phase = "write-artifacts"
	PhaseWriteCache     Phase = "write-cache"
)

var (
	// ErrStateConsumed means a state was transitioned twice.
	ErrStateConsumed = errors.New("compile state already consumed")
	// ErrNoCompiler means the project compiler was nil.
	ErrNoCompiler = errors.New("no compiler configured")
)

// PhaseError is the fatal error of a run, tagged with the phase it came from.
// The cause is returned unchanged by Unwrap.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// wrap tags err with phase unless it already carries one.
func wrap(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: phase, Err: err}
}
