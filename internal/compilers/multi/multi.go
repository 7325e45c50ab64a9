// Package multi routes each compiler input to the backend registered for its language.
package multi

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
)

// Compiler dispatches by language.
type Compiler struct {
	backends map[compilers.Language]compilers.Compiler
}

// New creates an empty dispatcher.
func New() *Compiler {
	return &Compiler{backends: make(map[compilers.Language]compilers.Compiler)}
}

// With registers the backend for a language and returns the dispatcher.
func (c *Compiler) With(lang compilers.Language, backend compilers.Compiler) *Compiler {
	c.backends[lang] = backend
	return c
}

func (c *Compiler) Name() string { return "Multi" }

func (c *Compiler) Available(lang compilers.Language) []*semver.Version {
	b, ok := c.backends[lang]
	if !ok {
		return nil
	}
	return b.Available(lang)
}

func (c *Compiler) Compile(ctx context.Context, input *compilers.Input) (*compilers.Output, error) {
	b, ok := c.backends[input.Language]
	if !ok {
		return nil, fmt.Errorf("no compiler configured for %s", input.Language)
	}
	return b.Compile(ctx, input)
}
