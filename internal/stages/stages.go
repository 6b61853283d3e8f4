// Package stages provides ready-made pipeline stages and a registry that
// builds them by kind.
package stages

import (
	"context"
	"fmt"

	"pipeweaver/internal/pipeline"
)

// ApplyFunc is the transform behind a Func stage.
type ApplyFunc func(ctx context.Context, params pipeline.Params, input any) (any, error)

// FuncStage adapts a function to pipeline.Stage.
type FuncStage struct {
	name     string
	version  string
	defaults pipeline.Params
	fn       ApplyFunc
}

// Func wraps fn as a stage named name that declares the given defaults.
func Func(name string, defaults pipeline.Params, fn ApplyFunc) *FuncStage {
	return &FuncStage{name: name, defaults: defaults.Clone(), fn: fn}
}

// WithVersion returns a copy of the stage that reports version v. Bump it
// whenever fn changes behavior so cached outputs are not reused.
func (s *FuncStage) WithVersion(v string) *FuncStage {
	c := *s
	c.version = v
	return &c
}

func (s *FuncStage) Name() string            { return s.name }
func (s *FuncStage) Params() pipeline.Params { return s.defaults.Clone() }
func (s *FuncStage) Version() string         { return s.version }

func (s *FuncStage) Apply(ctx context.Context, params pipeline.Params, input any) (any, error) {
	if s.fn == nil {
		return nil, fmt.Errorf("stage %q has no function", s.name)
	}
	return s.fn(ctx, params, input)
}

// builtin is the shared shape of the stages in this package.
type builtin struct {
	name     string
	kind     string
	version  string
	defaults pipeline.Params
	apply    ApplyFunc
}

func (b *builtin) Name() string            { return b.name }
func (b *builtin) Params() pipeline.Params { return b.defaults.Clone() }
func (b *builtin) Version() string         { return b.kind + "/" + b.version }

// Kind reports the registry kind the stage was built from.
func (b *builtin) Kind() string { return b.kind }

func (b *builtin) Apply(ctx context.Context, params pipeline.Params, input any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.apply(ctx, params, input)
}
