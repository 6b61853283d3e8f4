package pipeline

import "context"

// Stage is one named transform step.
//
// Implementations must be stateless with respect to Apply: the same stage
// value may run concurrently in several pipelines and goroutines, and must
// not mutate its input.
type Stage interface {
	// Name identifies the stage within its pipeline. It must be non-empty and
	// must not contain '.'.
	Name() string

	// Params declares the stage's options and their default values. Only
	// declared options can be overridden.
	Params() Params

	// Apply transforms input using the effective params.
	Apply(ctx context.Context, params Params, input any) (any, error)
}

// Versioned is implemented by stages whose behavior changes between
// releases. The version is folded into cache keys so stale outputs are not
// reused after an upgrade.
type Versioned interface {
	Version() string
}

func stageVersion(s Stage) string {
	if v, ok := s.(Versioned); ok {
		return v.Version()
	}
	return ""
}
