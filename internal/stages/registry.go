package stages

import (
	"fmt"
	"sort"
	"sync"

	"pipeweaver/internal/pipeline"
)

// Built-in kinds.
const (
	KindScale          = "scale"
	KindOffset         = "offset"
	KindStandardScaler = "standard_scaler"
	KindRidge          = "ridge"
	KindMean           = "mean"
)

// Factory creates a stage named name with its default options.
type Factory func(name string) pipeline.Stage

// Registry maps kind names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindScale, func(name string) pipeline.Stage { return Scale(name, 1) })
	r.MustRegister(KindOffset, func(name string) pipeline.Stage { return Offset(name, 0) })
	r.MustRegister(KindStandardScaler, StandardScaler)
	r.MustRegister(KindRidge, func(name string) pipeline.Stage { return Ridge(name, 1) })
	r.MustRegister(KindMean, MeanRegressor)
	return r
}

// Register adds a kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return fmt.Errorf("stages: kind and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("stages: kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// UnknownKindError reports a kind missing from the registry.
type UnknownKindError struct {
	Kind  string
	Known []string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("stages: unknown kind %q (known: %v)", e.Kind, e.Known)
}

// New builds a stage of the given kind and replaces its defaults with params.
// Every key in params must be an option the kind declares.
func (r *Registry) New(kind, name string, params pipeline.Params) (pipeline.Stage, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownKindError{Kind: kind, Known: r.Kinds()}
	}
	s := f(name)
	if len(params) == 0 {
		return s, nil
	}
	return WithDefaults(s, params)
}

// WithDefaults returns s with some declared defaults replaced.
func WithDefaults(s pipeline.Stage, params pipeline.Params) (pipeline.Stage, error) {
	declared := s.Params()
	var unknown []string
	for _, k := range params.Keys() {
		if _, ok := declared[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("stage %q: unknown options %v", s.Name(), unknown)
	}
	merged := declared.Clone()
	for k, v := range params {
		merged[k] = v
	}
	if b, ok := s.(*builtin); ok {
		c := *b
		c.defaults = merged
		return &c, nil
	}
	return &configured{Stage: s, defaults: merged}, nil
}

// configured overrides the defaults of an arbitrary stage.
type configured struct {
	pipeline.Stage
	defaults pipeline.Params
}

func (c *configured) Params() pipeline.Params { return c.defaults.Clone() }

func (c *configured) Version() string {
	if v, ok := c.Stage.(pipeline.Versioned); ok {
		return v.Version()
	}
	return ""
}
