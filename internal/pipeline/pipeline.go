// Package pipeline runs an ordered chain of named stages over an input value.
//
// A Pipeline is fixed in structure once built. Stage options can be changed
// per call with scoped overrides (Run) or persistently (SetParams); either way
// every option is addressed by a "<stage>.<option>" path that must resolve to
// an option the stage declares.
//
// When a cache is attached, each stage's output is memoized under a
// fingerprint of the stage identity, its effective params and its input.
// Every stage is looked up independently: a hit upstream does not imply a hit
// downstream unless the downstream key also matches.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"pipeweaver/internal/cache"
	"pipeweaver/internal/fingerprint"
	"pipeweaver/internal/logging"
	"pipeweaver/internal/trace"
)

// Pipeline is an immutable sequence of stages with mutable persisted params.
//
// It is safe for concurrent use.
type Pipeline struct {
	stages   []Stage
	index    map[string]int
	defaults []Params

	mu        sync.RWMutex
	persisted []Params

	cache  cache.Cache
	sink   trace.Sink
	logger *slog.Logger
}

// Option configures a Pipeline at build time.
type Option func(*Pipeline)

// WithCache memoizes stage outputs in c.
func WithCache(c cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithSink records stage decisions to s.
func WithSink(s trace.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Build validates the stage list and returns a pipeline.
//
// Validation rejects:
//   - an empty stage list
//   - nil stages, empty names and names containing '.'
//   - duplicate names
//   - default params that cannot be fingerprinted
func Build(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, &BuildError{Kind: ErrEmptyPipeline}
	}

	p := &Pipeline{
		stages:    make([]Stage, len(stages)),
		index:     make(map[string]int, len(stages)),
		defaults:  make([]Params, len(stages)),
		persisted: make([]Params, len(stages)),
		sink:      trace.NopSink{},
	}
	for i, s := range stages {
		if s == nil {
			return nil, &InvalidStageError{Index: i, Reason: "stage is nil"}
		}
		name := s.Name()
		if name == "" {
			return nil, &InvalidStageError{Index: i, Reason: "stage name is required"}
		}
		if strings.Contains(name, ".") {
			return nil, &InvalidStageError{Index: i, Name: name, Reason: "stage name must not contain '.'"}
		}
		if first, exists := p.index[name]; exists {
			return nil, &DuplicateStageNameError{Name: name, First: first, Second: i}
		}
		defaults := s.Params().Clone()
		for _, opt := range defaults.Keys() {
			if _, err := fingerprint.Of(defaults[opt]); err != nil {
				return nil, &InvalidParameterValueError{Path: ParamPath{Stage: name, Option: opt}.String(), Cause: err}
			}
		}
		p.stages[i] = s
		p.index[name] = i
		p.defaults[i] = defaults
		p.persisted[i] = Params{}
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.sink == nil {
		p.sink = trace.NopSink{}
	}
	if p.logger == nil {
		p.logger = logging.L()
	}
	return p, nil
}

// Len reports the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// StageNames returns the stage names in declared order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Cache returns the attached cache, or nil.
func (p *Pipeline) Cache() cache.Cache { return p.cache }

// ValidatePaths checks that every path resolves to a declared stage option.
// All failures are reported together, sorted.
func (p *Pipeline) ValidatePaths(paths []string) error {
	var bad []string
	for _, raw := range paths {
		if _, _, err := p.resolve(raw); err != nil {
			bad = append(bad, raw)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &UnknownParameterError{Paths: bad}
}

func (p *Pipeline) resolve(raw string) (int, string, error) {
	path, err := ParsePath(raw)
	if err != nil {
		return 0, "", err
	}
	i, ok := p.index[path.Stage]
	if !ok {
		return 0, "", fmt.Errorf("no stage %q", path.Stage)
	}
	if _, ok := p.defaults[i][path.Option]; !ok {
		return 0, "", fmt.Errorf("stage %q has no option %q", path.Stage, path.Option)
	}
	return i, path.Option, nil
}

// split validates overrides and groups them by stage index.
func (p *Pipeline) split(overrides Params) ([]Params, error) {
	keys := overrides.Keys()
	if err := p.ValidatePaths(keys); err != nil {
		return nil, err
	}
	grouped := make([]Params, len(p.stages))
	for _, k := range keys {
		if _, err := fingerprint.Of(overrides[k]); err != nil {
			return nil, &InvalidParameterValueError{Path: k, Cause: err}
		}
		i, opt, _ := p.resolve(k)
		if grouped[i] == nil {
			grouped[i] = Params{}
		}
		grouped[i][opt] = overrides[k]
	}
	return grouped, nil
}

// Params returns a snapshot of the persisted effective configuration,
// keyed by stage name.
func (p *Pipeline) Params() map[string]Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Params, len(p.stages))
	for i, s := range p.stages {
		out[s.Name()] = merge(p.defaults[i], p.persisted[i])
	}
	return out
}

// SetParams validates overrides like Run and then persists them. Later runs
// compute new fingerprints, so cache entries for the old values are bypassed.
func (p *Pipeline) SetParams(overrides Params) error {
	grouped, err := p.split(overrides)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, g := range grouped {
		if g != nil {
			p.persisted[i] = merge(p.persisted[i], g)
		}
	}
	return nil
}

// Clone returns a pipeline with its own parameter slots. Stages, cache,
// sink and logger are shared.
func (p *Pipeline) Clone() *Pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := &Pipeline{
		stages:    p.stages,
		index:     p.index,
		defaults:  p.defaults,
		persisted: make([]Params, len(p.persisted)),
		cache:     p.cache,
		sink:      p.sink,
		logger:    p.logger,
	}
	for i, ps := range p.persisted {
		c.persisted[i] = ps.Clone()
	}
	return c
}

// WithParams returns a clone with overrides persisted. The receiver is unchanged.
func (p *Pipeline) WithParams(overrides Params) (*Pipeline, error) {
	c := p.Clone()
	if err := c.SetParams(overrides); err != nil {
		return nil, err
	}
	return c, nil
}

// Hash identifies the declared structure: stage names, implementation
// versions and persisted effective params, in order.
func (p *Pipeline) Hash() fingerprint.Fingerprint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parts := make([]string, 0, len(p.stages))
	for i, s := range p.stages {
		// Params were checked at Build and SetParams.
		ph, _ := fingerprint.Of(map[string]any(merge(p.defaults[i], p.persisted[i])))
		parts = append(parts, string(fingerprint.Combine(s.Name(), stageVersion(s), fmt.Sprintf("%T", s), string(ph))))
	}
	return fingerprint.Combine(parts...)
}

// ClearCache empties the attached cache, if any.
func (p *Pipeline) ClearCache(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Clear(ctx)
}

// StageReport describes what happened to one stage during a Run.
type StageReport struct {
	Name    string
	Index   int
	Key     fingerprint.Fingerprint
	State   StageState
	Elapsed time.Duration
}

// RunResult is the output of a successful Run.
type RunResult struct {
	Output any
	Stages []StageReport
}

// Cached reports how many stages were served from the cache.
func (r *RunResult) Cached() int {
	n := 0
	for _, s := range r.Stages {
		if s.State == StageCached {
			n++
		}
	}
	return n
}

// Run applies every stage in declared order, stage i's output feeding
// stage i+1.
//
// overrides are "<stage>.<option>" paths scoped to this call; persisted
// params are not modified. Unknown paths fail with *UnknownParameterError
// before any stage runs. A failing or panicking stage halts the run with
// *StageExecutionError and the remaining stages are skipped. There is no retry.
func (p *Pipeline) Run(ctx context.Context, input any, overrides Params) (*RunResult, error) {
	grouped, err := p.split(overrides)
	if err != nil {
		return nil, err
	}

	effective := make([]Params, len(p.stages))
	p.mu.RLock()
	for i := range p.stages {
		effective[i] = merge(p.defaults[i], p.persisted[i], grouped[i])
	}
	p.mu.RUnlock()

	r := &stageRun{p: p, scope: trace.ScopeFrom(ctx), state: newRunState(len(p.stages))}
	out, err := r.run(ctx, input, effective)
	if err != nil {
		return nil, err
	}
	return &RunResult{Output: out, Stages: r.reports}, nil
}

// stageRun carries the bookkeeping of a single Run.
type stageRun struct {
	p       *Pipeline
	scope   *trace.Scope
	state   runState
	reports []StageReport
}

func (r *stageRun) run(ctx context.Context, input any, effective []Params) (any, error) {
	cur := input
	for i, s := range r.p.stages {
		name := s.Name()
		if err := ctx.Err(); err != nil {
			r.skip(i, "Canceled")
			return nil, fmt.Errorf("pipeline canceled before stage %q: %w", name, err)
		}

		var key fingerprint.Fingerprint
		if r.p.cache != nil {
			k, err := stageKey(s, effective[i], cur)
			if err != nil {
				r.skip(i, "KeyError")
				return nil, fmt.Errorf("stage %q: computing cache key: %w", name, err)
			}
			key = k

			entry, err := r.p.cache.Get(ctx, key)
			if err != nil {
				r.skip(i, "CacheError")
				return nil, fmt.Errorf("stage %q: cache get: %w", name, err)
			}
			if entry != nil {
				if err := r.state.transition(i, StagePending, StageCached); err != nil {
					return nil, err
				}
				r.record(trace.Event{Kind: trace.EventStageCached, Stage: name, StageIndex: i, Key: string(key)})
				r.reports = append(r.reports, StageReport{Name: name, Index: i, Key: key, State: StageCached})
				r.p.logger.Debug("stage cached", "stage", name, "index", i, "key", key.Short())
				cur = entry.Value
				continue
			}
		}

		if err := r.state.transition(i, StagePending, StageRunning); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := apply(ctx, s, effective[i], cur)
		elapsed := time.Since(start)
		if err != nil {
			_ = r.state.transition(i, StageRunning, StageFailed)
			r.record(trace.Event{Kind: trace.EventStageFailed, Stage: name, StageIndex: i, Key: string(key), Reason: "StageError", Elapsed: elapsed})
			r.p.logger.Warn("stage failed", "stage", name, "index", i, "err", err)
			r.skip(i+1, "UpstreamFailed")
			return nil, &StageExecutionError{Stage: name, Index: i, Cause: err}
		}
		if err := r.state.transition(i, StageRunning, StageCompleted); err != nil {
			return nil, err
		}
		r.record(trace.Event{Kind: trace.EventStageExecuted, Stage: name, StageIndex: i, Key: string(key), Elapsed: elapsed})
		r.reports = append(r.reports, StageReport{Name: name, Index: i, Key: key, State: StageCompleted, Elapsed: elapsed})
		r.p.logger.Debug("stage executed", "stage", name, "index", i, "elapsed", elapsed)

		if r.p.cache != nil {
			if err := r.p.cache.Put(ctx, &cache.CacheEntry{Key: key, Stage: name, Value: out}); err != nil {
				r.skip(i+1, "CacheError")
				return nil, fmt.Errorf("stage %q: cache put: %w", name, err)
			}
		}
		cur = out
	}
	return cur, nil
}

func (r *stageRun) record(ev trace.Event) {
	ev.Scope = r.scope
	trace.SafeRecord(r.p.sink, ev)
}

func (r *stageRun) skip(from int, reason string) {
	for _, j := range r.state.skipFrom(from) {
		r.record(trace.Event{Kind: trace.EventStageSkipped, Stage: r.p.stages[j].Name(), StageIndex: j, Reason: reason})
	}
}

// stageKey fingerprints (stage identity, effective params, input).
func stageKey(s Stage, params Params, input any) (fingerprint.Fingerprint, error) {
	ph, err := fingerprint.Of(map[string]any(params))
	if err != nil {
		return "", fmt.Errorf("params: %w", err)
	}
	ih, err := fingerprint.Of(input)
	if err != nil {
		return "", fmt.Errorf("input: %w", err)
	}
	return fingerprint.Combine(s.Name(), stageVersion(s), fmt.Sprintf("%T", s), string(ph), string(ih)), nil
}

// apply runs the stage, converting a panic into a *PanicError.
func apply(ctx context.Context, s Stage, params Params, input any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return s.Apply(ctx, params.Clone(), input)
}
