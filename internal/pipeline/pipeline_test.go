package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"pipeweaver/internal/cache"
	"pipeweaver/internal/logging"
	"pipeweaver/internal/trace"
)

// arith multiplies by "factor" then adds "amount"; calls counts Apply invocations.
type arith struct {
	name     string
	defaults Params
	calls    atomic.Int64
}

func (a *arith) Name() string   { return a.name }
func (a *arith) Params() Params { return a.defaults }

func (a *arith) Apply(_ context.Context, params Params, input any) (any, error) {
	a.calls.Add(1)
	x, ok := input.(float64)
	if !ok {
		return nil, errors.New("arith: input is not float64")
	}
	if _, ok := params["factor"]; ok {
		f, err := params.Float("factor")
		if err != nil {
			return nil, err
		}
		x *= f
	}
	if _, ok := params["amount"]; ok {
		d, err := params.Float("amount")
		if err != nil {
			return nil, err
		}
		x += d
	}
	return x, nil
}

func scale(factor float64) *arith {
	return &arith{name: "scale", defaults: Params{"factor": factor}}
}

func offset(amount float64) *arith {
	return &arith{name: "offset", defaults: Params{"amount": amount}}
}

type failing struct {
	name  string
	err   error
	panic bool
}

func (f *failing) Name() string   { return f.name }
func (f *failing) Params() Params { return Params{} }
func (f *failing) Apply(context.Context, Params, any) (any, error) {
	if f.panic {
		panic("boom")
	}
	return nil, f.err
}

func build(t *testing.T, stages []Stage, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	p, err := Build(stages, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

// TestRun_ScaleThenOffset covers the canonical example: [scale(2), offset(1)]
// applied to 3 yields 7.
func TestRun_ScaleThenOffset(t *testing.T) {
	p := build(t, []Stage{scale(2), offset(1)})
	res, err := p.Run(context.Background(), 3.0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != 7.0 {
		t.Fatalf("output = %v, want 7", res.Output)
	}
	if len(res.Stages) != 2 || res.Stages[0].State != StageCompleted || res.Stages[1].Name != "offset" {
		t.Errorf("unexpected reports: %+v", res.Stages)
	}
}

// TestRun_OverrideIsScoped verifies an override affects one call only.
func TestRun_OverrideIsScoped(t *testing.T) {
	p := build(t, []Stage{scale(2), offset(1)})
	res, err := p.Run(context.Background(), 3.0, Params{"scale.factor": 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != 10.0 {
		t.Fatalf("output = %v, want 10", res.Output)
	}
	if got := p.Params()["scale"]["factor"]; got != 2.0 {
		t.Errorf("persisted factor = %v, want 2", got)
	}
	res, _ = p.Run(context.Background(), 3.0, nil)
	if res.Output != 7.0 {
		t.Errorf("subsequent run = %v, want 7", res.Output)
	}
}

// TestRun_MatchesManualComposition checks Run against applying each stage by hand.
func TestRun_MatchesManualComposition(t *testing.T) {
	stages := []*arith{scale(1.5), offset(-4), {name: "both", defaults: Params{"factor": 2, "amount": 0.25}}}
	var list []Stage
	for _, s := range stages {
		list = append(list, s)
	}
	p := build(t, list)

	for _, in := range []float64{0, 1, -3.5, 1e6} {
		want := any(in)
		for _, s := range stages {
			var err error
			want, err = s.Apply(context.Background(), s.Params(), want)
			if err != nil {
				t.Fatal(err)
			}
		}
		res, err := p.Run(context.Background(), in, nil)
		if err != nil {
			t.Fatalf("Run(%v): %v", in, err)
		}
		if res.Output != want {
			t.Errorf("Run(%v) = %v, want %v", in, res.Output, want)
		}
	}
}

func TestRun_UnknownParametersListedTogether(t *testing.T) {
	s := scale(2)
	p := build(t, []Stage{s, offset(1)})
	_, err := p.Run(context.Background(), 3.0, Params{
		"scale.factor":  3,
		"scale.missing": 1,
		"nostage.x":     1,
		"malformed":     1,
		"offset.amount": 2,
	})
	var upe *UnknownParameterError
	if !errors.As(err, &upe) {
		t.Fatalf("expected *UnknownParameterError, got %v", err)
	}
	want := []string{"malformed", "nostage.x", "scale.missing"}
	if !reflect.DeepEqual(upe.Paths, want) {
		t.Errorf("paths = %v, want %v", upe.Paths, want)
	}
	if s.calls.Load() != 0 {
		t.Error("no stage may run when validation fails")
	}
}

func TestRun_UnhashableOverrideRejected(t *testing.T) {
	p := build(t, []Stage{scale(2)})
	_, err := p.Run(context.Background(), 3.0, Params{"scale.factor": func() {}})
	var ive *InvalidParameterValueError
	if !errors.As(err, &ive) || ive.Path != "scale.factor" {
		t.Fatalf("expected *InvalidParameterValueError for scale.factor, got %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	cases := []struct {
		name   string
		stages []Stage
		check  func(error) bool
	}{
		{"empty", nil, func(err error) bool { return errors.Is(err, ErrEmptyPipeline) }},
		{"duplicate", []Stage{scale(1), offset(1), scale(2)}, func(err error) bool {
			var d *DuplicateStageNameError
			return errors.As(err, &d) && d.Name == "scale" && d.First == 0 && d.Second == 2
		}},
		{"nil stage", []Stage{scale(1), nil}, func(err error) bool {
			var e *InvalidStageError
			return errors.As(err, &e) && e.Index == 1
		}},
		{"empty name", []Stage{&arith{name: ""}}, func(err error) bool {
			var e *InvalidStageError
			return errors.As(err, &e)
		}},
		{"dotted name", []Stage{&arith{name: "a.b"}}, func(err error) bool {
			var e *InvalidStageError
			return errors.As(err, &e) && errors.Is(err, ErrInvalidPipeline)
		}},
		{"unhashable default", []Stage{&arith{name: "a", defaults: Params{"f": make(chan int)}}}, func(err error) bool {
			var e *InvalidParameterValueError
			return errors.As(err, &e) && e.Path == "a.f"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.stages)
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestRun_StageFailureHaltsAndSkips verifies the failing stage is wrapped and
// downstream stages never run.
func TestRun_StageFailureHaltsAndSkips(t *testing.T) {
	cause := errors.New("bad input")
	after := offset(1)
	rec := trace.NewRecorder()
	p := build(t, []Stage{scale(2), &failing{name: "explode", err: cause}, after}, WithSink(rec))

	_, err := p.Run(context.Background(), 3.0, nil)
	var se *StageExecutionError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageExecutionError, got %v", err)
	}
	if se.Stage != "explode" || se.Index != 1 || !errors.Is(err, cause) {
		t.Errorf("unexpected error: %+v", se)
	}
	if after.calls.Load() != 0 {
		t.Error("stage after the failure must not run")
	}

	kinds := map[trace.EventKind]string{}
	for _, ev := range rec.Snapshot() {
		kinds[ev.Kind] = ev.Stage
	}
	if kinds[trace.EventStageFailed] != "explode" || kinds[trace.EventStageSkipped] != "offset" {
		t.Errorf("unexpected trace events: %v", rec.Snapshot())
	}
}

func TestRun_PanicBecomesStageExecutionError(t *testing.T) {
	p := build(t, []Stage{&failing{name: "explode", panic: true}})
	_, err := p.Run(context.Background(), 1.0, nil)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "boom" {
		t.Fatalf("expected wrapped *PanicError, got %v", err)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	s := scale(2)
	p := build(t, []Stage{s})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, 1.0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.calls.Load() != 0 {
		t.Error("no stage should run on a canceled context")
	}
}

// TestRun_CacheHitAddsNoEntries runs twice with the same input and overrides.
func TestRun_CacheHitAddsNoEntries(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	s, o := scale(2), offset(1)
	p := build(t, []Stage{s, o}, WithCache(c))

	first, err := p.Run(ctx, 3.0, Params{"offset.amount": 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	n1, _ := c.Len(ctx)

	second, err := p.Run(ctx, 3.0, Params{"offset.amount": 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	n2, _ := c.Len(ctx)

	if first.Output != second.Output || second.Output != 11.0 {
		t.Fatalf("outputs %v and %v, want 11", first.Output, second.Output)
	}
	if n1 != 2 || n2 != n1 {
		t.Errorf("cache entries: %d then %d, want 2 then 2", n1, n2)
	}
	if second.Cached() != 2 {
		t.Errorf("cached stages = %d, want 2", second.Cached())
	}
	if s.calls.Load() != 1 || o.calls.Load() != 1 {
		t.Errorf("apply calls: scale=%d offset=%d, want 1 each", s.calls.Load(), o.calls.Load())
	}
}

// TestRun_DifferentOverridesNeverShareEntries verifies params are part of the key.
func TestRun_DifferentOverridesNeverShareEntries(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	p := build(t, []Stage{scale(2), offset(1)}, WithCache(c))

	a, err := p.Run(ctx, 3.0, Params{"scale.factor": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Run(ctx, 3.0, Params{"scale.factor": 4.0})
	if err != nil {
		t.Fatal(err)
	}
	if a.Output == b.Output {
		t.Fatalf("different overrides returned the same output %v", a.Output)
	}
	if a.Stages[0].Key == b.Stages[0].Key {
		t.Error("scale keys must differ")
	}
	if b.Stages[0].State != StageCompleted {
		t.Errorf("scale with new factor should execute, got %s", b.Stages[0].State)
	}
	if n, _ := c.Len(ctx); n != 4 {
		t.Errorf("cache entries = %d, want 4", n)
	}
}

// TestRun_DownstreamMissAfterUpstreamHit verifies each stage is looked up
// independently.
func TestRun_DownstreamMissAfterUpstreamHit(t *testing.T) {
	ctx := context.Background()
	p := build(t, []Stage{scale(2), offset(1)}, WithCache(cache.NewMemoryCache()))
	if _, err := p.Run(ctx, 3.0, nil); err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(ctx, 3.0, Params{"offset.amount": 9})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stages[0].State != StageCached || res.Stages[1].State != StageCompleted {
		t.Errorf("states = %s, %s; want CACHED, COMPLETED", res.Stages[0].State, res.Stages[1].State)
	}
	if res.Output != 15.0 {
		t.Errorf("output = %v, want 15", res.Output)
	}
}

// TestRun_EqualInputsShareEntries verifies structurally equal inputs hit the
// same entry even when built independently.
func TestRun_EqualInputsShareEntries(t *testing.T) {
	ctx := context.Background()
	st := &sumStage{}
	p := build(t, []Stage{st}, WithCache(cache.NewMemoryCache()))

	if _, err := p.Run(ctx, []float64{1, 2, 3}, nil); err != nil {
		t.Fatal(err)
	}
	in := make([]float64, 0, 8)
	in = append(in, 1, 2, 3)
	res, err := p.Run(ctx, in, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached() != 1 || st.calls.Load() != 1 {
		t.Errorf("expected a cache hit, cached=%d calls=%d", res.Cached(), st.calls.Load())
	}
}

type sumStage struct{ calls atomic.Int64 }

func (*sumStage) Name() string   { return "sum" }
func (*sumStage) Params() Params { return Params{} }
func (s *sumStage) Apply(_ context.Context, _ Params, input any) (any, error) {
	s.calls.Add(1)
	total := 0.0
	for _, v := range input.([]float64) {
		total += v
	}
	return total, nil
}

type samples []float64

// passthrough returns its input unchanged, keeping the input's dynamic type.
type passthrough struct{ calls atomic.Int64 }

func (*passthrough) Name() string   { return "pass" }
func (*passthrough) Params() Params { return Params{} }
func (s *passthrough) Apply(_ context.Context, _ Params, input any) (any, error) {
	s.calls.Add(1)
	return input, nil
}

// TestRun_EqualContentDifferentTypesMiss verifies a cached output is never
// handed back for an input of another type, so cached and uncached runs
// return the same value.
func TestRun_EqualContentDifferentTypesMiss(t *testing.T) {
	cases := []struct {
		name        string
		first, then any
	}{
		{"slice vs named slice", []float64{1, 2}, samples{1, 2}},
		{"int vs int64", int(3), int64(3)},
		{"float64 vs float32", float64(2), float32(2)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := &passthrough{}
			c := cache.NewMemoryCache()
			p := build(t, []Stage{st}, WithCache(c))

			if _, err := p.Run(ctx, tc.first, nil); err != nil {
				t.Fatal(err)
			}
			res, err := p.Run(ctx, tc.then, nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.Cached() != 0 || st.calls.Load() != 2 {
				t.Errorf("expected a miss, cached=%d calls=%d", res.Cached(), st.calls.Load())
			}
			if !reflect.DeepEqual(res.Output, tc.then) {
				t.Errorf("output = %#v, want %#v", res.Output, tc.then)
			}
			if n, _ := c.Len(ctx); n != 2 {
				t.Errorf("cache entries = %d, want 2", n)
			}
		})
	}
}

func TestSetParams_PersistsAndInvalidatesKeys(t *testing.T) {
	ctx := context.Background()
	p := build(t, []Stage{scale(2), offset(1)}, WithCache(cache.NewMemoryCache()))
	before, _ := p.Run(ctx, 3.0, nil)
	h1 := p.Hash()

	if err := p.SetParams(Params{"scale.factor": 5.0}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if got := p.Params()["scale"]["factor"]; got != 5.0 {
		t.Errorf("persisted factor = %v, want 5", got)
	}
	after, _ := p.Run(ctx, 3.0, nil)
	if after.Output != 16.0 {
		t.Errorf("output = %v, want 16", after.Output)
	}
	if after.Stages[0].Key == before.Stages[0].Key {
		t.Error("reconfigured stage must get a new key")
	}
	if p.Hash() == h1 {
		t.Error("Hash must change with persisted params")
	}

	if err := p.SetParams(Params{"scale.nope": 1}); err == nil {
		t.Error("SetParams must validate paths")
	}
}

func TestWithParams_LeavesOriginalUntouched(t *testing.T) {
	p := build(t, []Stage{scale(2), offset(1)})
	q, err := p.WithParams(Params{"offset.amount": 10.0})
	if err != nil {
		t.Fatalf("WithParams: %v", err)
	}
	a, _ := p.Run(context.Background(), 3.0, nil)
	b, _ := q.Run(context.Background(), 3.0, nil)
	if a.Output != 7.0 || b.Output != 16.0 {
		t.Errorf("outputs = %v, %v; want 7, 16", a.Output, b.Output)
	}
	if p.Hash() == q.Hash() {
		t.Error("clones with different params must hash differently")
	}
	if p.Clone().Hash() != p.Hash() {
		t.Error("a plain clone must hash like its source")
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	p := build(t, []Stage{scale(2)}, WithCache(c))
	_, _ = p.Run(ctx, 1.0, nil)
	if err := p.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Len(ctx); n != 0 {
		t.Errorf("entries after ClearCache = %d", n)
	}
	if err := build(t, []Stage{scale(2)}).ClearCache(ctx); err != nil {
		t.Errorf("ClearCache without a cache: %v", err)
	}
}

// TestRun_ScopeTagsEvents verifies events inherit the search scope from ctx.
func TestRun_ScopeTagsEvents(t *testing.T) {
	rec := trace.NewRecorder()
	p := build(t, []Stage{scale(2)}, WithSink(rec))
	ctx := trace.WithScope(context.Background(), trace.Scope{Candidate: 4, Fold: 2})
	if _, err := p.Run(ctx, 1.0, nil); err != nil {
		t.Fatal(err)
	}
	ev := rec.Snapshot()[0]
	if ev.Scope == nil || ev.Scope.Candidate != 4 || ev.Scope.Fold != 2 {
		t.Errorf("event scope = %+v", ev.Scope)
	}
}

// TestRun_ConcurrentCallsWithSharedCache exercises parallel runs; run with -race.
func TestRun_ConcurrentCallsWithSharedCache(t *testing.T) {
	ctx := context.Background()
	p := build(t, []Stage{scale(2), offset(1)}, WithCache(cache.NewMemoryCache()))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			factor := float64(i % 4)
			res, err := p.Run(ctx, 3.0, Params{"scale.factor": factor})
			if err != nil {
				errs <- err
				return
			}
			if res.Output != 3*factor+1 {
				errs <- errors.New("wrong output under concurrency")
			}
			if i%16 == 0 {
				_ = p.SetParams(Params{"offset.amount": 1.0})
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStateTransitions(t *testing.T) {
	s := newRunState(3)
	if err := s.transition(0, StagePending, StageRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.transition(0, StageRunning, StageCached); err == nil {
		t.Error("RUNNING -> CACHED must be rejected")
	}
	if err := s.transition(1, StageRunning, StageCompleted); err == nil {
		t.Error("transition from the wrong state must be rejected")
	}
	if got := s.skipFrom(1); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("skipFrom = %v", got)
	}
	if !IsTerminal(StageSkipped) || IsTerminal(StageRunning) || !IsSuccessful(StageCached) {
		t.Error("state predicates are wrong")
	}
}
