// Package spec reads YAML pipeline definitions.
//
// A definition declares the ordered stages of a pipeline and, optionally, the
// grid search to run over it:
//
//	schema_version: v1
//	stages:
//	  - name: scale
//	    kind: standard_scaler
//	  - name: model
//	    kind: ridge
//	    params: {alpha: 0.5}
//	search:
//	  grid:
//	    model.alpha: [0.1, 1.0, 10.0]
//	  splitter: {kind: kfold, folds: 5, shuffle: true, seed: 7}
//	  scorer: neg_mean_squared_error
//	  concurrency: 4
package spec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pipeweaver/internal/pipeline"
	"pipeweaver/internal/search"
	"pipeweaver/internal/split"
	"pipeweaver/internal/stages"
)

const SupportedSchema = "v1"

// Splitter kinds.
const (
	SplitterKFold      = "kfold"
	SplitterTimeSeries = "timeseries"
)

const (
	DefaultFolds  = 5
	DefaultScorer = "neg_mean_squared_error"
)

type StageSpec struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

type SplitterSpec struct {
	Kind     string `yaml:"kind"` // "kfold" (default) or "timeseries"
	Folds    int    `yaml:"folds"`
	Shuffle  bool   `yaml:"shuffle"`
	Seed     int64  `yaml:"seed"`
	Gap      int    `yaml:"gap"`
	MaxTrain int    `yaml:"max_train"`
	TestSize int    `yaml:"test_size"`
}

type SearchSpec struct {
	Grid        map[string][]any `yaml:"grid"`
	Splitter    SplitterSpec     `yaml:"splitter"`
	Scorer      string           `yaml:"scorer"`
	Concurrency int              `yaml:"concurrency"`
	// Refit defaults to true when omitted.
	Refit *bool `yaml:"refit"`
}

type File struct {
	SchemaVersion string      `yaml:"schema_version"`
	Stages        []StageSpec `yaml:"stages"`
	Search        SearchSpec  `yaml:"search"`
}

// Load reads and parses a definition file.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	f, err := Parse(raw)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a definition. Unknown fields are rejected.
func Parse(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if f.SchemaVersion == "" {
		f.SchemaVersion = SupportedSchema
	}
	if f.SchemaVersion != SupportedSchema {
		return File{}, fmt.Errorf("pipeline schema_version %q not supported (want %q)", f.SchemaVersion, SupportedSchema)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks the structure without consulting a stage registry.
func (f File) Validate() error {
	var errs []error
	if len(f.Stages) == 0 {
		errs = append(errs, errors.New("stages: at least one stage is required"))
	}
	for i, s := range f.Stages {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("stages[%d].name is required", i))
		}
		if strings.TrimSpace(s.Kind) == "" {
			errs = append(errs, fmt.Errorf("stages[%d].kind is required", i))
		}
	}
	switch f.Search.Splitter.Kind {
	case "", SplitterKFold, SplitterTimeSeries:
	default:
		errs = append(errs, fmt.Errorf("search.splitter.kind %q not supported", f.Search.Splitter.Kind))
	}
	if f.Search.Scorer != "" {
		if _, err := search.ScorerByName(f.Search.Scorer); err != nil {
			errs = append(errs, fmt.Errorf("search.scorer: %w", err))
		}
	}
	if f.Search.Concurrency < 0 {
		errs = append(errs, errors.New("search.concurrency must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Stages instantiates the declared stages in order.
func (f File) Stages(reg *stages.Registry) ([]pipeline.Stage, error) {
	if reg == nil {
		reg = stages.DefaultRegistry()
	}
	out := make([]pipeline.Stage, 0, len(f.Stages))
	for i, s := range f.Stages {
		st, err := reg.New(s.Kind, s.Name, pipeline.Params(s.Params))
		if err != nil {
			return nil, fmt.Errorf("stages[%d] (%s): %w", i, s.Name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Pipeline builds the declared pipeline.
func (f File) Pipeline(reg *stages.Registry, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	st, err := f.Stages(reg)
	if err != nil {
		return nil, err
	}
	return pipeline.Build(st, opts...)
}

// Splitter returns the configured splitter. Folds defaults to DefaultFolds.
func (f File) Splitter() (split.Splitter, error) {
	s := f.Search.Splitter
	k := s.Folds
	if k == 0 {
		k = DefaultFolds
	}
	switch s.Kind {
	case "", SplitterKFold:
		if s.Gap != 0 || s.MaxTrain != 0 || s.TestSize != 0 {
			return nil, errors.New("splitter: gap, max_train and test_size apply to timeseries only")
		}
		return split.KFold{K: k, Shuffle: s.Shuffle, Seed: s.Seed}, nil
	case SplitterTimeSeries:
		if s.Shuffle {
			return nil, errors.New("splitter: timeseries folds cannot be shuffled")
		}
		return split.TimeSeriesSplit{K: k, MaxTrain: s.MaxTrain, Gap: s.Gap, TestSize: s.TestSize}, nil
	}
	return nil, fmt.Errorf("splitter: unsupported kind %q", s.Kind)
}

// Scorer returns the named scorer, DefaultScorer when unset.
func (f File) Scorer() (search.Scorer, error) {
	name := f.Search.Scorer
	if name == "" {
		name = DefaultScorer
	}
	return search.ScorerByName(name)
}

// Grid returns a copy of the declared grid.
func (f File) Grid() search.Grid {
	g := make(search.Grid, len(f.Search.Grid))
	for k, v := range f.Search.Grid {
		g[k] = append([]any(nil), v...)
	}
	return g
}

// SearchOptions maps the search section onto search.Options. Sink and
// Logger are left for the caller.
func (f File) SearchOptions() search.Options {
	return search.Options{
		Concurrency: f.Search.Concurrency,
		SkipRefit:   f.Search.Refit != nil && !*f.Search.Refit,
	}
}
