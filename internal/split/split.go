// Package split produces cross-validation plans: ordered train/validation
// index pairs over n samples.
package split

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
)

// Indices selects samples by position.
type Indices []int

// Fold is one train/validation pair.
type Fold struct {
	Train      Indices
	Validation Indices
}

// Plan is an ordered sequence of folds.
type Plan []Fold

// Splitter builds a plan over n samples.
type Splitter interface {
	Split(n int) (Plan, error)
}

var ErrInvalidPlan = errors.New("invalid split plan")

// PlanError reports a plan that violates a fold invariant.
type PlanError struct {
	Fold int
	Msg  string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: fold %d: %s", ErrInvalidPlan, e.Fold, e.Msg)
}

func (e *PlanError) Unwrap() error { return ErrInvalidPlan }

// Validate checks that every index is in [0, n), that train and validation
// are disjoint within each fold and that neither side is empty.
func (p Plan) Validate(n int) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: no folds", ErrInvalidPlan)
	}
	for k, f := range p {
		if len(f.Train) == 0 {
			return &PlanError{Fold: k, Msg: "empty training set"}
		}
		if len(f.Validation) == 0 {
			return &PlanError{Fold: k, Msg: "empty validation set"}
		}
		seen := make(map[int]bool, len(f.Train))
		for _, i := range f.Train {
			if i < 0 || i >= n {
				return &PlanError{Fold: k, Msg: fmt.Sprintf("train index %d out of range [0,%d)", i, n)}
			}
			seen[i] = true
		}
		for _, i := range f.Validation {
			if i < 0 || i >= n {
				return &PlanError{Fold: k, Msg: fmt.Sprintf("validation index %d out of range [0,%d)", i, n)}
			}
			if seen[i] {
				return &PlanError{Fold: k, Msg: fmt.Sprintf("index %d in both train and validation", i)}
			}
		}
	}
	return nil
}

// KFold cuts the samples into K validation folds; each fold trains on the rest.
//
// Validation folds are pairwise disjoint and together cover every index.
// Fold sizes differ by at most one, larger folds first. With Shuffle the
// samples are permuted with a PCG source seeded from Seed before cutting;
// index lists inside a fold are always sorted.
type KFold struct {
	K       int
	Shuffle bool
	Seed    int64
}

func (s KFold) Split(n int) (Plan, error) {
	if s.K < 2 {
		return nil, fmt.Errorf("kfold: k must be >= 2 (got %d)", s.K)
	}
	if n < s.K {
		return nil, fmt.Errorf("kfold: cannot make %d folds from %d samples", s.K, n)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if s.Shuffle {
		seed := uint64(s.Seed)
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		r.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	plan := make(Plan, 0, s.K)
	base, extra := n/s.K, n%s.K
	start := 0
	for k := 0; k < s.K; k++ {
		size := base
		if k < extra {
			size++
		}
		val := append(Indices(nil), order[start:start+size]...)
		train := make(Indices, 0, n-size)
		train = append(train, order[:start]...)
		train = append(train, order[start+size:]...)
		sort.Ints(val)
		sort.Ints(train)
		plan = append(plan, Fold{Train: train, Validation: val})
		start += size
	}
	return plan, nil
}

// TimeSeriesSplit produces expanding-window folds over time-ordered samples.
//
// Fold k validates on a contiguous block and trains only on indices strictly
// before it, leaving Gap samples out between the two. Validation blocks are
// pairwise disjoint and ordered by increasing time. MaxTrain > 0 caps the
// training window to the most recent MaxTrain samples. TestSize defaults to
// n/(K+1).
type TimeSeriesSplit struct {
	K        int
	MaxTrain int
	Gap      int
	TestSize int
}

func (s TimeSeriesSplit) Split(n int) (Plan, error) {
	if s.K < 1 {
		return nil, fmt.Errorf("timeseries: k must be >= 1 (got %d)", s.K)
	}
	if s.Gap < 0 || s.MaxTrain < 0 || s.TestSize < 0 {
		return nil, errors.New("timeseries: gap, max_train and test_size must be >= 0")
	}
	test := s.TestSize
	if test == 0 {
		test = n / (s.K + 1)
	}
	if test == 0 {
		return nil, fmt.Errorf("timeseries: %d samples are too few for %d folds", n, s.K)
	}
	firstVal := n - s.K*test
	if firstVal-s.Gap <= 0 {
		return nil, fmt.Errorf("timeseries: %d samples leave no training data for %d folds of %d with gap %d",
			n, s.K, test, s.Gap)
	}

	plan := make(Plan, 0, s.K)
	for k := 0; k < s.K; k++ {
		valStart := firstVal + k*test
		trainEnd := valStart - s.Gap
		trainStart := 0
		if s.MaxTrain > 0 && trainEnd > s.MaxTrain {
			trainStart = trainEnd - s.MaxTrain
		}
		plan = append(plan, Fold{
			Train:      span(trainStart, trainEnd),
			Validation: span(valStart, valStart+test),
		})
	}
	return plan, nil
}

func span(from, to int) Indices {
	out := make(Indices, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// Fixed replays a precomputed plan, validating it against n.
type Fixed Plan

func (f Fixed) Split(n int) (Plan, error) {
	p := Plan(f)
	if err := p.Validate(n); err != nil {
		return nil, err
	}
	return p, nil
}
