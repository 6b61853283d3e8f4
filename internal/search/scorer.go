package search

import (
	"errors"
	"fmt"
	"math"

	"pipeweaver/internal/dataset"
)

// Scorer compares predictions with the truth. Higher is better; losses must
// be negated (see Negate).
type Scorer func(truth, predicted any) (float64, error)

// Negate turns a loss into a scorer.
func Negate(loss Scorer) Scorer {
	return func(truth, predicted any) (float64, error) {
		v, err := loss(truth, predicted)
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
}

func pair(truth, predicted any) ([]float64, []float64, error) {
	t, err := dataset.Floats(truth)
	if err != nil {
		return nil, nil, fmt.Errorf("truth: %w", err)
	}
	p, err := dataset.Floats(predicted)
	if err != nil {
		return nil, nil, fmt.Errorf("predictions: %w", err)
	}
	if len(t) != len(p) {
		return nil, nil, fmt.Errorf("%d targets but %d predictions", len(t), len(p))
	}
	if len(t) == 0 {
		return nil, nil, errors.New("nothing to score")
	}
	return t, p, nil
}

// MeanAbsoluteError is a loss.
func MeanAbsoluteError(truth, predicted any) (float64, error) {
	t, p, err := pair(truth, predicted)
	if err != nil {
		return 0, err
	}
	s := 0.0
	for i := range t {
		s += math.Abs(t[i] - p[i])
	}
	return s / float64(len(t)), nil
}

// MeanSquaredError is a loss.
func MeanSquaredError(truth, predicted any) (float64, error) {
	t, p, err := pair(truth, predicted)
	if err != nil {
		return 0, err
	}
	s := 0.0
	for i := range t {
		d := t[i] - p[i]
		s += d * d
	}
	return s / float64(len(t)), nil
}

var (
	NegMeanAbsoluteError = Negate(MeanAbsoluteError)
	NegMeanSquaredError  = Negate(MeanSquaredError)
)

// R2 is the coefficient of determination. A constant truth scores 1 for a
// perfect fit and 0 otherwise.
func R2(truth, predicted any) (float64, error) {
	t, p, err := pair(truth, predicted)
	if err != nil {
		return 0, err
	}
	mean := 0.0
	for _, v := range t {
		mean += v
	}
	mean /= float64(len(t))
	var ssRes, ssTot float64
	for i := range t {
		ssRes += (t[i] - p[i]) * (t[i] - p[i])
		ssTot += (t[i] - mean) * (t[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

// Accuracy is the fraction of predictions exactly equal to the truth, for
// numeric class labels.
func Accuracy(truth, predicted any) (float64, error) {
	t, p, err := pair(truth, predicted)
	if err != nil {
		return 0, err
	}
	hits := 0
	for i := range t {
		if t[i] == p[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(t)), nil
}

// Scorers maps configuration names to built-in scorers.
var Scorers = map[string]Scorer{
	"neg_mean_absolute_error": NegMeanAbsoluteError,
	"neg_mean_squared_error":  NegMeanSquaredError,
	"r2":                      R2,
	"accuracy":                Accuracy,
}

// ScorerByName looks up a built-in scorer.
func ScorerByName(name string) (Scorer, error) {
	s, ok := Scorers[name]
	if !ok {
		return nil, fmt.Errorf("unknown scorer %q", name)
	}
	return s, nil
}
