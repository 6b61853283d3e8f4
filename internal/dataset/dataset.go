// Package dataset holds the sliceable data values search feeds to pipelines.
package dataset

import (
	"encoding/gob"
	"fmt"

	"pipeweaver/internal/split"
)

// Dataset is an indexable collection of samples.
type Dataset interface {
	Len() int
	Subset(idx split.Indices) Dataset
}

// Rows is a Dataset backed by a slice. Subset copies the selected rows.
type Rows[T any] []T

func (r Rows[T]) Len() int { return len(r) }

func (r Rows[T]) Subset(idx split.Indices) Dataset {
	out := make(Rows[T], len(idx))
	for i, j := range idx {
		out[i] = r[j]
	}
	return out
}

// FoldData is the pipeline input for one cross-validation fold: stages fit
// on TrainX/TrainY and the final stage emits predictions for ValidationX.
//
// Fold is RefitFold (-1) when the pipeline is refit on all data; ValidationX
// is then the full feature set.
type FoldData struct {
	Fold        int
	TrainX      Dataset
	TrainY      Dataset
	ValidationX Dataset
}

// RefitFold marks FoldData built for the final refit.
const RefitFold = -1

// ForFold slices x and y for one fold.
func ForFold(k int, f split.Fold, x, y Dataset) FoldData {
	return FoldData{
		Fold:        k,
		TrainX:      x.Subset(f.Train),
		TrainY:      y.Subset(f.Train),
		ValidationX: x.Subset(f.Validation),
	}
}

// ForRefit trains on all of x and y and predicts x.
func ForRefit(x, y Dataset) FoldData {
	return FoldData{Fold: RefitFold, TrainX: x, TrainY: y, ValidationX: x}
}

// CheckAligned verifies x and y have the same number of samples.
func CheckAligned(x, y Dataset) error {
	if x == nil || y == nil {
		return fmt.Errorf("dataset: features and target are required")
	}
	if x.Len() != y.Len() {
		return fmt.Errorf("dataset: %d feature rows but %d targets", x.Len(), y.Len())
	}
	return nil
}

// Floats converts a numeric dataset to []float64. It understands Rows of
// float64 and int, and plain float64 slices.
func Floats(v any) ([]float64, error) {
	switch d := v.(type) {
	case Rows[float64]:
		return []float64(d), nil
	case []float64:
		return d, nil
	case Rows[int]:
		out := make([]float64, len(d))
		for i, x := range d {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(d))
		for i, x := range d {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("dataset: %T is not a numeric vector", v)
}

// Matrix converts a feature dataset to rows of float64.
func Matrix(v any) ([][]float64, error) {
	switch d := v.(type) {
	case Rows[[]float64]:
		return [][]float64(d), nil
	case [][]float64:
		return d, nil
	case Rows[float64]:
		out := make([][]float64, len(d))
		for i, x := range d {
			out[i] = []float64{x}
		}
		return out, nil
	}
	return nil, fmt.Errorf("dataset: %T is not a feature matrix", v)
}

func init() {
	// Durable caches store these behind interfaces.
	gob.Register(Rows[float64]{})
	gob.Register(Rows[int]{})
	gob.Register(Rows[string]{})
	gob.Register(Rows[[]float64]{})
	gob.Register(FoldData{})
}
