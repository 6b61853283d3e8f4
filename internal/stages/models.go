package stages

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"pipeweaver/internal/dataset"
	"pipeweaver/internal/pipeline"
)

// ErrSingular is returned when the ridge system is not positive definite
// or too ill-conditioned to solve.
var ErrSingular = errors.New("singular system")

// Ridge fits L2-regularized least squares on the fold's training data and
// predicts ValidationX. Options: "alpha" (>= 0) and "fit_intercept".
func Ridge(name string, alpha float64) pipeline.Stage {
	return &builtin{
		name:     name,
		kind:     KindRidge,
		version:  "1",
		defaults: pipeline.Params{"alpha": alpha, "fit_intercept": true},
		apply: func(_ context.Context, params pipeline.Params, input any) (any, error) {
			alpha, err := params.Float("alpha")
			if err != nil {
				return nil, err
			}
			if alpha < 0 || math.IsNaN(alpha) {
				return nil, fmt.Errorf("alpha must be >= 0 (got %v)", alpha)
			}
			intercept, err := params.Bool("fit_intercept")
			if err != nil {
				return nil, err
			}
			x, y, val, err := foldInputs(input)
			if err != nil {
				return nil, err
			}
			m, err := fitRidge(x, y, alpha, intercept)
			if err != nil {
				return nil, err
			}
			return m.predict(val)
		},
	}
}

// MeanRegressor predicts the mean training target for every validation row.
func MeanRegressor(name string) pipeline.Stage {
	return &builtin{
		name:     name,
		kind:     KindMean,
		version:  "1",
		defaults: pipeline.Params{},
		apply: func(_ context.Context, _ pipeline.Params, input any) (any, error) {
			fd, ok := input.(dataset.FoldData)
			if !ok {
				return nil, fmt.Errorf("mean regressor needs dataset.FoldData, got %T", input)
			}
			y, err := dataset.Floats(fd.TrainY)
			if err != nil {
				return nil, err
			}
			if len(y) == 0 {
				return nil, errors.New("no training targets")
			}
			mean := 0.0
			for _, v := range y {
				mean += v
			}
			mean /= float64(len(y))
			out := make(dataset.Rows[float64], fd.ValidationX.Len())
			for i := range out {
				out[i] = mean
			}
			return out, nil
		},
	}
}

func foldInputs(input any) ([][]float64, []float64, [][]float64, error) {
	fd, ok := input.(dataset.FoldData)
	if !ok {
		return nil, nil, nil, fmt.Errorf("model stage needs dataset.FoldData, got %T", input)
	}
	x, err := dataset.Matrix(fd.TrainX)
	if err != nil {
		return nil, nil, nil, err
	}
	y, err := dataset.Floats(fd.TrainY)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(x) != len(y) {
		return nil, nil, nil, fmt.Errorf("%d training rows but %d targets", len(x), len(y))
	}
	if len(x) == 0 {
		return nil, nil, nil, errors.New("no training rows")
	}
	val, err := dataset.Matrix(fd.ValidationX)
	if err != nil {
		return nil, nil, nil, err
	}
	return x, y, val, nil
}

type linearModel struct {
	weights   []float64
	intercept float64
}

// fitRidge solves (XᵀX + αI) w = Xᵀy by Cholesky factorization. With an
// intercept, X and y are centered first and the intercept is not penalized.
func fitRidge(x [][]float64, y []float64, alpha float64, intercept bool) (linearModel, error) {
	n, d := len(x), len(x[0])
	if d == 0 {
		return linearModel{}, errors.New("training rows have no features")
	}
	xc := mat.NewDense(n, d, nil)
	for i, row := range x {
		if len(row) != d {
			return linearModel{}, fmt.Errorf("row %d has %d columns, want %d", i, len(row), d)
		}
		xc.SetRow(i, row)
	}
	yc := mat.NewVecDense(n, append([]float64(nil), y...))

	xMean := make([]float64, d)
	yMean := 0.0
	if intercept {
		for j := range xMean {
			xMean[j] = mat.Sum(xc.ColView(j)) / float64(n)
		}
		yMean = mat.Sum(yc) / float64(n)
		xc.Apply(func(_, j int, v float64) float64 { return v - xMean[j] }, xc)
		for i := 0; i < n; i++ {
			yc.SetVec(i, yc.AtVec(i)-yMean)
		}
	}

	var gram mat.SymDense
	gram.SymOuterK(1, xc.T())
	for j := 0; j < d; j++ {
		gram.SetSym(j, j, gram.At(j, j)+alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(xc.T(), yc)

	var chol mat.Cholesky
	if !chol.Factorize(&gram) {
		return linearModel{}, ErrSingular
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &rhs); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return linearModel{}, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		return linearModel{}, err
	}

	m := linearModel{weights: mat.Col(nil, 0, &w)}
	if intercept {
		m.intercept = yMean - mat.Dot(&w, mat.NewVecDense(d, xMean))
	}
	return m, nil
}

func (m linearModel) predict(x [][]float64) (dataset.Rows[float64], error) {
	out := make(dataset.Rows[float64], len(x))
	for i, row := range x {
		if len(row) != len(m.weights) {
			return nil, fmt.Errorf("validation row %d has %d columns, want %d", i, len(row), len(m.weights))
		}
		v := m.intercept
		for j, w := range m.weights {
			v += w * row[j]
		}
		out[i] = v
	}
	return out, nil
}
