package stages

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"pipeweaver/internal/dataset"
	"pipeweaver/internal/pipeline"
)

// Scale multiplies every feature value by "factor".
func Scale(name string, factor float64) pipeline.Stage {
	return &builtin{
		name:     name,
		kind:     KindScale,
		version:  "1",
		defaults: pipeline.Params{"factor": factor},
		apply: func(_ context.Context, params pipeline.Params, input any) (any, error) {
			f, err := params.Float("factor")
			if err != nil {
				return nil, err
			}
			return mapValues(input, func(x float64) float64 { return x * f })
		},
	}
}

// Offset adds "amount" to every feature value.
func Offset(name string, amount float64) pipeline.Stage {
	return &builtin{
		name:     name,
		kind:     KindOffset,
		version:  "1",
		defaults: pipeline.Params{"amount": amount},
		apply: func(_ context.Context, params pipeline.Params, input any) (any, error) {
			d, err := params.Float("amount")
			if err != nil {
				return nil, err
			}
			return mapValues(input, func(x float64) float64 { return x + d })
		},
	}
}

// mapValues applies f element-wise. Integer inputs produce float64 outputs.
// For FoldData only the feature sets are transformed; the target is kept.
func mapValues(input any, f func(float64) float64) (any, error) {
	switch v := input.(type) {
	case float64:
		return f(v), nil
	case []float64:
		return mapSlice(v, f), nil
	case dataset.Rows[float64]:
		return dataset.Rows[float64](mapSlice(v, f)), nil
	case [][]float64:
		return mapMatrix(v, f), nil
	case dataset.Rows[[]float64]:
		return dataset.Rows[[]float64](mapMatrix(v, f)), nil
	case dataset.Rows[int]:
		out := make(dataset.Rows[float64], len(v))
		for i, x := range v {
			out[i] = f(float64(x))
		}
		return out, nil
	case dataset.FoldData:
		tx, err := mapValues(v.TrainX, f)
		if err != nil {
			return nil, fmt.Errorf("train features: %w", err)
		}
		vx, err := mapValues(v.ValidationX, f)
		if err != nil {
			return nil, fmt.Errorf("validation features: %w", err)
		}
		v.TrainX, v.ValidationX = tx.(dataset.Dataset), vx.(dataset.Dataset)
		return v, nil
	}

	rv := reflect.ValueOf(input)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return f(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return f(float64(rv.Uint())), nil
	case reflect.Float32:
		return f(rv.Float()), nil
	}
	return nil, fmt.Errorf("unsupported input type %T", input)
}

func mapSlice(v []float64, f func(float64) float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = f(x)
	}
	return out
}

func mapMatrix(m [][]float64, f func(float64) float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = mapSlice(row, f)
	}
	return out
}

// StandardScaler centers ("with_mean") and scales to unit variance
// ("with_std") each feature column. On FoldData the statistics come from
// TrainX only and are applied to both feature sets; any other matrix is
// fitted and transformed in place of itself. Constant columns are left
// unscaled.
func StandardScaler(name string) pipeline.Stage {
	return &builtin{
		name:     name,
		kind:     KindStandardScaler,
		version:  "1",
		defaults: pipeline.Params{"with_mean": true, "with_std": true},
		apply: func(_ context.Context, params pipeline.Params, input any) (any, error) {
			withMean, err := params.Bool("with_mean")
			if err != nil {
				return nil, err
			}
			withStd, err := params.Bool("with_std")
			if err != nil {
				return nil, err
			}

			if fd, ok := input.(dataset.FoldData); ok {
				train, err := dataset.Matrix(fd.TrainX)
				if err != nil {
					return nil, err
				}
				val, err := dataset.Matrix(fd.ValidationX)
				if err != nil {
					return nil, err
				}
				st, err := fitColumns(train)
				if err != nil {
					return nil, err
				}
				fd.TrainX = dataset.Rows[[]float64](st.transform(train, withMean, withStd))
				fd.ValidationX = dataset.Rows[[]float64](st.transform(val, withMean, withStd))
				return fd, nil
			}

			m, err := dataset.Matrix(input)
			if err != nil {
				return nil, err
			}
			st, err := fitColumns(m)
			if err != nil {
				return nil, err
			}
			return dataset.Rows[[]float64](st.transform(m, withMean, withStd)), nil
		},
	}
}

type columnStats struct {
	mean []float64
	std  []float64
}

func fitColumns(m [][]float64) (columnStats, error) {
	if len(m) == 0 {
		return columnStats{}, fmt.Errorf("cannot fit on zero rows")
	}
	d := len(m[0])
	st := columnStats{mean: make([]float64, d), std: make([]float64, d)}
	for i, row := range m {
		if len(row) != d {
			return columnStats{}, fmt.Errorf("row %d has %d columns, want %d", i, len(row), d)
		}
		for j, x := range row {
			st.mean[j] += x
		}
	}
	n := float64(len(m))
	for j := range st.mean {
		st.mean[j] /= n
	}
	for _, row := range m {
		for j, x := range row {
			dx := x - st.mean[j]
			st.std[j] += dx * dx
		}
	}
	for j := range st.std {
		st.std[j] = math.Sqrt(st.std[j] / n)
		if st.std[j] == 0 {
			st.std[j] = 1
		}
	}
	return st, nil
}

func (st columnStats) transform(m [][]float64, withMean, withStd bool) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		r := make([]float64, len(row))
		for j, x := range row {
			if j < len(st.mean) {
				if withMean {
					x -= st.mean[j]
				}
				if withStd {
					x /= st.std[j]
				}
			}
			r[j] = x
		}
		out[i] = r
	}
	return out
}
