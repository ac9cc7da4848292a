package quant

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// checkAndConvertFlat implements the generic copy of the tensor data to a float64 slice, for the supported float types.
func checkAndConvertFlat[T interface{ float32 | float64 }](t *tensors.Tensor) []float64 {
	var values []float64
	tensors.ConstFlatData(t, func(flat []T) {
		values = make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	})
	return values
}

// FlatValues returns the content of a float tensor (Float16, Float32 or Float64) as a flat float64 slice,
// in row-major order.
func FlatValues(t *tensors.Tensor) ([]float64, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	switch t.DType() {
	case dtypes.Float32:
		return checkAndConvertFlat[float32](t), nil
	case dtypes.Float64:
		return checkAndConvertFlat[float64](t), nil
	case dtypes.Float16:
		var values []float64
		tensors.ConstFlatData(t, func(flat []float16.Float16) {
			values = make([]float64, len(flat))
			for ii, v := range flat {
				values[ii] = float64(v.Float32())
			}
		})
		return values, nil
	default:
		return nil, errors.Errorf("tensor shaped %s is not a supported float tensor", t.Shape())
	}
}

// IsFinite returns whether all values are finite (no NaN or Inf).
func IsFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MaxAbs returns the largest absolute value, or 0 for an empty slice.
func MaxAbs(values []float64) float64 {
	return floats.Norm(values, math.Inf(1))
}

// MaxAbsPerChannel returns the largest absolute value for each slice along axis, for row-major content
// shaped with dims. Rank 0 or 1 content with axis 0 yields one value per element.
func MaxAbsPerChannel(values []float64, dims []int, axis int) []float64 {
	if len(dims) == 0 {
		return []float64{MaxAbs(values)}
	}
	numChannels := dims[axis]
	inner := 1
	for _, dim := range dims[axis+1:] {
		inner *= dim
	}
	result := make([]float64, numChannels)
	for ii, v := range values {
		channel := (ii / inner) % numChannels
		result[channel] = math.Max(result[channel], math.Abs(v))
	}
	return result
}
