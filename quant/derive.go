package quant

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"gonum.org/v1/gonum/floats"
)

// AccumulatorScaleFunc derives the parameters of a bias from the parameters of the other operands
// contributing to the same accumulator (typically the input and the weights).
//
// biasAxis is the axis to use if the result is per-axis, and biasBits the storage width of the bias.
// It returns nil if the parameters can't be derived.
type AccumulatorScaleFunc func(operands []*Params, biasAxis, biasBits int, legacyFloatScale bool) *Params

// FromMinMax returns asymmetric per-tensor parameters that cover [rmin, rmax].
//
// The range is first extended to include 0, so 0 is exactly representable.
// If legacyFloatScale is set the arithmetic is done in float32, to match reference quantizers bit by bit.
func FromMinMax(rmin, rmax float64, signed bool, bits int, narrowRange, legacyFloatScale bool, expressed dtypes.DType) *Params {
	rmin = math.Min(rmin, 0)
	rmax = math.Max(rmax, 0)
	qmin, qmax := StorageRange(signed, bits, narrowRange)
	scale, zeroPoint := scaleAndZeroPoint(qmin, qmax, rmin, rmax, legacyFloatScale)
	return NewPerTensor(scale, zeroPoint, signed, bits, narrowRange, expressed)
}

// scaleAndZeroPoint returns the scale for the [rmin, rmax] range and a zero point nudged to an integer in [qmin, qmax].
// An empty range (all values 0) gets scale 1 and zero point qmin.
func scaleAndZeroPoint(qmin, qmax int64, rmin, rmax float64, legacyFloatScale bool) (scale float64, zeroPoint int64) {
	if legacyFloatScale {
		return scaleAndZeroPointFloat32(qmin, qmax, float32(rmin), float32(rmax))
	}
	if math.Abs(rmax-rmin) < epsilon64 {
		return 1.0, qmin
	}
	qminF, qmaxF := float64(qmin), float64(qmax)
	scale = (rmax - rmin) / (qmaxF - qminF)

	// Solve the affine equation from both known pairs (rmin, qmin) and (rmax, qmax), and
	// take the one with the smaller arithmetic error.
	fromMin := qminF - rmin/scale
	fromMinErr := math.Abs(qminF) + math.Abs(rmin/scale)
	fromMax := qmaxF - rmax/scale
	fromMaxErr := math.Abs(qmaxF) + math.Abs(rmax/scale)
	zp := fromMax
	if fromMinErr < fromMaxErr {
		zp = fromMin
	}
	switch {
	case zp < qminF:
		zeroPoint = qmin
	case zp > qmaxF:
		zeroPoint = qmax
	default:
		zeroPoint = int64(math.Round(zp))
	}
	return
}

// Machine epsilon of float64 and float32.
const (
	epsilon64 = 2.220446049250313e-16
	epsilon32 = 1.1920929e-07
)

// scaleAndZeroPointFloat32 is the float32 version of scaleAndZeroPoint.
func scaleAndZeroPointFloat32(qmin, qmax int64, rmin, rmax float32) (float64, int64) {
	if math32.Abs(rmax-rmin) < epsilon32 {
		return 1.0, qmin
	}
	qminF, qmaxF := float32(qmin), float32(qmax)
	scale := (rmax - rmin) / (qmaxF - qminF)
	fromMin := qminF - rmin/scale
	fromMinErr := math32.Abs(qminF) + math32.Abs(rmin/scale)
	fromMax := qmaxF - rmax/scale
	fromMaxErr := math32.Abs(qmaxF) + math32.Abs(rmax/scale)
	zp := fromMax
	if fromMinErr < fromMaxErr {
		zp = fromMin
	}
	var zeroPoint int64
	switch {
	case zp < qminF:
		zeroPoint = qmin
	case zp > qmaxF:
		zeroPoint = qmax
	default:
		zeroPoint = int64(math32.Round(zp))
	}
	return float64(scale), zeroPoint
}

// ForWeight returns per-tensor parameters for the flat content of a weight tensor.
//
// If symmetric is set, the range is made symmetric around 0 before deriving the parameters.
// It returns nil for empty content.
func ForWeight(values []float64, symmetric bool, signed bool, bits int, narrowRange, legacyFloatScale bool, expressed dtypes.DType) *Params {
	if len(values) == 0 {
		return nil
	}
	rmin, rmax := floats.Min(values), floats.Max(values)
	if symmetric {
		rmin, rmax = symmetricRange(rmin, rmax)
	}
	return FromMinMax(rmin, rmax, signed, bits, narrowRange, legacyFloatScale, expressed)
}

// ForWeightPerAxis returns per-axis parameters for the flat content (row-major, shaped dims) of a weight tensor,
// with one scale per slice along axis.
//
// It returns nil if the content is empty or axis is invalid.
func ForWeightPerAxis(values []float64, dims []int, axis int, symmetric bool, signed bool, bits int, narrowRange, legacyFloatScale bool, expressed dtypes.DType) *Params {
	if len(values) == 0 || axis < 0 || axis >= len(dims) || dims[axis] <= 0 {
		return nil
	}
	numChannels := dims[axis]
	inner := 1
	for _, dim := range dims[axis+1:] {
		inner *= dim
	}
	mins := make([]float64, numChannels)
	maxs := make([]float64, numChannels)
	for ii := range mins {
		mins[ii] = math.Inf(1)
		maxs[ii] = math.Inf(-1)
	}
	for ii, v := range values {
		channel := (ii / inner) % numChannels
		mins[channel] = math.Min(mins[channel], v)
		maxs[channel] = math.Max(maxs[channel], v)
	}

	qmin, qmax := StorageRange(signed, bits, narrowRange)
	scales := make([]float64, numChannels)
	zeroPoints := make([]int64, numChannels)
	for channel := range numChannels {
		rmin, rmax := math.Min(mins[channel], 0), math.Max(maxs[channel], 0)
		if symmetric {
			rmin, rmax = symmetricRange(rmin, rmax)
		}
		scales[channel], zeroPoints[channel] = scaleAndZeroPoint(qmin, qmax, rmin, rmax, legacyFloatScale)
	}
	return NewPerAxis(scales, zeroPoints, axis, signed, bits, narrowRange, expressed)
}

func symmetricRange(rmin, rmax float64) (float64, float64) {
	r := math.Max(math.Abs(rmin), math.Abs(rmax))
	return -r, r
}

// BiasParams is the conventional AccumulatorScaleFunc: the bias scale is the product of the operands scales,
// with zero point 0 and a signed storage of biasBits.
//
// Per-tensor scales are broadcast over per-axis ones. All operands must be non-nil, share the expressed dtype,
// and per-axis operands must agree on axis and number of channels. Otherwise, it returns nil.
func BiasParams(operands []*Params, biasAxis, biasBits int, legacyFloatScale bool) *Params {
	if len(operands) == 0 {
		return nil
	}
	axisSize := 1
	quantAxis := PerTensor
	expressed := dtypes.InvalidDType
	for _, op := range operands {
		if op == nil {
			return nil
		}
		if expressed != dtypes.InvalidDType && expressed != op.Expressed {
			return nil
		}
		expressed = op.Expressed
		if op.IsPerAxis() {
			if axisSize != 1 && axisSize != len(op.Scales) {
				return nil
			}
			if quantAxis != PerTensor && quantAxis != op.Axis {
				return nil
			}
			axisSize = len(op.Scales)
			quantAxis = op.Axis
		}
	}

	scales := make([]float64, axisSize)
	for ii := range scales {
		scales[ii] = 1.0
	}
	for _, op := range operands {
		for ii := range scales {
			if op.IsPerAxis() {
				scales[ii] *= op.Scales[ii]
			} else {
				scales[ii] *= op.Scale()
			}
		}
	}
	if legacyFloatScale {
		// Round the products to float32, as the reference quantizer does.
		for ii, scale := range scales {
			scales[ii] = float64(float32(scale))
		}
	}

	if axisSize == 1 && quantAxis == PerTensor {
		return NewPerTensor(scales[0], 0, true, biasBits, false, expressed)
	}
	return NewPerAxis(scales, make([]int64, axisSize), max(biasAxis, 0), true, biasBits, false, expressed)
}

// FixedRange returns per-tensor parameters with the given scale, and a zero point given for the signed storage
// (signedZeroPoint). For unsigned storage the zero point is shifted by half the storage range.
//
// This is how fixed output ranges (Softmax, Sigmoid, Tanh) are expressed independently of signedness.
func FixedRange(scale float64, signedZeroPoint int64, signed bool, bits int, expressed dtypes.DType) *Params {
	zeroPoint := signedZeroPoint
	if !signed {
		zeroPoint += int64(1) << (bits - 1)
	}
	return NewPerTensor(scale, zeroPoint, signed, bits, false, expressed)
}
