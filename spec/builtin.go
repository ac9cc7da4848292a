package spec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
)

func init() {
	// Operations with weights and an optional bias: operands are (input, weights[, bias]).
	RegisterBuiltin("Conv", affineSpecifier{weightAxis: 0})
	RegisterBuiltin("DepthwiseConv", affineSpecifier{weightAxis: 3})
	RegisterBuiltin("Gemm", affineSpecifier{weightAxis: 0})
	RegisterBuiltin("FullyConnected", affineSpecifier{weightAxis: 0})

	// Operations that only move data around.
	for _, kind := range []string{"Concat", "MaxPool", "AveragePool", "Squeeze", "Slice", "Identity", "Pad"} {
		RegisterBuiltin(kind, sameScaleSpecifier{requiredSameQuantizedAxes: true})
	}
	RegisterBuiltin("Reshape", sameScaleSpecifier{})
	RegisterBuiltin("Transpose", sameScaleSpecifier{})

	// Operations with a known output range.
	RegisterBuiltin("Softmax", fixedRangeSpecifier{rangeFn: unitRange})
	RegisterBuiltin("Sigmoid", fixedRangeSpecifier{rangeFn: unitRange})
	RegisterBuiltin("Tanh", fixedRangeSpecifier{rangeFn: symmetricUnitRange})

	// Quantizable, without constraints.
	for _, kind := range []string{"Add", "Mul", "Relu"} {
		RegisterBuiltin(kind, Funcs{})
	}
}

// affineSpecifier: operand 1 holds the weights, with output channels on weightAxis, and operand 2 (if present)
// the bias.
type affineSpecifier struct {
	weightAxis int
}

func (s affineSpecifier) QuantSpec(_ *ir.Graph, op *ir.Op) *OpQuantSpec {
	qs := &OpQuantSpec{
		Weights:            map[int]int{1: s.weightAxis},
		NarrowRangeWeights: true,
		HasAffineOperand:   true,
		AffineOperand:      1,
	}
	if len(op.Operands) > 2 {
		qs.Biases = map[int]BiasSpec{
			2: {NonBiasOperands: []int{0, 1}, ScaleFunc: quant.BiasParams},
		}
	}
	return qs
}

func (s affineSpecifier) ScaleSpec(_ *ir.Graph, _ *ir.Op) *OpQuantScaleSpec {
	return &OpQuantScaleSpec{}
}

// sameScaleSpecifier requires all operands and results to share parameters.
type sameScaleSpecifier struct {
	requiredSameQuantizedAxes bool
}

func (s sameScaleSpecifier) QuantSpec(_ *ir.Graph, _ *ir.Op) *OpQuantSpec {
	return &OpQuantSpec{}
}

func (s sameScaleSpecifier) ScaleSpec(_ *ir.Graph, op *ir.Op) *OpQuantScaleSpec {
	return &OpQuantScaleSpec{
		SameScale:                 true,
		SameScaleOperands:         Indices(len(op.Operands)),
		SameScaleResults:          Indices(len(op.Results)),
		RequiredSameQuantizedAxes: s.requiredSameQuantizedAxes,
	}
}

// fixedRangeSpecifier fixes the parameters of all results.
type fixedRangeSpecifier struct {
	rangeFn FixedRangeFunc
}

func (s fixedRangeSpecifier) QuantSpec(_ *ir.Graph, _ *ir.Op) *OpQuantSpec {
	return &OpQuantSpec{}
}

func (s fixedRangeSpecifier) ScaleSpec(_ *ir.Graph, op *ir.Op) *OpQuantScaleSpec {
	return &OpQuantScaleSpec{
		FixedOutputRange: s.rangeFn,
		FixedResults:     Indices(len(op.Results)),
	}
}

// unitRange covers [0, 1), for Softmax and Sigmoid.
func unitRange(signed bool, bits int, expressed dtypes.DType) *quant.Params {
	switch bits {
	case 8:
		return quant.FixedRange(1.0/256.0, -128, signed, bits, expressed)
	case 16:
		return quant.FixedRange(1.0/32768.0, 0, signed, bits, expressed)
	}
	return nil
}

// symmetricUnitRange covers [-1, 1), for Tanh.
func symmetricUnitRange(signed bool, bits int, expressed dtypes.DType) *quant.Params {
	switch bits {
	case 8:
		return quant.FixedRange(1.0/128.0, 0, signed, bits, expressed)
	case 16:
		return quant.FixedRange(1.0/32768.0, 0, signed, bits, expressed)
	}
	return nil
}
