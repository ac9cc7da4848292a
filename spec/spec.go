// Package spec describes the quantization constraints of each kind of operation, and provides them to the
// propagation driver.
//
// Constraints come in two flavours, queried separately:
//
//   - OpQuantSpec: which operands are weights (and their per-channel axis), which are biases and how their
//     parameters derive from the other operands.
//   - OpQuantScaleSpec: whether operands and results must share the same parameters, and whether results
//     have a fixed range (e.g. Softmax).
//
// Specs are provided per operation kind by an OpSpecifier, registered in a Registry.
package spec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
)

// BiasSpec describes one bias operand.
type BiasSpec struct {
	// NonBiasOperands are the indices of the operands whose parameters contribute to the accumulator
	// (typically the input and the weights).
	NonBiasOperands []int

	// ScaleFunc derives the bias parameters from the NonBiasOperands parameters.
	ScaleFunc quant.AccumulatorScaleFunc
}

// OpQuantSpec holds the operand roles of an operation.
type OpQuantSpec struct {
	// Biases maps bias operand indices to how their parameters are derived.
	Biases map[int]BiasSpec

	// Weights maps weight operand indices to their per-channel axis, or quant.PerTensor if
	// the operation doesn't support per-channel weights.
	Weights map[int]int

	// NarrowRangeWeights requests weights to use narrow range storage.
	NarrowRangeWeights bool

	// HasAffineOperand is set if the operation multiplies its input by AffineOperand (the weights), in which
	// case the bias scale can be adjusted by rescaling it.
	HasAffineOperand bool
	AffineOperand    int
}

// IsEmpty returns whether the spec has no constraint.
func (s *OpQuantSpec) IsEmpty() bool {
	return len(s.Biases) == 0 && len(s.Weights) == 0 && !s.HasAffineOperand
}

// IsBias returns whether operand is a bias.
func (s *OpQuantSpec) IsBias(operand int) bool {
	_, found := s.Biases[operand]
	return found
}

// FixedRangeFunc returns the fixed parameters of a result for the given storage signedness and bit width.
// It returns nil if the operation has no fixed range for that storage.
type FixedRangeFunc func(signed bool, bits int, expressed dtypes.DType) *quant.Params

// OpQuantScaleSpec holds the scale constraints of an operation.
type OpQuantScaleSpec struct {
	// SameScale is set if SameScaleOperands and SameScaleResults must all share the same parameters.
	SameScale         bool
	SameScaleOperands []int
	SameScaleResults  []int

	// RequiredSameQuantizedAxes is set if per-axis parameters can cross the operation (e.g. Concat).
	// Otherwise (e.g. Reshape, Transpose) per-axis operands are left alone in QDQ conversions.
	RequiredSameQuantizedAxes bool

	// FixedOutputRange, if set, gives the parameters of the FixedResults.
	FixedOutputRange FixedRangeFunc
	FixedResults     []int
}

// HasSameScaleRequirement returns whether the operation belongs to a same-scale group.
func (s *OpQuantScaleSpec) HasSameScaleRequirement() bool {
	return s.SameScale && len(s.SameScaleOperands)+len(s.SameScaleResults) > 0
}

// HasFixedOutputRange returns whether the operation has results with a fixed range.
func (s *OpQuantScaleSpec) HasFixedOutputRange() bool {
	return s.FixedOutputRange != nil && len(s.FixedResults) > 0
}

// Provider gives the constraints of the operations of a graph to the driver.
//
// Implementations must be pure: the same operation always yields the same specs within a run.
type Provider interface {
	// QuantSpec returns the operand roles of the operation. It never returns nil.
	QuantSpec(g *ir.Graph, op ir.OpID) *OpQuantSpec

	// ScaleSpec returns the scale constraints of the operation. It never returns nil.
	ScaleSpec(g *ir.Graph, op ir.OpID) *OpQuantScaleSpec

	// IsQuantizable returns whether the driver should assign parameters to the operation operands and results.
	IsQuantizable(g *ir.Graph, op ir.OpID) bool
}

// OpSpecifier provides the specs of one kind of operation.
type OpSpecifier interface {
	QuantSpec(g *ir.Graph, op *ir.Op) *OpQuantSpec
	ScaleSpec(g *ir.Graph, op *ir.Op) *OpQuantScaleSpec
}

// Funcs implements OpSpecifier with functions. Nil functions yield empty specs.
type Funcs struct {
	Quant func(g *ir.Graph, op *ir.Op) *OpQuantSpec
	Scale func(g *ir.Graph, op *ir.Op) *OpQuantScaleSpec
}

// QuantSpec implements OpSpecifier.
func (f Funcs) QuantSpec(g *ir.Graph, op *ir.Op) *OpQuantSpec {
	if f.Quant == nil {
		return &OpQuantSpec{}
	}
	return f.Quant(g, op)
}

// ScaleSpec implements OpSpecifier.
func (f Funcs) ScaleSpec(g *ir.Graph, op *ir.Op) *OpQuantScaleSpec {
	if f.Scale == nil {
		return &OpQuantScaleSpec{}
	}
	return f.Scale(g, op)
}

// Indices returns [0, 1, ..., n-1].
func Indices(n int) []int {
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = ii
	}
	return indices
}
