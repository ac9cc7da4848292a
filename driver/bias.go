package driver

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/gomlx/quantprop/spec"
	"k8s.io/klog/v2"
)

// processBiases derives the parameters of the biases of op, in ascending operand order.
func (d *Driver) processBiases(op *ir.Op, qs *spec.OpQuantSpec) {
	for _, biasIdx := range slices.Sorted(maps.Keys(qs.Biases)) {
		biasSpec := qs.Biases[biasIdx]
		if !d.isFloatSlot(d.operandSlots[Edge{Op: op.ID, Operand: biasIdx}]) {
			continue
		}
		params := d.biasParams(op, biasIdx, biasSpec)
		if params == nil {
			klog.V(2).Infof("op %s: bias #%d deferred, missing parameters of contributing operands", d.g.OpName(op.ID), biasIdx)
			continue
		}
		biasSlot := d.slots[d.operandSlots[Edge{Op: op.ID, Operand: biasIdx}]]
		if !biasSlot.Immutable && approxEqual(biasSlot.Params, params) {
			continue
		}
		d.setBiasParamsWithAdjustments(op, qs, biasIdx, biasSpec, params)
	}
}

// biasParams returns the parameters of an immutable bias, or derives them from the current parameters of
// the contributing operands, so a bias follows any later re-scaling of a shared input.
// It returns nil if any contributing operand has no parameters yet.
func (d *Driver) biasParams(op *ir.Op, biasIdx int, biasSpec spec.BiasSpec) *quant.Params {
	biasSlot := d.slots[d.operandSlots[Edge{Op: op.ID, Operand: biasIdx}]]
	if biasSlot.Immutable {
		return biasSlot.Params
	}
	operandParams := make([]*quant.Params, 0, len(biasSpec.NonBiasOperands))
	for _, idx := range biasSpec.NonBiasOperands {
		s := d.slots[d.operandSlots[Edge{Op: op.ID, Operand: idx}]]
		if s.IsEmpty() {
			return nil
		}
		operandParams = append(operandParams, s.Params)
	}
	biasAxis := 0
	if rank := d.g.Value(op.Operands[biasIdx]).Shape.Rank(); rank > 1 {
		biasAxis = rank - 1
	}
	return biasSpec.ScaleFunc(operandParams, biasAxis, d.cfg.BiasBitWidth, d.cfg.LegacyFloatScale)
}

// overflowTolerance absorbs the rounding of scales previously adjusted to fit exactly.
const overflowTolerance = 1e-9

// approxEqual returns whether a and b only differ by the rounding of their scales.
func approxEqual(a, b *quant.Params) bool {
	if a == nil || b == nil {
		return a == b
	}
	sameScales := *a
	sameScales.Scales = b.Scales
	if !sameScales.Equal(b) {
		return false
	}
	for ii, scale := range a.Scales {
		if math.Abs(scale-b.Scales[ii]) > overflowTolerance*math.Max(scale, b.Scales[ii]) {
			return false
		}
	}
	return true
}

// biasMax is the largest stored magnitude allowed for a bias, half of the storage range so the
// accumulation with the bias doesn't overflow.
func (d *Driver) biasMax() float64 {
	return float64(((int64(1) << (d.cfg.BiasBitWidth - 1)) - 1) / 2)
}

// constantContent returns the values of v if it is defined by a float constant (possibly through a
// dequantize marker), or nil otherwise.
func (d *Driver) constantContent(v ir.ValueID) (values []float64, dims []int) {
	def := d.g.DefiningOp(v)
	if def != nil && def.Kind == ir.KindDequantize {
		if q := d.g.DefiningOp(def.Operands[0]); q != nil && q.Kind == ir.KindQuantize {
			def = d.g.DefiningOp(q.Operands[0])
		}
	}
	if def == nil || def.Kind != ir.KindConstant || def.Const == nil {
		return nil, nil
	}
	values, err := quant.FlatValues(def.Const)
	if err != nil {
		return nil, nil
	}
	return values, def.Const.Shape().Dimensions
}

// setBiasParamsWithAdjustments sets (or replaces, if mutable) the bias parameters, first checking that the
// bias values fit in the storage range. If they don't, the bias scale is increased and one of the contributing
// operands (the weights if possible, otherwise the input) is re-scaled so the product of their scales still
// matches. Other consumers of a re-scaled input are re-enqueued and re-derive their own biases.
//
// If no contributor can be re-scaled the bias is left in float.
func (d *Driver) setBiasParamsWithAdjustments(op *ir.Op, qs *spec.OpQuantSpec, biasIdx int, biasSpec spec.BiasSpec, params *quant.Params) bool {
	adjustable := qs.HasAffineOperand && len(biasSpec.NonBiasOperands) == 2 &&
		slices.Contains(biasSpec.NonBiasOperands, qs.AffineOperand) && params.Bits == d.cfg.BiasBitWidth
	if !adjustable {
		return d.setOperandParams(op.ID, biasIdx, params, true)
	}
	weightIdx := qs.AffineOperand
	inputIdx := biasSpec.NonBiasOperands[0]
	if inputIdx == weightIdx {
		inputIdx = biasSpec.NonBiasOperands[1]
	}
	weightSlot := d.slots[d.operandSlots[Edge{Op: op.ID, Operand: weightIdx}]]
	inputSlot := d.slots[d.operandSlots[Edge{Op: op.ID, Operand: inputIdx}]]
	if weightSlot.IsEmpty() || inputSlot.IsEmpty() || weightSlot.Params.Bits != 8 || inputSlot.Params.Bits != 8 {
		return d.setOperandParams(op.ID, biasIdx, params, true)
	}
	biasValues, biasDims := d.constantContent(op.Operands[biasIdx])
	weightValues, _ := d.constantContent(op.Operands[weightIdx])
	if biasValues == nil || weightValues == nil {
		return d.setOperandParams(op.ID, biasIdx, params, true)
	}

	biasMax := d.biasMax()
	var maxAbs []float64
	if params.IsPerAxis() {
		if params.Axis >= len(biasDims) || biasDims[params.Axis] != len(params.Scales) {
			return d.setOperandParams(op.ID, biasIdx, params, true)
		}
		maxAbs = quant.MaxAbsPerChannel(biasValues, biasDims, params.Axis)
	} else {
		maxAbs = []float64{quant.MaxAbs(biasValues)}
	}
	overflow := false
	newBiasScales := slices.Clone(params.Scales)
	for ii, scale := range params.Scales {
		if maxAbs[ii]/scale > biasMax*(1+overflowTolerance) {
			newBiasScales[ii] = maxAbs[ii] / biasMax
			overflow = true
		}
	}
	if !overflow {
		return d.setOperandParams(op.ID, biasIdx, params, true)
	}

	// Re-scale one of the contributors so that inputScale * weightScale == biasScale.
	adjusted := false
	switch {
	case !weightSlot.Immutable:
		newParams := rescaleContributor(weightSlot.Params, inputSlot.Params, newBiasScales)
		if newParams != nil {
			klog.V(2).Infof("op %s: bias overflow, re-scaling weights (operand #%d) to %s", d.g.OpName(op.ID), weightIdx, newParams)
			d.setOperandParams(op.ID, weightIdx, newParams, true)
			adjusted = true
		}
	case !inputSlot.Immutable:
		newParams := rescaleContributor(inputSlot.Params, weightSlot.Params, newBiasScales)
		if newParams != nil {
			klog.V(2).Infof("op %s: bias overflow, re-scaling input (operand #%d) to %s", d.g.OpName(op.ID), inputIdx, newParams)
			d.setOperandParams(op.ID, inputIdx, newParams, true)
			adjusted = true
		}
	}
	if !adjusted {
		klog.Warningf("op %s: bias #%d overflows its %d bits storage and no contributing operand can be re-scaled, leaving it in float",
			d.g.OpName(op.ID), biasIdx, d.cfg.BiasBitWidth)
		return false
	}
	d.setOperandParams(op.ID, biasIdx, params.WithScales(newBiasScales, 0), true)
	return true
}

// rescaleContributor returns target with its scales set so that target * other == biasScales.
// It returns nil if the shapes of the parameters are incompatible.
func rescaleContributor(target, other *quant.Params, biasScales []float64) *quant.Params {
	newScales := make([]float64, len(target.Scales))
	switch {
	case len(biasScales) == 1:
		if target.IsPerAxis() || other.IsPerAxis() {
			return nil
		}
		newScales[0] = biasScales[0] / other.Scale()
	case target.IsPerAxis() && len(target.Scales) == len(biasScales) && !other.IsPerAxis():
		for ii := range newScales {
			newScales[ii] = biasScales[ii] / other.Scale()
		}
	default:
		return nil
	}
	for _, scale := range newScales {
		if scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
			return nil
		}
	}
	newParams := *target
	newParams.Scales = newScales
	return &newParams
}
