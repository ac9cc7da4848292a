package driver

import (
	"fmt"

	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"k8s.io/klog/v2"
)

// weightInfo is recorded for constants used as weights.
type weightInfo struct {
	// axis for per-channel quantization, or quant.PerTensor.
	axis        int
	narrowRange bool
}

// constantRole is how a consumer uses a constant.
type constantRole int

const (
	roleNone constantRole = iota
	roleWeight
	roleBias
	roleSameScale
)

// Initialize duplicates shared constants and sets up the state table and the worklist.
// It must be called once, before Propagate.
func (d *Driver) Initialize() {
	if d.initialized {
		return
	}
	d.preprocessConstantOps()
	d.setupAllStates()
	d.initialized = true
	klog.V(1).Infof("quantization of graph %q: %d operations to process, %d state slots, %d weights",
		d.g.Name, len(d.tracked), len(d.slots), len(d.weights))
}

// constantUseRole classifies a use of a constant by its consumer.
func (d *Driver) constantUseRole(use ir.Use) constantRole {
	consumer := d.g.Op(use.Op)
	if consumer.IsMarker() || consumer.Kind == ir.KindReturn || !d.provider.IsQuantizable(d.g, use.Op) {
		return roleNone
	}
	if d.quantSpec(use.Op).IsBias(use.Operand) {
		return roleBias
	}
	if d.scaleSpec(use.Op).HasSameScaleRequirement() {
		return roleSameScale
	}
	return roleWeight
}

// preprocessConstantOps gives each weight, bias or same-scale consumer of a float constant its own copy of the
// constant, so each can pick its own parameters, and records which constants are weights.
//
// Non-float, empty and non-finite constants are left alone.
func (d *Driver) preprocessConstantOps() {
	for _, opID := range d.g.Ops() {
		op := d.g.Op(opID)
		if op.Kind != ir.KindConstant || op.Const == nil || len(op.Results) != 1 {
			continue
		}
		values, err := quant.FlatValues(op.Const)
		if err != nil || len(values) == 0 || !quant.IsFinite(values) {
			continue
		}
		result := op.Results[0]
		numCopies := 0
		for _, use := range d.g.Uses(result) {
			role := d.constantUseRole(use)
			if role == roleNone {
				continue
			}
			target := result
			if numCopies > 0 {
				target = d.duplicateConstant(op, numCopies)
				d.g.SetOperand(use.Op, use.Operand, target)
			}
			numCopies++
			if role == roleWeight {
				d.recordWeight(target, use)
			}
		}
		if numCopies > 1 {
			klog.V(2).Infof("constant %s duplicated %d times", d.g.OpName(opID), numCopies-1)
		}
	}
}

// duplicateConstant inserts a copy of the constant op right before it, and returns the new value.
func (d *Driver) duplicateConstant(op *ir.Op, copyNum int) ir.ValueID {
	name := op.Name
	if name != "" {
		name = fmt.Sprintf("%s_%d", name, copyNum)
	}
	result := d.g.Value(op.Results[0])
	dup := d.g.InsertBefore(op.ID, ir.KindConstant, name, nil,
		ir.ResultType{Name: name, Shape: result.Shape.Clone()})
	dup.Const = op.Const
	return dup.Results[0]
}

// recordWeight records the constant value v as a weight of the consumer in use.
func (d *Driver) recordWeight(v ir.ValueID, use ir.Use) {
	qs := d.quantSpec(use.Op)
	info := weightInfo{axis: quant.PerTensor, narrowRange: qs.NarrowRangeWeights}
	if axis, found := qs.Weights[use.Operand]; found && axis >= 0 && axis < d.g.Value(v).Shape.Rank() {
		info.axis = axis
	}
	d.weights[v] = info
}

// effectiveOperand returns the value whose state an operand reading v shares: the quantized input of a
// dequantize marker, or v itself.
func (d *Driver) effectiveOperand(v ir.ValueID) ir.ValueID {
	if def := d.g.DefiningOp(v); def != nil && def.Kind == ir.KindDequantize {
		return def.Operands[0]
	}
	return v
}

// effectiveResult returns the value whose state a result v shares: the output of a quantize marker if
// it is the only use of v, or v itself.
func (d *Driver) effectiveResult(v ir.ValueID) ir.ValueID {
	uses := d.g.Uses(v)
	if len(uses) == 1 {
		if user := d.g.Op(uses[0].Op); user.Kind == ir.KindQuantize {
			return user.Results[0]
		}
	}
	return v
}

// slotFor returns the slot of the effective value v, creating it if needed.
func (d *Driver) slotFor(v ir.ValueID) slotID {
	if id, found := d.valueSlots[v]; found {
		return id
	}
	id := slotID(len(d.slots))
	s := &slot{value: v, producer: ir.NoOp}
	value := d.g.Value(v)
	switch {
	case value.Quant != nil:
		s.Params = value.Quant
		s.Immutable = true
	case d.cfg.InferTensorRange && value.Stats != nil && value.IsFloat():
		s.Params = quant.FromMinMax(value.Stats.Min, value.Stats.Max, d.cfg.IsSigned, d.cfg.BitWidth,
			false, d.cfg.LegacyFloatScale, value.Shape.DType)
		d.changed = true
	}
	d.slots = append(d.slots, s)
	d.valueSlots[v] = id
	return id
}

// setupAllStates creates the slots of the arguments and of the operands and results of every operation
// the driver processes, and seeds the worklist in definition order.
func (d *Driver) setupAllStates() {
	for _, arg := range d.g.Args() {
		d.argSlots = append(d.argSlots, d.slotFor(d.effectiveResult(arg)))
	}
	for _, opID := range d.g.Ops() {
		op := d.g.Op(opID)
		if op.IsMarker() || op.Kind == ir.KindReturn {
			continue
		}
		if op.Kind != ir.KindConstant && !d.provider.IsQuantizable(d.g, opID) {
			continue
		}
		d.tracked.Insert(opID)
		d.enqueue(opID)
		for ii, v := range op.Operands {
			edge := Edge{Op: opID, Operand: ii}
			id := d.slotFor(d.effectiveOperand(v))
			d.operandSlots[edge] = id
			d.slots[id].users = append(d.slots[id].users, edge)
		}
		for ii, v := range op.Results {
			id := d.slotFor(d.effectiveResult(v))
			d.resultSlots[resultKey{op: opID, index: ii}] = id
			d.slots[id].producer = opID
		}
	}
}
