package driver

import (
	"slices"

	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/gomlx/quantprop/spec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Propagate processes the worklist until no more changes happen. It doesn't change the graph.
//
// It returns ErrNotConverged (wrapped) if the number of processed operations exceeds the iteration bound.
func (d *Driver) Propagate() error {
	d.mustInitialize()
	maxIterations := d.maxIterations()
	for {
		opID, ok := d.dequeue()
		if !ok {
			break
		}
		d.iterations++
		if d.iterations > maxIterations {
			klog.Errorf("quantization of graph %q did not converge after %d iterations", d.g.Name, maxIterations)
			return errors.Wrapf(ErrNotConverged, "graph %q, after %d iterations", d.g.Name, maxIterations)
		}
		d.processOp(opID)
	}
	klog.V(1).Infof("quantization of graph %q converged after %d iterations (changed=%v)",
		d.g.Name, d.iterations, d.changed)
	return nil
}

// processOp applies the constraints of one operation.
func (d *Driver) processOp(opID ir.OpID) {
	op := d.g.Op(opID)
	if op.Kind == ir.KindConstant {
		d.processConstant(op)
		return
	}

	ss := d.scaleSpec(opID)
	if ss.HasSameScaleRequirement() {
		if !d.processSameScale(op, ss) {
			return
		}
	}
	if d.cfg.IsQDQConversion {
		return
	}
	if ss.HasFixedOutputRange() && d.cfg.InferTensorRange {
		d.processFixedOutputRange(op, ss)
	}
	qs := d.quantSpec(opID)
	if len(qs.Biases) > 0 {
		d.processBiases(op, qs)
	}
}

// processConstant sets the parameters of a weight from its content, if it has none yet.
func (d *Driver) processConstant(op *ir.Op) {
	result := op.Results[0]
	info, isWeight := d.weights[result]
	if !isWeight || !d.cfg.InferTensorRange || d.cfg.IsQDQConversion {
		return
	}
	s := d.slots[d.resultSlots[resultKey{op: op.ID, index: 0}]]
	if !s.IsEmpty() {
		return
	}
	values, err := quant.FlatValues(op.Const)
	if err != nil {
		return
	}
	expressed := op.Const.DType()
	var params *quant.Params
	if info.axis != quant.PerTensor && d.cfg.IsSigned && !d.cfg.DisablePerChannel {
		params = quant.ForWeightPerAxis(values, op.Const.Shape().Dimensions, info.axis, true,
			d.cfg.IsSigned, d.cfg.BitWidth, info.narrowRange, d.cfg.LegacyFloatScale, expressed)
	} else {
		params = quant.ForWeight(values, info.narrowRange && d.cfg.IsSigned,
			d.cfg.IsSigned, d.cfg.BitWidth, info.narrowRange, d.cfg.LegacyFloatScale, expressed)
	}
	if params == nil {
		return
	}
	klog.V(2).Infof("weight %s: %s", d.g.OpName(op.ID), params)
	d.setResultParams(op.ID, 0, params)
}

// sameScaleMember is an operand or result of a same-scale group.
type sameScaleMember struct {
	isResult bool
	index    int
	slot     slotID
}

// processSameScale unifies the parameters of the same-scale group of op.
// It returns false if the group can't be resolved yet (deferred).
func (d *Driver) processSameScale(op *ir.Op, ss *spec.OpQuantScaleSpec) bool {
	var members []sameScaleMember
	for _, idx := range ss.SameScaleOperands {
		id := d.operandSlots[Edge{Op: op.ID, Operand: idx}]
		if d.isFloatSlot(id) {
			members = append(members, sameScaleMember{index: idx, slot: id})
		}
	}
	numOperands := len(members)
	for _, idx := range ss.SameScaleResults {
		id := d.resultSlots[resultKey{op: op.ID, index: idx}]
		if d.isFloatSlot(id) {
			members = append(members, sameScaleMember{isResult: true, index: idx, slot: id})
		}
	}
	if len(members) == 0 {
		return false
	}

	if d.cfg.IsQDQConversion && !ss.RequiredSameQuantizedAxes {
		for _, m := range members[:numOperands] {
			if d.slots[m.slot].Params.IsPerAxis() {
				klog.V(2).Infof("op %s: skipping same-scale, per-axis operand can't cross it", d.g.OpName(op.ID))
				return false
			}
		}
	}

	params := d.sameScaleParams(members, numOperands)
	if params == nil {
		klog.V(2).Infof("op %s: same-scale group deferred, no parameters available", d.g.OpName(op.ID))
		return false
	}
	for _, m := range members {
		if m.isResult {
			d.setResultParams(op.ID, m.index, params)
		} else {
			d.setOperandParams(op.ID, m.index, params, false)
		}
	}
	return true
}

// sameScaleParams picks the parameters a same-scale group must share, in order of preference:
//
//  1. The only operand, if immutable.
//  2. The only result, if immutable.
//  3. The first immutable member, operands first.
//  4. The only operand, if it has parameters.
//  5. The only result, if it has parameters.
//  6. The first member with parameters, operands first.
//
// It returns nil if no member has parameters.
func (d *Driver) sameScaleParams(members []sameScaleMember, numOperands int) *quant.Params {
	numResults := len(members) - numOperands
	operands, results := members[:numOperands], members[numOperands:]
	for _, immutable := range []bool{true, false} {
		matches := func(m sameScaleMember) bool {
			s := d.slots[m.slot]
			return !s.IsEmpty() && (s.Immutable || !immutable)
		}
		if numOperands == 1 && matches(operands[0]) {
			return d.slots[operands[0].slot].Params
		}
		if numResults == 1 && matches(results[0]) {
			return d.slots[results[0].slot].Params
		}
		if idx := slices.IndexFunc(members, matches); idx >= 0 {
			return d.slots[members[idx].slot].Params
		}
	}
	return nil
}

// processFixedOutputRange sets the fixed parameters of the results of op.
func (d *Driver) processFixedOutputRange(op *ir.Op, ss *spec.OpQuantScaleSpec) {
	for _, idx := range ss.FixedResults {
		id := d.resultSlots[resultKey{op: op.ID, index: idx}]
		if !d.isFloatSlot(id) {
			continue
		}
		expressed := d.g.Value(op.Results[idx]).Shape.DType
		params := ss.FixedOutputRange(d.cfg.IsSigned, d.cfg.BitWidth, expressed)
		if params == nil {
			continue
		}
		d.setResultParams(op.ID, idx, params)
	}
}

// isFloatSlot returns whether the slot holds a float value, quantized or not.
func (d *Driver) isFloatSlot(id slotID) bool {
	return d.g.Value(d.slots[id].value).Shape.DType.IsFloat()
}

// setResultParams sets the parameters of the result index of op. If the result already has different
// parameters, its current consumers get a requantization (OnOutput) instead.
// It returns whether the state changed.
func (d *Driver) setResultParams(opID ir.OpID, index int, params *quant.Params) bool {
	id := d.resultSlots[resultKey{op: opID, index: index}]
	s := d.slots[id]
	if s.Params.Equal(params) {
		return false
	}
	if s.IsEmpty() {
		klog.V(2).Infof("op %s result #%d: %s", d.g.OpName(opID), index, params)
		s.Params = params
		d.resultChanged(id)
		return true
	}
	if !d.addRequantize(id, OnOutput, params, d.consumerEdges(id)) {
		return false
	}
	d.resultChanged(id)
	return true
}

// setOperandParams sets the parameters of the operand index of op. If the operand already has different
// parameters, they are replaced if override is set and the slot is mutable, otherwise the edge gets a
// requantization (OnInput).
// It returns whether the state changed.
func (d *Driver) setOperandParams(opID ir.OpID, index int, params *quant.Params, override bool) bool {
	edge := Edge{Op: opID, Operand: index}
	id := d.operandSlots[edge]
	s := d.slots[id]
	if s.Params.Equal(params) {
		return false
	}
	if s.IsEmpty() || (override && !s.Immutable) {
		klog.V(2).Infof("op %s operand #%d: %s (override=%v)", d.g.OpName(opID), index, params, override && !s.IsEmpty())
		s.Params = params
		d.operandChanged(id, opID)
		return true
	}
	if !d.addRequantize(id, OnInput, params, []Edge{edge}) {
		return false
	}
	d.operandChanged(id, opID)
	return true
}

// addRequantize records that the edges reading slot id need a conversion to params.
// Edges already covered by a requantization of the slot are skipped.
// It returns whether anything was added.
func (d *Driver) addRequantize(id slotID, position RequantizePosition, params *quant.Params, edges []Edge) bool {
	s := d.slots[id]
	added := false
	for _, edge := range edges {
		covered := slices.ContainsFunc(s.requantize, func(r RequantizeState) bool { return r.covers(edge) })
		if covered {
			continue
		}
		idx := slices.IndexFunc(s.requantize, func(r RequantizeState) bool {
			return r.Position == position && r.Params.Equal(params)
		})
		if idx < 0 {
			s.requantize = append(s.requantize, RequantizeState{Position: position, Params: params})
			idx = len(s.requantize) - 1
		}
		s.requantize[idx].Edges = append(s.requantize[idx].Edges, edge)
		klog.V(2).Infof("requantize %s of %s on edge (%s, #%d) to %s",
			position, d.g.ValueName(s.value), d.g.OpName(edge.Op), edge.Operand, params)
		added = true
	}
	return added
}

// consumerEdges returns the edges currently consuming the value of the slot, looking through dequantize
// markers. Quantize markers are not consumers.
func (d *Driver) consumerEdges(id slotID) []Edge {
	var edges []Edge
	for _, use := range d.g.Uses(d.slots[id].value) {
		user := d.g.Op(use.Op)
		switch user.Kind {
		case ir.KindQuantize:
			continue
		case ir.KindDequantize:
			for _, dqUse := range d.g.Uses(user.Results[0]) {
				if d.g.Op(dqUse.Op).Kind != ir.KindQuantize {
					edges = append(edges, dqUse)
				}
			}
		default:
			edges = append(edges, use)
		}
	}
	return edges
}

// resultChanged re-enqueues the consumers of the slot.
func (d *Driver) resultChanged(id slotID) {
	d.changed = true
	for _, edge := range d.slots[id].users {
		d.enqueue(edge.Op)
	}
}

// operandChanged re-enqueues the producer of the slot and its other consumers.
func (d *Driver) operandChanged(id slotID, consumer ir.OpID) {
	d.changed = true
	s := d.slots[id]
	d.enqueue(s.producer)
	for _, edge := range s.users {
		if edge.Op != consumer {
			d.enqueue(edge.Op)
		}
	}
}
