package driver

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// conversionKey identifies an inserted conversion: the value converted and the target parameters.
type conversionKey struct {
	source ir.ValueID
	params string
}

// finalizer holds the bookkeeping of one Finalize call.
type finalizer struct {
	*Driver

	// conversions memoizes inserted requantizations, to the dequantized value.
	conversions *orderedmap.OrderedMap[conversionKey, ir.ValueID]

	// argAnchor is where conversions of graph arguments are inserted, after the previous ones.
	argAnchor ir.OpID

	numInserted int
}

// Finalize materializes the propagated states in the graph:
//
//   - Mutable values with parameters are quantized right after their definition: a quantize and a dequantize
//     marker are inserted, and every use of the value reads the dequantized value instead.
//   - For each requantization, a conversion from the quantized value to the requested parameters is inserted
//     (shared by all edges requesting the same parameters), and only the scoped edges are redirected to it.
//
// Inserted markers are volatile, and the ones left without uses are removed. With Config.IsQDQConversion,
// no new quantization is inferred for mutable values and redundant quantize(dequantize(x)) pairs are folded.
//
// It panics if the resulting graph is invalid, which would be a bug.
func (d *Driver) Finalize() {
	d.mustInitialize()
	f := &finalizer{
		Driver:      d,
		conversions: orderedmap.New[conversionKey, ir.ValueID](),
		argAnchor:   ir.NoOp,
	}

	// Values in definition order, captured before any edit.
	defined := d.g.Args()
	for _, opID := range d.g.Ops() {
		defined = append(defined, d.g.Op(opID).Results...)
	}
	for _, v := range defined {
		id, found := d.valueSlots[v]
		if !found {
			continue
		}
		f.materialize(d.slots[id])
	}
	if d.cfg.IsQDQConversion {
		f.foldRedundantMarkers()
	}
	numErased := f.eraseDeadMarkers()
	if err := d.g.Validate(); err != nil {
		exceptions.Panicf("quantization of graph %q produced an invalid graph: %+v", d.g.Name, err)
	}
	klog.V(1).Infof("quantization of graph %q finalized: %d markers inserted, %d dead markers removed",
		d.g.Name, f.numInserted, numErased)
}

// materialize inserts the conversions of one slot.
func (f *finalizer) materialize(s *slot) {
	if s.IsEmpty() || (s.Immutable && len(s.requantize) == 0) {
		return
	}
	source := s.value
	if !s.Immutable && !f.cfg.IsQDQConversion {
		if !f.g.Value(source).IsFloat() {
			return
		}
		source = f.quantizeValue(source, s.Params)
	}
	for _, r := range s.requantize {
		converted := f.convert(source, r.Params)
		for _, edge := range r.Edges {
			if f.g.IsErased(edge.Op) {
				continue
			}
			f.g.SetOperand(edge.Op, edge.Operand, converted)
		}
	}
}

// insertionPoint returns the operation after which conversions of v are inserted.
func (f *finalizer) insertionPoint(v ir.ValueID) ir.OpID {
	if f.g.Value(v).IsArg() {
		return f.argAnchor
	}
	return f.g.Value(v).Def
}

// insertPair inserts quantize(v, params) and its dequantize right after the definition of v.
func (f *finalizer) insertPair(v ir.ValueID, params *quant.Params) (q, dq *ir.Op) {
	isArg := f.g.Value(v).IsArg()
	shape := f.g.Value(v).Shape
	q = f.g.InsertAfter(f.insertionPoint(v), ir.KindQuantize, "", []ir.ValueID{v},
		ir.ResultType{Shape: shape, Quant: params})
	q.Volatile = true
	dq = f.g.InsertAfter(q.ID, ir.KindDequantize, "", q.Results, ir.ResultType{Shape: shape})
	dq.Volatile = true
	if isArg {
		f.argAnchor = dq.ID
	}
	f.numInserted += 2
	return
}

// quantizeValue quantizes the float value v with params, redirecting all its current uses to the
// dequantized value. It returns the quantized value.
func (f *finalizer) quantizeValue(v ir.ValueID, params *quant.Params) ir.ValueID {
	uses := f.g.Uses(v)
	q, dq := f.insertPair(v, params)
	for _, use := range uses {
		f.g.SetOperand(use.Op, use.Operand, dq.Results[0])
	}
	klog.V(2).Infof("quantized %s to %s", f.g.ValueName(v), params)
	return q.Results[0]
}

// convert returns a dequantized value of source converted to params, inserting the conversion only once
// per (source, params).
func (f *finalizer) convert(source ir.ValueID, params *quant.Params) ir.ValueID {
	key := conversionKey{source: source, params: params.Key()}
	if converted, found := f.conversions.Get(key); found {
		return converted
	}
	_, dq := f.insertPair(source, params)
	converted := dq.Results[0]
	f.conversions.Set(key, converted)
	klog.V(2).Infof("requantized %s to %s", f.g.ValueName(source), params)
	return converted
}

// foldRedundantMarkers replaces quantize(dequantize(x)) by x when both have the same parameters.
func (f *finalizer) foldRedundantMarkers() {
	for _, opID := range f.g.Ops() {
		if f.g.IsErased(opID) {
			continue
		}
		op := f.g.Op(opID)
		if op.Kind != ir.KindQuantize {
			continue
		}
		dq := f.g.DefiningOp(op.Operands[0])
		if dq == nil || dq.Kind != ir.KindDequantize {
			continue
		}
		x := dq.Operands[0]
		if !f.g.Value(x).Quant.Equal(f.g.Value(op.Results[0]).Quant) {
			continue
		}
		for _, use := range f.g.Uses(op.Results[0]) {
			f.g.SetOperand(use.Op, use.Operand, x)
		}
		f.g.EraseOp(opID)
		if !f.g.HasUses(dq.Results[0]) {
			f.g.EraseOp(dq.ID)
		}
		klog.V(2).Infof("folded redundant quantize/dequantize of %s", f.g.ValueName(x))
	}
}

// eraseDeadMarkers removes volatile markers whose results are not used. It returns the number of
// markers removed.
func (f *finalizer) eraseDeadMarkers() int {
	ops := f.g.Ops()
	slices.Reverse(ops)
	count := 0
	for _, opID := range ops {
		op := f.g.Op(opID)
		if !op.Volatile || !op.IsMarker() {
			continue
		}
		if slices.ContainsFunc(op.Results, f.g.HasUses) {
			continue
		}
		f.g.EraseOp(opID)
		count++
	}
	return count
}
