// Package ir is a minimal single-block dataflow graph, used as the region the quantization driver works on.
//
// Values and operations live in arenas owned by the Graph and are referred to by integer IDs (ValueID, OpID),
// so holding an ID stays valid across graph edits. Operations are kept in a stable definition order,
// which is the order used by every walk over the graph.
package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantprop/quant"
)

// OpID identifies an operation in its Graph.
type OpID int

// ValueID identifies a value in its Graph.
type ValueID int

const (
	// NoOp is used as the "definition" of graph arguments, and as the anchor for the start of the block.
	NoOp OpID = -1

	// NoValue is an invalid value.
	NoValue ValueID = -1
)

// Reserved operation kinds.
const (
	KindConstant   = "Constant"
	KindQuantize   = "QuantizeLinear"
	KindDequantize = "DequantizeLinear"
	KindReturn     = "Return"
)

// Range is an observed [Min, Max] range of a value, usually collected during calibration.
type Range struct {
	Min, Max float64
}

// Value is a tensor produced by an operation or given as a graph argument.
type Value struct {
	ID   ValueID
	Name string

	// Shape of the value. For quantized values, the dtype is the expressed (float) dtype.
	Shape shapes.Shape

	// Quant is set for values holding quantized data (the results of QuantizeLinear).
	Quant *quant.Params

	// Def is the operation that produced the value, or NoOp for graph arguments.
	Def OpID

	// Index is the result index in Def, or the argument index for graph arguments.
	Index int

	// Stats is an optional observed range.
	Stats *Range
}

// IsArg returns whether the value is a graph argument.
func (v *Value) IsArg() bool { return v.Def == NoOp }

// IsFloat returns whether the value holds (non-quantized) floating point data.
func (v *Value) IsFloat() bool { return v.Quant == nil && v.Shape.DType.IsFloat() }

// Op is an operation of the graph.
type Op struct {
	ID       OpID
	Kind     string
	Name     string
	Operands []ValueID
	Results  []ValueID

	// Attrs holds integer attributes (e.g.: "axis").
	Attrs map[string]int

	// Const holds the content of Constant operations.
	Const *tensors.Tensor

	// Volatile is set on operations inserted by a transformation, that can be removed without
	// changing the computation (e.g.: quantize/dequantize markers).
	Volatile bool
}

// Attr returns the integer attribute name, or defaultValue if not set.
func (op *Op) Attr(name string, defaultValue int) int {
	if v, found := op.Attrs[name]; found {
		return v
	}
	return defaultValue
}

// IsMarker returns whether the operation is a quantize or dequantize marker.
func (op *Op) IsMarker() bool {
	return op.Kind == KindQuantize || op.Kind == KindDequantize
}

// Use is one edge from a value to an operand of an operation.
type Use struct {
	Op      OpID
	Operand int
}

// ResultType describes a result of an operation being created.
type ResultType struct {
	Name  string
	Shape shapes.Shape
	Quant *quant.Params
}

// Graph is a single block of operations in definition order, plus its arguments.
type Graph struct {
	Name string

	ops    []*Op
	values []*Value
	args   []ValueID
	order  []OpID
	ret    OpID

	// uses is kept in no particular order, Uses sorts them.
	uses map[ValueID][]Use

	// positions of operations in order, -1 for erased operations. Rebuilt lazily.
	positions      []int
	positionsDirty bool
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name: name,
		ret:  NoOp,
		uses: make(map[ValueID][]Use),
	}
}

// Op returns the operation with the given ID. It panics for invalid IDs.
func (g *Graph) Op(id OpID) *Op {
	if id < 0 || int(id) >= len(g.ops) {
		exceptions.Panicf("ir.Graph %q: invalid OpID %d", g.Name, id)
	}
	return g.ops[id]
}

// Value returns the value with the given ID. It panics for invalid IDs.
func (g *Graph) Value(id ValueID) *Value {
	if id < 0 || int(id) >= len(g.values) {
		exceptions.Panicf("ir.Graph %q: invalid ValueID %d", g.Name, id)
	}
	return g.values[id]
}

// NumValues returns the number of values ever created in the graph.
func (g *Graph) NumValues() int { return len(g.values) }

// Args returns the graph arguments, in order.
func (g *Graph) Args() []ValueID { return slices.Clone(g.args) }

// Ops returns the operations in definition order. The returned slice is a copy,
// so it's safe to edit the graph while iterating over it.
func (g *Graph) Ops() []OpID { return slices.Clone(g.order) }

// NumOps returns the number of operations currently in the block.
func (g *Graph) NumOps() int { return len(g.order) }

// Outputs returns the values returned by the graph.
func (g *Graph) Outputs() []ValueID {
	if g.ret == NoOp {
		return nil
	}
	return slices.Clone(g.ops[g.ret].Operands)
}

// ReturnOp returns the Return operation, or NoOp if SetOutputs was not called.
func (g *Graph) ReturnOp() OpID { return g.ret }

// DefiningOp returns the operation that produced v, or nil for graph arguments.
func (g *Graph) DefiningOp(v ValueID) *Op {
	value := g.Value(v)
	if value.IsArg() {
		return nil
	}
	return g.ops[value.Def]
}

// AddArg appends a graph argument.
func (g *Graph) AddArg(name string, shape shapes.Shape) ValueID {
	id := g.newValue(ResultType{Name: name, Shape: shape}, NoOp, len(g.args))
	g.args = append(g.args, id)
	return id
}

// AddOp appends an operation at the end of the block (before Return, if already set) and returns it.
func (g *Graph) AddOp(kind, name string, operands []ValueID, results ...ResultType) *Op {
	anchor := NoOp
	if len(g.order) > 0 {
		anchor = g.order[len(g.order)-1]
	}
	if g.ret != NoOp {
		return g.InsertBefore(g.ret, kind, name, operands, results...)
	}
	return g.InsertAfter(anchor, kind, name, operands, results...)
}

// AddConstant appends a Constant operation holding t, and returns its value.
func (g *Graph) AddConstant(name string, t *tensors.Tensor) ValueID {
	op := g.AddOp(KindConstant, name, nil, ResultType{Name: name, Shape: t.Shape()})
	op.Const = t
	return op.Results[0]
}

// AddQuantize appends a QuantizeLinear marker converting input to p.
func (g *Graph) AddQuantize(name string, input ValueID, p *quant.Params) ValueID {
	shape := g.Value(input).Shape
	return g.AddOp(KindQuantize, name, []ValueID{input}, ResultType{Name: name, Shape: shape, Quant: p}).Results[0]
}

// AddDequantize appends a DequantizeLinear marker converting the quantized input back to float.
func (g *Graph) AddDequantize(name string, input ValueID) ValueID {
	shape := g.Value(input).Shape
	return g.AddOp(KindDequantize, name, []ValueID{input}, ResultType{Name: name, Shape: shape}).Results[0]
}

// SetOutputs sets the values returned by the graph, creating (or replacing the operands of) the Return operation.
func (g *Graph) SetOutputs(outputs ...ValueID) {
	if g.ret == NoOp {
		anchor := NoOp
		if len(g.order) > 0 {
			anchor = g.order[len(g.order)-1]
		}
		g.ret = g.InsertAfter(anchor, KindReturn, "", outputs).ID
		return
	}
	ret := g.ops[g.ret]
	for ii, v := range ret.Operands {
		g.removeUse(v, Use{Op: g.ret, Operand: ii})
	}
	ret.Operands = slices.Clone(outputs)
	for ii, v := range outputs {
		g.addUse(v, Use{Op: g.ret, Operand: ii})
	}
}

// InsertAfter creates an operation and places it right after anchor. If anchor is NoOp, it is placed at
// the start of the block.
func (g *Graph) InsertAfter(anchor OpID, kind, name string, operands []ValueID, results ...ResultType) *Op {
	pos := 0
	if anchor != NoOp {
		pos = g.Position(anchor) + 1
	}
	return g.insertAt(pos, kind, name, operands, results)
}

// InsertBefore creates an operation and places it right before anchor.
func (g *Graph) InsertBefore(anchor OpID, kind, name string, operands []ValueID, results ...ResultType) *Op {
	return g.insertAt(g.Position(anchor), kind, name, operands, results)
}

func (g *Graph) insertAt(pos int, kind, name string, operands []ValueID, results []ResultType) *Op {
	op := &Op{
		ID:       OpID(len(g.ops)),
		Kind:     kind,
		Name:     name,
		Operands: slices.Clone(operands),
	}
	g.ops = append(g.ops, op)
	for ii, v := range operands {
		g.Value(v) // Check validity.
		g.addUse(v, Use{Op: op.ID, Operand: ii})
	}
	for ii, result := range results {
		op.Results = append(op.Results, g.newValue(result, op.ID, ii))
	}
	g.order = slices.Insert(g.order, pos, op.ID)
	g.positions = append(g.positions, -1)
	g.positionsDirty = true
	return op
}

func (g *Graph) newValue(result ResultType, def OpID, index int) ValueID {
	id := ValueID(len(g.values))
	g.values = append(g.values, &Value{
		ID:    id,
		Name:  result.Name,
		Shape: result.Shape,
		Quant: result.Quant,
		Def:   def,
		Index: index,
	})
	return id
}

// SetOperand redirects operand index of op to read the value v.
func (g *Graph) SetOperand(opID OpID, index int, v ValueID) {
	op := g.Op(opID)
	if index < 0 || index >= len(op.Operands) {
		exceptions.Panicf("ir.Graph %q: op %s has no operand #%d", g.Name, g.OpName(opID), index)
	}
	g.Value(v)
	g.removeUse(op.Operands[index], Use{Op: opID, Operand: index})
	op.Operands[index] = v
	g.addUse(v, Use{Op: opID, Operand: index})
}

// Uses returns all the uses of v, sorted by the position of the consuming operation, and then by operand index.
func (g *Graph) Uses(v ValueID) []Use {
	uses := slices.Clone(g.uses[v])
	g.updatePositions()
	slices.SortFunc(uses, func(a, b Use) int {
		if a.Op != b.Op {
			return g.positions[a.Op] - g.positions[b.Op]
		}
		return a.Operand - b.Operand
	})
	return uses
}

// HasUses returns whether v is used by any operation.
func (g *Graph) HasUses(v ValueID) bool {
	return len(g.uses[v]) > 0
}

// EraseOp removes an operation whose results are not used anymore. It panics if any result still has uses.
func (g *Graph) EraseOp(opID OpID) {
	op := g.Op(opID)
	for _, result := range op.Results {
		if g.HasUses(result) {
			exceptions.Panicf("ir.Graph %q: cannot erase op %s, result %s is still in use", g.Name, g.OpName(opID), g.ValueName(result))
		}
	}
	pos := g.Position(opID)
	for ii, v := range op.Operands {
		g.removeUse(v, Use{Op: opID, Operand: ii})
	}
	g.order = slices.Delete(g.order, pos, pos+1)
	if g.ret == opID {
		g.ret = NoOp
	}
	g.positionsDirty = true
}

// Position returns the index of the operation in the definition order. It panics if the op was erased.
func (g *Graph) Position(opID OpID) int {
	g.Op(opID)
	g.updatePositions()
	pos := g.positions[opID]
	if pos < 0 {
		exceptions.Panicf("ir.Graph %q: op #%d is not in the graph anymore", g.Name, opID)
	}
	return pos
}

// IsErased returns whether the operation was removed from the block.
func (g *Graph) IsErased(opID OpID) bool {
	g.Op(opID)
	g.updatePositions()
	return g.positions[opID] < 0
}

func (g *Graph) updatePositions() {
	if !g.positionsDirty {
		return
	}
	for ii := range g.positions {
		g.positions[ii] = -1
	}
	for pos, id := range g.order {
		g.positions[id] = pos
	}
	g.positionsDirty = false
}

func (g *Graph) addUse(v ValueID, use Use) {
	g.uses[v] = append(g.uses[v], use)
}

func (g *Graph) removeUse(v ValueID, use Use) {
	uses := g.uses[v]
	idx := slices.Index(uses, use)
	if idx < 0 {
		return
	}
	uses = slices.Delete(uses, idx, idx+1)
	if len(uses) == 0 {
		delete(g.uses, v)
	} else {
		g.uses[v] = uses
	}
}
