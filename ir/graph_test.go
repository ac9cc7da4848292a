package ir

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantprop/quant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

// buildChain builds: x -> Relu -> Add(relu, w) -> Return.
func buildChain(t *testing.T) (g *Graph, x, relu, w, add ValueID) {
	g = New("chain")
	x = g.AddArg("x", f32(2))
	relu = g.AddOp("Relu", "relu", []ValueID{x}, ResultType{Name: "relu", Shape: f32(2)}).Results[0]
	w = g.AddConstant("w", tensors.FromValue([]float32{1, 2}))
	add = g.AddOp("Add", "add", []ValueID{relu, w}, ResultType{Name: "add", Shape: f32(2)}).Results[0]
	g.SetOutputs(add)
	require.NoError(t, g.Validate())
	return
}

func TestGraphBuild(t *testing.T) {
	g, x, relu, w, add := buildChain(t)
	require.Equal(t, 4, g.NumOps())
	assert.Equal(t, []ValueID{x}, g.Args())
	assert.Equal(t, []ValueID{add}, g.Outputs())
	assert.True(t, g.Value(x).IsArg())
	assert.True(t, g.Value(x).IsFloat())
	assert.Nil(t, g.DefiningOp(x))
	assert.Equal(t, KindConstant, g.DefiningOp(w).Kind)
	assert.Equal(t, []Use{{Op: g.Value(add).Def, Operand: 0}}, g.Uses(relu))

	// Ops added after SetOutputs go before Return.
	extra := g.AddOp("Identity", "extra", []ValueID{add}, ResultType{Shape: f32(2)})
	ops := g.Ops()
	assert.Equal(t, extra.ID, ops[len(ops)-2])
	assert.Equal(t, g.ReturnOp(), ops[len(ops)-1])
	require.NoError(t, g.Validate())
	g.EraseOp(extra.ID)
	require.NoError(t, g.Validate())

	err := exceptions.TryCatch[error](func() { g.Op(100) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { g.Value(-2) })
	require.Error(t, err)
}

func TestGraphEdit(t *testing.T) {
	g, x, relu, _, add := buildChain(t)
	reluOp := g.Value(relu).Def
	addOp := g.Value(add).Def

	// Insert a quantize/dequantize pair after relu, and redirect the Add to read it.
	p := quant.NewPerTensor(0.1, 0, true, 8, false, dtypes.Float32)
	q := g.InsertAfter(reluOp, KindQuantize, "", []ValueID{relu}, ResultType{Shape: f32(2), Quant: p})
	q.Volatile = true
	dq := g.InsertAfter(q.ID, KindDequantize, "", q.Results, ResultType{Shape: f32(2)})
	g.SetOperand(addOp, 0, dq.Results[0])
	require.NoError(t, g.Validate())

	assert.Equal(t, []Use{{Op: q.ID, Operand: 0}}, g.Uses(relu))
	assert.Equal(t, []Use{{Op: addOp, Operand: 0}}, g.Uses(dq.Results[0]))
	assert.Equal(t, g.Position(reluOp)+1, g.Position(q.ID))
	assert.Equal(t, g.Position(q.ID)+1, g.Position(dq.ID))
	assert.False(t, g.Value(q.Results[0]).IsFloat())

	// Insert at the start of the block.
	c := g.InsertAfter(NoOp, KindConstant, "first", nil, ResultType{Shape: f32()})
	assert.Equal(t, 0, g.Position(c.ID))

	// Can't erase while in use.
	err := exceptions.TryCatch[error](func() { g.EraseOp(q.ID) })
	require.Error(t, err)

	// Undo and erase markers.
	g.SetOperand(addOp, 0, relu)
	g.EraseOp(dq.ID)
	g.EraseOp(q.ID)
	assert.True(t, g.IsErased(q.ID))
	require.NoError(t, g.Validate())
	assert.Len(t, g.Uses(relu), 1)
	assert.Len(t, g.Uses(x), 1)

	// Operand edge out of range.
	err = exceptions.TryCatch[error](func() { g.SetOperand(addOp, 5, relu) })
	require.Error(t, err)
}

func TestUsesOrder(t *testing.T) {
	g := New("uses")
	x := g.AddArg("x", f32(2))
	a := g.AddOp("Add", "a", []ValueID{x, x}, ResultType{Shape: f32(2)})
	b := g.InsertBefore(a.ID, "Relu", "b", []ValueID{x}, ResultType{Shape: f32(2)})
	uses := g.Uses(x)
	assert.Equal(t, []Use{{Op: b.ID, Operand: 0}, {Op: a.ID, Operand: 0}, {Op: a.ID, Operand: 1}}, uses)
}

func TestSortTopologically(t *testing.T) {
	g := New("sort")
	x := g.AddArg("x", f32(2))
	a := g.AddOp("Relu", "a", []ValueID{x}, ResultType{Shape: f32(2)})
	b := g.AddOp("Relu", "b", []ValueID{a.Results[0]}, ResultType{Shape: f32(2)})
	g.SetOutputs(b.Results[0])
	// Place a constant use before its definition.
	c := g.AddConstant("c", tensors.FromValue([]float32{1, 1}))
	mul := g.InsertBefore(a.ID, "Mul", "mul", []ValueID{x, c}, ResultType{Shape: f32(2)})
	g.SetOperand(b.ID, 0, mul.Results[0])
	require.Error(t, g.Validate())

	require.NoError(t, g.SortTopologically())
	require.NoError(t, g.Validate())
	ops := g.Ops()
	assert.Equal(t, g.ReturnOp(), ops[len(ops)-1])
	assert.Less(t, g.Position(g.Value(c).Def), g.Position(mul.ID))

	// Sorting a sorted graph is a no-op.
	before := g.String()
	require.NoError(t, g.SortTopologically())
	assert.Equal(t, before, g.String())
}

func TestString(t *testing.T) {
	g, _, _, _, _ := buildChain(t)
	want := "graph chain(%x: (Float32)[2]) {\n" +
		"\t%relu: (Float32)[2] = Relu(%x)\n" +
		"\t%w: (Float32)[2] = Constant() (Float32)[2]\n" +
		"\t%add: (Float32)[2] = Add(%relu, %w)\n" +
		"\tReturn(%add)\n" +
		"}\n"
	assert.Equal(t, want, g.String())
}
