package spec

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/quantprop/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOp(g *ir.Graph, kind string, numOperands int) ir.OpID {
	shape := shapes.Make(dtypes.Float32, 4)
	operands := make([]ir.ValueID, numOperands)
	for ii := range operands {
		operands[ii] = g.AddArg("", shape)
	}
	return g.AddOp(kind, kind, operands, ir.ResultType{Shape: shape}).ID
}

func TestBuiltins(t *testing.T) {
	r := Default()
	g := ir.New("builtins")

	conv := newOp(g, "Conv", 3)
	require.True(t, r.IsQuantizable(g, conv))
	qs := r.QuantSpec(g, conv)
	assert.Equal(t, map[int]int{1: 0}, qs.Weights)
	assert.True(t, qs.NarrowRangeWeights)
	assert.True(t, qs.HasAffineOperand)
	assert.Equal(t, 1, qs.AffineOperand)
	require.True(t, qs.IsBias(2))
	assert.Equal(t, []int{0, 1}, qs.Biases[2].NonBiasOperands)
	assert.False(t, r.ScaleSpec(g, conv).HasSameScaleRequirement())

	// Without bias.
	gemm := newOp(g, "Gemm", 2)
	assert.Empty(t, r.QuantSpec(g, gemm).Biases)

	depthwise := newOp(g, "DepthwiseConv", 3)
	assert.Equal(t, map[int]int{1: 3}, r.QuantSpec(g, depthwise).Weights)

	concat := newOp(g, "Concat", 3)
	ss := r.ScaleSpec(g, concat)
	require.True(t, ss.HasSameScaleRequirement())
	assert.Equal(t, []int{0, 1, 2}, ss.SameScaleOperands)
	assert.Equal(t, []int{0}, ss.SameScaleResults)
	assert.True(t, ss.RequiredSameQuantizedAxes)
	assert.False(t, r.ScaleSpec(g, newOp(g, "Reshape", 1)).RequiredSameQuantizedAxes)

	softmax := newOp(g, "Softmax", 1)
	ss = r.ScaleSpec(g, softmax)
	require.True(t, ss.HasFixedOutputRange())
	p := ss.FixedOutputRange(true, 8, dtypes.Float32)
	assert.Equal(t, 1.0/256.0, p.Scale())
	assert.Equal(t, int64(-128), p.ZeroPoint())
	p = ss.FixedOutputRange(false, 8, dtypes.Float32)
	assert.Equal(t, int64(0), p.ZeroPoint())
	assert.Nil(t, ss.FixedOutputRange(true, 4, dtypes.Float32))

	tanh := newOp(g, "Tanh", 1)
	p = r.ScaleSpec(g, tanh).FixedOutputRange(true, 16, dtypes.Float32)
	assert.Equal(t, 1.0/32768.0, p.Scale())
	assert.Equal(t, int64(0), p.ZeroPoint())

	relu := newOp(g, "Relu", 1)
	assert.True(t, r.IsQuantizable(g, relu))
	assert.True(t, r.QuantSpec(g, relu).IsEmpty())

	unknown := newOp(g, "Unknown", 1)
	assert.False(t, r.IsQuantizable(g, unknown))
	assert.True(t, r.QuantSpec(g, unknown).IsEmpty())
	assert.False(t, r.ScaleSpec(g, unknown).HasSameScaleRequirement())
}

func TestMalformedSpecs(t *testing.T) {
	r := NewRegistry().
		Register("BadBias", Funcs{Quant: func(_ *ir.Graph, _ *ir.Op) *OpQuantSpec {
			return &OpQuantSpec{Biases: map[int]BiasSpec{5: {NonBiasOperands: []int{0}}}}
		}}).
		Register("BadSameScale", Funcs{Scale: func(_ *ir.Graph, op *ir.Op) *OpQuantScaleSpec {
			return &OpQuantScaleSpec{SameScale: true, SameScaleOperands: []int{0, 7}}
		}}).
		Register("Nil", Funcs{Quant: func(_ *ir.Graph, _ *ir.Op) *OpQuantSpec { return nil }})
	g := ir.New("malformed")

	bad := newOp(g, "BadBias", 2)
	assert.True(t, r.IsQuantizable(g, bad))
	assert.True(t, r.QuantSpec(g, bad).IsEmpty())

	badSameScale := newOp(g, "BadSameScale", 2)
	assert.False(t, r.ScaleSpec(g, badSameScale).HasSameScaleRequirement())

	nilSpec := newOp(g, "Nil", 1)
	assert.NotNil(t, r.QuantSpec(g, nilSpec))
	assert.NotNil(t, r.ScaleSpec(g, nilSpec))
}

func TestDefaultIsolation(t *testing.T) {
	r1 := Default()
	r1.Register("Custom", Funcs{})
	assert.True(t, r1.Has("Custom"))
	assert.False(t, Default().Has("Custom"))
	assert.True(t, Default().Has("Conv"))
}
