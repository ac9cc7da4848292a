package graphio

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/quantprop/driver"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/gomlx/quantprop/spec"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findOp(g *ir.Graph, name string) *ir.Op {
	for _, opID := range g.Ops() {
		if g.Op(opID).Name == name {
			return g.Op(opID)
		}
	}
	return nil
}

func TestLoadGraph(t *testing.T) {
	g, err := LoadGraph(filepath.Join("testdata", "fanout.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "fanout", g.Name)
	require.Len(t, g.Args(), 1)
	assert.Equal(t, 7, g.NumOps())
	require.Len(t, g.Outputs(), 2)

	id2 := findOp(g, "id2")
	require.NotNil(t, id2)
	q := g.Uses(id2.Results[0])
	require.Len(t, q, 1)
	qValue := g.Value(g.Op(q[0].Op).Results[0])
	assert.Equal(t, "y2_q", qValue.Name)
	assert.True(t, qValue.Quant.Equal(quant.NewPerTensor(0.25, 0, false, 8, false, dtypes.Float32)))
	assert.Equal(t, []int{4}, qValue.Shape.Dimensions)

	gemm := must.M1(LoadGraph(filepath.Join("testdata", "gemm.yaml")))
	xArg := gemm.Value(gemm.Args()[0])
	require.NotNil(t, xArg.Stats)
	assert.Equal(t, ir.Range{Min: -12.8, Max: 12.7}, *xArg.Stats)
	softmax := findOp(gemm, "softmax")
	require.NotNil(t, softmax)
	assert.Equal(t, 1, softmax.Attr("axis", -1))
	w := findOp(gemm, "w")
	values, err := quant.FlatValues(w.Const)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{25.4, 1, -3, 2}, values, 1e-5)
}

func TestMarshalGraph(t *testing.T) {
	g := must.M1(LoadGraph(filepath.Join("testdata", "gemm.yaml")))
	cfg := must.M1(LoadConfig(filepath.Join("testdata", "bias16.yaml")))
	require.NoError(t, driver.Run(g, spec.Default(), cfg))

	// Saving and loading again must reach a fixed point, including the names given to unnamed values.
	first := must.M1(MarshalGraph(g))
	reloaded := must.M1(ParseGraph(first))
	second := must.M1(MarshalGraph(reloaded))
	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Errorf("graph changed after reloading (-first +second):\n%s", diff)
	}
	assert.Equal(t, g.NumOps(), reloaded.NumOps())

	path := filepath.Join(t.TempDir(), "gemm_quantized.yaml")
	require.NoError(t, SaveGraph(path, g))
	fromFile := must.M1(LoadGraph(path))
	assert.Equal(t, string(first), string(must.M1(MarshalGraph(fromFile))))
}

func TestRunFixture(t *testing.T) {
	g := must.M1(LoadGraph(filepath.Join("testdata", "gemm.yaml")))
	cfg := must.M1(LoadConfig(filepath.Join("testdata", "bias16.yaml")))
	require.NoError(t, driver.Run(g, spec.Default(), cfg))

	gemm := findOp(g, "gemm")
	require.NotNil(t, gemm)
	quantOf := func(v ir.ValueID) *quant.Params {
		dq := g.DefiningOp(v)
		require.NotNil(t, dq)
		require.Equal(t, ir.KindDequantize, dq.Kind)
		return g.Value(dq.Operands[0]).Quant
	}
	bias := quantOf(gemm.Operands[2])
	require.NotNil(t, bias)
	assert.Equal(t, 16, bias.Bits)
	assert.InDelta(t, 2000.0/16383.0, bias.Scale(), 1e-12)
	input, weights := quantOf(gemm.Operands[0]), quantOf(gemm.Operands[1])
	assert.InDelta(t, bias.Scale(), input.Scale()*weights.Scale(), 1e-12)

	out := g.Outputs()[0]
	assert.True(t, quantOf(out).Equal(quant.FixedRange(1.0/256.0, -128, true, 8, dtypes.Float32)))
}

func TestParseGraphErrors(t *testing.T) {
	testCases := []struct {
		name, yaml string
	}{
		{"unknown operand", `
name: g
ops:
  - {kind: Relu, operands: [x], results: [{name: y}]}
`},
		{"duplicate name", `
name: g
args: [{name: x}, {name: x}]
`},
		{"unknown dtype", `
name: g
args: [{name: x, dtype: complex256}]
`},
		{"quantize without params", `
name: g
args: [{name: x}]
ops:
  - {kind: QuantizeLinear, operands: [x], results: [{name: q}]}
`},
		{"constant size", `
name: g
ops:
  - {kind: Constant, results: [{name: c, shape: [3]}], value: [1, 2]}
`},
		{"invalid stats", `
name: g
args: [{name: x, stats: [1, -1]}]
`},
		{"per-tensor with many scales", `
name: g
args: [{name: x, shape: [2]}]
ops:
  - {kind: QuantizeLinear, operands: [x], results: [{name: q, quant: {signed: true, bits: 8, scales: [1, 2], zero_points: [0, 0]}}]}
`},
		{"unknown output", `
name: g
args: [{name: x}]
outputs: [y]
`},
		{"explicit return", `
name: g
args: [{name: x}]
ops:
  - {kind: Return, operands: [x]}
`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseGraph([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "bias16.yaml"))
	require.NoError(t, err)
	want := driver.DefaultConfig()
	want.InferTensorRange = true
	want.DisablePerChannel = true
	want.BiasBitWidth = 16
	assert.Equal(t, want, cfg)

	cfg, err = ParseConfig([]byte("is_signed: false\nbit_width: 16\n"))
	require.NoError(t, err)
	assert.False(t, cfg.IsSigned)
	assert.Equal(t, 16, cfg.BitWidth)
	assert.Equal(t, 32, cfg.BiasBitWidth)

	_, err = ParseConfig([]byte("bit_width: 1\n"))
	require.Error(t, err)
	_, err = LoadConfig(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)
}
