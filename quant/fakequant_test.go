package quant

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestQuantizeGraph(t *testing.T) {
	p := NewPerTensor(0.5, 1, true, 8, false, dtypes.Float32)
	graphtest.RunTestGraphFn(t, "QuantizeGraph(per-tensor)", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{0, 1, -1.2, 100, -100})
		inputs = []*Node{x}
		outputs = []*Node{
			QuantizeGraph(x, p),
			FakeQuantizeGraph(x, p),
		}
		return
	}, []any{
		[]float64{1, 3, -1, 127, -128},
		[]float32{0, 1, -1, 63, -64.5},
	}, -1)

	perAxis := NewPerAxis([]float64{1, 0.1}, []int64{0, 0}, 1, true, 8, true, dtypes.Float32)
	graphtest.RunTestGraphFn(t, "QuantizeGraph(per-axis)", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1.4, 1.4}, {-200, 0.06}})
		inputs = []*Node{x}
		outputs = []*Node{QuantizeGraph(x, perAxis)}
		return
	}, []any{
		[][]float64{{1, 14}, {-127, 1}},
	}, -1)
}

func TestFakeQuantize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	p := NewPerTensor(0.25, 0, true, 8, false, dtypes.Float32)
	input := tensors.FromValue([]float32{0.1, 0.3, -0.6})
	got, err := FakeQuantize(backend, input, p)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.25, -0.5}, got.Value())

	maxErr, err := QuantizationError(backend, input, p)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, maxErr, 1e-6)

	// Per-axis on an invalid axis fails with an error, not a panic.
	perAxis := NewPerAxis([]float64{1, 1}, []int64{0, 0}, 3, true, 8, false, dtypes.Float32)
	_, err = FakeQuantize(backend, input, perAxis)
	require.Error(t, err)
}

func TestFlatValues(t *testing.T) {
	values, err := FlatValues(tensors.FromValue([][]float32{{1, 2}, {3, -4}}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, -4}, values)
	assert.True(t, IsFinite(values))
	assert.Equal(t, 4.0, MaxAbs(values))
	assert.Equal(t, 0.0, MaxAbs(nil))
	assert.Equal(t, []float64{2, 4}, MaxAbsPerChannel(values, []int{2, 2}, 0))
	assert.Equal(t, []float64{3, 4}, MaxAbsPerChannel(values, []int{2, 2}, 1))

	_, err = FlatValues(tensors.FromValue([]int32{1, 2}))
	require.Error(t, err)
}
