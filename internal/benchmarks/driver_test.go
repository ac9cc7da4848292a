package benchmarks

import (
	"flag"
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantprop/driver"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/gomlx/quantprop/spec"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Benchmark duration, typically use 10 seconds. If left as 0, benchmark tests are disabled")
	flagPrintGraph    = flag.Bool("print_graph", false, "Prints the smallest quantized graph")

	// Benchmark hyperparameters.
	NumLayers = []int{4, 32, 256}
	Width     = 16
)

// randomConstant returns a Float32 tensor with values uniformly distributed in [-scale, scale).
func randomConstant(r *rand.Rand, scale float32, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData[float32](t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = (2*r.Float32() - 1) * scale
		}
	})
	return t
}

// buildMLP builds a multi-layer perceptron: each layer is a Gemm with weights and bias followed by a Relu,
// and every fourth layer concatenates the Relu with its input and slices it back, to exercise same-scale
// groups. The input is quantized by an explicit marker, and the output goes through a Softmax.
func buildMLP(numLayers int, seed int64) *ir.Graph {
	r := rand.New(rand.NewSource(seed))
	g := ir.New(fmt.Sprintf("mlp%d", numLayers))
	shape := shapes.Make(dtypes.Float32, 1, Width)
	x := g.AddArg("x", shape)
	x = g.AddDequantize("", g.AddQuantize("", x, quant.NewPerTensor(0.05, 0, true, 8, false, dtypes.Float32)))
	for layer := range numLayers {
		w := g.AddConstant(fmt.Sprintf("w%d", layer), randomConstant(r, 1, Width, Width))
		b := g.AddConstant(fmt.Sprintf("b%d", layer), randomConstant(r, 0.1, Width))
		gemm := g.AddOp("Gemm", fmt.Sprintf("gemm%d", layer), []ir.ValueID{x, w, b}, ir.ResultType{Shape: shape})
		g.Value(gemm.Results[0]).Stats = &ir.Range{Min: -4, Max: 4}
		relu := g.AddOp("Relu", fmt.Sprintf("relu%d", layer), gemm.Results, ir.ResultType{Shape: shape})
		g.Value(relu.Results[0]).Stats = &ir.Range{Min: 0, Max: 4}
		x = relu.Results[0]
		if layer%4 == 3 {
			concat := g.AddOp("Concat", "", []ir.ValueID{x, x}, ir.ResultType{Shape: shapes.Make(dtypes.Float32, 1, 2*Width)})
			slice := g.AddOp("Slice", "", concat.Results, ir.ResultType{Shape: shape})
			x = slice.Results[0]
		}
	}
	softmax := g.AddOp("Softmax", "softmax", []ir.ValueID{x}, ir.ResultType{Shape: shape})
	g.SetOutputs(softmax.Results[0])
	return g
}

func benchConfig() driver.Config {
	cfg := driver.DefaultConfig()
	cfg.InferTensorRange = true
	return cfg
}

// TestMLPQuantization checks the graphs used by the benchmarks quantize to a fixed point.
func TestMLPQuantization(t *testing.T) {
	g := buildMLP(NumLayers[0], 0)
	require.NoError(t, driver.Run(g, spec.Default(), benchConfig()))
	if *flagPrintGraph {
		fmt.Printf("Graph:\n%s\n", g)
	}
	quantized := g.String()
	d := must.M1(driver.New(g, spec.Default(), benchConfig()))
	require.NoError(t, d.Run())
	require.False(t, d.Changed())
	require.Equal(t, quantized, g.String())
}

func TestBenchDriver(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		fmt.Printf("Skipping driver benchmark test: --bench_duration is not set\n")
		t.SkipNow()
	}
	provider := spec.Default()
	cfg := benchConfig()
	for idx, numLayers := range NumLayers {
		// Graphs are consumed by each run, so they are built in advance.
		const numGraphs = 64
		graphs := make([]*ir.Graph, numGraphs)
		nextGraph := 0
		rebuild := func() {
			for ii := range graphs {
				graphs[ii] = buildMLP(numLayers, int64(ii))
			}
			nextGraph = 0
		}
		rebuild()

		benchFn := benchmarks.NamedFunction{
			Name: fmt.Sprintf("%s/layers=%03d", t.Name(), numLayers),
			Func: func() {
				if nextGraph == numGraphs {
					rebuild()
				}
				if err := driver.Run(graphs[nextGraph], provider, cfg); err != nil {
					exceptions.Panicf("failed to quantize %q: %+v", graphs[nextGraph].Name, err)
				}
				nextGraph++
			},
		}

		runtime.LockOSThread()
		benchmarks.New(benchFn).
			WithWarmUps(16).
			WithDuration(*flagBenchDuration).
			WithHeader(idx == 0).
			Done()
		runtime.UnlockOSThread()
	}
}
