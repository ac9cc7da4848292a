package quant

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file implements the quantize/dequantize round trip as GoMLX computations.
// Internally everything is computed in Float64, and converted back to the dtype of the operand.

// paramsNodes returns the scale and zero point as Float64 nodes broadcastable to an operand of the given rank.
func paramsNodes(g *Graph, p *Params, rank int) (scale, zeroPoint *Node) {
	if !p.IsPerAxis() {
		return Const(g, p.Scale()), Const(g, float64(p.ZeroPoint()))
	}
	if p.Axis >= rank {
		exceptions.Panicf("per-axis quantization on axis %d, but operand has rank %d", p.Axis, rank)
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	dims[p.Axis] = len(p.Scales)
	zeroPoints := make([]float64, len(p.ZeroPoints))
	for ii, zp := range p.ZeroPoints {
		zeroPoints[ii] = float64(zp)
	}
	scale = Reshape(Const(g, p.Scales), dims...)
	zeroPoint = Reshape(Const(g, zeroPoints), dims...)
	return
}

// QuantizeGraph returns the stored codes of x quantized with p. The codes are returned as Float64
// values, already rounded and clipped to the storage range.
func QuantizeGraph(x *Node, p *Params) *Node {
	g := x.Graph()
	x = ConvertDType(x, dtypes.Float64)
	scale, zeroPoint := paramsNodes(g, p, x.Rank())
	codes := Add(Round(Div(x, scale)), zeroPoint)
	return ClipScalar(codes, float64(p.StorageMin), float64(p.StorageMax))
}

// DequantizeGraph converts Float64 codes back to real values of the given dtype.
func DequantizeGraph(codes *Node, p *Params, dtype dtypes.DType) *Node {
	g := codes.Graph()
	scale, zeroPoint := paramsNodes(g, p, codes.Rank())
	return ConvertDType(Mul(Sub(codes, zeroPoint), scale), dtype)
}

// FakeQuantizeGraph returns x quantized with p and dequantized back to x's dtype.
func FakeQuantizeGraph(x *Node, p *Params) *Node {
	return DequantizeGraph(QuantizeGraph(x, p), p, x.DType())
}

// FakeQuantize evaluates FakeQuantizeGraph on the given tensor.
func FakeQuantize(backend backends.Backend, t *tensors.Tensor, p *Params) (*tensors.Tensor, error) {
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = ExecOnce(backend, func(x *Node) *Node {
			return FakeQuantizeGraph(x, p)
		}, t)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while fake-quantizing tensor shaped %s with %s", t.Shape(), p)
	}
	return result, nil
}

// QuantizationError returns the largest absolute difference between the values of t and their
// quantize/dequantize round trip with p.
func QuantizationError(backend backends.Backend, t *tensors.Tensor, p *Params) (float64, error) {
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = ExecOnce(backend, func(x *Node) *Node {
			x = ConvertDType(x, dtypes.Float64)
			diff := Abs(Sub(x, FakeQuantizeGraph(x, p)))
			return ReduceAllMax(diff)
		}, t)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "while measuring quantization error of tensor shaped %s with %s", t.Shape(), p)
	}
	return tensors.ToScalar[float64](result), nil
}
