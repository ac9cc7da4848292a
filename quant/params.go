// Package quant defines quantization parameters and the arithmetic used to derive them.
//
//   - Params: scale(s), zero point(s), storage bit width and signedness, optionally per-axis.
//   - ForWeight / ForWeightPerAxis: parameters derived from the content of a constant tensor.
//   - FromMinMax: parameters derived from an observed [min, max] range.
//   - BiasParams: the accumulator scale function used for biases.
//   - FakeQuantize: evaluates the quantize/dequantize round trip with GoMLX.
package quant

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// PerTensor is the Axis value of parameters that have a single scale and zero point.
const PerTensor = -1

// Params describes a uniform affine quantization of a float tensor:
//
//	real = (stored - ZeroPoint) * Scale
//
// Per-axis parameters have one scale and zero point per slice along Axis.
//
// Params values are treated as immutable once created: share them freely, but never modify them.
type Params struct {
	// Signed storage type.
	Signed bool

	// Bits of the storage type.
	Bits int

	// StorageMin and StorageMax are the limits of the stored integer values.
	// They are narrower than the storage type when NarrowRange is set.
	StorageMin, StorageMax int64

	// NarrowRange excludes the lowest code of the storage type.
	NarrowRange bool

	// Scales has one element for per-tensor parameters.
	Scales []float64

	// ZeroPoints has the same length as Scales.
	ZeroPoints []int64

	// Axis is the quantized axis, or PerTensor.
	Axis int

	// Expressed is the float dtype being quantized.
	Expressed dtypes.DType
}

// StorageRange returns the default [min, max] of a storage type with the given bits and signedness.
// If narrowRange is set, the minimum is increased by one.
func StorageRange(signed bool, bits int, narrowRange bool) (qmin, qmax int64) {
	if signed {
		qmin = -(int64(1) << (bits - 1))
		qmax = (int64(1) << (bits - 1)) - 1
	} else {
		qmin = 0
		qmax = (int64(1) << bits) - 1
	}
	if narrowRange {
		qmin++
	}
	return
}

// NewPerTensor creates per-tensor parameters.
func NewPerTensor(scale float64, zeroPoint int64, signed bool, bits int, narrowRange bool, expressed dtypes.DType) *Params {
	qmin, qmax := StorageRange(signed, bits, narrowRange)
	return &Params{
		Signed:      signed,
		Bits:        bits,
		StorageMin:  qmin,
		StorageMax:  qmax,
		NarrowRange: narrowRange,
		Scales:      []float64{scale},
		ZeroPoints:  []int64{zeroPoint},
		Axis:        PerTensor,
		Expressed:   expressed,
	}
}

// NewPerAxis creates per-axis parameters. scales and zeroPoints must have the same length.
func NewPerAxis(scales []float64, zeroPoints []int64, axis int, signed bool, bits int, narrowRange bool, expressed dtypes.DType) *Params {
	qmin, qmax := StorageRange(signed, bits, narrowRange)
	return &Params{
		Signed:      signed,
		Bits:        bits,
		StorageMin:  qmin,
		StorageMax:  qmax,
		NarrowRange: narrowRange,
		Scales:      slices.Clone(scales),
		ZeroPoints:  slices.Clone(zeroPoints),
		Axis:        axis,
		Expressed:   expressed,
	}
}

// IsPerAxis returns whether p has one scale per slice of an axis.
func (p *Params) IsPerAxis() bool {
	return p != nil && p.Axis != PerTensor
}

// Scale returns the scale of per-tensor parameters, or the first scale of per-axis ones.
func (p *Params) Scale() float64 {
	return p.Scales[0]
}

// ZeroPoint returns the zero point of per-tensor parameters, or the first zero point of per-axis ones.
func (p *Params) ZeroPoint() int64 {
	return p.ZeroPoints[0]
}

// Equal returns whether p and other describe exactly the same quantization.
// Two nil Params are equal.
func (p *Params) Equal(other *Params) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Signed == other.Signed &&
		p.Bits == other.Bits &&
		p.StorageMin == other.StorageMin &&
		p.StorageMax == other.StorageMax &&
		p.NarrowRange == other.NarrowRange &&
		p.Axis == other.Axis &&
		p.Expressed == other.Expressed &&
		slices.Equal(p.Scales, other.Scales) &&
		slices.Equal(p.ZeroPoints, other.ZeroPoints)
}

// WithScales returns a copy of p with the given scales and zero points set to zeroPoint.
// It keeps the storage type, the axis and the expressed dtype.
func (p *Params) WithScales(scales []float64, zeroPoint int64) *Params {
	newP := *p
	newP.Scales = slices.Clone(scales)
	newP.ZeroPoints = make([]int64, len(scales))
	for ii := range newP.ZeroPoints {
		newP.ZeroPoints[ii] = zeroPoint
	}
	return &newP
}

// StorageDType returns the GoMLX dtype that holds the stored values.
func (p *Params) StorageDType() dtypes.DType {
	switch {
	case p.Bits <= 8 && p.Signed:
		return dtypes.Int8
	case p.Bits <= 8:
		return dtypes.Uint8
	case p.Bits <= 16 && p.Signed:
		return dtypes.Int16
	case p.Bits <= 16:
		return dtypes.Uint16
	case p.Bits <= 32 && p.Signed:
		return dtypes.Int32
	case p.Bits <= 32:
		return dtypes.Uint32
	case p.Signed:
		return dtypes.Int64
	default:
		return dtypes.Uint64
	}
}

// Key returns a deterministic string that identifies p, to be used as a map key.
// Scales are printed with the shortest representation that round-trips, so equal Params have equal keys.
func (p *Params) Key() string {
	if p == nil {
		return "<nil>"
	}
	var sb strings.Builder
	if p.Signed {
		sb.WriteString("i")
	} else {
		sb.WriteString("u")
	}
	sb.WriteString(strconv.Itoa(p.Bits))
	fmt.Fprintf(&sb, "[%d:%d]", p.StorageMin, p.StorageMax)
	if p.NarrowRange {
		sb.WriteString("n")
	}
	sb.WriteString(":")
	sb.WriteString(p.Expressed.String())
	if p.IsPerAxis() {
		fmt.Fprintf(&sb, ":axis=%d", p.Axis)
	}
	sb.WriteString(":{")
	for ii, scale := range p.Scales {
		if ii > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.FormatFloat(scale, 'g', -1, 64))
		sb.WriteString(":")
		sb.WriteString(strconv.FormatInt(p.ZeroPoints[ii], 10))
	}
	sb.WriteString("}")
	return sb.String()
}

// String implements fmt.Stringer. It prints the same content as Key.
func (p *Params) String() string {
	return p.Key()
}
