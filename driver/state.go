package driver

import (
	"slices"

	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
)

// QuantState is the quantization state of one value slot.
type QuantState struct {
	// Params is nil while the slot has no parameters.
	Params *quant.Params

	// Immutable slots were quantized before the run (by explicit markers), and their Params never change.
	Immutable bool
}

// IsEmpty returns whether the slot has no parameters yet.
func (s *QuantState) IsEmpty() bool { return s.Params == nil }

// RequantizePosition tells where a requantization is needed.
type RequantizePosition int

const (
	NoRequantize RequantizePosition = iota

	// OnInput requantizes on the edge into a consumer that wants different parameters.
	OnInput

	// OnOutput requantizes right after the producer, for a set of its consumers.
	OnOutput
)

// String implements fmt.Stringer.
func (p RequantizePosition) String() string {
	switch p {
	case OnInput:
		return "OnInput"
	case OnOutput:
		return "OnOutput"
	default:
		return "NoRequantize"
	}
}

// Edge is an operand edge: operand number Operand of operation Op.
type Edge = ir.Use

// RequantizeState records that the consumers on Edges need the slot value converted to Params.
type RequantizeState struct {
	Position RequantizePosition
	Params   *quant.Params
	Edges    []Edge
}

// covers returns whether edge is in the state.
func (r *RequantizeState) covers(edge Edge) bool {
	return slices.Contains(r.Edges, edge)
}

// slotID indexes the state table.
type slotID int

// slot is one entry of the state table: the state of one effective value.
type slot struct {
	QuantState
	requantize []RequantizeState

	// value is the effective value: the quantized output of a marker for values flanked by
	// quantize/dequantize markers, or the value itself otherwise.
	value ir.ValueID

	// producer is the operation whose result is stored in the slot, or ir.NoOp.
	producer ir.OpID

	// users are the operand edges (of processed operations) reading the slot.
	users []Edge
}
