package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// reportErrors writes a table with the quantization error of each quantized constant of g: the largest
// difference between the constant and its quantize/dequantize round trip, next to half of the
// quantization step, which bounds it for values within range.
func reportErrors(w io.Writer, backend backends.Backend, g *ir.Graph) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Graph", "Constant", "Params", "Max Error", "Half Step"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, opID := range g.Ops() {
		op := g.Op(opID)
		if op.Kind != ir.KindConstant || op.Const == nil || !op.Const.DType().IsFloat() {
			continue
		}
		for _, use := range g.Uses(op.Results[0]) {
			marker := g.Op(use.Op)
			if marker.Kind != ir.KindQuantize {
				continue
			}
			params := g.Value(marker.Results[0]).Quant
			maxErr, err := quant.QuantizationError(backend, op.Const, params)
			if err != nil {
				return errors.WithMessagef(err, "graph %q, constant %s", g.Name, g.OpName(opID))
			}
			table.Append([]string{
				g.Name,
				g.OpName(opID),
				params.String(),
				fmt.Sprintf("%.6g", maxErr),
				fmt.Sprintf("%.6g", slices.Max(params.Scales)/2),
			})
		}
	}
	table.Render()
	return nil
}
