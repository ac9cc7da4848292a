package driver

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/quantprop/ir"
	"github.com/olekukonko/tablewriter"
)

// OperandState returns the state of the operand index of op. It returns false if the driver has no state for it.
func (d *Driver) OperandState(op ir.OpID, index int) (QuantState, bool) {
	id, found := d.operandSlots[Edge{Op: op, Operand: index}]
	if !found {
		return QuantState{}, false
	}
	return d.slots[id].QuantState, true
}

// ResultState returns the state of the result index of op. It returns false if the driver has no state for it.
func (d *Driver) ResultState(op ir.OpID, index int) (QuantState, bool) {
	id, found := d.resultSlots[resultKey{op: op, index: index}]
	if !found {
		return QuantState{}, false
	}
	return d.slots[id].QuantState, true
}

// ArgState returns the state of the graph argument index.
func (d *Driver) ArgState(index int) (QuantState, bool) {
	if index < 0 || index >= len(d.argSlots) {
		return QuantState{}, false
	}
	return d.slots[d.argSlots[index]].QuantState, true
}

// RequantizeStates returns the requantizations recorded for the slot shared by the value v.
// v can be any value sharing the slot: the value itself, or the markers around it.
func (d *Driver) RequantizeStates(v ir.ValueID) []RequantizeState {
	id, found := d.valueSlots[v]
	if !found {
		if id, found = d.valueSlots[d.effectiveResult(v)]; !found {
			if id, found = d.valueSlots[d.effectiveOperand(v)]; !found {
				return nil
			}
		}
	}
	return slices.Clone(d.slots[id].requantize)
}

// DumpStates writes a table with the state of every slot to w, in the order they were created.
func (d *Driver) DumpStates(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Slot", "Value", "Producer", "Users", "Immutable", "Params", "Requantize"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for id, s := range d.slots {
		producer := "-"
		if s.producer != ir.NoOp {
			producer = d.g.OpName(s.producer)
		}
		users := make([]string, len(s.users))
		for ii, edge := range s.users {
			users[ii] = fmt.Sprintf("%s#%d", d.g.OpName(edge.Op), edge.Operand)
		}
		params := "-"
		if !s.IsEmpty() {
			params = s.Params.String()
		}
		requantize := make([]string, len(s.requantize))
		for ii, r := range s.requantize {
			edges := make([]string, len(r.Edges))
			for jj, edge := range r.Edges {
				edges[jj] = fmt.Sprintf("%s#%d", d.g.OpName(edge.Op), edge.Operand)
			}
			requantize[ii] = fmt.Sprintf("%s %s [%s]", r.Position, r.Params, strings.Join(edges, ", "))
		}
		table.Append([]string{
			fmt.Sprintf("%d", id),
			d.g.ValueName(s.value),
			producer,
			strings.Join(users, ", "),
			fmt.Sprintf("%v", s.Immutable),
			params,
			strings.Join(requantize, "; "),
		})
	}
	table.Render()
}

// StatesTable returns the output of DumpStates as a string.
func (d *Driver) StatesTable() string {
	var buf bytes.Buffer
	d.DumpStates(&buf)
	return buf.String()
}
