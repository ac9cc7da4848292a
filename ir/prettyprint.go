package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// OpName returns a printable name for the operation: its name if set, or "#<id>".
func (g *Graph) OpName(id OpID) string {
	op := g.Op(id)
	if op.Name != "" {
		return op.Name
	}
	return fmt.Sprintf("#%d", id)
}

// ValueName returns a printable name for the value: "%<name>" if set, or "%<id>".
func (g *Graph) ValueName(id ValueID) string {
	v := g.Value(id)
	if v.Name != "" {
		return "%" + v.Name
	}
	return fmt.Sprintf("%%%d", id)
}

// String implements fmt.Stringer, and pretty prints the graph, one operation per line in definition order.
// The output is deterministic, and can be used to compare graphs.
func (g *Graph) String() string {
	var buf bytes.Buffer
	// w writes to the buffer.
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	valueStr := func(id ValueID) string {
		v := g.values[id]
		if v.Quant != nil {
			return fmt.Sprintf("%s: %s<%s>", g.ValueName(id), v.Shape, v.Quant)
		}
		return fmt.Sprintf("%s: %s", g.ValueName(id), v.Shape)
	}

	w("graph %s(", g.Name)
	for ii, arg := range g.args {
		if ii > 0 {
			w(", ")
		}
		w(valueStr(arg))
	}
	w(") {\n")
	for _, opID := range g.order {
		op := g.ops[opID]
		w("\t")
		if len(op.Results) > 0 {
			parts := make([]string, len(op.Results))
			for ii, result := range op.Results {
				parts[ii] = valueStr(result)
			}
			w("%s = ", strings.Join(parts, ", "))
		}
		w(op.Kind)
		if op.Volatile {
			w("[volatile]")
		}
		operands := make([]string, len(op.Operands))
		for ii, v := range op.Operands {
			operands[ii] = g.ValueName(v)
		}
		w("(%s)", strings.Join(operands, ", "))
		if len(op.Attrs) > 0 {
			w(" {")
			for ii, key := range slices.Sorted(maps.Keys(op.Attrs)) {
				if ii > 0 {
					w(", ")
				}
				w("%s=%d", key, op.Attrs[key])
			}
			w("}")
		}
		if op.Const != nil {
			w(" %s", op.Const.Shape())
		}
		w("\n")
	}
	w("}\n")
	return buf.String()
}
