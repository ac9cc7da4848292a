package ir

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// SortTopologically reorders the operations of the block so every operation comes after the definition of
// its operands. Among operations that are ready, the current definition order is preserved, so sorting an
// already sorted graph is a no-op.
//
// The Return operation is always kept last. It returns an error if the graph has a cycle.
func (g *Graph) SortTopologically() error {
	g.updatePositions()

	// Number of pending operands (defined by non-sorted operations) per op.
	pending := make(map[OpID]int, len(g.order))
	for _, opID := range g.order {
		count := 0
		for _, v := range g.ops[opID].Operands {
			if !g.values[v].IsArg() {
				count++
			}
		}
		pending[opID] = count
	}

	sorted := make([]OpID, 0, len(g.order))
	done := sets.Make[OpID](len(g.order))
	for len(sorted) < len(g.order) {
		// Pick the first ready operation in the current order.
		next := NoOp
		for _, opID := range g.order {
			if done.Has(opID) || pending[opID] > 0 || (opID == g.ret && len(sorted) < len(g.order)-1) {
				continue
			}
			next = opID
			break
		}
		if next == NoOp {
			return errors.Errorf("ir.Graph %q: sorting operations failed, %d out of %d operations are part of a cycle",
				g.Name, len(g.order)-len(sorted), len(g.order))
		}
		sorted = append(sorted, next)
		done.Insert(next)
		for _, result := range g.ops[next].Results {
			for _, use := range g.uses[result] {
				pending[use.Op]--
			}
		}
	}
	g.order = sorted
	g.positionsDirty = true
	return nil
}

// Validate checks that the graph is well-formed: every operand refers to a valid value defined before
// its use, use lists are consistent, and the Return operation (if any) is last.
func (g *Graph) Validate() error {
	g.updatePositions()
	defined := sets.Make[ValueID](len(g.values))
	for _, arg := range g.args {
		defined.Insert(arg)
	}
	for pos, opID := range g.order {
		op := g.ops[opID]
		for ii, v := range op.Operands {
			if v < 0 || int(v) >= len(g.values) {
				return errors.Errorf("ir.Graph %q: op %s operand #%d refers to invalid value %d", g.Name, g.OpName(opID), ii, v)
			}
			if !defined.Has(v) {
				return errors.Errorf("ir.Graph %q: op %s operand #%d uses %s before its definition",
					g.Name, g.OpName(opID), ii, g.ValueName(v))
			}
		}
		for _, result := range op.Results {
			defined.Insert(result)
		}
		if opID == g.ret && pos != len(g.order)-1 {
			return errors.Errorf("ir.Graph %q: Return must be the last operation", g.Name)
		}
	}
	for v, uses := range g.uses {
		for _, use := range uses {
			if g.positions[use.Op] < 0 {
				return errors.Errorf("ir.Graph %q: value %s is used by erased op #%d", g.Name, g.ValueName(v), use.Op)
			}
			if g.ops[use.Op].Operands[use.Operand] != v {
				return errors.Errorf("ir.Graph %q: stale use of %s by op %s", g.Name, g.ValueName(v), g.OpName(use.Op))
			}
		}
	}
	return nil
}
