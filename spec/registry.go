package spec

import (
	"maps"

	"github.com/gomlx/quantprop/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Registry is a Provider that looks up the OpSpecifier of an operation by its kind.
//
// Operations of kinds not registered are not quantizable, and have empty specs.
type Registry struct {
	specifiers map[string]OpSpecifier
}

var builtinSpecifiers = make(map[string]OpSpecifier)

// RegisterBuiltin registers an OpSpecifier included in every registry created by Default.
// It is meant to be called from init functions.
func RegisterBuiltin(kind string, s OpSpecifier) {
	builtinSpecifiers[kind] = s
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specifiers: make(map[string]OpSpecifier)}
}

// Default returns a new registry with the built-in operation kinds.
// The returned registry can be extended without affecting other registries.
func Default() *Registry {
	return &Registry{specifiers: maps.Clone(builtinSpecifiers)}
}

// Register sets the OpSpecifier for the given operation kind, replacing any previous one.
// It returns the registry itself, so calls can be chained.
func (r *Registry) Register(kind string, s OpSpecifier) *Registry {
	r.specifiers[kind] = s
	return r
}

// Has returns whether kind is registered.
func (r *Registry) Has(kind string) bool {
	_, found := r.specifiers[kind]
	return found
}

var _ Provider = (*Registry)(nil)

// IsQuantizable implements Provider.
func (r *Registry) IsQuantizable(g *ir.Graph, opID ir.OpID) bool {
	return r.Has(g.Op(opID).Kind)
}

// QuantSpec implements Provider. Malformed specs are replaced by an empty one.
func (r *Registry) QuantSpec(g *ir.Graph, opID ir.OpID) *OpQuantSpec {
	op := g.Op(opID)
	s, found := r.specifiers[op.Kind]
	if !found {
		return &OpQuantSpec{}
	}
	qs := s.QuantSpec(g, op)
	if qs == nil {
		return &OpQuantSpec{}
	}
	if err := validateQuantSpec(qs, op); err != nil {
		klog.Warningf("ignoring quantization spec of op %s (%s): %v", g.OpName(opID), op.Kind, err)
		return &OpQuantSpec{}
	}
	return qs
}

// ScaleSpec implements Provider. Malformed specs are replaced by an empty one.
func (r *Registry) ScaleSpec(g *ir.Graph, opID ir.OpID) *OpQuantScaleSpec {
	op := g.Op(opID)
	s, found := r.specifiers[op.Kind]
	if !found {
		return &OpQuantScaleSpec{}
	}
	ss := s.ScaleSpec(g, op)
	if ss == nil {
		return &OpQuantScaleSpec{}
	}
	if err := validateScaleSpec(ss, op); err != nil {
		klog.Warningf("ignoring scale spec of op %s (%s): %v", g.OpName(opID), op.Kind, err)
		return &OpQuantScaleSpec{}
	}
	return ss
}

func checkIndex(kind string, idx, n int) error {
	if idx < 0 || idx >= n {
		return errors.Errorf("%s index %d out of range [0, %d)", kind, idx, n)
	}
	return nil
}

func validateQuantSpec(qs *OpQuantSpec, op *ir.Op) error {
	numOperands := len(op.Operands)
	for biasIdx, bias := range qs.Biases {
		if err := checkIndex("bias operand", biasIdx, numOperands); err != nil {
			return err
		}
		if bias.ScaleFunc == nil {
			return errors.Errorf("bias operand %d has no scale function", biasIdx)
		}
		if len(bias.NonBiasOperands) == 0 {
			return errors.Errorf("bias operand %d has no contributing operands", biasIdx)
		}
		for _, idx := range bias.NonBiasOperands {
			if err := checkIndex("non-bias operand", idx, numOperands); err != nil {
				return err
			}
			if idx == biasIdx {
				return errors.Errorf("bias operand %d contributes to itself", biasIdx)
			}
		}
	}
	for weightIdx := range qs.Weights {
		if err := checkIndex("weight operand", weightIdx, numOperands); err != nil {
			return err
		}
	}
	if qs.HasAffineOperand {
		if err := checkIndex("affine operand", qs.AffineOperand, numOperands); err != nil {
			return err
		}
	}
	return nil
}

func validateScaleSpec(ss *OpQuantScaleSpec, op *ir.Op) error {
	for _, idx := range ss.SameScaleOperands {
		if err := checkIndex("same-scale operand", idx, len(op.Operands)); err != nil {
			return err
		}
	}
	for _, idx := range ss.SameScaleResults {
		if err := checkIndex("same-scale result", idx, len(op.Results)); err != nil {
			return err
		}
	}
	for _, idx := range ss.FixedResults {
		if err := checkIndex("fixed result", idx, len(op.Results)); err != nil {
			return err
		}
	}
	return nil
}
