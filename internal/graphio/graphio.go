// Package graphio reads and writes graphs and driver configurations as YAML files.
//
// A graph file lists the graph arguments, the operations in definition order and the names of the values
// returned. Values are referred to by name, so names must be unique within a file:
//
//	name: gemm
//	args:
//	  - {name: x, dtype: float32, shape: [1, 2], stats: [-12.8, 12.7]}
//	ops:
//	  - kind: Constant
//	    results: [{name: w, shape: [2, 2]}]
//	    value: [25.4, 1, -3, 2]
//	  - kind: QuantizeLinear
//	    operands: [w]
//	    results: [{name: w_q, quant: {signed: true, bits: 8, scales: [0.2], zero_points: [0]}}]
//	  - kind: DequantizeLinear
//	    operands: [w_q]
//	    results: [{name: w_dq}]
//	  - kind: Gemm
//	    operands: [x, w_dq]
//	    results: [{name: y, shape: [1, 2]}]
//	outputs: [y]
//
// The dtype defaults to float32, and the results of markers default to the shape of their operand.
package graphio

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/quant"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"
)

// GraphFile is the YAML representation of an ir.Graph.
type GraphFile struct {
	Name    string     `yaml:"name"`
	Args    []ValueDef `yaml:"args,omitempty"`
	Ops     []OpDef    `yaml:"ops,omitempty"`
	Outputs []string   `yaml:"outputs,flow"`
}

// ValueDef describes a graph argument or an operation result.
type ValueDef struct {
	Name  string    `yaml:"name"`
	DType string    `yaml:"dtype,omitempty"`
	Shape []int     `yaml:"shape,flow,omitempty"`
	Quant *QuantDef `yaml:"quant,omitempty"`

	// Stats is the observed [min, max] range of the value.
	Stats []float64 `yaml:"stats,flow,omitempty"`
}

// QuantDef describes quant.Params. The expressed dtype is the dtype of the value.
type QuantDef struct {
	Signed      bool      `yaml:"signed"`
	Bits        int       `yaml:"bits"`
	NarrowRange bool      `yaml:"narrow_range,omitempty"`
	Scales      []float64 `yaml:"scales,flow"`
	ZeroPoints  []int64   `yaml:"zero_points,flow"`

	// Axis is only set for per-axis parameters.
	Axis *int `yaml:"axis,omitempty"`
}

// OpDef describes one operation.
type OpDef struct {
	Kind     string         `yaml:"kind"`
	Name     string         `yaml:"name,omitempty"`
	Operands []string       `yaml:"operands,flow,omitempty"`
	Results  []ValueDef     `yaml:"results,omitempty"`
	Attrs    map[string]int `yaml:"attrs,flow,omitempty"`
	Volatile bool           `yaml:"volatile,omitempty"`

	// Value is the flat content of Constant operations, in row-major order.
	Value []float64 `yaml:"value,flow,omitempty"`
}

// dtypeNames maps the dtype names accepted in files to GoMLX dtypes.
var dtypeNames = map[string]dtypes.DType{
	"float16": dtypes.Float16,
	"float32": dtypes.Float32,
	"float64": dtypes.Float64,
	"int8":    dtypes.Int8,
	"int16":   dtypes.Int16,
	"int32":   dtypes.Int32,
	"int64":   dtypes.Int64,
	"uint8":   dtypes.Uint8,
	"bool":    dtypes.Bool,
}

func parseDType(name string) (dtypes.DType, error) {
	if name == "" {
		return dtypes.Float32, nil
	}
	dtype, found := dtypeNames[strings.ToLower(name)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

func dtypeName(dtype dtypes.DType) string {
	return strings.ToLower(dtype.String())
}

// LoadGraph reads a graph from a YAML file.
func LoadGraph(path string) (*ir.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file %q", path)
	}
	g, err := ParseGraph(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in graph file %q", path)
	}
	return g, nil
}

// ParseGraph builds a graph from its YAML representation.
func ParseGraph(data []byte) (*ir.Graph, error) {
	var file GraphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph YAML")
	}
	return file.Build()
}

// Build creates the ir.Graph described by the file.
func (f *GraphFile) Build() (*ir.Graph, error) {
	g := ir.New(f.Name)
	values := make(map[string]ir.ValueID)
	define := func(name string, v ir.ValueID) error {
		if name == "" {
			return nil
		}
		if _, found := values[name]; found {
			return errors.Errorf("value %q defined more than once", name)
		}
		values[name] = v
		return nil
	}

	for ii, arg := range f.Args {
		if arg.Name == "" {
			return nil, errors.Errorf("argument #%d has no name", ii)
		}
		shape, err := arg.shape()
		if err != nil {
			return nil, errors.WithMessagef(err, "argument %q", arg.Name)
		}
		v := g.AddArg(arg.Name, shape)
		if err := arg.setStats(g.Value(v)); err != nil {
			return nil, errors.WithMessagef(err, "argument %q", arg.Name)
		}
		if err := define(arg.Name, v); err != nil {
			return nil, err
		}
	}

	for ii, opDef := range f.Ops {
		op, err := opDef.build(g, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "operation #%d (%s %q)", ii, opDef.Kind, opDef.Name)
		}
		for jj, result := range op.Results {
			if err := define(opDef.Results[jj].Name, result); err != nil {
				return nil, err
			}
		}
	}

	if len(f.Outputs) > 0 {
		outputs := make([]ir.ValueID, len(f.Outputs))
		for ii, name := range f.Outputs {
			v, found := values[name]
			if !found {
				return nil, errors.Errorf("unknown output value %q", name)
			}
			outputs[ii] = v
		}
		g.SetOutputs(outputs...)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (def *ValueDef) shape() (shapes.Shape, error) {
	dtype, err := parseDType(def.DType)
	if err != nil {
		return shapes.Shape{}, err
	}
	for _, dim := range def.Shape {
		if dim < 0 {
			return shapes.Shape{}, errors.Errorf("invalid shape %v", def.Shape)
		}
	}
	return shapes.Make(dtype, def.Shape...), nil
}

func (def *ValueDef) setStats(v *ir.Value) error {
	if len(def.Stats) == 0 {
		return nil
	}
	if len(def.Stats) != 2 || def.Stats[0] > def.Stats[1] {
		return errors.Errorf("stats must be [min, max], got %v", def.Stats)
	}
	v.Stats = &ir.Range{Min: def.Stats[0], Max: def.Stats[1]}
	return nil
}

func (def *QuantDef) params(expressed dtypes.DType) (*quant.Params, error) {
	if len(def.Scales) == 0 || len(def.Scales) != len(def.ZeroPoints) {
		return nil, errors.Errorf("quantization needs the same (non-zero) number of scales and zero points, got %d and %d",
			len(def.Scales), len(def.ZeroPoints))
	}
	if def.Bits < 2 || def.Bits > 32 {
		return nil, errors.Errorf("invalid quantization bits %d", def.Bits)
	}
	for _, scale := range def.Scales {
		if scale <= 0 {
			return nil, errors.Errorf("invalid quantization scale %g", scale)
		}
	}
	if def.Axis == nil {
		if len(def.Scales) != 1 {
			return nil, errors.Errorf("per-tensor quantization with %d scales, set the axis for per-axis quantization", len(def.Scales))
		}
		return quant.NewPerTensor(def.Scales[0], def.ZeroPoints[0], def.Signed, def.Bits, def.NarrowRange, expressed), nil
	}
	return quant.NewPerAxis(def.Scales, def.ZeroPoints, *def.Axis, def.Signed, def.Bits, def.NarrowRange, expressed), nil
}

func (opDef *OpDef) build(g *ir.Graph, values map[string]ir.ValueID) (*ir.Op, error) {
	if opDef.Kind == "" {
		return nil, errors.New("missing kind")
	}
	if opDef.Kind == ir.KindReturn {
		return nil, errors.New("the Return operation is given by the outputs of the graph")
	}
	operands := make([]ir.ValueID, len(opDef.Operands))
	for ii, name := range opDef.Operands {
		v, found := values[name]
		if !found {
			return nil, errors.Errorf("unknown operand %q", name)
		}
		operands[ii] = v
	}

	isMarker := opDef.Kind == ir.KindQuantize || opDef.Kind == ir.KindDequantize
	if isMarker && (len(operands) != 1 || len(opDef.Results) != 1) {
		return nil, errors.New("quantize/dequantize markers take one operand and have one result")
	}
	results := make([]ir.ResultType, len(opDef.Results))
	for ii := range opDef.Results {
		resultDef := &opDef.Results[ii]
		var shape shapes.Shape
		if isMarker && len(resultDef.Shape) == 0 && resultDef.DType == "" {
			shape = g.Value(operands[0]).Shape
		} else {
			var err error
			if shape, err = resultDef.shape(); err != nil {
				return nil, errors.WithMessagef(err, "result #%d", ii)
			}
		}
		results[ii] = ir.ResultType{Name: resultDef.Name, Shape: shape}
		if resultDef.Quant != nil {
			params, err := resultDef.Quant.params(shape.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "result #%d", ii)
			}
			results[ii].Quant = params
		}
	}
	if opDef.Kind == ir.KindQuantize && results[0].Quant == nil {
		return nil, errors.New("quantize marker without quantization parameters")
	}

	var content *tensors.Tensor
	if opDef.Kind == ir.KindConstant {
		if len(results) != 1 {
			return nil, errors.New("constants have one result")
		}
		var err error
		if content, err = constantTensor(results[0].Shape, opDef.Value); err != nil {
			return nil, err
		}
	}

	op := g.AddOp(opDef.Kind, opDef.Name, operands, results...)
	op.Const = content
	op.Volatile = opDef.Volatile
	if len(opDef.Attrs) > 0 {
		op.Attrs = make(map[string]int, len(opDef.Attrs))
		for key, value := range opDef.Attrs {
			op.Attrs[key] = value
		}
	}
	for ii := range opDef.Results {
		if err := opDef.Results[ii].setStats(g.Value(op.Results[ii])); err != nil {
			return nil, errors.WithMessagef(err, "result #%d", ii)
		}
	}
	return op, nil
}

// constantTensor creates the tensor holding the flat values for the given shape.
func constantTensor(shape shapes.Shape, flat []float64) (*tensors.Tensor, error) {
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("constant shaped %s needs %d values, got %d", shape, shape.Size(), len(flat))
	}
	switch shape.DType {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(convertFlat[float32](flat), shape.Dimensions...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(convertFlat[float64](flat), shape.Dimensions...), nil
	case dtypes.Float16:
		converted := make([]float16.Float16, len(flat))
		for ii, v := range flat {
			converted[ii] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(converted, shape.Dimensions...), nil
	case dtypes.Int8:
		return tensors.FromFlatDataAndDimensions(convertFlat[int8](flat), shape.Dimensions...), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(convertFlat[int32](flat), shape.Dimensions...), nil
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(convertFlat[int64](flat), shape.Dimensions...), nil
	default:
		return nil, errors.Errorf("constants of dtype %s are not supported", shape.DType)
	}
}

func convertFlat[T interface {
	float32 | float64 | int8 | int32 | int64
}](flat []float64) []T {
	converted := make([]T, len(flat))
	for ii, v := range flat {
		converted[ii] = T(v)
	}
	return converted
}

// SaveGraph writes g as YAML to path.
func SaveGraph(path string, g *ir.Graph) error {
	data, err := MarshalGraph(g)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write graph file %q", path)
	}
	return nil
}

// MarshalGraph returns the YAML representation of g. Unnamed values, and values whose names clash, are given
// new unique names.
func MarshalGraph(g *ir.Graph) ([]byte, error) {
	file, err := NewGraphFile(g)
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal graph %q", g.Name)
	}
	return data, nil
}

// NewGraphFile converts g to its file representation.
func NewGraphFile(g *ir.Graph) (*GraphFile, error) {
	file := &GraphFile{Name: g.Name}
	names := make(map[ir.ValueID]string)
	taken := make(map[string]bool)
	nameOf := func(v ir.ValueID) string {
		if name, found := names[v]; found {
			return name
		}
		name := g.Value(v).Name
		if name == "" || taken[name] {
			base := name
			if base == "" {
				base = "v"
			}
			name = fmt.Sprintf("%s_%d", base, v)
			for taken[name] {
				name += "_"
			}
		}
		taken[name] = true
		names[v] = name
		return name
	}

	for _, arg := range g.Args() {
		file.Args = append(file.Args, valueDef(g.Value(arg), nameOf(arg)))
	}
	for _, opID := range g.Ops() {
		op := g.Op(opID)
		if op.Kind == ir.KindReturn {
			for _, v := range op.Operands {
				file.Outputs = append(file.Outputs, nameOf(v))
			}
			continue
		}
		opDef := OpDef{
			Kind:     op.Kind,
			Name:     op.Name,
			Volatile: op.Volatile,
		}
		for _, v := range op.Operands {
			opDef.Operands = append(opDef.Operands, nameOf(v))
		}
		for _, v := range op.Results {
			opDef.Results = append(opDef.Results, valueDef(g.Value(v), nameOf(v)))
		}
		if len(op.Attrs) > 0 {
			opDef.Attrs = make(map[string]int, len(op.Attrs))
			for key, value := range op.Attrs {
				opDef.Attrs[key] = value
			}
		}
		if op.Const != nil {
			flat, err := constantValues(op.Const)
			if err != nil {
				return nil, errors.WithMessagef(err, "constant %s", g.OpName(opID))
			}
			opDef.Value = flat
		}
		file.Ops = append(file.Ops, opDef)
	}
	return file, nil
}

func valueDef(v *ir.Value, name string) ValueDef {
	def := ValueDef{
		Name:  name,
		DType: dtypeName(v.Shape.DType),
		Shape: v.Shape.Dimensions,
	}
	if v.Stats != nil {
		def.Stats = []float64{v.Stats.Min, v.Stats.Max}
	}
	if p := v.Quant; p != nil {
		def.Quant = &QuantDef{
			Signed:      p.Signed,
			Bits:        p.Bits,
			NarrowRange: p.NarrowRange,
			Scales:      p.Scales,
			ZeroPoints:  p.ZeroPoints,
		}
		if p.IsPerAxis() {
			axis := p.Axis
			def.Quant.Axis = &axis
		}
	}
	return def
}

// constantValues returns the flat content of a constant as float64.
func constantValues(t *tensors.Tensor) ([]float64, error) {
	if t.DType().IsFloat() {
		return quant.FlatValues(t)
	}
	var flat []float64
	var err error
	switch t.DType() {
	case dtypes.Int8:
		tensors.ConstFlatData(t, func(data []int8) { flat = convertToFloat64(data) })
	case dtypes.Int32:
		tensors.ConstFlatData(t, func(data []int32) { flat = convertToFloat64(data) })
	case dtypes.Int64:
		tensors.ConstFlatData(t, func(data []int64) { flat = convertToFloat64(data) })
	default:
		err = errors.Errorf("constants of dtype %s are not supported", t.DType())
	}
	return flat, err
}

func convertToFloat64[T interface{ int8 | int32 | int64 }](data []T) []float64 {
	flat := make([]float64, len(data))
	for ii, v := range data {
		flat[ii] = float64(v)
	}
	return flat
}
