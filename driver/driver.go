// Package driver implements the quantization parameter propagation driver.
//
// Given a graph (ir.Graph), where some values may already be quantized by explicit quantize/dequantize
// markers, and the quantization constraints of each operation (spec.Provider), the driver computes
// consistent quantization parameters for every value and inserts the conversions needed where operations
// disagree. It runs in three phases:
//
//   - Initialize: duplicates constants shared by weight or bias consumers, and sets up one state slot
//     per value (immutable if the value is already quantized).
//   - Propagate: processes a worklist of operations until a fixed point, setting parameters on slots
//     and recording requantizations where constraints conflict. It doesn't change the graph.
//   - Finalize: materializes the decisions, inserting quantize/dequantize markers.
//
// Use Run for the usual one-shot transformation, or New and the individual phases to inspect the states.
package driver

import (
	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/spec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNotConverged is returned when the propagation doesn't reach a fixed point within Config.MaxIterations,
// which indicates a spec provider with non-monotone constraints.
var ErrNotConverged = errors.New("quantization propagation did not converge")

// resultKey identifies a result of an operation.
type resultKey struct {
	op    ir.OpID
	index int
}

// Driver holds the state of one propagation run over one graph. It is not safe for concurrent use,
// but independent graphs can be processed concurrently by different drivers (see RunAll).
type Driver struct {
	g        *ir.Graph
	provider spec.Provider
	cfg      Config

	// State table.
	slots        []*slot
	valueSlots   map[ir.ValueID]slotID
	operandSlots map[Edge]slotID
	resultSlots  map[resultKey]slotID
	argSlots     []slotID

	// Constants used as weights.
	weights map[ir.ValueID]weightInfo

	// Specs are cached per operation, the provider is assumed to be pure.
	quantSpecs map[ir.OpID]*spec.OpQuantSpec
	scaleSpecs map[ir.OpID]*spec.OpQuantScaleSpec

	// Worklist.
	queue   *linkedlistqueue.Queue[ir.OpID]
	queued  sets.Set[ir.OpID]
	tracked sets.Set[ir.OpID]

	initialized bool
	changed     bool
	iterations  int
}

// New creates a driver for the graph g. It returns an error if the configuration or the graph are invalid.
func New(g *ir.Graph, provider spec.Provider, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid graph for quantization")
	}
	return &Driver{
		g:            g,
		provider:     provider,
		cfg:          cfg,
		valueSlots:   make(map[ir.ValueID]slotID),
		operandSlots: make(map[Edge]slotID),
		resultSlots:  make(map[resultKey]slotID),
		weights:      make(map[ir.ValueID]weightInfo),
		quantSpecs:   make(map[ir.OpID]*spec.OpQuantSpec),
		scaleSpecs:   make(map[ir.OpID]*spec.OpQuantScaleSpec),
		queue:        linkedlistqueue.New[ir.OpID](),
		queued:       sets.Make[ir.OpID](),
		tracked:      sets.Make[ir.OpID](),
	}, nil
}

// Run executes the three phases of the driver on g, mutating it in place.
//
// Running it again on its own output makes no further changes.
func Run(g *ir.Graph, provider spec.Provider, cfg Config) error {
	d, err := New(g, provider, cfg)
	if err != nil {
		return err
	}
	return d.Run()
}

// Run executes Initialize, Propagate and, if anything is to be materialized, Finalize.
// If the propagation doesn't converge, Finalize is not executed and ErrNotConverged is returned.
func (d *Driver) Run() error {
	var propagateErr error
	err := exceptions.TryCatch[error](func() {
		d.Initialize()
		propagateErr = d.Propagate()
		if propagateErr != nil {
			return
		}
		if klog.V(3).Enabled() {
			klog.Infof("quantization states of graph %q:\n%s", d.g.Name, d.StatesTable())
		}
		if d.changed || d.cfg.IsQDQConversion {
			d.Finalize()
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "while quantizing graph %q", d.g.Name)
	}
	return propagateErr
}

// Changed returns whether the propagation set or requantized any state.
func (d *Driver) Changed() bool { return d.changed }

// Iterations returns the number of operations processed by Propagate.
func (d *Driver) Iterations() int { return d.iterations }

// quantSpec returns the (cached) OpQuantSpec of the operation.
func (d *Driver) quantSpec(opID ir.OpID) *spec.OpQuantSpec {
	qs, found := d.quantSpecs[opID]
	if !found {
		qs = d.provider.QuantSpec(d.g, opID)
		d.quantSpecs[opID] = qs
	}
	return qs
}

// scaleSpec returns the (cached) OpQuantScaleSpec of the operation.
func (d *Driver) scaleSpec(opID ir.OpID) *spec.OpQuantScaleSpec {
	ss, found := d.scaleSpecs[opID]
	if !found {
		ss = d.provider.ScaleSpec(d.g, opID)
		d.scaleSpecs[opID] = ss
	}
	return ss
}

// enqueue adds the operation to the worklist, if it is tracked by the driver and not already pending.
func (d *Driver) enqueue(opID ir.OpID) {
	if opID == ir.NoOp || !d.tracked.Has(opID) || d.queued.Has(opID) {
		return
	}
	d.queue.Enqueue(opID)
	d.queued.Insert(opID)
}

// dequeue pops the next operation of the worklist.
func (d *Driver) dequeue() (ir.OpID, bool) {
	opID, ok := d.queue.Dequeue()
	if ok {
		delete(d.queued, opID)
	}
	return opID, ok
}

// maxIterations returns the configured bound, or one derived from the size of the graph.
func (d *Driver) maxIterations() int {
	if d.cfg.MaxIterations > 0 {
		return d.cfg.MaxIterations
	}
	numOps := len(d.tracked)
	return (numOps + 1) * (len(d.operandSlots) + len(d.slots) + 1) * 4
}

// mustInitialize panics if Initialize was not called.
func (d *Driver) mustInitialize() {
	if !d.initialized {
		exceptions.Panicf("quantization driver for graph %q used before Initialize", d.g.Name)
	}
}
