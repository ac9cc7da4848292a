package driver

import (
	"context"

	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/spec"
	"golang.org/x/sync/errgroup"
)

// RunAll runs the driver concurrently on independent graphs, each with its own state.
// The provider must be safe for concurrent use (spec.Registry is, once built).
//
// It returns the first error, and graphs not yet started when the context is cancelled are skipped.
func RunAll(ctx context.Context, graphs []*ir.Graph, provider spec.Provider, cfg Config) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range graphs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return Run(g, provider, cfg)
		})
	}
	return eg.Wait()
}
