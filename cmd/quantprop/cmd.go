package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/quantprop/driver"
	"github.com/gomlx/quantprop/internal/graphio"
	"github.com/gomlx/quantprop/ir"
	"github.com/gomlx/quantprop/spec"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// options of one execution of the command.
type options struct {
	configPath string
	output     string
	dumpStates bool
	report     bool
	cfg        driver.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{cfg: driver.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "quantprop [flags] graph.yaml [graph2.yaml ...]",
		Short: "Propagate quantization parameters over graphs",
		Long: `Propagate quantization parameters over graphs given as YAML files, inserting
the quantize/dequantize conversions needed where operations disagree.

With one input and no --output the resulting graph is printed to stdout. With several inputs
--output must be a directory.`,
		Args: cobra.MinimumNArgs(1),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.loadConfig(cmd); err != nil {
				return err
			}
			return opts.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML file with the driver configuration, flags given explicitly take precedence")
	flags.StringVarP(&opts.output, "output", "o", "", "Output file (one input) or directory (several inputs)")
	flags.BoolVar(&opts.dumpStates, "dump-states", false, "Print the table of quantization states of each graph to stderr")
	flags.BoolVar(&opts.report, "report", false, "Print the quantization error of every quantized constant")

	flags.BoolVar(&opts.cfg.IsSigned, "signed", opts.cfg.IsSigned, "Use signed storage for inferred parameters")
	flags.IntVar(&opts.cfg.BitWidth, "bits", opts.cfg.BitWidth, "Bit width of inferred parameters")
	flags.IntVar(&opts.cfg.BiasBitWidth, "bias-bits", opts.cfg.BiasBitWidth, "Bit width of biases")
	flags.BoolVar(&opts.cfg.DisablePerChannel, "disable-per-channel", opts.cfg.DisablePerChannel, "Quantize weights per-tensor only")
	flags.BoolVar(&opts.cfg.InferTensorRange, "infer-tensor-range", opts.cfg.InferTensorRange, "Derive parameters from constants, observed ranges and fixed output ranges")
	flags.BoolVar(&opts.cfg.LegacyFloatScale, "legacy-float-scale", opts.cfg.LegacyFloatScale, "Compute scales in float32")
	flags.BoolVar(&opts.cfg.IsQDQConversion, "qdq", opts.cfg.IsQDQConversion, "Only reconcile existing quantize/dequantize markers")
	flags.IntVar(&opts.cfg.MaxIterations, "max-iterations", opts.cfg.MaxIterations, "Bound on the propagation steps, 0 derives it from the graph size")
	return cmd
}

// configFlags maps the flags to the configuration fields they set.
var configFlags = []string{"signed", "bits", "bias-bits", "disable-per-channel", "infer-tensor-range",
	"legacy-float-scale", "qdq", "max-iterations"}

// loadConfig reads the configuration file, if given, and re-applies the flags set explicitly over it.
func (opts *options) loadConfig(cmd *cobra.Command) error {
	if opts.configPath == "" {
		return opts.cfg.Validate()
	}
	fromFlags := opts.cfg
	cfg, err := graphio.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	for _, name := range configFlags {
		if !cmd.Flags().Changed(name) {
			continue
		}
		switch name {
		case "signed":
			cfg.IsSigned = fromFlags.IsSigned
		case "bits":
			cfg.BitWidth = fromFlags.BitWidth
		case "bias-bits":
			cfg.BiasBitWidth = fromFlags.BiasBitWidth
		case "disable-per-channel":
			cfg.DisablePerChannel = fromFlags.DisablePerChannel
		case "infer-tensor-range":
			cfg.InferTensorRange = fromFlags.InferTensorRange
		case "legacy-float-scale":
			cfg.LegacyFloatScale = fromFlags.LegacyFloatScale
		case "qdq":
			cfg.IsQDQConversion = fromFlags.IsQDQConversion
		case "max-iterations":
			cfg.MaxIterations = fromFlags.MaxIterations
		}
	}
	opts.cfg = cfg
	return cfg.Validate()
}

// run loads, quantizes and writes the graphs.
func (opts *options) run(ctx context.Context, stdout, stderr io.Writer, paths []string) error {
	if len(paths) > 1 && opts.output == "" {
		return errors.New("--output directory is required with more than one input graph")
	}
	graphs := make([]*ir.Graph, len(paths))
	for ii, path := range paths {
		g, err := graphio.LoadGraph(path)
		if err != nil {
			return err
		}
		graphs[ii] = g
	}

	provider := spec.Default()
	if opts.dumpStates {
		// Sequentially, to keep the drivers around for the dump.
		for _, g := range graphs {
			d, err := driver.New(g, provider, opts.cfg)
			if err != nil {
				return err
			}
			runErr := d.Run()
			fmt.Fprintf(stderr, "Graph %q:\n", g.Name)
			d.DumpStates(stderr)
			if runErr != nil {
				return runErr
			}
		}
	} else {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := driver.RunAll(ctx, graphs, provider, opts.cfg); err != nil {
			return err
		}
	}
	klog.V(1).Infof("quantized %d graphs", len(graphs))

	if opts.report {
		backend, err := simplego.New("")
		if err != nil {
			return errors.Wrap(err, "failed to create backend for the quantization report")
		}
		for _, g := range graphs {
			if err := reportErrors(stdout, backend, g); err != nil {
				return err
			}
		}
	}
	return opts.write(stdout, paths, graphs)
}

// write saves the graphs to the output.
func (opts *options) write(stdout io.Writer, paths []string, graphs []*ir.Graph) error {
	switch {
	case opts.output == "":
		data, err := graphio.MarshalGraph(graphs[0])
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	case len(graphs) == 1:
		return graphio.SaveGraph(opts.output, graphs[0])
	}
	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", opts.output)
	}
	for ii, g := range graphs {
		if err := graphio.SaveGraph(filepath.Join(opts.output, filepath.Base(paths[ii])), g); err != nil {
			return err
		}
	}
	return nil
}
