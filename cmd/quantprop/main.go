// quantprop propagates quantization parameters over graphs stored as YAML files (see internal/graphio),
// inserting the quantize/dequantize conversions needed, and writes the resulting graphs.
//
// Usage:
//
//	quantprop [flags] graph.yaml [graph2.yaml ...]
//
// Logging uses klog: e.g. -v=2 traces every propagation step.
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cmd := newRootCmd()
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
