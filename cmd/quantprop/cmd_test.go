package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/quantprop/internal/graphio"
	"github.com/gomlx/quantprop/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testdata = filepath.Join("..", "..", "internal", "graphio", "testdata")

// execute runs the command with args, and returns its stdout and stderr.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func countVolatile(g *ir.Graph) (count int) {
	for _, opID := range g.Ops() {
		if g.Op(opID).Volatile {
			count++
		}
	}
	return
}

func TestStdout(t *testing.T) {
	stdout, _, err := execute(t, filepath.Join(testdata, "fanout.yaml"))
	require.NoError(t, err)
	g := must.M1(graphio.ParseGraph([]byte(stdout)))
	assert.Equal(t, "fanout", g.Name)
	assert.Equal(t, 4, countVolatile(g))
}

func TestConfigAndFlags(t *testing.T) {
	output := filepath.Join(t.TempDir(), "gemm.yaml")
	_, stderr, err := execute(t, "--config", filepath.Join(testdata, "bias16.yaml"), "--dump-states",
		"-o", output, filepath.Join(testdata, "gemm.yaml"))
	require.NoError(t, err)
	assert.Contains(t, stderr, `Graph "gemm"`)
	assert.Contains(t, stderr, "i16")
	g := must.M1(graphio.LoadGraph(output))
	assert.Greater(t, countVolatile(g), 0)

	// An explicit flag takes precedence over the configuration file: without inferred ranges nothing changes.
	output = filepath.Join(t.TempDir(), "gemm.yaml")
	_, _, err = execute(t, "--config", filepath.Join(testdata, "bias16.yaml"), "--infer-tensor-range=false",
		"-o", output, filepath.Join(testdata, "gemm.yaml"))
	require.NoError(t, err)
	g = must.M1(graphio.LoadGraph(output))
	assert.Equal(t, 0, countVolatile(g))

	_, _, err = execute(t, "--bits", "1", filepath.Join(testdata, "gemm.yaml"))
	require.Error(t, err)
}

func TestSeveralGraphs(t *testing.T) {
	inputs := []string{filepath.Join(testdata, "fanout.yaml"), filepath.Join(testdata, "gemm.yaml")}
	_, _, err := execute(t, inputs...)
	require.Error(t, err, "several inputs require an output directory")

	dir := t.TempDir()
	_, _, err = execute(t, append([]string{"--infer-tensor-range", "-o", dir}, inputs...)...)
	require.NoError(t, err)
	for _, name := range []string{"fanout.yaml", "gemm.yaml"} {
		g := must.M1(graphio.LoadGraph(filepath.Join(dir, name)))
		assert.Greaterf(t, countVolatile(g), 0, "graph %s", name)
	}
}

func TestReport(t *testing.T) {
	stdout, _, err := execute(t, "--config", filepath.Join(testdata, "bias16.yaml"), "--report",
		"-o", filepath.Join(t.TempDir(), "gemm.yaml"), filepath.Join(testdata, "gemm.yaml"))
	require.NoError(t, err)
	assert.Contains(t, stdout, "MAX ERROR")
	lines := strings.Split(stdout, "\n")
	var constants []string
	for _, line := range lines {
		for _, name := range []string{" w ", " b "} {
			if strings.Contains(line, name) {
				constants = append(constants, name)
			}
		}
	}
	assert.ElementsMatch(t, []string{" w ", " b "}, constants)

	// Constants not quantized are not reported.
	g := must.M1(graphio.LoadGraph(filepath.Join(testdata, "gemm.yaml")))
	backend := must.M1(simplego.New(""))
	var buf bytes.Buffer
	require.NoError(t, reportErrors(&buf, backend, g))
	assert.NotContains(t, buf.String(), " w ")
}
