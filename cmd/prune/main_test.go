package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/tensor"
	"prune_lib/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveChain writes in[3] -> d1(4, relu) -> d2(2) to dir and returns its path.
func saveChain(t *testing.T, dir string) string {
	t.Helper()
	d1, err := layers.NewDense("d1", 4, "relu")
	require.NoError(t, err)
	require.NoError(t, d1.SetWeights([]*tensor.Tensor{tensor.Arange(3, 4), tensor.New(4)}))
	d2, err := layers.NewDense("d2", 2, "")
	require.NoError(t, err)
	require.NoError(t, d2.SetWeights([]*tensor.Tensor{tensor.Arange(4, 2), tensor.New(2)}))

	g := nn.NewGraph()
	in, err := g.Input("in", 3)
	require.NoError(t, err)
	out, err := g.Chain(in, d1, d2)
	require.NoError(t, err)
	require.NoError(t, g.SetOutputs(out))
	m, err := nn.NewModel("chain", g)
	require.NoError(t, err)

	path := filepath.Join(dir, "chain.json")
	require.NoError(t, utils.SaveModel(path, m))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "warn"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSummary(t *testing.T) {
	path := saveChain(t, t.TempDir())
	out, err := run(t, "summary", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Model: chain")
	assert.Contains(t, out, "d1")
	assert.Contains(t, out, "Total params: 26")
}

func TestChannels(t *testing.T) {
	path := saveChain(t, t.TempDir())
	out, err := run(t, "channels", path, "d1", "--lowest", "2")
	require.NoError(t, err)
	// column norms of arange(3,4) are 12, 15, 18, 21
	assert.Contains(t, out, "0\t12\n")
	assert.Contains(t, out, "3\t21\n")
	assert.Contains(t, out, "lowest 2: [0 1]")
}

func TestDeleteChannels(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)
	dst := filepath.Join(dir, "pruned.json")

	out, err := run(t, "delete-channels", path, "d1", "1", "3", "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+dst+" (14 params)")

	m, err := utils.LoadModel(dst)
	require.NoError(t, err)
	d1, err := m.Layer("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, d1.Config().Units)
	d2, err := m.Layer("d2")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 4, 5}, d2.Weights()[0].Data)
}

func TestDeleteChannels_Lowest(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)
	dst := filepath.Join(dir, "pruned.json")

	_, err := run(t, "delete-channels", path, "d1", "--lowest", "1", "-o", dst)
	require.NoError(t, err)
	m, err := utils.LoadModel(dst)
	require.NoError(t, err)
	d1, err := m.Layer("d1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 5, 6, 7, 9, 10, 11}, d1.Weights()[0].Data)

	_, err = run(t, "delete-channels", path, "d1", "0", "--lowest", "1", "-o", dst)
	assert.ErrorContains(t, err, "takes no CHANNEL arguments")
}

func TestDeleteChannels_Errors(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)
	dst := filepath.Join(dir, "pruned.json")

	_, err := run(t, "delete-channels", path, "d1", "-o", dst)
	assert.ErrorContains(t, err, "no channels given")

	_, err = run(t, "delete-channels", path, "d1", "x", "-o", dst)
	assert.ErrorContains(t, err, `invalid channel "x"`)

	_, err = run(t, "delete-channels", path, "d1", "0", "--role", "sideways", "-o", dst)
	assert.Error(t, err)

	_, err = run(t, "delete-channels", path, "d1", "0")
	assert.ErrorContains(t, err, "output")

	_, err = run(t, "delete-channels", path, "d1", "0", "1", "2", "3", "-o", dst)
	assert.Error(t, err)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)

	out, err := run(t, "verify", path, path)
	require.NoError(t, err)
	assert.Contains(t, out, "params: 26 -> 26")
	assert.Contains(t, out, "output 0: max |diff| = 0")

	dst := filepath.Join(dir, "pruned.json")
	_, err = run(t, "delete-channels", path, "d1", "3", "-o", dst)
	require.NoError(t, err)
	out, err = run(t, "verify", path, dst)
	assert.ErrorContains(t, err, "outputs differ")
	assert.Contains(t, out, "params: 26 -> 20")

	_, err = run(t, "verify", path, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)
	plan := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(plan, []byte(`
steps:
  - {op: delete-channels, layer: d1, channels: [0]}
  - {op: rebuild}
`), 0644))
	dst := filepath.Join(dir, "out.json")

	out, err := run(t, "apply", path, plan, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "=== SURGERY STATISTICS ===")
	assert.Contains(t, out, "Steps completed: 2")
	assert.Contains(t, out, "Parameters removed: 6")
	assert.FileExists(t, dst)

	out, err = run(t, "apply", path, plan, "-o", dst, "-q")
	require.NoError(t, err)
	assert.NotContains(t, out, "SURGERY STATISTICS")
}

func TestDeleteLayerAndRebuild(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)

	_, err := run(t, "delete-layer", path, "d1", "-o", filepath.Join(dir, "x.json"))
	assert.Error(t, err, "d1 changes the width seen by d2")

	dst := filepath.Join(dir, "rebuilt.json")
	out, err := run(t, "rebuild", path, "--sequential", "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "(26 params)")

	_, err = run(t, "rebuild", path, "--sequential", "--clean", "-o", dst)
	assert.ErrorContains(t, err, "exclusive")
}

func TestReplaceLayer(t *testing.T) {
	dir := t.TempDir()
	path := saveChain(t, dir)
	spec := filepath.Join(dir, "layer.yaml")
	require.NoError(t, os.WriteFile(spec, []byte(`
name: d2b
kind: Dense
units: 2
weights:
  - {shape: [4, 2], data: [1, 0, 0, 1, 1, 1, 0, 0]}
  - {shape: [2], data: [0, 0]}
`), 0644))
	dst := filepath.Join(dir, "replaced.json")

	_, err := run(t, "replace-layer", path, "d2", "--with", spec, "-o", dst)
	require.NoError(t, err)
	m, err := utils.LoadModel(dst)
	require.NoError(t, err)
	_, err = m.Layer("d2b")
	assert.NoError(t, err)
	_, err = m.Layer("d2")
	assert.Error(t, err)
}

func TestRootFlags(t *testing.T) {
	path := saveChain(t, t.TempDir())
	_, err := run(t, "--log-format", "xml", "summary", path)
	assert.ErrorContains(t, err, "invalid --log-format")

	_, err = run(t, "--log-level", "loud", "summary", path)
	assert.ErrorContains(t, err, "invalid --log-level")
}
