package prune

import (
	"testing"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/tensor"

	"github.com/stretchr/testify/require"
)

func conv(t *testing.T, name string, filters, k int, activation string) layers.Layer {
	t.Helper()
	l, err := layers.NewConv2D(name, filters, k, k, activation)
	require.NoError(t, err)
	return l
}

func dense(t *testing.T, name string, units int, activation string) layers.Layer {
	t.Helper()
	l, err := layers.NewDense(name, units, activation)
	require.NoError(t, err)
	return l
}

func flatten(t *testing.T, name string) layers.Layer {
	t.Helper()
	l, err := layers.NewFlatten(name)
	require.NoError(t, err)
	return l
}

func merge(t *testing.T, name string, kind layers.Kind) layers.Layer {
	t.Helper()
	l, err := layers.NewMerge(name, kind)
	require.NoError(t, err)
	return l
}

func concat(t *testing.T, name string) layers.Layer {
	t.Helper()
	l, err := layers.NewConcatenate(name)
	require.NoError(t, err)
	return l
}

func apply(t *testing.T, g *nn.Graph, l layers.Layer, from ...nn.PositionID) nn.PositionID {
	t.Helper()
	p, err := g.Apply(l, from...)
	require.NoError(t, err)
	return p
}

func newModel(t *testing.T, g *nn.Graph, name string, outputs ...nn.PositionID) *nn.Model {
	t.Helper()
	require.NoError(t, g.SetOutputs(outputs...))
	m, err := nn.NewModel(name, g)
	require.NoError(t, err)
	return m
}

func input(t *testing.T, g *nn.Graph, name string, shape ...int) nn.PositionID {
	t.Helper()
	p, err := g.Input(name, shape...)
	require.NoError(t, err)
	return p
}

func weightsOf(t *testing.T, m *nn.Model, name string) []*tensor.Tensor {
	t.Helper()
	l, err := m.Layer(name)
	require.NoError(t, err)
	return l.Weights()
}

func setWeights(t *testing.T, m *nn.Model, name string, ws ...*tensor.Tensor) {
	t.Helper()
	l, err := m.Layer(name)
	require.NoError(t, err)
	require.NoError(t, l.SetWeights(ws))
}

func del(t *testing.T, w *tensor.Tensor, axis int, idx ...int) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Delete(w, axis, idx)
	require.NoError(t, err)
	return out
}

func strided(start, step, n int) []int {
	var out []int
	for i := start; i < n; i += step {
		out = append(out, i)
	}
	return out
}

func mustTensor(t *testing.T, data []float64, shape ...int) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromData(data, shape...)
	require.NoError(t, err)
	return out
}

// model1 is a small LeNet-style chain.
func model1(t *testing.T) *nn.Model {
	t.Helper()
	m, err := nn.NewSequential("model_1", []int{28, 28, 1},
		conv(t, "conv2d_1", 2, 3, "relu"),
		conv(t, "conv2d_2", 2, 3, "relu"),
		flatten(t, "flatten_1"),
		dense(t, "dense_1", 2, "relu"),
		dense(t, "dense_2", 10, "relu"),
	)
	require.NoError(t, err)
	return m
}

// model3 is a conv-conv-flatten-dense-dense chain with fixed weights.
func model3(t *testing.T) *nn.Model {
	t.Helper()
	g := nn.NewGraph()
	in := input(t, g, "main_input", 7, 7, 1)
	out, err := g.Chain(in,
		conv(t, "conv2d_1", 3, 3, ""),
		conv(t, "conv2d_2", 3, 3, ""),
		flatten(t, "flatten_1"),
		dense(t, "dense_1", 3, ""),
		dense(t, "dense_2", 1, ""),
	)
	require.NoError(t, err)
	m := newModel(t, g, "model_3", out)

	bias := tensor.NewWithData([]float64{100, 200, 300})
	w1 := tensor.Arange(3, 3, 1, 3)
	for i := range w1.Data {
		w1.Data[i]++
	}
	setWeights(t, m, "conv2d_1", w1, bias)
	setWeights(t, m, "conv2d_2", tensor.Arange(3, 3, 3, 3), bias)
	setWeights(t, m, "dense_1", tensor.Arange(27, 3), bias)
	return m
}

// residual adds a 1x1 conv branch back onto its own input.
//
//	in -> c0 -> c1 -> add(c0, c1) -> flat -> head
func residual(t *testing.T) *nn.Model {
	t.Helper()
	g := nn.NewGraph()
	in := input(t, g, "in", 4, 4, 1)
	c0 := apply(t, g, conv(t, "c0", 3, 1, ""), in)
	c1 := apply(t, g, conv(t, "c1", 3, 1, "relu"), c0)
	sum := apply(t, g, merge(t, "add", layers.KindAdd), c0, c1)
	out, err := g.Chain(sum, flatten(t, "flat"), dense(t, "head", 2, ""))
	require.NoError(t, err)
	return newModel(t, g, "residual", out)
}

// sharedDense applies one dense layer to two branches and adds the results.
//
//	in -> a -> s \
//	in -> b -> s -> add
func sharedDense(t *testing.T) *nn.Model {
	t.Helper()
	g := nn.NewGraph()
	in := input(t, g, "in", 3)
	a := apply(t, g, dense(t, "a", 4, ""), in)
	b := apply(t, g, dense(t, "b", 4, ""), in)
	s := dense(t, "s", 2, "")
	sa := apply(t, g, s, a)
	sb := apply(t, g, s, b)
	out := apply(t, g, merge(t, "add", layers.KindAdd), sa, sb)
	return newModel(t, g, "shared", out)
}
