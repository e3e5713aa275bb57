package prune

import (
	"context"
	"testing"

	"prune_lib/nn"
	"prune_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebuild_SharesLayers(t *testing.T) {
	m := sharedDense(t)
	out, err := Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.NotSame(t, m.Graph(), out.Graph())

	for _, l := range m.Layers() {
		got, err := out.Layer(l.Name())
		require.NoError(t, err)
		assert.Same(t, l, got, l.Name())
	}
	node, err := out.Graph().NodeByName("s")
	require.NoError(t, err)
	assert.Len(t, node.Positions, 2)

	x := tensor.Arange(4, 3)
	want, err := m.Predict(x)
	require.NoError(t, err)
	got, err := out.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, m.Config(), out.Config())
}

func TestRebuild_DropsDeadBranches(t *testing.T) {
	g := nn.NewGraph()
	in := input(t, g, "in", 3)
	a := apply(t, g, dense(t, "a", 2, ""), in)
	apply(t, g, dense(t, "dead", 2, ""), in)
	m := newModel(t, g, "dead", a)

	out, err := Rebuild(context.Background(), m)
	require.NoError(t, err)
	_, err = out.Layer("dead")
	assert.ErrorIs(t, err, nn.ErrLayerNotFound)
	assert.True(t, out.Sequential())
	assert.False(t, m.Sequential())
}

func TestRebuild_Idempotent(t *testing.T) {
	ctx := context.Background()
	for _, m := range []*nn.Model{model1(t), residual(t), sharedDense(t)} {
		once, err := Rebuild(ctx, m)
		require.NoError(t, err)
		twice, err := Rebuild(ctx, once)
		require.NoError(t, err)
		assert.Equal(t, once.Config(), twice.Config(), m.Name)
	}
}

func TestRebuildSequential(t *testing.T) {
	ctx := context.Background()
	m := model1(t)
	out, err := RebuildSequential(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, m.Config(), out.Config())
	assert.Equal(t, m.Layers(), out.Layers())

	x := tensor.Arange(2, 28, 28, 1)
	exp, err := m.Predict(x)
	require.NoError(t, err)
	got, err := out.Predict(x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(exp[0], got[0], 1e-12))

	_, err = RebuildSequential(ctx, residual(t))
	assert.ErrorIs(t, err, ErrUnsupportedTopology)
	_, err = RebuildSequential(ctx, sharedDense(t))
	assert.ErrorIs(t, err, ErrUnsupportedTopology)
}

func TestCleanCopy(t *testing.T) {
	m := model3(t)
	out, err := CleanCopy(context.Background(), m)
	require.NoError(t, err)

	for _, l := range m.Layers() {
		got, err := out.Layer(l.Name())
		require.NoError(t, err)
		assert.NotSame(t, l, got, l.Name())
		assert.Equal(t, l.Weights(), got.Weights(), l.Name())
	}

	x := tensor.Arange(1, 7, 7, 1)
	want, err := m.Predict(x)
	require.NoError(t, err)
	got, err := out.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// changing the copy leaves the source alone
	setWeights(t, out, "dense_2", tensor.New(3, 1), tensor.New(1))
	assert.NotEqual(t, weightsOf(t, m, "dense_2"), weightsOf(t, out, "dense_2"))
}
