package prune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteChannels_Conv2DConv2D(t *testing.T) {
	m := model1(t)
	out, err := DeleteChannels(context.Background(), m, "conv2d_1", []int{0})
	require.NoError(t, err)

	w := weightsOf(t, m, "conv2d_1")
	nw := weightsOf(t, out, "conv2d_1")
	assert.Equal(t, del(t, w[0], 3, 0), nw[0])
	assert.Equal(t, del(t, w[1], 0, 0), nw[1])

	w = weightsOf(t, m, "conv2d_2")
	nw = weightsOf(t, out, "conv2d_2")
	assert.Equal(t, del(t, w[0], 2, 0), nw[0])
	assert.Equal(t, w[1], nw[1])

	// untouched layers keep their weights
	assert.Equal(t, weightsOf(t, m, "dense_1"), weightsOf(t, out, "dense_1"))
	l, _ := out.Layer("conv2d_1")
	assert.Equal(t, 1, l.Config().Filters)
}

func TestDeleteChannels_DenseDense(t *testing.T) {
	m := model1(t)
	out, err := DeleteChannels(context.Background(), m, "dense_1", []int{0})
	require.NoError(t, err)

	w := weightsOf(t, m, "dense_1")
	nw := weightsOf(t, out, "dense_1")
	assert.Equal(t, del(t, w[0], 1, 0), nw[0])
	assert.Equal(t, del(t, w[1], 0, 0), nw[1])

	w = weightsOf(t, m, "dense_2")
	nw = weightsOf(t, out, "dense_2")
	assert.Equal(t, del(t, w[0], 0, 0), nw[0])
	assert.Equal(t, w[1], nw[1])
}

func TestDeleteChannels_Conv2DFlattenDense(t *testing.T) {
	m := model1(t)
	out, err := DeleteChannels(context.Background(), m, "conv2d_2", []int{0})
	require.NoError(t, err)

	w := weightsOf(t, m, "conv2d_2")
	nw := weightsOf(t, out, "conv2d_2")
	assert.Equal(t, del(t, w[0], 3, 0), nw[0])
	assert.Equal(t, del(t, w[1], 0, 0), nw[1])

	// 24x24 positions, 2 channels: channel 0 sits at every even flat index
	w = weightsOf(t, m, "dense_1")
	nw = weightsOf(t, out, "dense_1")
	require.Equal(t, 24*24*2, w[0].Shape[0])
	assert.Equal(t, del(t, w[0], 0, strided(0, 2, 24*24*2)...), nw[0])
	assert.Equal(t, w[1], nw[1])

	x := tensor.Arange(1, 28, 28, 1)
	pred, err := out.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 10}, pred[0].Shape)
}

func TestDeleteChannels_Model3(t *testing.T) {
	for _, idx := range [][]int{{0}, {1}, {2}, {0, 1}} {
		t.Run(fmt.Sprint(idx), func(t *testing.T) {
			m := model3(t)
			out, err := DeleteChannels(context.Background(), m, "conv2d_1", idx)
			require.NoError(t, err)

			w := weightsOf(t, m, "conv2d_1")
			assert.Equal(t, []*tensor.Tensor{del(t, w[0], -1, idx...), del(t, w[1], 0, idx...)}, weightsOf(t, out, "conv2d_1"))

			w = weightsOf(t, m, "conv2d_2")
			assert.Equal(t, []*tensor.Tensor{del(t, w[0], -2, idx...), w[1]}, weightsOf(t, out, "conv2d_2"))

			assert.Equal(t, weightsOf(t, m, "dense_1"), weightsOf(t, out, "dense_1"))
		})
	}
}

func TestDeleteChannels_Model3FlattenRows(t *testing.T) {
	for _, idx := range [][]int{{0}, {1}, {2}, {0, 2}} {
		t.Run(fmt.Sprint(idx), func(t *testing.T) {
			m := model3(t)
			out, err := DeleteChannels(context.Background(), m, "conv2d_2", idx)
			require.NoError(t, err)

			var rows []int
			for p := 0; p < 9; p++ {
				for _, c := range idx {
					rows = append(rows, p*3+c)
				}
			}
			w := weightsOf(t, m, "dense_1")
			assert.Equal(t, []*tensor.Tensor{del(t, w[0], 0, rows...), w[1]}, weightsOf(t, out, "dense_1"))
		})
	}
}

func TestDeleteChannels_DeadChannelKeepsPredictions(t *testing.T) {
	m := model3(t)
	// zero every weight feeding channel 1 of conv2d_1
	w := weightsOf(t, m, "conv2d_1")
	for kh := 0; kh < 3; kh++ {
		for kw := 0; kw < 3; kw++ {
			w[0].Set(0, kh, kw, 0, 1)
		}
	}
	w[1].Data[1] = 0
	setWeights(t, m, "conv2d_1", w...)

	x := tensor.Arange(2, 7, 7, 1)
	want, err := m.Predict(x)
	require.NoError(t, err)

	out, err := DeleteChannels(context.Background(), m, "conv2d_1", []int{1})
	require.NoError(t, err)
	got, err := out.Predict(x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want[0], got[0], 1e-9), "want %v got %v", want[0].Data, got[0].Data)
}

func TestDeleteChannels_Validation(t *testing.T) {
	ctx := context.Background()
	m := model1(t)

	_, err := DeleteChannels(ctx, m, "conv2d_1", []int{2})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = DeleteChannels(ctx, m, "conv2d_1", []int{-1})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = DeleteChannels(ctx, m, "conv2d_1", []int{0, 1})
	assert.ErrorIs(t, err, ErrFullAxisDeletion)
	_, err = DeleteChannels(ctx, m, "missing", []int{0})
	assert.ErrorIs(t, err, nn.ErrLayerNotFound)

	var se *SurgeryError
	_, err = DeleteChannels(ctx, m, "conv2d_1", []int{5})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "conv2d_1", se.Layer)
	assert.Equal(t, "DeleteChannels", se.Op)
}

func TestDeleteChannels_CopyLeavesOriginal(t *testing.T) {
	m := model1(t)
	before := m.Config()
	weights := m.Weights()

	out, err := DeleteChannels(context.Background(), m, "conv2d_1", []int{1})
	require.NoError(t, err)
	assert.NotSame(t, m, out)
	assert.NotEqual(t, m.ID, out.ID)
	assert.Equal(t, before, m.Config())
	assert.Equal(t, weights, m.Weights())

	orig, _ := m.Layer("dense_1")
	pruned, _ := out.Layer("dense_1")
	assert.NotSame(t, orig, pruned)
}

func TestDeleteChannels_InPlace(t *testing.T) {
	m := model1(t)
	w := weightsOf(t, m, "conv2d_2")

	out, err := DeleteChannels(context.Background(), m, "conv2d_1", []int{1}, WithCopy(false))
	require.NoError(t, err)
	assert.Same(t, m, out)
	got := weightsOf(t, m, "conv2d_2")
	assert.Equal(t, del(t, w[0], 2, 1), got[0])
	assert.Equal(t, w[1], got[1])
	require.NoError(t, m.Graph().Validate())
}

func TestDeleteChannels_InPlaceFailureLeavesModel(t *testing.T) {
	m := conflictModel(t)
	before := m.Config()
	weights := m.Weights()

	_, err := DeleteChannels(context.Background(), m, "x", []int{0}, WithCopy(false))
	require.ErrorIs(t, err, ErrStructuralConflict)
	assert.Equal(t, before, m.Config())
	assert.Equal(t, weights, m.Weights())
	require.NoError(t, m.Graph().Validate())
}

func TestDelete_InputRole(t *testing.T) {
	m := model1(t)
	viaInput, err := Delete(context.Background(), m, []ChannelRequest{{Layer: "conv2d_2", Role: layers.RoleInput, Channels: []int{1}}})
	require.NoError(t, err)
	viaOutput, err := DeleteChannels(context.Background(), m, "conv2d_1", []int{1})
	require.NoError(t, err)
	assert.Equal(t, viaOutput.Config(), viaInput.Config())
	assert.Equal(t, viaOutput.Weights(), viaInput.Weights())

	_, err = Delete(context.Background(), m, []ChannelRequest{{Layer: "conv2d_2", Role: layers.RoleInput, Channels: []int{2}}})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDelete_UnionOfRequests(t *testing.T) {
	m := model3(t)
	out, err := Delete(context.Background(), m, []ChannelRequest{
		{Layer: "conv2d_1", Channels: []int{0}},
		{Layer: "conv2d_1", Channels: []int{2, 0}},
		{Layer: "dense_1", Channels: []int{1}},
	})
	require.NoError(t, err)
	w := weightsOf(t, m, "conv2d_2")
	assert.Equal(t, del(t, w[0], 2, 0, 2), weightsOf(t, out, "conv2d_2")[0])
	w = weightsOf(t, m, "dense_2")
	assert.Equal(t, del(t, w[0], 0, 1), weightsOf(t, out, "dense_2")[0])

	// the union covers every channel
	_, err = Delete(context.Background(), m, []ChannelRequest{
		{Layer: "conv2d_1", Channels: []int{0, 1}},
		{Layer: "conv2d_1", Channels: []int{2}},
	})
	assert.ErrorIs(t, err, ErrFullAxisDeletion)
}

func TestDeleteChannels_ResidualSideways(t *testing.T) {
	m := residual(t)
	x := tensor.Arange(1, 4, 4, 1)
	out, err := DeleteChannels(context.Background(), m, "c1", []int{1})
	require.NoError(t, err)

	w := weightsOf(t, m, "c0")
	assert.Equal(t, []*tensor.Tensor{del(t, w[0], 3, 1), del(t, w[1], 0, 1)}, weightsOf(t, out, "c0"))

	w = weightsOf(t, m, "c1")
	nw := weightsOf(t, out, "c1")
	assert.Equal(t, del(t, del(t, w[0], 2, 1), 3, 1), nw[0])
	assert.Equal(t, del(t, w[1], 0, 1), nw[1])

	w = weightsOf(t, m, "head")
	assert.Equal(t, del(t, w[0], 0, strided(1, 3, 48)...), weightsOf(t, out, "head")[0])

	pred, err := out.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, pred[0].Shape)
	add, err := out.Layer("add")
	require.NoError(t, err)
	assert.Equal(t, layers.KindAdd, add.Kind())
}

func TestDeleteChannels_ThroughMergeSeed(t *testing.T) {
	// deleting from the merge itself reaches both branches
	m := residual(t)
	fromMerge, err := DeleteChannels(context.Background(), m, "add", []int{2})
	require.NoError(t, err)
	fromBranch, err := DeleteChannels(context.Background(), m, "c0", []int{2})
	require.NoError(t, err)
	assert.Equal(t, fromBranch.Config(), fromMerge.Config())
	assert.Equal(t, fromBranch.Weights(), fromMerge.Weights())
}

func TestDeleteChannels_ConcatOffsets(t *testing.T) {
	g := nn.NewGraph()
	in := input(t, g, "in", 4, 4, 1)
	a := apply(t, g, conv(t, "a", 2, 1, ""), in)
	b := apply(t, g, conv(t, "b", 3, 1, ""), in)
	cat := apply(t, g, concat(t, "cat"), a, b)
	d := apply(t, g, conv(t, "d", 2, 1, ""), cat)
	m := newModel(t, g, "concat", d)

	out, err := Delete(context.Background(), m, []ChannelRequest{
		{Layer: "b", Channels: []int{0, 2}},
		{Layer: "a", Channels: []int{1}},
	})
	require.NoError(t, err)
	w := weightsOf(t, m, "d")
	assert.Equal(t, del(t, w[0], 2, 1, 2, 4), weightsOf(t, out, "d")[0])
	assert.Equal(t, []int{4, 4, 2}, out.Graph().Position(out.Graph().Outputs()[0]).Shape)

	// seeding on the concat splits the set back onto its branches
	viaCat, err := DeleteChannels(context.Background(), m, "cat", []int{1, 2, 4})
	require.NoError(t, err)
	assert.Equal(t, out.Weights(), viaCat.Weights())
}

func TestDeleteChannels_ConcatOnSpatialAxis(t *testing.T) {
	g := nn.NewGraph()
	in := input(t, g, "in", 4, 4, 1)
	a := apply(t, g, conv(t, "a", 2, 1, ""), in)
	b := apply(t, g, conv(t, "b", 2, 1, ""), in)
	rows, err := layers.New(layers.Config{Name: "rows", Kind: layers.KindConcatenate, Axis: new(int)})
	require.NoError(t, err)
	cat := apply(t, g, rows, a, b)
	m := newModel(t, g, "rows", cat)

	_, err = DeleteChannels(context.Background(), m, "a", []int{0})
	assert.ErrorIs(t, err, ErrUnsupportedTopology)
}

// conflictModel merges two concatenations that order the shared branch
// differently: add(concat(x, q), concat(q2, x)).
func conflictModel(t *testing.T) *nn.Model {
	g := nn.NewGraph()
	in := input(t, g, "in", 4, 4, 1)
	x := apply(t, g, conv(t, "x", 2, 1, ""), in)
	q := apply(t, g, conv(t, "q", 2, 1, ""), in)
	q2 := apply(t, g, conv(t, "q2", 2, 1, ""), in)
	c1 := apply(t, g, concat(t, "c1"), x, q)
	c2 := apply(t, g, concat(t, "c2"), q2, x)
	sum := apply(t, g, merge(t, "sum", layers.KindAdd), c1, c2)
	return newModel(t, g, "conflict", sum)
}

func TestDeleteChannels_ElementwiseConflict(t *testing.T) {
	m := conflictModel(t)
	// every branch lands on different merge channels through the two
	// concatenations, so aligning the merge inputs never settles
	for _, name := range []string{"x", "q", "q2"} {
		_, err := DeleteChannels(context.Background(), m, name, []int{1})
		assert.ErrorIs(t, err, ErrStructuralConflict, name)
	}
}

func TestDeleteChannels_ModelInputConflict(t *testing.T) {
	g := nn.NewGraph()
	in := input(t, g, "in", 3)
	d := apply(t, g, dense(t, "d", 3, ""), in)
	sum := apply(t, g, merge(t, "sum", layers.KindAdd), in, d)
	out := apply(t, g, dense(t, "head", 1, ""), sum)
	m := newModel(t, g, "skip", out)

	_, err := DeleteChannels(context.Background(), m, "d", []int{0})
	assert.ErrorIs(t, err, ErrStructuralConflict)
	_, err = DeleteChannels(context.Background(), m, "in", []int{0})
	assert.ErrorIs(t, err, ErrStructuralConflict)
}

func TestDeleteChannels_SharedLayerSideways(t *testing.T) {
	m := sharedDense(t)
	out, err := DeleteChannels(context.Background(), m, "a", []int{1})
	require.NoError(t, err)

	for _, name := range []string{"a", "b"} {
		w := weightsOf(t, m, name)
		assert.Equal(t, []*tensor.Tensor{del(t, w[0], 1, 1), del(t, w[1], 0, 1)}, weightsOf(t, out, name), name)
	}
	w := weightsOf(t, m, "s")
	assert.Equal(t, []*tensor.Tensor{del(t, w[0], 0, 1), w[1]}, weightsOf(t, out, "s"))

	node, err := out.Graph().NodeByName("s")
	require.NoError(t, err)
	assert.Len(t, node.Positions, 2)
}

func TestDeleteChannels_SharedLayerConflict(t *testing.T) {
	m := sharedDense(t)
	_, err := Delete(context.Background(), m, []ChannelRequest{
		{Layer: "a", Channels: []int{1}},
		{Layer: "b", Channels: []int{2}},
	})
	assert.ErrorIs(t, err, ErrStructuralConflict)

	_, err = Delete(context.Background(), m, []ChannelRequest{
		{Layer: "a", Channels: []int{1}},
		{Layer: "b", Channels: []int{1}},
	})
	assert.NoError(t, err)
}

func TestDeleteChannels_FlattenSeedMustCoverChannels(t *testing.T) {
	m := model3(t)
	// flat indices of channel 1 at every position
	out, err := DeleteChannels(context.Background(), m, "flatten_1", strided(1, 3, 27))
	require.NoError(t, err)
	direct, err := DeleteChannels(context.Background(), m, "conv2d_2", []int{1})
	require.NoError(t, err)
	assert.Equal(t, direct.Weights(), out.Weights())

	_, err = DeleteChannels(context.Background(), m, "flatten_1", []int{1})
	assert.ErrorIs(t, err, ErrStructuralConflict)
}

func TestDeleteChannels_BatchNormFollowsConv(t *testing.T) {
	g := nn.NewGraph()
	in := input(t, g, "in", 5, 5, 2)
	bn, err := layers.NewBatchNorm("bn")
	require.NoError(t, err)
	pool, err := layers.NewMaxPool2D("pool", 2, 2)
	require.NoError(t, err)
	act, err := layers.NewActivation("act", "relu")
	require.NoError(t, err)
	out, err := g.Chain(in, conv(t, "c", 4, 2, ""), bn, act, pool, conv(t, "c2", 2, 1, ""))
	require.NoError(t, err)
	m := newModel(t, g, "bn", out)

	pruned, err := DeleteChannels(context.Background(), m, "c", []int{0, 3})
	require.NoError(t, err)
	w := weightsOf(t, m, "bn")
	nw := weightsOf(t, pruned, "bn")
	require.Len(t, nw, 4)
	for i := range w {
		assert.Equal(t, del(t, w[i], 0, 0, 3), nw[i])
	}
	w = weightsOf(t, m, "c2")
	assert.Equal(t, del(t, w[0], 2, 0, 3), weightsOf(t, pruned, "c2")[0])

	_, err = pruned.Predict(tensor.Arange(1, 5, 5, 2))
	require.NoError(t, err)
}

func TestDeleteChannels_LogsCommit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := DeleteChannels(context.Background(), model1(t), "dense_1", []int{1}, WithLogger(logger))
	require.NoError(t, err)

	var sawCommit, sawStep bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		switch rec["msg"] {
		case "channels deleted":
			sawCommit = true
			assert.Equal(t, float64(1), rec["channels"])
		case "output channels deleted":
			sawStep = true
		}
	}
	assert.True(t, sawCommit)
	assert.True(t, sawStep)
}
