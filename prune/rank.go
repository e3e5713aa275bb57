package prune

import (
	"fmt"
	"sort"

	"prune_lib/nn/layers"
	"prune_lib/tensor"

	"gonum.org/v1/gonum/floats"
)

// ChannelMagnitudes returns the L1 norm of the kernel slice behind each output
// channel of a channel-owning layer.
func ChannelMagnitudes(l layers.Layer) ([]float64, error) {
	const op = "ChannelMagnitudes"
	a, err := layers.AdapterFor(l.Kind())
	if err != nil {
		return nil, surgeryErr(ErrUnsupportedTopology, op, l.Name(), "%v", err)
	}
	if a.Flow() != layers.FlowOwner {
		return nil, surgeryErr(ErrUnsupportedTopology, op, l.Name(), "%s does not own its output channels", l.Kind())
	}
	ws := l.Weights()
	if len(ws) == 0 {
		return nil, fmt.Errorf("%s %s: layer has no weights", op, l.Name())
	}
	axis := a.ChannelAxis(layers.RoleOutput)
	kernel := ws[0]
	n := kernel.Shape[axis]
	out := make([]float64, n)
	for c := 0; c < n; c++ {
		slice, err := tensor.Take(kernel, axis, []int{c})
		if err != nil {
			return nil, err
		}
		out[c] = floats.Norm(slice.Data, 1)
	}
	return out, nil
}

// LowestMagnitudeChannels returns, in ascending index order, the k output
// channels of l with the smallest kernel L1 norm.
func LowestMagnitudeChannels(l layers.Layer, k int) ([]int, error) {
	mags, err := ChannelMagnitudes(l)
	if err != nil {
		return nil, err
	}
	if k < 0 || k >= len(mags) {
		return nil, surgeryErr(ErrFullAxisDeletion, "LowestMagnitudeChannels", l.Name(), "cannot select %d of %d channels", k, len(mags))
	}
	idx := make([]int, len(mags))
	floats.Argsort(append([]float64(nil), mags...), idx)
	picked := append([]int(nil), idx[:k]...)
	sort.Ints(picked)
	return picked, nil
}
