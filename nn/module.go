package nn

import (
	"prune_lib/nn/layers"
)

// NewSequential chains layers after an input of the given sample shape.
func NewSequential(name string, inputShape []int, ls ...layers.Layer) (*Model, error) {
	g := NewGraph()
	p, err := g.Input("", inputShape...)
	if err != nil {
		return nil, err
	}
	if p, err = g.Chain(p, ls...); err != nil {
		return nil, err
	}
	if err := g.SetOutputs(p); err != nil {
		return nil, err
	}
	return NewModel(name, g)
}

// Chain applies layers one after another starting from p and returns the
// last position.
func (g *Graph) Chain(p PositionID, ls ...layers.Layer) (PositionID, error) {
	var err error
	for _, l := range ls {
		if p, err = g.Apply(l, p); err != nil {
			return 0, err
		}
	}
	return p, nil
}
