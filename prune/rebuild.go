package prune

import (
	"context"
	"fmt"
	"time"

	"prune_lib/nn"
)

// Rebuild re-applies every layer of m, in topological order from the inputs
// to the outputs, and returns a new model. Layers are shared with m, and a
// layer applied several times in m is applied the same number of times in the
// result. Layers that do not contribute to an output are dropped.
func Rebuild(ctx context.Context, m *nn.Model) (out *nn.Model, err error) {
	const op = "Rebuild"
	start := time.Now()
	ctx, span := startSurgerySpan(ctx, op, m.Name, false)
	defer func() { endSurgery(ctx, span, op, start, 0, err) }()
	return rebuildGraph(ctx, m.Graph(), m.Name)
}

// CleanCopy rebuilds m on deep copies of its layers.
func CleanCopy(ctx context.Context, m *nn.Model) (*nn.Model, error) {
	g, err := m.Graph().Clone(true)
	if err != nil {
		return nil, err
	}
	return rebuildGraph(ctx, g, m.Name)
}

func rebuildGraph(ctx context.Context, g *nn.Graph, name string) (*nn.Model, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", name, err)
	}
	live := contributing(g)

	out := nn.NewGraph()
	// mapped takes old positions to new ones; the new graph keys nodes by
	// layer identity, so a shared layer becomes one node again.
	mapped := make(map[nn.PositionID]nn.PositionID, len(order))
	apply := func(p nn.PositionID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		node := g.NodeOf(p)
		producers := g.Producers(p)
		from := make([]nn.PositionID, len(producers))
		for i, src := range producers {
			q, ok := mapped[src]
			if !ok {
				return fmt.Errorf("rebuild %s: %s consumes %s, which is not reachable from the inputs", name, g.Label(p), g.Label(src))
			}
			from[i] = q
		}
		q, err := out.Apply(node.Layer, from...)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", name, err)
		}
		mapped[p] = q
		return nil
	}

	for _, p := range g.Inputs() {
		if err := apply(p); err != nil {
			return nil, err
		}
	}
	for _, p := range order {
		if _, done := mapped[p]; done || !live[p] {
			continue
		}
		if err := apply(p); err != nil {
			return nil, err
		}
	}

	outputs := g.Outputs()
	for i, p := range outputs {
		outputs[i] = mapped[p]
	}
	if err := out.SetOutputs(outputs...); err != nil {
		return nil, err
	}
	return nn.NewModel(name, out)
}

// contributing marks the positions some output depends on.
func contributing(g *nn.Graph) map[nn.PositionID]bool {
	live := make(map[nn.PositionID]bool)
	stack := g.Outputs()
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[p] {
			continue
		}
		live[p] = true
		stack = append(stack, g.Producers(p)...)
	}
	return live
}

// RebuildSequential rebuilds a strict chain by streaming its layers in order.
// Any other topology fails with ErrUnsupportedTopology.
func RebuildSequential(ctx context.Context, m *nn.Model) (out *nn.Model, err error) {
	const op = "RebuildSequential"
	start := time.Now()
	ctx, span := startSurgerySpan(ctx, op, m.Name, false)
	defer func() { endSurgery(ctx, span, op, start, 0, err) }()

	if !m.Sequential() {
		return nil, surgeryErr(ErrUnsupportedTopology, op, m.Name, "model is not a single chain")
	}
	g := m.Graph()
	src := g.Inputs()[0]
	chain := nn.NewGraph()
	p, err := chain.Apply(g.NodeOf(src).Layer)
	if err != nil {
		return nil, err
	}
	for {
		next := g.Consumers(src)
		if len(next) == 0 {
			break
		}
		src = next[0].To
		if p, err = chain.Apply(g.NodeOf(src).Layer, p); err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, m.Name, err)
		}
	}
	if err := chain.SetOutputs(p); err != nil {
		return nil, err
	}
	return nn.NewModel(m.Name, chain)
}
