// Package prune performs structural surgery on nn models: deleting channels
// and propagating the change through the graph, deleting and replacing whole
// layers, and rebuilding consistent models from the result.
//
// Every operation validates the complete change before committing. By default
// the caller's model is copied first; with WithCopy(false) the caller's model
// is updated in place, and only when the operation succeeds.
package prune

import (
	"context"
	"fmt"
	"time"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/tensor"
)

// DeleteChannels deletes output channels of the named layer and propagates
// the change to every dependent layer.
func DeleteChannels(ctx context.Context, m *nn.Model, layer string, channels []int, opts ...Option) (*nn.Model, error) {
	return deleteChannels(ctx, "DeleteChannels", m, []ChannelRequest{{Layer: layer, Role: layers.RoleOutput, Channels: channels}}, opts)
}

// Delete applies several channel requests as one surgery.
func Delete(ctx context.Context, m *nn.Model, reqs []ChannelRequest, opts ...Option) (*nn.Model, error) {
	return deleteChannels(ctx, "Delete", m, reqs, opts)
}

func deleteChannels(ctx context.Context, op string, m *nn.Model, reqs []ChannelRequest, opts []Option) (out *nn.Model, err error) {
	o := newOptions(opts)
	start := time.Now()
	deleted := 0
	ctx, span := startSurgerySpan(ctx, op, requestLayers(reqs), o.copy)
	defer func() { endSurgery(ctx, span, op, start, deleted, err) }()

	work := m.Graph()
	if o.copy {
		if work, err = work.Clone(true); err != nil {
			return nil, err
		}
	}

	pr, err := newPropagator(work, op, o.logger)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if err := pr.seed(r); err != nil {
			return nil, err
		}
	}
	if err := pr.run(); err != nil {
		return nil, err
	}
	muts, err := pr.mutations()
	if err != nil {
		return nil, err
	}
	for _, mu := range muts {
		deleted += len(mu.out)
	}

	scratch, err := commit(ctx, work, muts, o.logger)
	if err != nil {
		return nil, err
	}
	out, err = finish(ctx, m, scratch, o)
	if err != nil {
		return nil, err
	}
	o.logger.Info("channels deleted", "op", op, "model", m.Name, "requests", len(reqs),
		"layers_changed", len(muts), "channels", deleted, "copy", o.copy)
	return out, nil
}

// DeleteLayer splices every occurrence of the named layer out of the graph,
// connecting its consumers to its producer.
func DeleteLayer(ctx context.Context, m *nn.Model, layer string, opts ...Option) (out *nn.Model, err error) {
	const op = "DeleteLayer"
	o := newOptions(opts)
	start := time.Now()
	ctx, span := startSurgerySpan(ctx, op, layer, o.copy)
	defer func() { endSurgery(ctx, span, op, start, 0, err) }()

	node, err := m.Graph().NodeByName(layer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if node.Layer.Kind() == layers.KindInput {
		return nil, surgeryErr(ErrUnsupportedTopology, op, layer, "input layers cannot be deleted")
	}

	work, err := m.Graph().Clone(o.copy)
	if err != nil {
		return nil, err
	}
	node = work.Node(node.ID)

	direct := make(map[nn.PositionID]nn.PositionID, len(node.Positions))
	for _, p := range node.Positions {
		src, err := spliceSource(work, p, op, layer)
		if err != nil {
			return nil, err
		}
		direct[p] = src
	}
	for _, p := range node.Positions {
		// an occurrence fed by another occurrence of the same layer splices
		// onto that occurrence's source
		src := direct[p]
		for work.Position(src).Node == node.ID {
			src = direct[src]
		}
		work.Redirect(p, src)
	}
	if err := work.RemoveNode(node.ID); err != nil {
		return nil, err
	}
	if err := work.RefreshShapes(); err != nil {
		return nil, surgeryErr(ErrUnsupportedTopology, op, layer, "%v", err)
	}

	out, err = finish(ctx, m, work, o)
	if err != nil {
		return nil, err
	}
	o.logger.Info("layer deleted", "model", m.Name, "layer", layer, "positions", len(direct), "copy", o.copy)
	return out, nil
}

// spliceSource picks the producer whose tensor replaces p's output.
func spliceSource(g *nn.Graph, p nn.PositionID, op, layer string) (nn.PositionID, error) {
	pos := g.Position(p)
	producers := g.Producers(p)
	shapes := g.InShapes(p)
	if len(producers) == 1 {
		if !tensor.SameShape(shapes[0], pos.Shape) {
			return 0, surgeryErr(ErrUnsupportedTopology, op, layer,
				"%s maps %v to %v, consumers cannot take its input directly", g.Label(p), shapes[0], pos.Shape)
		}
		return producers[0], nil
	}
	match := -1
	for i, s := range shapes {
		if !tensor.SameShape(s, pos.Shape) {
			continue
		}
		if match >= 0 {
			return 0, surgeryErr(ErrUnsupportedTopology, op, layer,
				"%s has several inputs of shape %v", g.Label(p), pos.Shape)
		}
		match = i
	}
	if match < 0 {
		return 0, surgeryErr(ErrUnsupportedTopology, op, layer,
			"no input of %s has its output shape %v", g.Label(p), pos.Shape)
	}
	return producers[match], nil
}

// ReplaceLayer swaps the named layer for replacement, keeping every edge. The
// replacement must accept the layer's inputs and produce its output shapes at
// every occurrence. An unbuilt replacement is only built once it is accepted.
func ReplaceLayer(ctx context.Context, m *nn.Model, layer string, replacement layers.Layer, opts ...Option) (out *nn.Model, err error) {
	const op = "ReplaceLayer"
	o := newOptions(opts)
	start := time.Now()
	ctx, span := startSurgerySpan(ctx, op, layer, o.copy)
	defer func() { endSurgery(ctx, span, op, start, 0, err) }()

	node, err := m.Graph().NodeByName(layer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if node.Layer.Kind() == layers.KindInput || replacement.Kind() == layers.KindInput {
		return nil, surgeryErr(ErrUnsupportedTopology, op, layer, "input layers cannot be replaced or used as replacements")
	}

	work, err := m.Graph().Clone(o.copy)
	if err != nil {
		return nil, err
	}
	trial, err := layers.Clone(replacement)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, layer, err)
	}
	for _, p := range node.Positions {
		in := work.InShapes(p)
		if err := trial.Build(in); err != nil {
			return nil, surgeryErr(ErrShapeMismatch, op, layer, "%s cannot be built for inputs %v: %v", replacement.Name(), in, err)
		}
		shape, err := trial.OutputShape(in)
		if err != nil {
			return nil, surgeryErr(ErrShapeMismatch, op, layer, "%s rejects inputs %v: %v", replacement.Name(), in, err)
		}
		if want := work.Position(p).Shape; !tensor.SameShape(shape, want) {
			return nil, surgeryErr(ErrShapeMismatch, op, layer, "%s produces %v at %s, consumers expect %v",
				replacement.Name(), shape, work.Label(p), want)
		}
	}
	if err := work.SetLayer(node.ID, replacement); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, layer, err)
	}
	if err := replacement.Build(work.InShapes(node.Positions[0])); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, layer, err)
	}

	out, err = finish(ctx, m, work, o)
	if err != nil {
		return nil, err
	}
	o.logger.Info("layer replaced", "model", m.Name, "layer", layer, "replacement", replacement.Name(), "copy", o.copy)
	return out, nil
}

// finish rebuilds the mutated graph. In place, the rebuilt graph is swapped
// into the caller's model, which is returned.
func finish(ctx context.Context, m *nn.Model, g *nn.Graph, o *options) (*nn.Model, error) {
	rebuilt, err := rebuildGraph(ctx, g, m.Name)
	if err != nil {
		return nil, err
	}
	if o.copy {
		return rebuilt, nil
	}
	m.Graph().Adopt(rebuilt.Graph())
	return m, nil
}

func requestLayers(reqs []ChannelRequest) string {
	if len(reqs) == 1 {
		return reqs[0].Layer
	}
	return fmt.Sprintf("%d requests", len(reqs))
}
