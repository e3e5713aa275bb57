package prune

import (
	"context"
	"fmt"
	"log/slog"

	"prune_lib/nn"
	"prune_lib/nn/layers"

	"golang.org/x/sync/errgroup"
)

// commit builds the narrowed layers and installs them in a structural copy of
// g, which is returned with refreshed shapes. g itself is not modified.
func commit(ctx context.Context, g *nn.Graph, muts []mutation, log *slog.Logger) (*nn.Graph, error) {
	narrowed := make([]layers.Layer, len(muts))
	eg, ctx := errgroup.WithContext(ctx)
	for i, m := range muts {
		i, m := i, m
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l, err := narrowLayer(m)
			if err != nil {
				return fmt.Errorf("narrow %s: %w", m.node.Layer.Name(), err)
			}
			narrowed[i] = l
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	scratch, err := g.Clone(false)
	if err != nil {
		return nil, err
	}
	for i, m := range muts {
		if err := scratch.SetLayer(m.node.ID, narrowed[i]); err != nil {
			return nil, err
		}
		log.Debug("layer narrowed", "layer", m.node.Layer.Name(),
			"input_deleted", m.in, "output_deleted", m.out, "tag", narrowed[i].Tag())
	}
	if err := scratch.RefreshShapes(); err != nil {
		return nil, err
	}
	if err := scratch.Validate(); err != nil {
		return nil, err
	}
	return scratch, nil
}

// narrowLayer slices a layer's weights on the input side, then the output
// side, and returns a new layer with the matching config.
func narrowLayer(m mutation) (layers.Layer, error) {
	cur := m.node.Layer
	a, err := layers.AdapterFor(cur.Kind())
	if err != nil {
		return nil, err
	}
	steps := []struct {
		role   layers.Role
		remove []int
		count  int
	}{
		{layers.RoleInput, m.in, m.inCount},
		{layers.RoleOutput, m.out, m.outCount},
	}
	for _, s := range steps {
		if len(s.remove) == 0 {
			continue
		}
		ws, err := a.SliceWeights(cur, s.role, s.remove)
		if err != nil {
			return nil, err
		}
		cfg := a.NarrowConfig(cur.Config(), s.role, s.count-len(s.remove))
		if cur, err = a.CloneWith(cur, ws, cfg); err != nil {
			return nil, err
		}
	}
	return cur, nil
}
