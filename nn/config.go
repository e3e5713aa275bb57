package nn

import (
	"fmt"

	"prune_lib/nn/layers"
	"prune_lib/tensor"
)

// TensorRef names the output of one occurrence of a layer.
type TensorRef struct {
	Layer string `json:"layer" yaml:"layer"`
	Index int    `json:"index" yaml:"index"`
}

// LayerEntry is one layer of a ModelConfig. Inbound lists, per occurrence,
// the tensors fed to the layer in input slot order.
type LayerEntry struct {
	Config  layers.Config `json:"config" yaml:"config"`
	Inbound [][]TensorRef `json:"inbound" yaml:"inbound"`
}

// ModelConfig is the structural description of a model, without weights.
type ModelConfig struct {
	Name    string       `json:"name" yaml:"name"`
	Layers  []LayerEntry `json:"layers" yaml:"layers"`
	Inputs  []TensorRef  `json:"inputs" yaml:"inputs"`
	Outputs []TensorRef  `json:"outputs" yaml:"outputs"`
}

// Config describes the model's structure.
func (m *Model) Config() ModelConfig {
	g := m.graph
	ref := func(p PositionID) TensorRef {
		pos := g.positions[p]
		return TensorRef{Layer: g.nodes[pos.Node].Layer.Name(), Index: pos.Index}
	}
	cfg := ModelConfig{Name: m.Name}
	for _, n := range g.Nodes() {
		entry := LayerEntry{Config: n.Layer.Config()}
		for _, p := range n.Positions {
			refs := []TensorRef{}
			for _, src := range g.Producers(p) {
				refs = append(refs, ref(src))
			}
			entry.Inbound = append(entry.Inbound, refs)
		}
		cfg.Layers = append(cfg.Layers, entry)
	}
	for _, p := range g.inputs {
		cfg.Inputs = append(cfg.Inputs, ref(p))
	}
	for _, p := range g.outputs {
		cfg.Outputs = append(cfg.Outputs, ref(p))
	}
	return cfg
}

// FromConfig reconstructs a model from its config. weights, keyed by layer
// name, may be nil or partial; missing layers are initialised by Build.
func FromConfig(cfg ModelConfig, weights map[string][]*tensor.Tensor) (*Model, error) {
	type pending struct {
		layer   layers.Layer
		inbound [][]TensorRef
	}
	entries := make([]pending, 0, len(cfg.Layers))
	seen := make(map[string]bool, len(cfg.Layers))
	for _, e := range cfg.Layers {
		l, err := layers.FromSpec(e.Config, weights[e.Config.Name])
		if err != nil {
			return nil, err
		}
		if seen[l.Name()] {
			return nil, &GraphError{Kind: ErrDuplicateName, Msg: fmt.Sprintf("%q", l.Name())}
		}
		seen[l.Name()] = true
		inbound := e.Inbound
		if l.Kind() == layers.KindInput && len(inbound) == 0 {
			inbound = [][]TensorRef{{}}
		}
		entries = append(entries, pending{layer: l, inbound: inbound})
	}
	for name := range weights {
		if !seen[name] {
			return nil, notFound(name)
		}
	}

	g := NewGraph()
	placed := make(map[TensorRef]PositionID)
	remaining := 0
	for _, e := range entries {
		remaining += len(e.inbound)
	}
	// Place occurrences as soon as their producers exist; occurrences of one
	// layer are placed in order.
	for remaining > 0 {
		progress := false
		for _, e := range entries {
			for idx := range e.inbound {
				key := TensorRef{Layer: e.layer.Name(), Index: idx}
				if _, ok := placed[key]; ok {
					continue
				}
				if idx > 0 {
					if _, ok := placed[TensorRef{Layer: key.Layer, Index: idx - 1}]; !ok {
						break
					}
				}
				from, ready := resolveRefs(placed, e.inbound[idx])
				if !ready {
					break
				}
				p, err := g.Apply(e.layer, from...)
				if err != nil {
					return nil, err
				}
				placed[key] = p
				remaining--
				progress = true
			}
		}
		if !progress {
			return nil, invalidf("unresolvable or cyclic inbound references in model %q", cfg.Name)
		}
	}

	if len(cfg.Inputs) > 0 {
		ins, ready := resolveRefs(placed, cfg.Inputs)
		if !ready || len(ins) != len(g.inputs) {
			return nil, invalidf("model inputs %v do not match input layers", cfg.Inputs)
		}
		g.inputs = ins
	}
	outs, ready := resolveRefs(placed, cfg.Outputs)
	if !ready {
		return nil, invalidf("model outputs %v reference unknown tensors", cfg.Outputs)
	}
	if err := g.SetOutputs(outs...); err != nil {
		return nil, err
	}
	return NewModel(cfg.Name, g)
}

func resolveRefs(placed map[TensorRef]PositionID, refs []TensorRef) ([]PositionID, bool) {
	out := make([]PositionID, len(refs))
	for i, r := range refs {
		p, ok := placed[r]
		if !ok {
			return nil, false
		}
		out[i] = p
	}
	return out, true
}
