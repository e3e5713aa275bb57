package nn

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"prune_lib/nn/layers"
	"prune_lib/tensor"

	"github.com/google/uuid"
)

// Model is a named layer graph with declared inputs and outputs.
type Model struct {
	Name string
	ID   uuid.UUID

	graph *Graph
}

// NewModel validates g and wraps it in a model with a fresh identity.
func NewModel(name string, g *Graph) (*Model, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Model{Name: name, ID: uuid.New(), graph: g}, nil
}

// Graph exposes the underlying graph. Mutating it bypasses validation.
func (m *Model) Graph() *Graph { return m.graph }

// Layers returns the model's layers in insertion order.
func (m *Model) Layers() []layers.Layer {
	nodes := m.graph.Nodes()
	out := make([]layers.Layer, len(nodes))
	for i, n := range nodes {
		out[i] = n.Layer
	}
	return out
}

// Layer looks a layer up by name.
func (m *Model) Layer(name string) (layers.Layer, error) {
	n, err := m.graph.NodeByName(name)
	if err != nil {
		return nil, err
	}
	return n.Layer, nil
}

// Weights returns a copy of every layer's weights keyed by layer name.
// Weightless layers are omitted.
func (m *Model) Weights() map[string][]*tensor.Tensor {
	out := make(map[string][]*tensor.Tensor)
	for _, l := range m.Layers() {
		if ws := l.Weights(); len(ws) > 0 {
			out[l.Name()] = ws
		}
	}
	return out
}

// ParamCount is the number of scalars held by the model's weights.
func (m *Model) ParamCount() int {
	total := 0
	for _, l := range m.Layers() {
		for _, w := range l.Weights() {
			total += w.Size()
		}
	}
	return total
}

// Predict runs a batch through the model, one tensor per declared input.
func (m *Model) Predict(inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	return m.graph.Forward(inputs...)
}

// Evaluate returns the loss of the model's outputs against targets, averaged
// over outputs.
func (m *Model) Evaluate(inputs, targets []*tensor.Tensor, loss Loss) (float64, error) {
	preds, err := m.Predict(inputs...)
	if err != nil {
		return 0, err
	}
	if len(preds) != len(targets) {
		return 0, fmt.Errorf("model has %d outputs, got %d targets", len(preds), len(targets))
	}
	total := 0.0
	for i := range preds {
		v, err := loss.Loss(preds[i], targets[i])
		if err != nil {
			return 0, fmt.Errorf("output %d: %w", i, err)
		}
		total += v
	}
	return total / float64(len(preds)), nil
}

// Sequential reports whether the model is a single chain: one input, one
// output, every layer applied once with one inbound tensor.
func (m *Model) Sequential() bool {
	g := m.graph
	if len(g.inputs) != 1 || len(g.outputs) != 1 {
		return false
	}
	for _, n := range g.nodes {
		if len(n.Positions) != 1 {
			return false
		}
		p := g.positions[n.Positions[0]]
		if len(p.Outbound) > 1 || len(p.Inbound) > 1 {
			return false
		}
		if len(p.Outbound) == 0 && !g.IsOutput(p.ID) {
			return false
		}
	}
	return true
}

// Summary renders a table of layers, output shapes and parameter counts.
func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s (%s)\n", m.Name, m.ID)
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Layer\tKind\tOutput\tParams\tInbound")
	for _, n := range m.graph.Nodes() {
		params := 0
		for _, t := range n.Layer.Weights() {
			params += t.Size()
		}
		for i, p := range n.Positions {
			var in []string
			for _, src := range m.graph.Producers(p) {
				in = append(in, m.graph.label(src))
			}
			name, kind, count := n.Layer.Name(), string(n.Layer.Kind()), fmt.Sprint(params)
			if i > 0 {
				name, kind, count = "", "", ""
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", name, kind, m.graph.positions[p].Shape, count, strings.Join(in, ", "))
		}
	}
	w.Flush()
	fmt.Fprintf(&b, "Total params: %d\n", m.ParamCount())
	return b.String()
}
