package nn

import (
	"container/heap"
	"fmt"
	"sort"

	"prune_lib/nn/layers"
	"prune_lib/tensor"
)

type (
	NodeID     int
	PositionID int
	EdgeID     int
)

// Node is one layer of the graph. A node applied to several inputs has
// several positions that share its weights.
type Node struct {
	ID        NodeID
	Layer     layers.Layer
	Positions []PositionID
}

// Position is a single application of a node.
type Position struct {
	ID    PositionID
	Node  NodeID
	Index int // occurrence index within the node

	Inbound  []EdgeID // ordered by input slot
	Outbound []EdgeID
	Shape    []int // output shape, batch excluded
}

// Edge carries a tensor from a producer position into an input slot of a
// consumer position.
type Edge struct {
	ID    EdgeID
	From  PositionID
	To    PositionID
	Slot  int
	Shape []int
}

// Graph is a directed acyclic graph of layer applications stored as id-indexed
// tables. It is not safe for concurrent mutation.
type Graph struct {
	nodes     map[NodeID]*Node
	positions map[PositionID]*Position
	edges     map[EdgeID]*Edge
	byName    map[string]NodeID

	inputs  []PositionID
	outputs []PositionID

	nextNode NodeID
	nextPos  PositionID
	nextEdge EdgeID
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:     make(map[NodeID]*Node),
		positions: make(map[PositionID]*Position),
		edges:     make(map[EdgeID]*Edge),
		byName:    make(map[string]NodeID),
	}
}

// Input adds an input layer and returns its single position.
func (g *Graph) Input(name string, shape ...int) (PositionID, error) {
	l, err := layers.NewInput(name, shape...)
	if err != nil {
		return 0, err
	}
	return g.Apply(l)
}

// Apply calls l on the outputs of the given positions. Applying a layer that is
// already in the graph adds a position to its node; a different layer with the
// same name is rejected.
func (g *Graph) Apply(l layers.Layer, from ...PositionID) (PositionID, error) {
	inShapes := make([][]int, len(from))
	for i, p := range from {
		pos, ok := g.positions[p]
		if !ok {
			return 0, invalidf("layer %s: unknown producer position %d", l.Name(), p)
		}
		inShapes[i] = pos.Shape
	}

	isInput := l.Kind() == layers.KindInput
	if isInput && len(from) != 0 {
		return 0, invalidf("input layer %s cannot consume tensors", l.Name())
	}

	var node *Node
	if id, ok := g.byName[l.Name()]; ok {
		node = g.nodes[id]
		if node.Layer != l {
			return 0, &GraphError{Kind: ErrDuplicateName, Msg: fmt.Sprintf("%q", l.Name())}
		}
		if isInput {
			return 0, invalidf("input layer %s can only be applied once", l.Name())
		}
	}

	if err := l.Build(inShapes); err != nil {
		return 0, fmt.Errorf("build %s: %w", l.Name(), err)
	}
	shape, err := l.OutputShape(inShapes)
	if err != nil {
		return 0, shapef("layer %s: %v", l.Name(), err)
	}

	if node == nil {
		node = &Node{ID: g.nextNode, Layer: l}
		g.nextNode++
		g.nodes[node.ID] = node
		g.byName[l.Name()] = node.ID
	}
	pos := &Position{ID: g.nextPos, Node: node.ID, Index: len(node.Positions), Shape: shape}
	g.nextPos++
	g.positions[pos.ID] = pos
	node.Positions = append(node.Positions, pos.ID)

	for slot, p := range from {
		g.connect(p, pos.ID, slot)
	}
	if isInput {
		g.inputs = append(g.inputs, pos.ID)
	}
	return pos.ID, nil
}

func (g *Graph) connect(from, to PositionID, slot int) *Edge {
	src := g.positions[from]
	e := &Edge{ID: g.nextEdge, From: from, To: to, Slot: slot, Shape: append([]int(nil), src.Shape...)}
	g.nextEdge++
	g.edges[e.ID] = e
	src.Outbound = append(src.Outbound, e.ID)
	dst := g.positions[to]
	dst.Inbound = append(dst.Inbound, e.ID)
	return e
}

// SetOutputs declares the model outputs.
func (g *Graph) SetOutputs(ps ...PositionID) error {
	for _, p := range ps {
		if _, ok := g.positions[p]; !ok {
			return invalidf("unknown output position %d", p)
		}
	}
	g.outputs = append([]PositionID(nil), ps...)
	return nil
}

func (g *Graph) Inputs() []PositionID  { return append([]PositionID(nil), g.inputs...) }
func (g *Graph) Outputs() []PositionID { return append([]PositionID(nil), g.outputs...) }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// Position returns the position with the given id, or nil.
func (g *Graph) Position(id PositionID) *Position { return g.positions[id] }

// Edge returns the edge with the given id, or nil.
func (g *Graph) Edge(id EdgeID) *Edge { return g.edges[id] }

// NodeByName looks a node up by its layer name.
func (g *Graph) NodeByName(name string) (*Node, error) {
	id, ok := g.byName[name]
	if !ok {
		return nil, notFound(name)
	}
	return g.nodes[id], nil
}

// NodeOf returns the node owning position p.
func (g *Graph) NodeOf(p PositionID) *Node {
	pos, ok := g.positions[p]
	if !ok {
		return nil
	}
	return g.nodes[pos.Node]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Producers returns the positions feeding p, by input slot.
func (g *Graph) Producers(p PositionID) []PositionID {
	pos := g.positions[p]
	out := make([]PositionID, len(pos.Inbound))
	for i, e := range pos.Inbound {
		out[i] = g.edges[e].From
	}
	return out
}

// Consumers returns the outbound edges of p.
func (g *Graph) Consumers(p PositionID) []*Edge {
	pos := g.positions[p]
	out := make([]*Edge, len(pos.Outbound))
	for i, e := range pos.Outbound {
		out[i] = g.edges[e]
	}
	return out
}

// InShapes returns the shapes entering p, by input slot.
func (g *Graph) InShapes(p PositionID) [][]int {
	pos := g.positions[p]
	out := make([][]int, len(pos.Inbound))
	for i, e := range pos.Inbound {
		out[i] = append([]int(nil), g.edges[e].Shape...)
	}
	return out
}

// IsOutput reports whether p is a declared model output.
func (g *Graph) IsOutput(p PositionID) bool {
	for _, o := range g.outputs {
		if o == p {
			return true
		}
	}
	return false
}

// TopoOrder returns every position in a deterministic topological order,
// smallest id first among ready positions.
func (g *Graph) TopoOrder() ([]PositionID, error) {
	indeg := make(map[PositionID]int, len(g.positions))
	for id, p := range g.positions {
		indeg[id] = len(p.Inbound)
	}
	ready := &posHeap{}
	for id, d := range indeg {
		if d == 0 {
			heap.Push(ready, id)
		}
	}
	out := make([]PositionID, 0, len(indeg))
	for ready.Len() > 0 {
		p := heap.Pop(ready).(PositionID)
		out = append(out, p)
		for _, e := range g.positions[p].Outbound {
			to := g.edges[e].To
			indeg[to]--
			if indeg[to] == 0 {
				heap.Push(ready, to)
			}
		}
	}
	if len(out) != len(g.positions) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, g.label(id))
			}
		}
		sort.Strings(stuck)
		return nil, cycleError(stuck)
	}
	return out, nil
}

type posHeap []PositionID

func (h posHeap) Len() int           { return len(h) }
func (h posHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h posHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *posHeap) Push(x any)        { *h = append(*h, x.(PositionID)) }
func (h *posHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// label names a position as layer[index] for messages.
func (g *Graph) label(p PositionID) string {
	pos, ok := g.positions[p]
	if !ok {
		return fmt.Sprintf("#%d", p)
	}
	return fmt.Sprintf("%s[%d]", g.nodes[pos.Node].Layer.Name(), pos.Index)
}

// Label names a position for log and error messages.
func (g *Graph) Label(p PositionID) string { return g.label(p) }

// Validate checks acyclicity, edge shapes and that every layer accepts its
// inbound shapes and produces its recorded output shape.
func (g *Graph) Validate() error {
	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	if len(g.inputs) == 0 {
		return invalidf("graph has no inputs")
	}
	if len(g.outputs) == 0 {
		return invalidf("graph has no outputs")
	}
	for _, p := range order {
		pos := g.positions[p]
		for slot, eid := range pos.Inbound {
			e, ok := g.edges[eid]
			if !ok {
				return invalidf("%s: missing inbound edge %d", g.label(p), eid)
			}
			if e.Slot != slot || e.To != p {
				return invalidf("%s: edge %d wired to slot %d of position %d", g.label(p), eid, e.Slot, e.To)
			}
			if src := g.positions[e.From]; !tensor.SameShape(src.Shape, e.Shape) {
				return shapef("edge %s -> %s carries %v, producer emits %v", g.label(e.From), g.label(p), e.Shape, src.Shape)
			}
		}
		shape, err := g.nodes[pos.Node].Layer.OutputShape(g.InShapes(p))
		if err != nil {
			return shapef("%s: %v", g.label(p), err)
		}
		if !tensor.SameShape(shape, pos.Shape) {
			return shapef("%s: produces %v, recorded %v", g.label(p), shape, pos.Shape)
		}
	}
	for _, o := range g.outputs {
		if _, ok := g.positions[o]; !ok {
			return invalidf("output position %d does not exist", o)
		}
	}
	return nil
}

// RefreshShapes re-infers every position's output shape and every edge shape
// in topological order.
func (g *Graph) RefreshShapes() error {
	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	for _, p := range order {
		pos := g.positions[p]
		shape, err := g.nodes[pos.Node].Layer.OutputShape(g.InShapes(p))
		if err != nil {
			return shapef("%s: %v", g.label(p), err)
		}
		pos.Shape = shape
		for _, e := range pos.Outbound {
			g.edges[e].Shape = append([]int(nil), shape...)
		}
	}
	return nil
}

// SetLayer swaps the layer held by a node. Shapes are not refreshed.
func (g *Graph) SetLayer(id NodeID, l layers.Layer) error {
	n, ok := g.nodes[id]
	if !ok {
		return invalidf("unknown node %d", id)
	}
	if other, ok := g.byName[l.Name()]; ok && other != id {
		return &GraphError{Kind: ErrDuplicateName, Msg: fmt.Sprintf("%q", l.Name())}
	}
	delete(g.byName, n.Layer.Name())
	n.Layer = l
	g.byName[l.Name()] = id
	return nil
}

// Redirect moves every consumer of from, and every model output pointing at
// from, onto to. Edge shapes take the shape of to.
func (g *Graph) Redirect(from, to PositionID) {
	src, dst := g.positions[from], g.positions[to]
	for _, eid := range src.Outbound {
		e := g.edges[eid]
		e.From = to
		e.Shape = append([]int(nil), dst.Shape...)
		dst.Outbound = append(dst.Outbound, eid)
	}
	src.Outbound = nil
	for i, o := range g.outputs {
		if o == from {
			g.outputs[i] = to
		}
	}
}

// RemoveNode deletes a node, its positions and their inbound edges. The
// positions must have no consumers and must not be model inputs or outputs.
func (g *Graph) RemoveNode(id NodeID) error {
	n, ok := g.nodes[id]
	if !ok {
		return invalidf("unknown node %d", id)
	}
	for _, p := range n.Positions {
		pos := g.positions[p]
		if len(pos.Outbound) > 0 {
			return invalidf("%s still has consumers", g.label(p))
		}
		if g.IsOutput(p) {
			return invalidf("%s is a model output", g.label(p))
		}
		for _, in := range g.inputs {
			if in == p {
				return invalidf("%s is a model input", g.label(p))
			}
		}
	}
	for _, p := range n.Positions {
		pos := g.positions[p]
		for _, eid := range pos.Inbound {
			e := g.edges[eid]
			src := g.positions[e.From]
			src.Outbound = removeEdge(src.Outbound, eid)
			delete(g.edges, eid)
		}
		delete(g.positions, p)
	}
	delete(g.nodes, id)
	delete(g.byName, n.Layer.Name())
	return nil
}

func removeEdge(ids []EdgeID, id EdgeID) []EdgeID {
	out := ids[:0]
	for _, e := range ids {
		if e != id {
			out = append(out, e)
		}
	}
	return out
}

// Clone copies the tables. With deep set, every layer is cloned with its
// weights; otherwise nodes share layer instances with g.
func (g *Graph) Clone(deep bool) (*Graph, error) {
	c := NewGraph()
	for id, n := range g.nodes {
		l := n.Layer
		if deep {
			var err error
			if l, err = layers.Clone(n.Layer); err != nil {
				return nil, fmt.Errorf("clone %s: %w", n.Layer.Name(), err)
			}
		}
		c.nodes[id] = &Node{ID: id, Layer: l, Positions: append([]PositionID(nil), n.Positions...)}
	}
	for id, p := range g.positions {
		cp := *p
		cp.Inbound = append([]EdgeID(nil), p.Inbound...)
		cp.Outbound = append([]EdgeID(nil), p.Outbound...)
		cp.Shape = append([]int(nil), p.Shape...)
		c.positions[id] = &cp
	}
	for id, e := range g.edges {
		ce := *e
		ce.Shape = append([]int(nil), e.Shape...)
		c.edges[id] = &ce
	}
	for name, id := range g.byName {
		c.byName[name] = id
	}
	c.inputs = g.Inputs()
	c.outputs = g.Outputs()
	c.nextNode, c.nextPos, c.nextEdge = g.nextNode, g.nextPos, g.nextEdge
	return c, nil
}

// Adopt replaces g's tables with those of other. other must not be used
// afterwards.
func (g *Graph) Adopt(other *Graph) {
	*g = *other
}

// Forward runs a batch through the graph and returns the declared outputs.
func (g *Graph) Forward(inputs ...*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(g.inputs) {
		return nil, invalidf("graph takes %d inputs, got %d", len(g.inputs), len(inputs))
	}
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}
	values := make(map[PositionID]*tensor.Tensor, len(order))
	for i, p := range g.inputs {
		values[p] = inputs[i]
	}
	for _, p := range order {
		pos := g.positions[p]
		var args []*tensor.Tensor
		if len(pos.Inbound) == 0 {
			x, ok := values[p]
			if !ok {
				return nil, invalidf("%s has no inbound tensors", g.label(p))
			}
			args = []*tensor.Tensor{x}
		} else {
			args = make([]*tensor.Tensor, len(pos.Inbound))
			for i, e := range pos.Inbound {
				args[i] = values[g.edges[e].From]
			}
		}
		y, err := g.nodes[pos.Node].Layer.Forward(args...)
		if err != nil {
			return nil, fmt.Errorf("forward %s: %w", g.label(p), err)
		}
		values[p] = y
	}
	out := make([]*tensor.Tensor, len(g.outputs))
	for i, p := range g.outputs {
		out[i] = values[p]
	}
	return out, nil
}
