package prune

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/tensor"
)

// slotKey addresses one input slot of a position.
type slotKey struct {
	pos  nn.PositionID
	slot int
}

type groupKind int

const (
	// mergeGroup collects the input slots of an element-wise merge.
	mergeGroup groupKind = iota
	// sharedGroup collects the positions of a weighted layer applied more
	// than once; they all read their input through the same weights.
	sharedGroup
)

type groupKey struct {
	kind groupKind
	id   int
}

// group is a set of input slots that must lose identical channels.
type group struct {
	key      groupKey
	rank     int
	members  []slotKey
	resolved bool
	target   []int
}

type pending struct {
	pos nn.PositionID
	idx []int
}

// mutation is the resolved change to one weighted node, in original
// channel coordinates.
type mutation struct {
	node     *nn.Node
	in, out  []int
	inCount  int
	outCount int
}

// propagator computes the closure of a set of channel deletions without
// touching the graph.
type propagator struct {
	g   *nn.Graph
	op  string
	log *slog.Logger

	rank     map[nn.PositionID]int
	outDel   map[nn.PositionID][]int
	inDel    map[slotKey][]int
	ownerOut map[nn.NodeID][]int
	groups   map[groupKey]*group
	queue    []pending
}

func newPropagator(g *nn.Graph, op string, log *slog.Logger) (*propagator, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rank := make(map[nn.PositionID]int, len(order))
	for i, p := range order {
		rank[p] = i
	}
	return &propagator{
		g:        g,
		op:       op,
		log:      log,
		rank:     rank,
		outDel:   make(map[nn.PositionID][]int),
		inDel:    make(map[slotKey][]int),
		ownerOut: make(map[nn.NodeID][]int),
		groups:   make(map[groupKey]*group),
	}, nil
}

// seed queues one request.
func (pr *propagator) seed(req ChannelRequest) error {
	node, err := pr.g.NodeByName(req.Layer)
	if err != nil {
		return fmt.Errorf("%s: %w", pr.op, err)
	}
	for _, p := range node.Positions {
		switch req.Role {
		case layers.RoleOutput:
			if err := checkIndices(pr.op, req.Layer, req.Channels, lastDim(pr.g.Position(p).Shape)); err != nil {
				return err
			}
			if err := pr.requestProducer(p, req.Channels); err != nil {
				return err
			}
		case layers.RoleInput:
			producers := pr.g.Producers(p)
			if len(producers) != 1 {
				return surgeryErr(ErrUnsupportedTopology, pr.op, req.Layer,
					"input channels are ambiguous for %d inbound tensors", len(producers))
			}
			if err := checkIndices(pr.op, req.Layer, req.Channels, lastDim(pr.g.InShapes(p)[0])); err != nil {
				return err
			}
			if err := pr.requestProducer(producers[0], req.Channels); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s %s: unknown role %d", pr.op, req.Layer, req.Role)
		}
	}
	return nil
}

// run propagates queued deletions to quiescence, resolving constraint groups
// in topological order, then checks every group is aligned.
func (pr *propagator) run() error {
	for {
		if err := pr.drain(); err != nil {
			return err
		}
		g := pr.nextGroup()
		if g == nil {
			break
		}
		if err := pr.resolve(g); err != nil {
			return err
		}
	}
	for _, g := range pr.sortedGroups() {
		if !g.resolved {
			continue
		}
		for _, m := range g.members {
			if !equalSets(pr.inDel[m], g.target) {
				return pr.conflict(m.pos, "input %d loses %v, aligned inputs lose %v", m.slot, pr.inDel[m], g.target)
			}
		}
	}
	return nil
}

func (pr *propagator) drain() error {
	for len(pr.queue) > 0 {
		item := pr.queue[0]
		pr.queue = pr.queue[1:]
		for _, e := range pr.g.Consumers(item.pos) {
			if err := pr.deliver(e, item.idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestOutput records that p loses output channels idx and queues the
// newly deleted ones for its consumers.
func (pr *propagator) requestOutput(p nn.PositionID, idx []int) error {
	merged, added := union(pr.outDel[p], idx)
	if len(added) == 0 {
		return nil
	}
	if err := checkIndices(pr.op, pr.g.Label(p), merged, lastDim(pr.g.Position(p).Shape)); err != nil {
		return err
	}
	pr.outDel[p] = merged
	pr.log.Debug("output channels deleted", "op", pr.op, "position", pr.g.Label(p), "channels", added)
	pr.queue = append(pr.queue, pending{pos: p, idx: added})
	return nil
}

// requestProducer makes p stop producing output channels idx, walking back
// through layers that do not own their channels.
func (pr *propagator) requestProducer(p nn.PositionID, idx []int) error {
	pos := pr.g.Position(p)
	node := pr.g.Node(pos.Node)
	merged, _ := union(pr.outDel[p], idx)
	if err := checkIndices(pr.op, pr.g.Label(p), merged, lastDim(pos.Shape)); err != nil {
		return err
	}
	a, err := pr.adapter(node)
	if err != nil {
		return err
	}

	switch a.Flow() {
	case layers.FlowSource:
		return pr.conflict(p, "model input cannot lose channels %v", idx)

	case layers.FlowOwner:
		merged, added := union(pr.ownerOut[node.ID], idx)
		if len(added) == 0 {
			return nil
		}
		pr.ownerOut[node.ID] = merged
		for _, q := range node.Positions {
			if err := pr.requestOutput(q, added); err != nil {
				return err
			}
		}
		return nil

	case layers.FlowPassThrough, layers.FlowReshape:
		in, err := a.InputIndices(pr.g.InShapes(p)[0], idx)
		if errors.Is(err, layers.ErrInexact) {
			return pr.conflict(p, "%v", err)
		}
		if err != nil {
			return surgeryErr(ErrIndexOutOfRange, pr.op, pr.g.Label(p), "%v", err)
		}
		pr.log.Debug("walking back", "op", pr.op, "position", pr.g.Label(p), "channels", in)
		return pr.requestProducer(pr.g.Producers(p)[0], in)

	case layers.FlowConcat:
		producers := pr.g.Producers(p)
		shapes := pr.g.InShapes(p)
		off := 0
		for slot, s := range shapes {
			if err := pr.checkConcatAxis(node, p, len(s)); err != nil {
				return err
			}
			n := lastDim(s)
			var part []int
			for _, i := range idx {
				if i >= off && i < off+n {
					part = append(part, i-off)
				}
			}
			if len(part) > 0 {
				if err := pr.requestProducer(producers[slot], part); err != nil {
					return err
				}
			}
			off += n
		}
		return nil

	case layers.FlowElementwise:
		for _, src := range pr.g.Producers(p) {
			if err := pr.requestProducer(src, idx); err != nil {
				return err
			}
		}
		return nil
	}
	return surgeryErr(ErrUnsupportedTopology, pr.op, pr.g.Label(p), "unknown flow %s", a.Flow())
}

// deliver applies output channels removed upstream to the consumer end of e.
func (pr *propagator) deliver(e *nn.Edge, idx []int) error {
	key := slotKey{pos: e.To, slot: e.Slot}
	merged, added := union(pr.inDel[key], idx)
	if len(added) == 0 {
		return nil
	}
	if err := checkIndices(pr.op, pr.g.Label(e.To), merged, lastDim(e.Shape)); err != nil {
		return err
	}
	pr.inDel[key] = merged

	node := pr.g.NodeOf(e.To)
	a, err := pr.adapter(node)
	if err != nil {
		return err
	}
	if g := pr.groupFor(node, e.To, a); g != nil && g.resolved && !isSubset(merged, g.target) {
		return pr.conflict(e.To, "input %d would lose %v after its inputs were aligned on %v", e.Slot, merged, g.target)
	}

	switch a.Flow() {
	case layers.FlowOwner, layers.FlowElementwise:
		// absorbed by weights, or settled when the merge group resolves
		return nil
	case layers.FlowPassThrough, layers.FlowReshape:
		out, err := a.OutputIndices(e.Shape, added)
		if err != nil {
			return surgeryErr(ErrIndexOutOfRange, pr.op, pr.g.Label(e.To), "%v", err)
		}
		return pr.requestOutput(e.To, out)
	case layers.FlowConcat:
		if err := pr.checkConcatAxis(node, e.To, len(e.Shape)); err != nil {
			return err
		}
		off := 0
		for slot, s := range pr.g.InShapes(e.To) {
			if slot == e.Slot {
				break
			}
			off += lastDim(s)
		}
		shifted := make([]int, len(added))
		for i, c := range added {
			shifted[i] = c + off
		}
		return pr.requestOutput(e.To, shifted)
	}
	return surgeryErr(ErrUnsupportedTopology, pr.op, pr.g.Label(e.To), "%s cannot consume tensors", node.Layer.Kind())
}

// groupFor returns the constraint group the position belongs to, creating
// it on first use, or nil when its inputs are unconstrained.
func (pr *propagator) groupFor(node *nn.Node, p nn.PositionID, a layers.Adapter) *group {
	var key groupKey
	var members []slotKey
	switch {
	case a.Flow() == layers.FlowElementwise:
		key = groupKey{kind: mergeGroup, id: int(p)}
		for slot := range pr.g.Position(p).Inbound {
			members = append(members, slotKey{pos: p, slot: slot})
		}
	case len(node.Positions) > 1 && a.ChannelAxis(layers.RoleInput) >= 0:
		key = groupKey{kind: sharedGroup, id: int(node.ID)}
		for _, q := range node.Positions {
			members = append(members, slotKey{pos: q})
		}
	default:
		return nil
	}
	if g, ok := pr.groups[key]; ok {
		return g
	}
	g := &group{key: key, members: members, rank: len(pr.rank)}
	for _, m := range members {
		if r := pr.rank[m.pos]; r < g.rank {
			g.rank = r
		}
	}
	pr.groups[key] = g
	return g
}

func (pr *propagator) sortedGroups() []*group {
	out := make([]*group, 0, len(pr.groups))
	for _, g := range pr.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		if out[i].key.kind != out[j].key.kind {
			return out[i].key.kind < out[j].key.kind
		}
		return out[i].key.id < out[j].key.id
	})
	return out
}

func (pr *propagator) nextGroup() *group {
	for _, g := range pr.sortedGroups() {
		if !g.resolved {
			return g
		}
	}
	return nil
}

// resolve fixes the channel set a group agrees on and deletes it sideways
// from every member that has not received it.
func (pr *propagator) resolve(g *group) error {
	var target []int
	var first slotKey
	for _, m := range g.members {
		s := pr.inDel[m]
		if len(s) == 0 {
			continue
		}
		if target == nil {
			target, first = s, m
			continue
		}
		if !equalSets(s, target) {
			return pr.conflict(m.pos, "input %d loses %v but %s input %d loses %v",
				m.slot, s, pr.g.Label(first.pos), first.slot, target)
		}
	}
	g.resolved = true
	g.target = target
	if target == nil {
		return nil
	}
	for _, m := range g.members {
		if len(pr.inDel[m]) > 0 {
			continue
		}
		src := pr.g.Producers(m.pos)[m.slot]
		pr.log.Debug("sideways deletion", "op", pr.op, "merge", pr.g.Label(m.pos), "producer", pr.g.Label(src), "channels", target)
		if err := pr.requestProducer(src, target); err != nil {
			return err
		}
	}
	if g.key.kind == mergeGroup {
		return pr.requestOutput(nn.PositionID(g.key.id), target)
	}
	return nil
}

func (pr *propagator) checkConcatAxis(node *nn.Node, p nn.PositionID, rank int) error {
	c, ok := node.Layer.(*layers.Concatenate)
	if !ok {
		return nil
	}
	ax, err := c.ResolveAxis(rank)
	if err != nil {
		return surgeryErr(ErrUnsupportedTopology, pr.op, pr.g.Label(p), "%v", err)
	}
	if ax != rank-1 {
		return surgeryErr(ErrUnsupportedTopology, pr.op, pr.g.Label(p), "concatenation along axis %d is not the channel axis", ax)
	}
	return nil
}

func (pr *propagator) adapter(node *nn.Node) (layers.Adapter, error) {
	a, err := layers.AdapterFor(node.Layer.Kind())
	if err != nil {
		return nil, surgeryErr(ErrUnsupportedTopology, pr.op, node.Layer.Name(), "%v", err)
	}
	return a, nil
}

func (pr *propagator) conflict(p nn.PositionID, format string, args ...any) error {
	return surgeryErr(ErrStructuralConflict, pr.op, pr.g.Label(p), format, args...)
}

// mutations lists the weighted nodes that change, in node order.
func (pr *propagator) mutations() ([]mutation, error) {
	var out []mutation
	for _, node := range pr.g.Nodes() {
		a, err := pr.adapter(node)
		if err != nil {
			return nil, err
		}
		p0 := node.Positions[0]
		m := mutation{node: node}
		if a.ChannelAxis(layers.RoleInput) >= 0 && len(pr.g.Position(p0).Inbound) > 0 {
			m.in = pr.inDel[slotKey{pos: p0}]
			m.inCount = lastDim(pr.g.InShapes(p0)[0])
		}
		if a.Flow() == layers.FlowOwner {
			m.out = pr.ownerOut[node.ID]
			m.outCount = lastDim(pr.g.Position(p0).Shape)
		}
		if len(m.in) == 0 && len(m.out) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func lastDim(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	return shape[len(shape)-1]
}

// union merges b into the sorted set a and reports the elements that were new.
func union(a, b []int) (merged, added []int) {
	have := make(map[int]bool, len(a))
	for _, v := range a {
		have[v] = true
	}
	for _, v := range tensor.SortedUnique(b) {
		if !have[v] {
			added = append(added, v)
		}
	}
	if len(added) == 0 {
		return a, nil
	}
	return tensor.SortedUnique(append(append([]int(nil), a...), added...)), added
}

func equalSets(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isSubset(a, b []int) bool {
	in := make(map[int]bool, len(b))
	for _, v := range b {
		in[v] = true
	}
	for _, v := range a {
		if !in[v] {
			return false
		}
	}
	return true
}
