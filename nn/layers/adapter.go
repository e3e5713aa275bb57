package layers

import (
	"errors"
	"fmt"
	"sync"

	"prune_lib/tensor"
)

// Role selects which side of a layer a channel deletion applies to.
type Role int

const (
	RoleOutput Role = iota
	RoleInput
)

func (r Role) String() string {
	if r == RoleInput {
		return "input"
	}
	return "output"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "input":
		*r = RoleInput
	case "output", "":
		*r = RoleOutput
	default:
		return fmt.Errorf("%w: unknown channel role %q", ErrConfig, b)
	}
	return nil
}

// Flow describes how a deletion travels through a kind.
type Flow int

const (
	// FlowSource kinds produce channels nobody upstream controls.
	FlowSource Flow = iota
	// FlowOwner kinds absorb an input deletion in their weights and own
	// their output channel count.
	FlowOwner
	// FlowPassThrough kinds keep channel positions, so an input deletion is
	// also an output deletion.
	FlowPassThrough
	// FlowReshape kinds move channels to other indices of the last axis.
	FlowReshape
	// FlowConcat kinds stack inputs along the channel axis.
	FlowConcat
	// FlowElementwise kinds combine aligned inputs position by position.
	FlowElementwise
)

func (f Flow) String() string {
	return [...]string{"source", "owner", "pass-through", "reshape", "concat", "elementwise"}[f]
}

// ErrInexact is returned when output indices do not cover whole input channels.
var ErrInexact = errors.New("indices do not map to whole channels")

// Adapter tells the surgery engine how a kind stores and moves channels.
type Adapter interface {
	Flow() Flow
	// ChannelAxis is the channel axis of the kind's first weight tensor for
	// role, or -1 when the role has no weights.
	ChannelAxis(role Role) int
	// OutputIndices maps input channels deleted from a pass-through or
	// reshape layer to the output indices that disappear with them.
	OutputIndices(inShape []int, channels []int) ([]int, error)
	// InputIndices is the inverse of OutputIndices. It fails with ErrInexact
	// when outIdx is not exactly the image of some input channel set.
	InputIndices(inShape []int, outIdx []int) ([]int, error)
	// SliceWeights returns l's weights with the given channels removed on role.
	SliceWeights(l Layer, role Role, remove []int) ([]*tensor.Tensor, error)
	// NarrowConfig returns cfg describing remaining channels on role.
	NarrowConfig(cfg Config, role Role, remaining int) Config
	// CloneWith builds a fresh layer of the same kind from cfg and weights.
	CloneWith(l Layer, weights []*tensor.Tensor, cfg Config) (Layer, error)
}

var (
	adapterMu sync.RWMutex
	adapters  = map[Kind]Adapter{
		KindInput:       &kindAdapter{flow: FlowSource},
		KindDense:       &kindAdapter{flow: FlowOwner, axes: roleAxes{RoleInput: {0, -1}, RoleOutput: {1, 0}}, narrow: narrowUnits},
		KindConv2D:      &kindAdapter{flow: FlowOwner, axes: roleAxes{RoleInput: {2, -1}, RoleOutput: {3, 0}}, narrow: narrowFilters},
		KindBatchNorm:   &kindAdapter{flow: FlowPassThrough, axes: roleAxes{RoleInput: {0, 0, 0, 0}, RoleOutput: {0, 0, 0, 0}}},
		KindActivation:  &kindAdapter{flow: FlowPassThrough},
		KindMaxPool2D:   &kindAdapter{flow: FlowPassThrough},
		KindFlatten:     &flattenAdapter{kindAdapter{flow: FlowReshape}},
		KindConcatenate: &kindAdapter{flow: FlowConcat},
		KindAdd:         &kindAdapter{flow: FlowElementwise},
		KindMultiply:    &kindAdapter{flow: FlowElementwise},
		KindAverage:     &kindAdapter{flow: FlowElementwise},
		KindMaximum:     &kindAdapter{flow: FlowElementwise},
	}
)

// RegisterAdapter installs the adapter for kind, replacing any existing one.
func RegisterAdapter(kind Kind, a Adapter) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	adapters[kind] = a
}

// AdapterFor returns the adapter registered for kind.
func AdapterFor(kind Kind) (Adapter, error) {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	a, ok := adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %q", ErrUnknownKind, kind)
	}
	return a, nil
}

// AxisForChannels is the weight axis that holds channels of kind for role.
func AxisForChannels(kind Kind, role Role) (int, error) {
	a, err := AdapterFor(kind)
	if err != nil {
		return 0, err
	}
	ax := a.ChannelAxis(role)
	if ax < 0 {
		return 0, fmt.Errorf("%w: %s has no %s weights", ErrWeights, kind, role)
	}
	return ax, nil
}

// roleAxes lists, per role, the channel axis of each weight tensor in order.
// -1 leaves the tensor untouched.
type roleAxes map[Role][]int

// kindAdapter is the table-driven adapter used by the built-in kinds.
type kindAdapter struct {
	flow   Flow
	axes   roleAxes
	narrow func(Config, Role, int) Config
}

func (a *kindAdapter) Flow() Flow { return a.flow }

func (a *kindAdapter) ChannelAxis(role Role) int {
	if ax := a.axes[role]; len(ax) > 0 {
		return ax[0]
	}
	return -1
}

func (a *kindAdapter) OutputIndices(_ []int, channels []int) ([]int, error) {
	return tensor.SortedUnique(channels), nil
}

func (a *kindAdapter) InputIndices(_ []int, outIdx []int) ([]int, error) {
	return tensor.SortedUnique(outIdx), nil
}

func (a *kindAdapter) SliceWeights(l Layer, role Role, remove []int) ([]*tensor.Tensor, error) {
	ws := l.Weights()
	axes := a.axes[role]
	if len(ws) > len(axes) {
		return nil, fmt.Errorf("%w: %s %s has %d weight tensors, adapter knows %d", ErrWeights, l.Kind(), l.Name(), len(ws), len(axes))
	}
	for i, w := range ws {
		if axes[i] < 0 || len(remove) == 0 {
			continue
		}
		sliced, err := tensor.Delete(w, axes[i], remove)
		if err != nil {
			return nil, fmt.Errorf("%s %s weight %d: %w", l.Kind(), l.Name(), i, err)
		}
		ws[i] = sliced
	}
	return ws, nil
}

func (a *kindAdapter) NarrowConfig(cfg Config, role Role, remaining int) Config {
	if a.narrow == nil {
		return cfg.Clone()
	}
	return a.narrow(cfg.Clone(), role, remaining)
}

func (a *kindAdapter) CloneWith(l Layer, weights []*tensor.Tensor, cfg Config) (Layer, error) {
	if cfg.Kind != l.Kind() {
		return nil, fmt.Errorf("%w: cannot clone %s as %s", ErrConfig, l.Kind(), cfg.Kind)
	}
	return FromSpec(cfg, weights)
}

func narrowUnits(cfg Config, role Role, remaining int) Config {
	if role == RoleOutput {
		cfg.Units = remaining
	}
	return cfg
}

func narrowFilters(cfg Config, role Role, remaining int) Config {
	if role == RoleOutput {
		cfg.Filters = remaining
	}
	return cfg
}

// flattenAdapter expands channel c of C into flat indices p*C+c for every
// spatial position p.
type flattenAdapter struct {
	kindAdapter
}

func (a *flattenAdapter) OutputIndices(inShape []int, channels []int) ([]int, error) {
	c, p, err := flattenDims(inShape)
	if err != nil {
		return nil, err
	}
	channels = tensor.SortedUnique(channels)
	out := make([]int, 0, len(channels)*p)
	for pos := 0; pos < p; pos++ {
		for _, ch := range channels {
			if ch < 0 || ch >= c {
				return nil, fmt.Errorf("%w: channel %d out of range for input %v", ErrShape, ch, inShape)
			}
			out = append(out, pos*c+ch)
		}
	}
	return out, nil
}

func (a *flattenAdapter) InputIndices(inShape []int, outIdx []int) ([]int, error) {
	c, p, err := flattenDims(inShape)
	if err != nil {
		return nil, err
	}
	hits := make(map[int]int)
	for _, idx := range tensor.SortedUnique(outIdx) {
		if idx < 0 || idx >= c*p {
			return nil, fmt.Errorf("%w: flat index %d out of range for input %v", ErrShape, idx, inShape)
		}
		hits[idx%c]++
	}
	channels := make([]int, 0, len(hits))
	for ch, n := range hits {
		if n != p {
			return nil, fmt.Errorf("%w: channel %d covered at %d of %d positions", ErrInexact, ch, n, p)
		}
		channels = append(channels, ch)
	}
	return tensor.SortedUnique(channels), nil
}

func flattenDims(inShape []int) (channels, positions int, err error) {
	if len(inShape) == 0 || inShape[len(inShape)-1] == 0 {
		return 0, 0, fmt.Errorf("%w: cannot flatten shape %v", ErrShape, inShape)
	}
	channels = inShape[len(inShape)-1]
	return channels, tensor.Volume(inShape) / channels, nil
}
