package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"prune_lib/tensor"
)

// Kind tags a layer implementation. It is the key of the constructor and
// adapter registries.
type Kind string

const (
	KindInput       Kind = "Input"
	KindDense       Kind = "Dense"
	KindConv2D      Kind = "Conv2D"
	KindFlatten     Kind = "Flatten"
	KindActivation  Kind = "Activation"
	KindMaxPool2D   Kind = "MaxPool2D"
	KindBatchNorm   Kind = "BatchNormalization"
	KindConcatenate Kind = "Concatenate"
	KindAdd         Kind = "Add"
	KindMultiply    Kind = "Multiply"
	KindAverage     Kind = "Average"
	KindMaximum     Kind = "Maximum"
)

// namePrefix is used when a layer is created without an explicit name.
var namePrefix = map[Kind]string{
	KindInput:       "input",
	KindDense:       "dense",
	KindConv2D:      "conv2d",
	KindFlatten:     "flatten",
	KindActivation:  "activation",
	KindMaxPool2D:   "max_pooling2d",
	KindBatchNorm:   "batch_normalization",
	KindConcatenate: "concatenate",
	KindAdd:         "add",
	KindMultiply:    "multiply",
	KindAverage:     "average",
	KindMaximum:     "maximum",
}

var (
	ErrUnknownKind = errors.New("unknown layer kind")
	ErrShape       = errors.New("incompatible shape")
	ErrWeights     = errors.New("invalid weights")
	ErrConfig      = errors.New("invalid layer config")
	ErrType        = errors.New("unexpected input")
)

// Config is the structural description of a layer. Fields not used by a kind
// stay at their zero value. A nil Axis means the last (channel) axis.
type Config struct {
	Name       string  `json:"name" yaml:"name"`
	Kind       Kind    `json:"kind" yaml:"kind"`
	Units      int     `json:"units,omitempty" yaml:"units,omitempty"`
	Filters    int     `json:"filters,omitempty" yaml:"filters,omitempty"`
	KernelSize []int   `json:"kernel_size,omitempty" yaml:"kernel_size,omitempty"`
	Strides    []int   `json:"strides,omitempty" yaml:"strides,omitempty"`
	PoolSize   []int   `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	Activation string  `json:"activation,omitempty" yaml:"activation,omitempty"`
	NoBias     bool    `json:"no_bias,omitempty" yaml:"no_bias,omitempty"`
	Axis       *int    `json:"axis,omitempty" yaml:"axis,omitempty"`
	Epsilon    float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Shape      []int   `json:"shape,omitempty" yaml:"shape,omitempty"`
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.KernelSize = cloneInts(c.KernelSize)
	out.Strides = cloneInts(c.Strides)
	out.PoolSize = cloneInts(c.PoolSize)
	out.Shape = cloneInts(c.Shape)
	if c.Axis != nil {
		ax := *c.Axis
		out.Axis = &ax
	}
	return out
}

// Layer is a single transformation in a model graph.
//
// Weights returns copies; SetWeights stores copies. A layer is built once its
// weights exist, either through SetWeights or through Build.
type Layer interface {
	Name() string
	Kind() Kind
	Config() Config
	Weights() []*tensor.Tensor
	SetWeights(ws []*tensor.Tensor) error
	// Build allocates initial weights for the given input shapes if the layer
	// has none yet. Shapes exclude the batch dimension.
	Build(inShapes [][]int) error
	OutputShape(inShapes [][]int) ([]int, error)
	// Forward runs a batch through the layer. Inputs carry a leading batch axis.
	Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error)
	Tag() string
}

var (
	registryMu   sync.RWMutex
	constructors = map[Kind]func(Config) (Layer, error){
		KindInput:       newInput,
		KindDense:       newDense,
		KindConv2D:      newConv2D,
		KindFlatten:     newFlatten,
		KindActivation:  newActivation,
		KindMaxPool2D:   newMaxPool2D,
		KindBatchNorm:   newBatchNorm,
		KindConcatenate: newConcatenate,
		KindAdd:         newElementwise,
		KindMultiply:    newElementwise,
		KindAverage:     newElementwise,
		KindMaximum:     newElementwise,
	}
)

// Register adds a constructor for a new layer kind. An adapter for the kind
// must be registered with RegisterAdapter before the kind can be pruned.
func Register(kind Kind, ctor func(Config) (Layer, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[kind] = ctor
}

// New constructs an unbuilt layer from its config.
func New(cfg Config) (Layer, error) {
	registryMu.RLock()
	ctor, ok := constructors[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	cfg = cfg.Clone()
	if cfg.Name == "" {
		cfg.Name = uniqueName(cfg.Kind)
	}
	return ctor(cfg)
}

// FromSpec constructs a layer and sets its weights in one step.
func FromSpec(cfg Config, weights []*tensor.Tensor) (Layer, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if len(weights) > 0 {
		if err := l.SetWeights(weights); err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name(), err)
		}
	}
	return l, nil
}

// Clone returns a deep copy of l with the same name, config and weights.
func Clone(l Layer) (Layer, error) {
	return FromSpec(l.Config(), l.Weights())
}

var (
	nameMu       sync.Mutex
	nameCounters = map[string]int{}
)

func uniqueName(kind Kind) string {
	prefix, ok := namePrefix[kind]
	if !ok {
		prefix = string(kind)
	}
	nameMu.Lock()
	defer nameMu.Unlock()
	nameCounters[prefix]++
	return fmt.Sprintf("%s_%d", prefix, nameCounters[prefix])
}

// base holds the pieces every layer shares.
type base struct {
	cfg Config
}

func (b *base) Name() string   { return b.cfg.Name }
func (b *base) Kind() Kind     { return b.cfg.Kind }
func (b *base) Config() Config { return b.cfg.Clone() }
func (b *base) Tag() string    { return fmt.Sprintf("%s(%s)", b.cfg.Kind, b.cfg.Name) }

// weightless layers accept no weights.
type weightless struct{}

func (weightless) Weights() []*tensor.Tensor { return nil }
func (weightless) Build([][]int) error       { return nil }
func (weightless) SetWeights(ws []*tensor.Tensor) error {
	if len(ws) != 0 {
		return fmt.Errorf("%w: layer takes no weights, got %d", ErrWeights, len(ws))
	}
	return nil
}

func cloneInts(v []int) []int {
	if v == nil {
		return nil
	}
	return append([]int(nil), v...)
}

func cloneTensors(ts []*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		out[i] = t.Clone()
	}
	return out
}

func singleInput(kind Kind, in [][]int) ([]int, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("%w: %s expects 1 input, got %d", ErrShape, kind, len(in))
	}
	return in[0], nil
}

func checkBatch(kind Kind, x *tensor.Tensor, rank int) error {
	if x == nil {
		return fmt.Errorf("%w: %s got nil input", ErrType, kind)
	}
	if rank > 0 && len(x.Shape) != rank {
		return fmt.Errorf("%w: %s expects rank-%d batch input, got shape %v", ErrShape, kind, rank, x.Shape)
	}
	return nil
}

// glorotUniform fills a new tensor of the given shape.
func glorotUniform(fanIn, fanOut int, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = rand.Float64()*2*limit - limit
	}
	return t
}

func pair(v []int, def int) (int, int, error) {
	switch len(v) {
	case 0:
		return def, def, nil
	case 1:
		return v[0], v[0], nil
	case 2:
		return v[0], v[1], nil
	}
	return 0, 0, fmt.Errorf("%w: expected 1 or 2 values, got %v", ErrConfig, v)
}
