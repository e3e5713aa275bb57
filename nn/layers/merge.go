package layers

import (
	"fmt"

	"prune_lib/tensor"
)

// Elementwise merges several same-shaped inputs with Add, Multiply, Average
// or Maximum.
type Elementwise struct {
	base
	weightless
}

// NewMerge creates an element-wise merge layer of the given kind.
func NewMerge(name string, kind Kind) (*Elementwise, error) {
	l, err := New(Config{Name: name, Kind: kind})
	if err != nil {
		return nil, err
	}
	e, ok := l.(*Elementwise)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an element-wise merge", ErrConfig, kind)
	}
	return e, nil
}

func newElementwise(cfg Config) (Layer, error) {
	switch cfg.Kind {
	case KindAdd, KindMultiply, KindAverage, KindMaximum:
	default:
		return nil, fmt.Errorf("%w: %s is not an element-wise merge", ErrConfig, cfg.Kind)
	}
	return &Elementwise{base: base{cfg: cfg}}, nil
}

// IsElementwise reports whether kind merges its inputs position by position.
func IsElementwise(kind Kind) bool {
	switch kind {
	case KindAdd, KindMultiply, KindAverage, KindMaximum:
		return true
	}
	return false
}

func (e *Elementwise) OutputShape(in [][]int) ([]int, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least 2 inputs, got %d", ErrShape, e.cfg.Kind, len(in))
	}
	for _, s := range in[1:] {
		if !tensor.SameShape(in[0], s) {
			return nil, fmt.Errorf("%w: %s %s inputs differ: %v vs %v", ErrShape, e.cfg.Kind, e.cfg.Name, in[0], s)
		}
	}
	return cloneInts(in[0]), nil
}

func (e *Elementwise) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least 2 inputs, got %d", ErrType, e.cfg.Kind, len(inputs))
	}
	op := tensor.Add
	switch e.cfg.Kind {
	case KindMultiply:
		op = tensor.Mul
	case KindMaximum:
		op = tensor.Max
	}
	acc := inputs[0]
	for _, x := range inputs[1:] {
		var err error
		if acc, err = op(acc, x); err != nil {
			return nil, fmt.Errorf("%s %s: %w", e.cfg.Kind, e.cfg.Name, err)
		}
	}
	if e.cfg.Kind == KindAverage {
		return tensor.Scale(1/float64(len(inputs)), acc), nil
	}
	return acc, nil
}

func (e *Elementwise) Tag() string {
	return string(e.cfg.Kind)
}

// Concatenate joins its inputs along Axis. Axis counts over the per-sample
// shape, negative values from the end.
type Concatenate struct {
	base
	weightless
}

// NewConcatenate creates a concatenation along the last axis.
func NewConcatenate(name string) (*Concatenate, error) {
	l, err := New(Config{Name: name, Kind: KindConcatenate})
	if err != nil {
		return nil, err
	}
	return l.(*Concatenate), nil
}

func newConcatenate(cfg Config) (Layer, error) {
	if cfg.Axis == nil {
		last := -1
		cfg.Axis = &last
	}
	return &Concatenate{base: base{cfg: cfg}}, nil
}

// ResolveAxis returns the concatenation axis for per-sample inputs of the given rank.
func (c *Concatenate) ResolveAxis(rank int) (int, error) {
	ax, err := tensor.NormalizeAxis(*c.cfg.Axis, rank)
	if err != nil {
		return 0, fmt.Errorf("%w: Concatenate %s: %v", ErrConfig, c.cfg.Name, err)
	}
	return ax, nil
}

func (c *Concatenate) OutputShape(in [][]int) ([]int, error) {
	if len(in) < 2 {
		return nil, fmt.Errorf("%w: Concatenate needs at least 2 inputs, got %d", ErrShape, len(in))
	}
	ax, err := c.ResolveAxis(len(in[0]))
	if err != nil {
		return nil, err
	}
	out := cloneInts(in[0])
	out[ax] = 0
	for _, s := range in {
		if len(s) != len(out) {
			return nil, fmt.Errorf("%w: Concatenate %s rank mismatch: %v vs %v", ErrShape, c.cfg.Name, in[0], s)
		}
		for i := range s {
			if i != ax && s[i] != in[0][i] {
				return nil, fmt.Errorf("%w: Concatenate %s inputs differ off axis %d: %v vs %v", ErrShape, c.cfg.Name, ax, in[0], s)
			}
		}
		out[ax] += s[ax]
	}
	return out, nil
}

func (c *Concatenate) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%w: Concatenate needs at least 2 inputs, got %d", ErrType, len(inputs))
	}
	if err := checkBatch(KindConcatenate, inputs[0], 0); err != nil {
		return nil, err
	}
	ax, err := c.ResolveAxis(inputs[0].Rank() - 1)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(ax+1, inputs...)
}

func (c *Concatenate) Tag() string {
	return fmt.Sprintf("Concatenate_%d", *c.cfg.Axis)
}
