package layers

import (
	"fmt"

	"prune_lib/tensor"
)

// Input is the entry placeholder of a model. Shape excludes the batch axis.
type Input struct {
	base
	weightless
}

// NewInput creates an input placeholder for samples of the given shape.
func NewInput(name string, shape ...int) (*Input, error) {
	l, err := New(Config{Name: name, Kind: KindInput, Shape: shape})
	if err != nil {
		return nil, err
	}
	return l.(*Input), nil
}

func newInput(cfg Config) (Layer, error) {
	if len(cfg.Shape) == 0 {
		return nil, fmt.Errorf("%w: input shape is required", ErrConfig)
	}
	for _, d := range cfg.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: input shape %v must be positive", ErrConfig, cfg.Shape)
		}
	}
	return &Input{base: base{cfg: cfg}}, nil
}

func (i *Input) OutputShape(in [][]int) ([]int, error) {
	if len(in) != 0 {
		return nil, fmt.Errorf("%w: Input takes no inbound tensors, got %d", ErrShape, len(in))
	}
	return cloneInts(i.cfg.Shape), nil
}

func (i *Input) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: Input %s expects 1 tensor, got %d", ErrType, i.cfg.Name, len(inputs))
	}
	x := inputs[0]
	if err := checkBatch(KindInput, x, len(i.cfg.Shape)+1); err != nil {
		return nil, err
	}
	if !tensor.SameShape(x.Shape[1:], i.cfg.Shape) {
		return nil, fmt.Errorf("%w: Input %s expects samples of shape %v, got %v", ErrShape, i.cfg.Name, i.cfg.Shape, x.Shape[1:])
	}
	return x.Clone(), nil
}

func (i *Input) Tag() string {
	return fmt.Sprintf("Input_%v", i.cfg.Shape)
}
