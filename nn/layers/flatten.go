package layers

import (
	"fmt"

	"prune_lib/tensor"
)

// Flatten reshapes each sample to 1D, keeping row-major order.
type Flatten struct {
	base
	weightless
}

// NewFlatten creates a flatten layer; name may be empty.
func NewFlatten(name string) (*Flatten, error) {
	l, err := New(Config{Name: name, Kind: KindFlatten})
	if err != nil {
		return nil, err
	}
	return l.(*Flatten), nil
}

func newFlatten(cfg Config) (Layer, error) {
	return &Flatten{base: base{cfg: cfg}}, nil
}

func (f *Flatten) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindFlatten, in)
	if err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: Flatten needs at least rank-1 input", ErrShape)
	}
	return []int{tensor.Volume(s)}, nil
}

func (f *Flatten) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: Flatten expects 1 input, got %d", ErrType, len(inputs))
	}
	x := inputs[0]
	if err := checkBatch(KindFlatten, x, 0); err != nil {
		return nil, err
	}
	if x.Rank() < 2 {
		return nil, fmt.Errorf("%w: Flatten expects a batch input, got shape %v", ErrShape, x.Shape)
	}
	return x.Reshape(x.Shape[0], tensor.Volume(x.Shape[1:]))
}

func (f *Flatten) Tag() string {
	return "Flatten"
}
