package layers

import (
	"fmt"
	"math"

	"prune_lib/tensor"
)

const defaultEpsilon = 1e-3

// BatchNorm normalises the last axis with frozen statistics:
// y = gamma*(x-mean)/sqrt(variance+eps) + beta.
type BatchNorm struct {
	base

	Gamma, Beta, Mean, Variance *tensor.Tensor
}

// NewBatchNorm creates an unbuilt batch normalisation layer.
func NewBatchNorm(name string) (*BatchNorm, error) {
	l, err := New(Config{Name: name, Kind: KindBatchNorm})
	if err != nil {
		return nil, err
	}
	return l.(*BatchNorm), nil
}

func newBatchNorm(cfg Config) (Layer, error) {
	if cfg.Epsilon < 0 {
		return nil, fmt.Errorf("%w: negative epsilon %g", ErrConfig, cfg.Epsilon)
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = defaultEpsilon
	}
	return &BatchNorm{base: base{cfg: cfg}}, nil
}

func (n *BatchNorm) built() bool { return n.Gamma != nil }

func (n *BatchNorm) channels() int { return n.Gamma.Shape[0] }

func (n *BatchNorm) Weights() []*tensor.Tensor {
	if !n.built() {
		return nil
	}
	return cloneTensors([]*tensor.Tensor{n.Gamma, n.Beta, n.Mean, n.Variance})
}

func (n *BatchNorm) SetWeights(ws []*tensor.Tensor) error {
	if len(ws) != 4 {
		return fmt.Errorf("%w: BatchNormalization %s expects 4 tensors, got %d", ErrWeights, n.cfg.Name, len(ws))
	}
	c := ws[0].Size()
	for i, w := range ws {
		if w.Rank() != 1 || w.Shape[0] != c {
			return fmt.Errorf("%w: BatchNormalization %s tensor %d has shape %v, want [%d]", ErrWeights, n.cfg.Name, i, w.Shape, c)
		}
	}
	if n.built() && c != n.channels() {
		return fmt.Errorf("%w: BatchNormalization %s has %d channels, got %d", ErrWeights, n.cfg.Name, n.channels(), c)
	}
	n.Gamma, n.Beta, n.Mean, n.Variance = ws[0].Clone(), ws[1].Clone(), ws[2].Clone(), ws[3].Clone()
	return nil
}

func (n *BatchNorm) Build(in [][]int) error {
	if n.built() {
		return nil
	}
	s, err := singleInput(KindBatchNorm, in)
	if err != nil {
		return err
	}
	if len(s) == 0 {
		return fmt.Errorf("%w: BatchNormalization needs at least rank-1 input", ErrShape)
	}
	c := s[len(s)-1]
	n.Gamma, n.Beta, n.Mean, n.Variance = tensor.New(c), tensor.New(c), tensor.New(c), tensor.New(c)
	for i := 0; i < c; i++ {
		n.Gamma.Data[i] = 1
		n.Variance.Data[i] = 1
	}
	return nil
}

func (n *BatchNorm) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindBatchNorm, in)
	if err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: BatchNormalization needs at least rank-1 input", ErrShape)
	}
	if n.built() && s[len(s)-1] != n.channels() {
		return nil, fmt.Errorf("%w: BatchNormalization %s expects %d channels, got shape %v", ErrShape, n.cfg.Name, n.channels(), s)
	}
	return cloneInts(s), nil
}

func (n *BatchNorm) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: BatchNormalization expects 1 input, got %d", ErrType, len(inputs))
	}
	x := inputs[0]
	if err := checkBatch(KindBatchNorm, x, 0); err != nil {
		return nil, err
	}
	if !n.built() {
		return nil, fmt.Errorf("BatchNormalization %s: forward before build", n.cfg.Name)
	}
	c := n.channels()
	if x.Shape[len(x.Shape)-1] != c {
		return nil, fmt.Errorf("%w: BatchNormalization %s expects %d channels, got shape %v", ErrShape, n.cfg.Name, c, x.Shape)
	}
	scale := make([]float64, c)
	shift := make([]float64, c)
	for i := 0; i < c; i++ {
		scale[i] = n.Gamma.Data[i] / math.Sqrt(n.Variance.Data[i]+n.cfg.Epsilon)
		shift[i] = n.Beta.Data[i] - n.Mean.Data[i]*scale[i]
	}
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		ch := i % c
		out.Data[i] = v*scale[ch] + shift[ch]
	}
	return out, nil
}

func (n *BatchNorm) Tag() string {
	if !n.built() {
		return "BatchNormalization_?"
	}
	return fmt.Sprintf("BatchNormalization_%d", n.channels())
}
