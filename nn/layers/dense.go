package layers

import (
	"fmt"

	"prune_lib/tensor"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully-connected layer applied over the last input axis.
type Dense struct {
	base

	// W is the kernel [in, units]; B is the bias [units] (nil when NoBias).
	W, B *tensor.Tensor
}

// NewDense creates an unbuilt dense layer; name may be empty.
func NewDense(name string, units int, activation string) (*Dense, error) {
	l, err := New(Config{Name: name, Kind: KindDense, Units: units, Activation: activation})
	if err != nil {
		return nil, err
	}
	return l.(*Dense), nil
}

func newDense(cfg Config) (Layer, error) {
	if cfg.Units <= 0 {
		return nil, fmt.Errorf("%w: dense units must be positive, got %d", ErrConfig, cfg.Units)
	}
	if err := checkActivation(cfg.Activation); err != nil {
		return nil, err
	}
	return &Dense{base: base{cfg: cfg}}, nil
}

func (d *Dense) built() bool { return d.W != nil }

func (d *Dense) Weights() []*tensor.Tensor {
	if !d.built() {
		return nil
	}
	if d.cfg.NoBias {
		return cloneTensors([]*tensor.Tensor{d.W})
	}
	return cloneTensors([]*tensor.Tensor{d.W, d.B})
}

func (d *Dense) SetWeights(ws []*tensor.Tensor) error {
	want := 2
	if d.cfg.NoBias {
		want = 1
	}
	if len(ws) != want {
		return fmt.Errorf("%w: Dense %s expects %d tensors, got %d", ErrWeights, d.cfg.Name, want, len(ws))
	}
	w := ws[0]
	if w.Rank() != 2 || w.Shape[1] != d.cfg.Units {
		return fmt.Errorf("%w: Dense %s kernel shape %v, want [in %d]", ErrWeights, d.cfg.Name, w.Shape, d.cfg.Units)
	}
	if d.built() && d.W.Shape[0] != w.Shape[0] {
		// re-sizing the input axis is allowed only through an adapter clone
		return fmt.Errorf("%w: Dense %s kernel input %d, built with %d", ErrWeights, d.cfg.Name, w.Shape[0], d.W.Shape[0])
	}
	if !d.cfg.NoBias {
		if b := ws[1]; b.Rank() != 1 || b.Shape[0] != d.cfg.Units {
			return fmt.Errorf("%w: Dense %s bias shape %v, want [%d]", ErrWeights, d.cfg.Name, b.Shape, d.cfg.Units)
		}
		d.B = ws[1].Clone()
	}
	d.W = w.Clone()
	return nil
}

func (d *Dense) Build(in [][]int) error {
	if d.built() {
		return nil
	}
	s, err := singleInput(KindDense, in)
	if err != nil {
		return err
	}
	if len(s) == 0 {
		return fmt.Errorf("%w: Dense needs at least rank-1 input", ErrShape)
	}
	fanIn := s[len(s)-1]
	d.W = glorotUniform(fanIn, d.cfg.Units, fanIn, d.cfg.Units)
	if !d.cfg.NoBias {
		d.B = tensor.New(d.cfg.Units)
	}
	return nil
}

func (d *Dense) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindDense, in)
	if err != nil {
		return nil, err
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: Dense needs at least rank-1 input", ErrShape)
	}
	if d.built() && s[len(s)-1] != d.W.Shape[0] {
		return nil, fmt.Errorf("%w: Dense %s expects %d input features, got shape %v", ErrShape, d.cfg.Name, d.W.Shape[0], s)
	}
	out := cloneInts(s)
	out[len(out)-1] = d.cfg.Units
	return out, nil
}

// Forward computes x·W + b over the last axis, then the fused activation.
func (d *Dense) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: Dense expects 1 input, got %d", ErrType, len(inputs))
	}
	x := inputs[0]
	if err := checkBatch(KindDense, x, 0); err != nil {
		return nil, err
	}
	if !d.built() {
		return nil, fmt.Errorf("Dense %s: forward before build", d.cfg.Name)
	}
	inDim, units := d.W.Shape[0], d.W.Shape[1]
	if x.Shape[len(x.Shape)-1] != inDim {
		return nil, fmt.Errorf("%w: Dense %s expects %d input features, got shape %v", ErrShape, d.cfg.Name, inDim, x.Shape)
	}
	rows := x.Size() / inDim
	outShape := cloneInts(x.Shape)
	outShape[len(outShape)-1] = units
	out := tensor.New(outShape...)

	y := mat.NewDense(rows, units, out.Data)
	y.Mul(mat.NewDense(rows, inDim, x.Data), mat.NewDense(inDim, units, d.W.Data))
	if !d.cfg.NoBias {
		for r := 0; r < rows; r++ {
			row := out.Data[r*units : (r+1)*units]
			for j := range row {
				row[j] += d.B.Data[j]
			}
		}
	}
	return applyActivation(d.cfg.Activation, out), nil
}

func (d *Dense) Tag() string {
	if !d.built() {
		return fmt.Sprintf("Dense_?_%d", d.cfg.Units)
	}
	return fmt.Sprintf("Dense_%d_%d", d.W.Shape[0], d.cfg.Units)
}
