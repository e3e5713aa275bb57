package layers

import (
	"fmt"
	"math"

	"prune_lib/tensor"
)

// activationFuncs maps the activation names accepted in Config.Activation.
var activationFuncs = map[string]func(*tensor.Tensor) *tensor.Tensor{
	"":        identity,
	"linear":  identity,
	"relu":    tensor.ReluPlain,
	"sigmoid": elementwise(func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }),
	"tanh":    elementwise(math.Tanh),
	"softmax": Softmax,
}

func identity(x *tensor.Tensor) *tensor.Tensor { return x.Clone() }

func elementwise(fn func(float64) float64) func(*tensor.Tensor) *tensor.Tensor {
	return func(x *tensor.Tensor) *tensor.Tensor {
		y := tensor.New(x.Shape...)
		for i, v := range x.Data {
			y.Data[i] = fn(v)
		}
		return y
	}
}

// Softmax normalises over the last axis.
func Softmax(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.New(x.Shape...)
	if len(x.Shape) == 0 || len(x.Data) == 0 {
		return y
	}
	n := x.Shape[len(x.Shape)-1]
	for off := 0; off < len(x.Data); off += n {
		row := x.Data[off : off+n]
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		expSum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxLogit)
			y.Data[off+i] = e
			expSum += e
		}
		for i := range row {
			y.Data[off+i] /= expSum
		}
	}
	return y
}

func checkActivation(name string) error {
	if _, ok := activationFuncs[name]; !ok {
		return fmt.Errorf("%w: unsupported activation %q", ErrConfig, name)
	}
	return nil
}

func applyActivation(name string, x *tensor.Tensor) *tensor.Tensor {
	if name == "" || name == "linear" {
		return x
	}
	return activationFuncs[name](x)
}

// Activation applies a function element-wise (softmax: over the last axis).
type Activation struct {
	base
	weightless
}

// NewActivation creates an activation layer; name may be empty.
func NewActivation(name, fn string) (*Activation, error) {
	l, err := New(Config{Name: name, Kind: KindActivation, Activation: fn})
	if err != nil {
		return nil, err
	}
	return l.(*Activation), nil
}

func newActivation(cfg Config) (Layer, error) {
	if err := checkActivation(cfg.Activation); err != nil {
		return nil, err
	}
	return &Activation{base: base{cfg: cfg}}, nil
}

func (a *Activation) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindActivation, in)
	if err != nil {
		return nil, err
	}
	return cloneInts(s), nil
}

func (a *Activation) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: Activation expects 1 input, got %d", ErrType, len(inputs))
	}
	if err := checkBatch(KindActivation, inputs[0], 0); err != nil {
		return nil, err
	}
	return activationFuncs[a.cfg.Activation](inputs[0]), nil
}

func (a *Activation) Tag() string {
	return fmt.Sprintf("Activation_%s", a.cfg.Activation)
}
