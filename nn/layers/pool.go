package layers

import (
	"fmt"
	"math"

	"prune_lib/tensor"
)

// MaxPool2D takes the maximum over channels-last spatial windows, valid padding.
type MaxPool2D struct {
	base
	weightless

	ph, pw int
	sh, sw int
}

// NewMaxPool2D creates a pooling layer with stride equal to the pool size.
func NewMaxPool2D(name string, ph, pw int) (*MaxPool2D, error) {
	l, err := New(Config{Name: name, Kind: KindMaxPool2D, PoolSize: []int{ph, pw}})
	if err != nil {
		return nil, err
	}
	return l.(*MaxPool2D), nil
}

func newMaxPool2D(cfg Config) (Layer, error) {
	ph, pw, err := pair(cfg.PoolSize, 2)
	if err != nil {
		return nil, err
	}
	sh, sw, err := pair(cfg.Strides, 0)
	if err != nil {
		return nil, err
	}
	if len(cfg.Strides) == 0 {
		sh, sw = ph, pw
	}
	if ph <= 0 || pw <= 0 || sh <= 0 || sw <= 0 {
		return nil, fmt.Errorf("%w: pool size %v and strides %v must be positive", ErrConfig, cfg.PoolSize, cfg.Strides)
	}
	return &MaxPool2D{base: base{cfg: cfg}, ph: ph, pw: pw, sh: sh, sw: sw}, nil
}

func (p *MaxPool2D) outHW(h, w int) (int, int) {
	return (h-p.ph)/p.sh + 1, (w-p.pw)/p.sw + 1
}

func (p *MaxPool2D) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindMaxPool2D, in)
	if err != nil {
		return nil, err
	}
	if len(s) != 3 {
		return nil, fmt.Errorf("%w: MaxPool2D expects [h w c] input, got %v", ErrShape, s)
	}
	if s[0] < p.ph || s[1] < p.pw {
		return nil, fmt.Errorf("%w: MaxPool2D %s window %dx%d larger than input %v", ErrShape, p.cfg.Name, p.ph, p.pw, s)
	}
	oh, ow := p.outHW(s[0], s[1])
	return []int{oh, ow, s[2]}, nil
}

func (p *MaxPool2D) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: MaxPool2D expects 1 input, got %d", ErrType, len(inputs))
	}
	x := inputs[0]
	if err := checkBatch(KindMaxPool2D, x, 4); err != nil {
		return nil, err
	}
	batch, h, w, ch := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := p.outHW(h, w)
	out := tensor.New(batch, oh, ow, ch)
	for b := 0; b < batch; b++ {
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				for c := 0; c < ch; c++ {
					m := math.Inf(-1)
					for dy := 0; dy < p.ph; dy++ {
						for dx := 0; dx < p.pw; dx++ {
							v := x.Data[((b*h+y*p.sh+dy)*w+xx*p.sw+dx)*ch+c]
							if v > m {
								m = v
							}
						}
					}
					out.Data[((b*oh+y)*ow+xx)*ch+c] = m
				}
			}
		}
	}
	return out, nil
}

func (p *MaxPool2D) Tag() string {
	return fmt.Sprintf("MaxPool2D_%dx%d", p.ph, p.pw)
}
