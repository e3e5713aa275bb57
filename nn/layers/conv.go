package layers

import (
	"fmt"

	"prune_lib/tensor"
)

// Conv2D is a channels-last 2D convolution with valid padding.
type Conv2D struct {
	base

	kh, kw int // kernel height and width
	sh, sw int // strides

	// W is the kernel [kh, kw, inChan, filters]; B is the bias [filters].
	W *tensor.Tensor
	B *tensor.Tensor
}

// NewConv2D creates an unbuilt convolution; name may be empty.
func NewConv2D(name string, filters, kh, kw int, activation string) (*Conv2D, error) {
	l, err := New(Config{
		Name:       name,
		Kind:       KindConv2D,
		Filters:    filters,
		KernelSize: []int{kh, kw},
		Activation: activation,
	})
	if err != nil {
		return nil, err
	}
	return l.(*Conv2D), nil
}

func newConv2D(cfg Config) (Layer, error) {
	if cfg.Filters <= 0 {
		return nil, fmt.Errorf("%w: conv filters must be positive, got %d", ErrConfig, cfg.Filters)
	}
	if len(cfg.KernelSize) == 0 {
		return nil, fmt.Errorf("%w: conv kernel_size is required", ErrConfig)
	}
	kh, kw, err := pair(cfg.KernelSize, 0)
	if err != nil {
		return nil, err
	}
	sh, sw, err := pair(cfg.Strides, 1)
	if err != nil {
		return nil, err
	}
	if kh <= 0 || kw <= 0 || sh <= 0 || sw <= 0 {
		return nil, fmt.Errorf("%w: conv kernel %v and strides %v must be positive", ErrConfig, cfg.KernelSize, cfg.Strides)
	}
	if err := checkActivation(cfg.Activation); err != nil {
		return nil, err
	}
	return &Conv2D{base: base{cfg: cfg}, kh: kh, kw: kw, sh: sh, sw: sw}, nil
}

func (c *Conv2D) built() bool { return c.W != nil }

func (c *Conv2D) inChan() int { return c.W.Shape[2] }

func (c *Conv2D) Weights() []*tensor.Tensor {
	if !c.built() {
		return nil
	}
	if c.cfg.NoBias {
		return cloneTensors([]*tensor.Tensor{c.W})
	}
	return cloneTensors([]*tensor.Tensor{c.W, c.B})
}

func (c *Conv2D) SetWeights(ws []*tensor.Tensor) error {
	want := 2
	if c.cfg.NoBias {
		want = 1
	}
	if len(ws) != want {
		return fmt.Errorf("%w: Conv2D %s expects %d tensors, got %d", ErrWeights, c.cfg.Name, want, len(ws))
	}
	w := ws[0]
	if w.Rank() != 4 || w.Shape[0] != c.kh || w.Shape[1] != c.kw || w.Shape[3] != c.cfg.Filters {
		return fmt.Errorf("%w: Conv2D %s kernel shape %v, want [%d %d in %d]", ErrWeights, c.cfg.Name, w.Shape, c.kh, c.kw, c.cfg.Filters)
	}
	if c.built() && c.inChan() != w.Shape[2] {
		return fmt.Errorf("%w: Conv2D %s kernel input channels %d, built with %d", ErrWeights, c.cfg.Name, w.Shape[2], c.inChan())
	}
	if !c.cfg.NoBias {
		if b := ws[1]; b.Rank() != 1 || b.Shape[0] != c.cfg.Filters {
			return fmt.Errorf("%w: Conv2D %s bias shape %v, want [%d]", ErrWeights, c.cfg.Name, b.Shape, c.cfg.Filters)
		}
		c.B = ws[1].Clone()
	}
	c.W = w.Clone()
	return nil
}

func (c *Conv2D) Build(in [][]int) error {
	if c.built() {
		return nil
	}
	s, err := singleInput(KindConv2D, in)
	if err != nil {
		return err
	}
	if len(s) != 3 {
		return fmt.Errorf("%w: Conv2D expects [h w c] input, got %v", ErrShape, s)
	}
	inChan := s[2]
	fanIn := c.kh * c.kw * inChan
	fanOut := c.kh * c.kw * c.cfg.Filters
	c.W = glorotUniform(fanIn, fanOut, c.kh, c.kw, inChan, c.cfg.Filters)
	if !c.cfg.NoBias {
		c.B = tensor.New(c.cfg.Filters)
	}
	return nil
}

// GetOutputShape returns the output dimensions for given input dimensions.
func (c *Conv2D) GetOutputShape(inH, inW int) (outH, outW int) {
	return (inH-c.kh)/c.sh + 1, (inW-c.kw)/c.sw + 1
}

func (c *Conv2D) OutputShape(in [][]int) ([]int, error) {
	s, err := singleInput(KindConv2D, in)
	if err != nil {
		return nil, err
	}
	if len(s) != 3 {
		return nil, fmt.Errorf("%w: Conv2D expects [h w c] input, got %v", ErrShape, s)
	}
	if c.built() && s[2] != c.inChan() {
		return nil, fmt.Errorf("%w: Conv2D %s expects %d input channels, got shape %v", ErrShape, c.cfg.Name, c.inChan(), s)
	}
	if s[0] < c.kh || s[1] < c.kw {
		return nil, fmt.Errorf("%w: Conv2D %s kernel %dx%d larger than input %v", ErrShape, c.cfg.Name, c.kh, c.kw, s)
	}
	oh, ow := c.GetOutputShape(s[0], s[1])
	return []int{oh, ow, c.cfg.Filters}, nil
}

// Forward performs the convolution on a [batch, h, w, c] input.
func (c *Conv2D) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: Conv2D expects 1 input, got %d", ErrType, len(inputs))
	}
	input := inputs[0]
	if err := checkBatch(KindConv2D, input, 4); err != nil {
		return nil, err
	}
	if !c.built() {
		return nil, fmt.Errorf("Conv2D %s: forward before build", c.cfg.Name)
	}
	batchSize, height, width, inChan := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if inChan != c.inChan() {
		return nil, fmt.Errorf("%w: Conv2D %s expects %d input channels, got %d", ErrShape, c.cfg.Name, c.inChan(), inChan)
	}
	filters := c.cfg.Filters
	outHeight, outWidth := c.GetOutputShape(height, width)
	output := tensor.New(batchSize, outHeight, outWidth, filters)

	for b := 0; b < batchSize; b++ {
		for y := 0; y < outHeight; y++ {
			for x := 0; x < outWidth; x++ {
				for oc := 0; oc < filters; oc++ {
					sum := 0.0
					if !c.cfg.NoBias {
						sum = c.B.Data[oc]
					}
					for dy := 0; dy < c.kh; dy++ {
						iy := y*c.sh + dy
						for dx := 0; dx < c.kw; dx++ {
							ix := x*c.sw + dx
							inBase := ((b*height+iy)*width + ix) * inChan
							wBase := (dy*c.kw + dx) * inChan * filters
							for ic := 0; ic < inChan; ic++ {
								sum += input.Data[inBase+ic] * c.W.Data[wBase+ic*filters+oc]
							}
						}
					}
					outIdx := ((b*outHeight+y)*outWidth+x)*filters + oc
					output.Data[outIdx] = sum
				}
			}
		}
	}
	return applyActivation(c.cfg.Activation, output), nil
}

func (c *Conv2D) Tag() string {
	in := "?"
	if c.built() {
		in = fmt.Sprint(c.inChan())
	}
	return fmt.Sprintf("Conv2D_%s_%d_%d_%d", in, c.cfg.Filters, c.kh, c.kw)
}
