package tensor

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a simple n-D array backed by a flat []float64 in row-major order.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a Tensor of given shape (product of dims = len(Data)).
func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, Volume(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewWithData creates a 1-D tensor from existing data slice.
func NewWithData(data []float64) *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: []int{len(data)},
	}
}

// FromData copies data into a tensor of the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != Volume(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: append([]int(nil), shape...),
	}, nil
}

// Arange returns a tensor of the given shape filled with 0, 1, 2, ...
func Arange(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float64(i)
	}
	return t
}

// Volume is the number of scalars held by a tensor of the given shape.
func Volume(shape []int) int {
	total := 1
	for _, d := range shape {
		total *= d
	}
	return total
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Reshape returns a copy of t with a new shape of the same volume.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Volume(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), shape...),
	}, nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have the same shape and bit-identical data.
func Equal(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !SameShape(a.Shape, b.Shape) {
		return false
	}
	return floats.Equal(a.Data, b.Data)
}

// AllClose reports whether a and b have the same shape and every element
// agrees within tol (absolute or relative).
func AllClose(a, b *Tensor, tol float64) bool {
	if !SameShape(a.Shape, b.Shape) {
		return false
	}
	return floats.EqualApprox(a.Data, b.Data, tol)
}

// Add returns a+b (same shape), or error if shapes differ.
func Add(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float64) float64 { return x + y })
}

// Mul returns the element-wise product a*b.
func Mul(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float64) float64 { return x * y })
}

// Max returns the element-wise maximum of a and b.
func Max(a, b *Tensor) (*Tensor, error) {
	return zip(a, b, func(x, y float64) float64 {
		if x > y {
			return x
		}
		return y
	})
}

// Scale returns s*a.
func Scale(s float64, a *Tensor) *Tensor {
	out := a.Clone()
	floats.Scale(s, out.Data)
	return out
}

func zip(a, b *Tensor, fn func(x, y float64) float64) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = fn(a.Data[i], b.Data[i])
	}
	return out, nil
}

// MatMul returns a×b (2-D only), or error if dims mismatch.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	r, k := a.Shape[0], a.Shape[1]
	k2, c := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", k, k2)
	}
	out := New(r, c)
	dst := mat.NewDense(r, c, out.Data)
	dst.Mul(mat.NewDense(r, k, a.Data), mat.NewDense(k2, c, b.Data))
	return out, nil
}

// ReluPlain applies ReLU to each element in a, returns new Tensor.
func ReluPlain(a *Tensor) *Tensor {
	out := New(a.Shape...)
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

// Strides returns the row-major strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// NormalizeAxis resolves a possibly negative axis against rank.
func NormalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// Delete returns a copy of t with the given indices removed along axis.
// Negative axes count from the end. Duplicate indices are ignored.
func Delete(t *Tensor, axis int, indices []int) (*Tensor, error) {
	ax, err := NormalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, err
	}
	dim := t.Shape[ax]
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= dim {
			return nil, fmt.Errorf("index %d out of bounds for axis %d of size %d", i, ax, dim)
		}
		drop[i] = true
	}
	keep := make([]int, 0, dim-len(drop))
	for i := 0; i < dim; i++ {
		if !drop[i] {
			keep = append(keep, i)
		}
	}
	return Take(t, ax, keep)
}

// Take returns a copy of t keeping only the given indices along axis, in order.
func Take(t *Tensor, axis int, keep []int) (*Tensor, error) {
	ax, err := NormalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, err
	}
	outer := Volume(t.Shape[:ax])
	inner := Volume(t.Shape[ax+1:])
	dim := t.Shape[ax]

	shape := append([]int(nil), t.Shape...)
	shape[ax] = len(keep)
	out := New(shape...)

	pos := 0
	for o := 0; o < outer; o++ {
		base := o * dim * inner
		for _, k := range keep {
			if k < 0 || k >= dim {
				return nil, fmt.Errorf("index %d out of bounds for axis %d of size %d", k, ax, dim)
			}
			copy(out.Data[pos:pos+inner], t.Data[base+k*inner:base+(k+1)*inner])
			pos += inner
		}
	}
	return out, nil
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	ax, err := NormalizeAxis(axis, len(ts[0].Shape))
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), ts[0].Shape...)
	shape[ax] = 0
	for _, t := range ts {
		if len(t.Shape) != len(shape) {
			return nil, fmt.Errorf("rank mismatch: %v vs %v", ts[0].Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != ax && t.Shape[i] != ts[0].Shape[i] {
				return nil, fmt.Errorf("shape mismatch on axis %d: %v vs %v", i, ts[0].Shape, t.Shape)
			}
		}
		shape[ax] += t.Shape[ax]
	}
	out := New(shape...)
	outer := Volume(shape[:ax])
	inner := Volume(shape[ax+1:])
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			n := t.Shape[ax] * inner
			copy(out.Data[pos:pos+n], t.Data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out, nil
}

// SortedUnique returns the sorted, de-duplicated copy of idx.
func SortedUnique(idx []int) []int {
	out := append([]int(nil), idx...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.offset("Set", indices)] = value
}

func (t *Tensor) offset(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
