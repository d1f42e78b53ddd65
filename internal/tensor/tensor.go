// Package tensor implements the dense float64 tensor type shared by every
// layer model and BraidVector in the bridge. It is the Go analog of the
// torch.Tensor surface torchbraid binds against.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a row-major dense array with an explicit shape and strides.
type Tensor struct {
	Data    []float64
	Shape   []int
	Strides []int
}

func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return &Tensor{
		Data:    make([]float64, size),
		Shape:   shape,
		Strides: strides,
	}
}

func FromData(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	copy(t.Data, data)
	return t
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

func (t *Tensor) Get(indices ...int) float64 {
	return t.Data[t.index(indices...)]
}

func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.index(indices...)] = value
}

func (t *Tensor) index(indices ...int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of bounds [0, %d)", v, t.Shape[i]))
		}
		idx += v * t.Strides[i]
	}
	return idx
}

func (t *Tensor) Reshape(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	if size != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d into shape %v", len(t.Data), shape))
	}
	return FromData(t.Data, shape...)
}

func (t *Tensor) Copy() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Data:    data,
		Shape:   append([]int{}, t.Shape...),
		Strides: append([]int{}, t.Strides...),
	}
}

func shapeEqual(a, b []int) bool {
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

func (t *Tensor) Add(other *Tensor) *Tensor {
	if shapeEqual(t.Shape, other.Shape) {
		result := t.Copy()
		floats.Add(result.Data, other.Data)
		return result
	}
	if len(other.Shape) == 1 && other.Shape[0] == 1 {
		result := t.Copy()
		floats.AddConst(other.Data[0], result.Data)
		return result
	}
	panic(fmt.Sprintf("tensor: shapes must match or be broadcastable for addition: %v and %v", t.Shape, other.Shape))
}

func (t *Tensor) Sub(other *Tensor) *Tensor {
	if shapeEqual(t.Shape, other.Shape) {
		result := t.Copy()
		floats.Sub(result.Data, other.Data)
		return result
	}
	panic(fmt.Sprintf("tensor: shapes must match for subtraction: %v and %v", t.Shape, other.Shape))
}

func (t *Tensor) Mul(other *Tensor) *Tensor {
	if shapeEqual(t.Shape, other.Shape) {
		result := t.Copy()
		floats.Mul(result.Data, other.Data)
		return result
	}
	if len(other.Shape) == 1 && other.Shape[0] == 1 {
		result := t.Copy()
		floats.Scale(other.Data[0], result.Data)
		return result
	}
	panic(fmt.Sprintf("tensor: shapes must match or be broadcastable for multiplication: %v and %v", t.Shape, other.Shape))
}

func (t *Tensor) Scale(scalar float64) *Tensor {
	result := t.Copy()
	floats.Scale(scalar, result.Data)
	return result
}

// MatMul supports 2D matrices and batched 3D tensors of shape (batch, m, n).
func (t *Tensor) MatMul(other *Tensor) *Tensor {
	if len(t.Shape) == 2 && len(other.Shape) == 2 {
		if t.Shape[1] != other.Shape[0] {
			panic(fmt.Sprintf("tensor: incompatible shapes for matmul: %v and %v", t.Shape, other.Shape))
		}
		m, k, n := t.Shape[0], t.Shape[1], other.Shape[1]
		a := mat.NewDense(m, k, t.Data)
		b := mat.NewDense(k, n, other.Data)
		c := mat.NewDense(m, n, nil)
		c.Mul(a, b)
		result := New(m, n)
		copy(result.Data, c.RawMatrix().Data)
		return result
	}
	if len(t.Shape) == 3 && len(other.Shape) == 2 {
		if t.Shape[2] != other.Shape[0] {
			panic(fmt.Sprintf("tensor: incompatible shapes for batch matmul: %v and %v", t.Shape, other.Shape))
		}
		batch, m, n, p := t.Shape[0], t.Shape[1], t.Shape[2], other.Shape[1]
		result := New(batch, m, p)
		bMat := mat.NewDense(n, p, other.Data)
		for b := 0; b < batch; b++ {
			start := b * m * n
			aMat := mat.NewDense(m, n, t.Data[start:start+m*n])
			cMat := mat.NewDense(m, p, nil)
			cMat.Mul(aMat, bMat)
			outStart := b * m * p
			copy(result.Data[outStart:outStart+m*p], cMat.RawMatrix().Data)
		}
		return result
	}
	panic(fmt.Sprintf("tensor: matmul requires 2D or batched-3D tensors, got %v and %v", t.Shape, other.Shape))
}

func (t *Tensor) Transpose() *Tensor {
	if len(t.Shape) != 2 {
		panic("tensor: transpose only supported for 2D tensors")
	}
	m := mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
	transposed := mat.DenseCopyOf(m.T())
	result := New(t.Shape[1], t.Shape[0])
	copy(result.Data, transposed.RawMatrix().Data)
	return result
}

func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

func (t *Tensor) Mean() float64 {
	return t.Sum() / float64(len(t.Data))
}

// Norm returns the L2 norm, used as BraidVector spatialNorm (spec C2).
func (t *Tensor) Norm() float64 {
	return math.Sqrt(floats.Dot(t.Data, t.Data))
}

func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	result := t.Copy()
	for i := range result.Data {
		result.Data[i] = fn(result.Data[i])
	}
	return result
}

func Zeros(shape ...int) *Tensor {
	return New(shape...)
}

func Ones(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

func Random(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rand.NormFloat64()
	}
	return t
}

// XavierInit applies He-scaled normal initialization, fanIn = shape[0].
func XavierInit(shape ...int) *Tensor {
	t := New(shape...)
	fanIn := float64(shape[0])
	scale := math.Sqrt(2.0 / fanIn)
	for i := range t.Data {
		t.Data[i] = rand.NormFloat64() * scale
	}
	return t
}
