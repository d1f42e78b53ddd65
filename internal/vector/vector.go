// Package vector implements BraidVector, the unit of state the multigrid
// driver clones, sums, packs, and ships between ranks, plus the
// SerializationBuffer used to flatten the parameter-gradient ledger for the
// cross-rank all-reduce.
package vector

import (
	"math"

	"github.com/layerparallel/braidnet/internal/tensor"
)

// Vector is a BraidVector: an ordered list of component tensors plus the
// bookkeeping the forward/backward apps attach to it as it crosses rank
// boundaries.
type Vector struct {
	Tensors []*tensor.Tensor
	Level   int

	// LayerData is the serialized step-defining layer attached by
	// ForwardApp.Step so a neighboring rank can deserialize and install it.
	LayerData []byte

	// SendFlag marks that this vector was received from another rank and
	// still carries a layer that must be installed before the next step.
	SendFlag bool
}

func New(tensors ...*tensor.Tensor) *Vector {
	return &Vector{Tensors: tensors}
}

// Clone deep-copies every component tensor; mutating the clone must never
// mutate the original. The clone's SendFlag is false: it was not received.
func (v *Vector) Clone() *Vector {
	clone := &Vector{
		Level: v.Level,
	}
	clone.Tensors = make([]*tensor.Tensor, len(v.Tensors))
	for i, t := range v.Tensors {
		clone.Tensors[i] = t.Copy()
	}
	if v.LayerData != nil {
		clone.LayerData = append([]byte{}, v.LayerData...)
	}
	return clone
}

// Free drops the vector's tensor and layer-data references.
func (v *Vector) Free() {
	v.Tensors = nil
	v.LayerData = nil
}

// Sum computes w <- alpha*v + beta*w in place across every component tensor.
func Sum(alpha float64, v *Vector, beta float64, w *Vector) {
	for i := range w.Tensors {
		scaledV := v.Tensors[i].Scale(alpha)
		scaledW := w.Tensors[i].Scale(beta)
		w.Tensors[i] = scaledV.Add(scaledW)
	}
}

// SpatialNorm is the L2 norm across all component tensors.
func (v *Vector) SpatialNorm() float64 {
	sumSquares := 0.0
	for _, t := range v.Tensors {
		n := t.Norm()
		sumSquares += n * n
	}
	return math.Sqrt(sumSquares)
}

// Equal reports element-wise equality of every component tensor.
func (v *Vector) Equal(other *Vector) bool {
	if len(v.Tensors) != len(other.Tensors) {
		return false
	}
	for i, t := range v.Tensors {
		o := other.Tensors[i]
		if len(t.Data) != len(o.Data) {
			return false
		}
		for j := range t.Data {
			if t.Data[j] != o.Data[j] {
				return false
			}
		}
	}
	return true
}

// BufSize returns the fixed pack size for a vector of this shape.
func (v *Vector) BufSize() int {
	n := 0
	for _, t := range v.Tensors {
		n += t.Size()
	}
	return n
}

// Pack marshals the vector's tensors into buf.
func (v *Vector) Pack(buf []float64) {
	offset := 0
	for _, t := range v.Tensors {
		copy(buf[offset:offset+t.Size()], t.Data)
		offset += t.Size()
	}
}

// Unpack reconstructs a vector from buf given the shapes of a template
// vector.
func Unpack(buf []float64, shapes [][]int) *Vector {
	v := &Vector{Tensors: make([]*tensor.Tensor, len(shapes))}
	offset := 0
	for i, shape := range shapes {
		size := 1
		for _, s := range shape {
			size *= s
		}
		v.Tensors[i] = tensor.FromData(buf[offset:offset+size], shape...)
		offset += size
	}
	return v
}
