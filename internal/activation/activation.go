// Package activation provides the pointwise nonlinearities used by the
// ResNet step function and the recurrent cell gates.
package activation

import (
	"math"

	"github.com/layerparallel/braidnet/internal/tensor"
)

type Activation interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor, cache *tensor.Tensor) *tensor.Tensor
	Name() string
}

type ReLU struct{}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(x *tensor.Tensor) *tensor.Tensor {
	return x.Apply(func(v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func (r *ReLU) Backward(grad, cache *tensor.Tensor) *tensor.Tensor {
	result := grad.Copy()
	for i := range result.Data {
		if cache.Data[i] <= 0 {
			result.Data[i] = 0
		}
	}
	return result
}

func (r *ReLU) Name() string { return "ReLU" }

type Tanh struct{}

func NewTanh() *Tanh { return &Tanh{} }

func (t *Tanh) Forward(x *tensor.Tensor) *tensor.Tensor {
	return x.Apply(math.Tanh)
}

func (t *Tanh) Backward(grad, cache *tensor.Tensor) *tensor.Tensor {
	result := grad.Copy()
	for i := range result.Data {
		th := cache.Data[i] // cache already holds the tanh output
		result.Data[i] *= 1 - th*th
	}
	return result
}

func (t *Tanh) Name() string { return "Tanh" }

type Sigmoid struct{}

func NewSigmoid() *Sigmoid { return &Sigmoid{} }

func (s *Sigmoid) Forward(x *tensor.Tensor) *tensor.Tensor {
	return x.Apply(func(v float64) float64 {
		return 1.0 / (1.0 + math.Exp(-v))
	})
}

func (s *Sigmoid) Backward(grad, cache *tensor.Tensor) *tensor.Tensor {
	result := grad.Copy()
	for i := range result.Data {
		sig := cache.Data[i]
		result.Data[i] *= sig * (1 - sig)
	}
	return result
}

func (s *Sigmoid) Name() string { return "Sigmoid" }
