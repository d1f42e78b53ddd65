package layer

import (
	"encoding/json"
	"fmt"

	"github.com/layerparallel/braidnet/internal/activation"
	"github.com/layerparallel/braidnet/internal/tensor"
)

// ResidualLayer implements a single ResNet time step: y = x + W2*act(W1*x+b1)+b2.
// Layer i of a LayerParallel module is one of these, built by the user's
// Factory.
type ResidualLayer struct {
	Size       int
	Activation activation.Activation

	W1, B1 *tensor.Tensor
	W2, B2 *tensor.Tensor

	gradW1, gradB1 *tensor.Tensor
	gradW2, gradB2 *tensor.Tensor

	cacheX      *tensor.Tensor
	cacheHidden *tensor.Tensor
}

func NewResidualLayer(size int, act activation.Activation) *ResidualLayer {
	if act == nil {
		act = activation.NewReLU()
	}
	return &ResidualLayer{
		Size:       size,
		Activation: act,
		W1:         tensor.XavierInit(size, size),
		B1:         tensor.Zeros(size),
		W2:         tensor.XavierInit(size, size),
		B2:         tensor.Zeros(size),
	}
}

func (r *ResidualLayer) Forward(x *tensor.Tensor) *tensor.Tensor {
	r.cacheX = x.Copy()

	pre := x.MatMul(r.W1)
	pre = addBiasRow(pre, r.B1)

	hidden := r.Activation.Forward(pre)
	r.cacheHidden = hidden.Copy()

	delta := hidden.MatMul(r.W2)
	delta = addBiasRow(delta, r.B2)

	return x.Add(delta)
}

func (r *ResidualLayer) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	batch := gradOutput.Shape[0]

	r.gradW2 = r.cacheHidden.Transpose().MatMul(gradOutput)
	r.gradB2 = sumRows(gradOutput, batch, r.Size)

	gradHidden := gradOutput.MatMul(r.W2.Transpose())
	gradPre := r.Activation.Backward(gradHidden, r.cacheHidden)

	r.gradW1 = r.cacheX.Transpose().MatMul(gradPre)
	r.gradB1 = sumRows(gradPre, batch, r.Size)

	gradX := gradPre.MatMul(r.W1.Transpose())
	return gradOutput.Add(gradX)
}

func (r *ResidualLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{r.W1, r.B1, r.W2, r.B2}
}

func (r *ResidualLayer) Gradients() []*tensor.Tensor {
	return []*tensor.Tensor{r.gradW1, r.gradB1, r.gradW2, r.gradB2}
}

func (r *ResidualLayer) ZeroGradients() {
	r.gradW1, r.gradB1, r.gradW2, r.gradB2 = nil, nil, nil, nil
}

func (r *ResidualLayer) Name() string {
	return fmt.Sprintf("ResidualLayer(%d)", r.Size)
}

// Clone builds a fresh ResidualLayer of the same size/activation with no
// weights populated yet, ready for Deserialize.
func (r *ResidualLayer) Clone() Layer {
	return &ResidualLayer{Size: r.Size, Activation: r.Activation}
}

func (r *ResidualLayer) Serialize() ([]byte, error) {
	wire := struct {
		Size int       `json:"size"`
		W1   []float64 `json:"w1"`
		B1   []float64 `json:"b1"`
		W2   []float64 `json:"w2"`
		B2   []float64 `json:"b2"`
	}{
		Size: r.Size,
		W1:   r.W1.Data,
		B1:   r.B1.Data,
		W2:   r.W2.Data,
		B2:   r.B2.Data,
	}
	return json.Marshal(wire)
}

func (r *ResidualLayer) Deserialize(data []byte) error {
	var wire struct {
		Size int       `json:"size"`
		W1   []float64 `json:"w1"`
		B1   []float64 `json:"b1"`
		W2   []float64 `json:"w2"`
		B2   []float64 `json:"b2"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("layer: deserialize residual layer: %w", err)
	}
	r.Size = wire.Size
	r.W1 = tensor.FromData(wire.W1, wire.Size, wire.Size)
	r.B1 = tensor.FromData(wire.B1, wire.Size)
	r.W2 = tensor.FromData(wire.W2, wire.Size, wire.Size)
	r.B2 = tensor.FromData(wire.B2, wire.Size)
	return nil
}

func addBiasRow(t *tensor.Tensor, bias *tensor.Tensor) *tensor.Tensor {
	result := t.Copy()
	rows, cols := t.Shape[0], t.Shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[i*cols+j] += bias.Data[j]
		}
	}
	return result
}

func sumRows(t *tensor.Tensor, rows, cols int) *tensor.Tensor {
	result := tensor.Zeros(cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j] += t.Data[i*cols+j]
		}
	}
	return result
}

// IdentityLayer is the pure residual-skip variant used by deterministic
// end-to-end tests: forward is the identity map, backward passes the
// cotangent straight through, and it carries no trainable parameters.
type IdentityLayer struct {
	Size int
}

func NewIdentityLayer(size int) *IdentityLayer {
	return &IdentityLayer{Size: size}
}

func (id *IdentityLayer) Forward(x *tensor.Tensor) *tensor.Tensor { return x.Copy() }

func (id *IdentityLayer) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	return gradOutput.Copy()
}

func (id *IdentityLayer) Parameters() []*tensor.Tensor { return nil }
func (id *IdentityLayer) Gradients() []*tensor.Tensor  { return nil }
func (id *IdentityLayer) ZeroGradients()               {}
func (id *IdentityLayer) Name() string                 { return fmt.Sprintf("IdentityLayer(%d)", id.Size) }
func (id *IdentityLayer) Clone() Layer                 { return &IdentityLayer{Size: id.Size} }

func (id *IdentityLayer) Serialize() ([]byte, error) {
	return json.Marshal(struct {
		Size int `json:"size"`
	}{Size: id.Size})
}

func (id *IdentityLayer) Deserialize(data []byte) error {
	var wire struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("layer: deserialize identity layer: %w", err)
	}
	id.Size = wire.Size
	return nil
}
