// Package layer implements the Layer capability set (forward, parameters,
// zeroGradients, serialize, deserialize), dispatched via interface rather
// than an inheritance chain, plus the Backward extension every layer needs
// to supply its own VJP, since this module binds to go/neuro's static
// forward/backward pair rather than a dynamic autograd tape.
package layer

import "github.com/layerparallel/braidnet/internal/tensor"

// Layer is the polymorphic unit the ResNet bridge steps through time;
// ResidualLayer and IdentityLayer implement it. The RNN Cell is a separate
// type driven through its own Step and does not implement Layer.
type Layer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor

	// Backward runs the reverse-mode VJP of the last Forward call, using
	// gradOutput as the cotangent. It returns the gradient with respect to
	// the input and accumulates parameter gradients onto the layer's own
	// Gradients() slice as a side effect, mirroring the tensor framework's
	// .grad attribute behavior that the original binds against.
	Backward(gradOutput *tensor.Tensor) *tensor.Tensor

	Parameters() []*tensor.Tensor
	Gradients() []*tensor.Tensor
	ZeroGradients()

	Serialize() ([]byte, error)
	Deserialize([]byte) error

	Name() string

	// Clone returns a structurally identical, independently mutable layer of
	// the same variant, used to materialize a ghost/received layer before
	// Deserialize populates its weights.
	Clone() Layer
}

// Factory builds layer i of n, used by LayerParallel construction to
// instantiate each rank's local layers.
type Factory func(index int) Layer
