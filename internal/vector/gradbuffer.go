package vector

import (
	"gonum.org/v1/gonum/floats"

	"github.com/layerparallel/braidnet/internal/tensor"
)

// GradCell is one entry of the nested parameter-gradient ledger: either a
// cloned gradient tensor, or the not-required sentinel when the
// corresponding parameter never accumulated a gradient on this solve. The
// sentinel still packs a zero tensor of the parameter's shape rather than
// being skipped on the wire, trading a fixed layout for every rank over the
// variable-length one a strict skip would need (see DESIGN.md).
type GradCell struct {
	Tensor   *tensor.Tensor
	Required bool
}

func Required(t *tensor.Tensor) GradCell { return GradCell{Tensor: t, Required: true} }
func NotRequired(shape []int) GradCell   { return GradCell{Tensor: tensor.Zeros(shape...), Required: false} }

// Ledger is the outer list of local layers, inner list of each layer's
// parameter gradients.
type Ledger [][]GradCell

// BufferSize is the flat element count of the ledger. Callers that all-reduce
// a ledger across ranks must not assume this is the same on every rank: the
// reverted-rank harvest in resnetapp.BackwardApp.Run gives rank 0 one more
// owned layer than every other rank.
func (l Ledger) BufferSize() int {
	n := 0
	for _, layer := range l {
		for _, cell := range layer {
			n += cell.Tensor.Size()
		}
	}
	return n
}

// Pack flattens the ledger into buf using gonum for the per-cell copy,
// matching the tensor package's own use of gonum/floats.
func (l Ledger) Pack(buf []float64) {
	offset := 0
	for _, layer := range l {
		for _, cell := range layer {
			floats.AddScaled(buf[offset:offset+cell.Tensor.Size()], 1, cell.Tensor.Data)
			offset += cell.Tensor.Size()
		}
	}
}

// UnpackLedger rebuilds a ledger with the shapes of template, copying flat
// values out of buf back into per-tensor gradients.
func UnpackLedger(buf []float64, template Ledger) Ledger {
	out := make(Ledger, len(template))
	offset := 0
	for i, layer := range template {
		out[i] = make([]GradCell, len(layer))
		for j, cell := range layer {
			size := cell.Tensor.Size()
			out[i][j] = GradCell{
				Tensor:   tensor.FromData(buf[offset:offset+size], cell.Tensor.Shape...),
				Required: cell.Required,
			}
			offset += size
		}
	}
	return out
}
