// Package rnnapp implements the RNN variant of ForwardApp: the multigrid
// "vector" is a (hidden, cell) pair and each rank steps a shared LSTM cell
// over its local input chunk, ported from torchbraid's rnn_apps.py
// ForwardBraidApp. The RNN adjoint is left unimplemented, since the
// original ships BackwardBraidApp entirely commented out; BackwardApp
// exists as a typed stub so callers get a discoverable error instead of
// silently wrong gradients.
package rnnapp

import (
	"errors"
	"log/slog"
	"math"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/vector"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// ForwardApp's vector is (h, c); the rank's input slice drives the step
// operator instead of a per-step layer list.
type ForwardApp struct {
	Comm *comm.Communicator
	Log  *slog.Logger
	Cell *layer.Cell

	// XLocal is this rank's input chunk, shape (batch, localSeqLen,
	// inputSize), scattered/broadcast before Drive.
	XLocal *tensor.Tensor

	HiddenSize int
	Tf         float64
	localSteps int
	dt0        float64

	hiddenShape []int
}

// NewForwardApp builds the RNN ForwardApp for one rank's input chunk.
func NewForwardApp(c *comm.Communicator, cell *layer.Cell, xLocal *tensor.Tensor, tf float64, log *slog.Logger) *ForwardApp {
	if log == nil {
		log = slog.Default()
	}
	localSteps := xLocal.Shape[1]
	batch := xLocal.Shape[0]
	return &ForwardApp{
		Comm:        c,
		Log:         log,
		Cell:        cell,
		XLocal:      xLocal,
		HiddenSize:  cell.HiddenSize,
		Tf:          tf,
		localSteps:  localSteps,
		dt0:         tf / float64(localSteps*c.Size()),
		hiddenShape: []int{batch, cell.HiddenSize},
	}
}

func (a *ForwardApp) localIndex(tstart float64) int {
	rank := a.Comm.Rank()
	const eps = 1e-9
	globalIdx := int(math.Floor(tstart/a.dt0 + eps))
	idx := globalIdx - rank*a.localSteps
	if idx < 0 || idx >= a.localSteps {
		return -1
	}
	return idx
}

func extractTimestep(x *tensor.Tensor, t int) *tensor.Tensor {
	batch, seqLen, inputSize := x.Shape[0], x.Shape[1], x.Shape[2]
	out := tensor.Zeros(batch, inputSize)
	for b := 0; b < batch; b++ {
		for f := 0; f < inputSize; f++ {
			out.Data[b*inputSize+f] = x.Data[b*seqLen*inputSize+t*inputSize+f]
		}
	}
	return out
}

// ---- xbraid.App implementation ----

func (a *ForwardApp) Init(t float64) *vector.Vector {
	return vector.New(tensor.Zeros(a.hiddenShape...), tensor.Zeros(a.hiddenShape...))
}

func (a *ForwardApp) Clone(v *vector.Vector) *vector.Vector { return v.Clone() }
func (a *ForwardApp) Free(v *vector.Vector)                 { v.Free() }
func (a *ForwardApp) Sum(alpha float64, v *vector.Vector, beta float64, w *vector.Vector) {
	vector.Sum(alpha, v, beta, w)
}
func (a *ForwardApp) SpatialNorm(v *vector.Vector) float64 { return v.SpatialNorm() }

// Access is a no-op; the caller-visible final hidden/cell state is simply
// the returned vector from Drive.
func (a *ForwardApp) Access(v *vector.Vector, status xbraid.AccessStatus) {}

func (a *ForwardApp) BufSize() int {
	return a.hiddenShape[0]*a.hiddenShape[1]*2
}

func (a *ForwardApp) BufPack(v *vector.Vector, buf []float64) { v.Pack(buf) }
func (a *ForwardApp) BufUnpack(buf []float64) *vector.Vector {
	return vector.Unpack(buf, [][]int{a.hiddenShape, a.hiddenShape})
}

// Step computes (h', c') = cell(x_local[:, idx:idx+1, :], h, c).
func (a *ForwardApp) Step(vIn, vOut *vector.Vector, tstart, tstop float64, level int) error {
	idx := a.localIndex(tstart)
	if idx < 0 {
		a.Log.Warn("rnnapp: local time index out of range, no-op",
			"rank", a.Comm.Rank(), "tstart", tstart, "tstop", tstop, "level", level)
		vOut.Tensors = vIn.Tensors
		return nil
	}

	x := extractTimestep(a.XLocal, idx)
	h, c := vIn.Tensors[0], vIn.Tensors[1]
	hNext, cNext := a.Cell.Step(x, h, c)
	vOut.Tensors = []*tensor.Tensor{hNext, cNext}
	return nil
}

// Run executes the forward solve: h0/c0 are supplied only by the rank
// owning time 0.
func (a *ForwardApp) Run(core *xbraid.Core, h0, c0 *tensor.Tensor) (h, c *tensor.Tensor, err error) {
	var v *vector.Vector
	if h0 != nil {
		v = vector.New(h0, c0)
	}
	out, derr := core.Drive(v)
	if derr != nil {
		return nil, nil, derr
	}
	if out == nil {
		return nil, nil, nil
	}
	return out.Tensors[0], out.Tensors[1], nil
}

// NewCore builds the xbraid.Core this ForwardApp drives, with FinalRelax set
// in its options. xbraid.Core stores the flag but its drive loops do not
// read it: Access is called at every fine-level step of every sweep.
func (a *ForwardApp) NewCore(opts xbraid.Options) (*xbraid.Core, error) {
	opts.FinalRelax = true
	n := a.localSteps * a.Comm.Size()
	return xbraid.NewCore(a, a.Comm, 0, a.Tf, n, opts)
}

// ErrNotImplemented is returned by every BackwardApp operation: the RNN
// adjoint is left out of this release rather than guessing at an
// unreviewed implementation.
var ErrNotImplemented = errors.New("rnnapp: RNN backward is not implemented in this release")

// BackwardApp is a typed stub: the original ships BackwardBraidApp entirely
// commented out in torchbraid/rnn_apps.py, and RNN training is treated as
// out of scope here for the same reason.
type BackwardApp struct {
	Fwd *ForwardApp
}

func NewBackwardApp(fwd *ForwardApp) *BackwardApp { return &BackwardApp{Fwd: fwd} }

func (b *BackwardApp) Init(t float64) *vector.Vector                                       { return nil }
func (b *BackwardApp) Clone(v *vector.Vector) *vector.Vector                               { return nil }
func (b *BackwardApp) Free(v *vector.Vector)                                               {}
func (b *BackwardApp) Sum(alpha float64, v *vector.Vector, beta float64, w *vector.Vector) {}
func (b *BackwardApp) SpatialNorm(v *vector.Vector) float64                                { return 0 }
func (b *BackwardApp) Access(v *vector.Vector, status xbraid.AccessStatus)                 {}
func (b *BackwardApp) BufSize() int                                                        { return 0 }
func (b *BackwardApp) BufPack(v *vector.Vector, buf []float64)                             {}
func (b *BackwardApp) BufUnpack(buf []float64) *vector.Vector                              { return nil }

func (b *BackwardApp) Step(vIn, vOut *vector.Vector, tstart, tstop float64, level int) error {
	return ErrNotImplemented
}

// Run always fails with ErrNotImplemented.
func (b *BackwardApp) Run(core *xbraid.Core, w *vector.Vector) (*tensor.Tensor, *tensor.Tensor, error) {
	return nil, nil, ErrNotImplemented
}
