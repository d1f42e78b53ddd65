package resnetapp

import (
	"log/slog"
	"runtime/debug"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/vector"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// BackwardApp runs the multigrid driver in reverse rank order over the
// adjoint, computing a VJP per step via the forward layer's own Backward and
// harvesting per-layer parameter gradients after the solve. Ported from
// torchbraid's BackwardResNetApp.
type BackwardApp struct {
	Fwd *ForwardApp
	Log *slog.Logger

	// Grads is the parameter-gradient ledger populated by Run. It is only
	// valid between the start and end of a single backward call.
	Grads vector.Ledger

	// Failed is set when a step or run panicked and was swallowed, so the
	// caller can tell a zero gradient apart from a real one.
	Failed bool
}

// NewBackwardApp builds the BackwardApp reusing fwd's communicator, step
// count, and times.
func NewBackwardApp(fwd *ForwardApp, log *slog.Logger) *BackwardApp {
	if log == nil {
		log = slog.Default()
	}
	return &BackwardApp{Fwd: fwd, Log: log}
}

func (b *BackwardApp) Comm() *comm.Communicator { return b.Fwd.Comm }

// NewCore builds the xbraid.Core this BackwardApp drives, with RevertedRanks
// forced on, over the same time grid as the forward app.
func (b *BackwardApp) NewCore(opts xbraid.Options) (*xbraid.Core, error) {
	opts.RevertedRanks = true
	n := b.Fwd.localSteps * b.Fwd.Comm.Size()
	return xbraid.NewCore(b, b.Fwd.Comm, 0, b.Fwd.Tf, n, opts)
}

// ---- xbraid.App implementation ----

func (b *BackwardApp) Init(t float64) *vector.Vector {
	return vector.New(tensor.Zeros(shapeOrDefault(b.Fwd.shapes)...))
}

func (b *BackwardApp) Clone(v *vector.Vector) *vector.Vector { return v.Clone() }
func (b *BackwardApp) Free(v *vector.Vector)                 { v.Free() }
func (b *BackwardApp) Sum(alpha float64, v *vector.Vector, beta float64, w *vector.Vector) {
	vector.Sum(alpha, v, beta, w)
}
func (b *BackwardApp) SpatialNorm(v *vector.Vector) float64               { return v.SpatialNorm() }
func (b *BackwardApp) Access(v *vector.Vector, status xbraid.AccessStatus) {}

func (b *BackwardApp) BufSize() int {
	return shapeSize(shapeOrDefault(b.Fwd.shapes))
}

func (b *BackwardApp) BufPack(v *vector.Vector, buf []float64) { v.Pack(buf) }
func (b *BackwardApp) BufUnpack(buf []float64) *vector.Vector {
	return vector.Unpack(buf, b.Fwd.shapes)
}

// Step evaluates the adjoint for one time step: recompute the primal via
// ForwardApp.PrimalWithGrad, run the layer's VJP with wIn as cotangent, and
// write the input gradient into wOut. Panics are caught and logged; the
// solve proceeds with whatever state exists.
func (b *BackwardApp) Step(wIn, wOut *vector.Vector, tstart, tstop float64, level int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.Failed = true
			b.Log.Error("resnetapp: backward step panicked, swallowing",
				"panic", r, "stack", string(debug.Stack()))
			err = nil
			wOut.Tensors = wIn.Tensors
		}
	}()

	_, _, l, perr := b.Fwd.PrimalWithGrad(b.Fwd.Tf-tstop, b.Fwd.Tf-tstart, level)
	if perr != nil {
		b.Log.Warn("resnetapp: backward step found no primal, no-op", "err", perr)
		wOut.Tensors = wIn.Tensors
		return nil
	}

	gradX := l.Backward(wIn.Tensors[0])
	wOut.Tensors = []*tensor.Tensor{gradX}
	return nil
}

// Run invokes core.Drive(w) and then harvests per-layer parameter gradients
// into the ledger. first is the rank==0 ? 0 : 1 offset that drops the
// duplicate layer reverted-rank addressing introduces at every non-root
// rank.
func (b *BackwardApp) Run(core *xbraid.Core, w *vector.Vector) (result *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.Failed = true
			b.Log.Error("resnetapp: backward run panicked, swallowing", "panic", r, "stack", string(debug.Stack()))
			err = nil
		}
	}()

	out, derr := core.Drive(w)
	if derr != nil {
		return nil, derr
	}

	first := 1
	if b.Fwd.Comm.Rank() == 0 {
		first = 0
	}

	owned := b.Fwd.Layers[:b.Fwd.localSteps]
	ledger := make(vector.Ledger, 0, len(owned))
	for _, l := range owned[first:] {
		if l == nil {
			continue
		}
		params := l.Parameters()
		grads := l.Gradients()
		cells := make([]vector.GradCell, len(params))
		for j, p := range params {
			if j < len(grads) && grads[j] != nil {
				cells[j] = vector.Required(grads[j].Copy())
			} else {
				cells[j] = vector.NotRequired(p.Shape)
			}
		}
		ledger = append(ledger, cells)
		l.ZeroGradients()
	}
	b.Grads = ledger

	if out == nil {
		return nil, nil
	}
	return out.Tensors[0], nil
}
