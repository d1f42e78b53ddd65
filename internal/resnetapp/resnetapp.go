// Package resnetapp implements ForwardApp/BackwardApp, the ResNet variant of
// the layer-parallel bridge, ported from torchbraid's resnet_apps.py
// ForwardResNetApp/BackwardResNetApp into the xbraid.App callback shape and
// this module's explicit-error-return idiom.
package resnetapp

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/vector"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// ghostExchangeTag is the point-to-point tag used for the construction-time
// and pre-backward left-shift exchange of the boundary layer.
const ghostExchangeTag = 22

// ForwardApp steps by applying the local layer to the tensor, with a ghost
// copy of the neighbor rank's first layer held at index n for the adjoint.
type ForwardApp struct {
	Comm   *comm.Communicator
	Log    *slog.Logger
	Layers []layer.Layer // length n+1: [0..n-1] local, [n] ghost or nil sentinel

	Tf            float64
	localSteps    int
	dt0           float64
	layerDataSize int

	shapes [][]int // registered shape tuple for vectors on this app

	// primalStore holds the forward-pass input tensor at each local index,
	// standing in for braid's retained-storage lookup that
	// getPrimalWithGrad uses (getUVector(0,tstart)) so BackwardApp can
	// recompute the step with gradients enabled.
	primalStore []*tensor.Tensor
}

// NewForwardApp builds the ForwardApp for `layers` and immediately performs
// the left-shift exchange.
func NewForwardApp(c *comm.Communicator, layers []layer.Layer, tf float64, log *slog.Logger) *ForwardApp {
	if log == nil {
		log = slog.Default()
	}
	app := &ForwardApp{
		Comm:       c,
		Log:        log,
		Layers:     append([]layer.Layer{}, layers...),
		Tf:         tf,
		localSteps: len(layers),
		dt0:        tf / float64(len(layers)*c.Size()),
	}
	app.exchangeBoundaryLayer()
	app.computeLayerDataSize()
	app.primalStore = make([]*tensor.Tensor, app.localSteps+1)
	return app
}

// exchangeBoundaryLayer performs the construction-time left-shift: rank r>0
// sends layer[0] to rank r-1; rank r<P-1 receives a ghost into layer[n]; the
// last rank appends a null sentinel.
func (a *ForwardApp) exchangeBoundaryLayer() {
	rank, size := a.Comm.Rank(), a.Comm.Size()

	if rank > 0 {
		data, err := a.Layers[0].Serialize()
		if err != nil {
			a.Log.Error("resnetapp: failed to serialize boundary layer for exchange", "err", err)
		}
		a.Comm.Send(data, rank-1, ghostExchangeTag)
	}
	if rank < size-1 {
		raw := a.Comm.Recv(rank+1, ghostExchangeTag).([]byte)
		ghost := a.Layers[0].Clone()
		if err := ghost.Deserialize(raw); err != nil {
			a.Log.Error("resnetapp: failed to deserialize ghost layer", "err", err)
		}
		a.Layers = append(a.Layers, ghost)
	} else {
		a.Layers = append(a.Layers, nil)
	}
}

func (a *ForwardApp) computeLayerDataSize() {
	a.layerDataSize = 0
	for _, l := range a.Layers {
		if l == nil {
			continue
		}
		data, err := l.Serialize()
		if err != nil {
			continue
		}
		if len(data) > a.layerDataSize {
			a.layerDataSize = len(data)
		}
	}
}

// LayerDataSize is the fixed upper bound that ForwardApp.BufSize adds to
// the tensor size.
func (a *ForwardApp) LayerDataSize() int { return a.layerDataSize }

// RegisterShape records the canonical tensor shape for vectors on this app;
// subsequent allocations must match.
func (a *ForwardApp) RegisterShape(shapes [][]int) { a.shapes = shapes }

// localIndex maps a global start time to this rank's local layer index:
// index = floor(tstart/dt0 + eps) - r*n; an index outside [0, n] returns -1.
// On level>0 the coarse step still spans fine time, so dividing by dt0 (not
// dtℓ) correctly lands on the start of the span.
func (a *ForwardApp) localIndex(tstart float64) int {
	rank := a.Comm.Rank()
	const eps = 1e-9
	globalIdx := int(math.Floor(tstart/a.dt0 + eps))
	idx := globalIdx - rank*a.localSteps
	if idx < 0 || idx > a.localSteps {
		return -1
	}
	return idx
}

// getLayer mirrors resnet_apps.py's getLayer: out-of-range index warns and
// returns nil rather than erroring.
func (a *ForwardApp) getLayer(tstart, tstop float64, level int) layer.Layer {
	idx := a.localIndex(tstart)
	if idx < 0 {
		a.Log.Warn("resnetapp: local time index negative, no-op",
			"rank", a.Comm.Rank(), "tstart", tstart, "tstop", tstop, "level", level)
		return nil
	}
	return a.Layers[idx]
}

// UpdateParallelWeights redoes the left-shift exchange; it must be called
// before each backward solve since parameters may have been updated between
// forward and backward. Calling it twice in a row is a no-op beyond network
// traffic.
func (a *ForwardApp) UpdateParallelWeights() {
	rank, size := a.Comm.Rank(), a.Comm.Size()
	if rank > 0 {
		data, err := a.Layers[0].Serialize()
		if err != nil {
			a.Log.Error("resnetapp: failed to serialize boundary layer on weight update", "err", err)
		}
		a.Comm.Send(data, rank-1, ghostExchangeTag)
	}
	if rank < size-1 {
		raw := a.Comm.Recv(rank+1, ghostExchangeTag).([]byte)
		if a.Layers[a.localSteps] == nil {
			a.Layers[a.localSteps] = a.Layers[0].Clone()
		}
		if err := a.Layers[a.localSteps].Deserialize(raw); err != nil {
			a.Log.Error("resnetapp: failed to deserialize ghost layer on weight update", "err", err)
		}
	}
}

// ---- xbraid.App implementation ----

func (a *ForwardApp) Init(t float64) *vector.Vector {
	v := vector.New(tensor.Zeros(shapeOrDefault(a.shapes)...))
	l := a.getLayer(t, t, 0)
	if l != nil {
		if data, err := l.Serialize(); err == nil {
			v.LayerData = data
		}
	}
	return v
}

func shapeOrDefault(shapes [][]int) []int {
	if len(shapes) == 0 {
		return []int{1}
	}
	return shapes[0]
}

func (a *ForwardApp) Clone(v *vector.Vector) *vector.Vector { return v.Clone() }
func (a *ForwardApp) Free(v *vector.Vector)                 { v.Free() }
func (a *ForwardApp) Sum(alpha float64, v *vector.Vector, beta float64, w *vector.Vector) {
	vector.Sum(alpha, v, beta, w)
}
func (a *ForwardApp) SpatialNorm(v *vector.Vector) float64               { return v.SpatialNorm() }
func (a *ForwardApp) Access(v *vector.Vector, status xbraid.AccessStatus) {}

func (a *ForwardApp) BufSize() int {
	return shapeSize(shapeOrDefault(a.shapes)) + a.layerDataSize
}

func (a *ForwardApp) BufPack(v *vector.Vector, buf []float64) { v.Pack(buf) }

func (a *ForwardApp) BufUnpack(buf []float64) *vector.Vector {
	return vector.Unpack(buf, a.shapes)
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Step installs an incoming layer if the vector arrived from a neighbor,
// applies the step-defining layer under no-gradient, records the primal
// input for later adjoint recomputation, and attaches the serialized layer
// to the outgoing vector so it can cross the next rank boundary.
func (a *ForwardApp) Step(vIn, vOut *vector.Vector, tstart, tstop float64, level int) error {
	idx := a.localIndex(tstart)

	if vIn.SendFlag && vIn.LayerData != nil && idx >= 0 && a.Layers[idx] != nil {
		if err := a.Layers[idx].Deserialize(vIn.LayerData); err != nil {
			return fmt.Errorf("resnetapp: install received layer at idx %d: %w", idx, err)
		}
	}

	l := a.getLayer(tstart, tstop, level)
	if l == nil {
		return nil
	}

	x := vIn.Tensors[0]
	if idx >= 0 && idx < len(a.primalStore) {
		a.primalStore[idx] = x.Copy()
	}

	y := l.Forward(x)
	vOut.Tensors = []*tensor.Tensor{y}

	vIn.SendFlag = false
	vIn.LayerData = nil

	// The layer indexed at tstart (the source step) is attached, not the
	// one at tstop; preserved from torchbraid's resnet_apps.py literally.
	data, err := l.Serialize()
	if err != nil {
		return fmt.Errorf("resnetapp: serialize step layer: %w", err)
	}
	if len(data) > a.layerDataSize {
		return fmt.Errorf("resnetapp: serialized layer size %d exceeds advertised layerDataSize %d", len(data), a.layerDataSize)
	}
	vOut.LayerData = data
	return nil
}

// PrimalWithGrad recomputes the primal for one fine step with the layer's
// internal autodiff caches freshly populated, so a subsequent Backward call
// on the returned layer yields input and parameter gradients. It does not
// mutate the ForwardApp's stored layers.
func (a *ForwardApp) PrimalWithGrad(tstart, tstop float64, level int) (y, x *tensor.Tensor, l layer.Layer, err error) {
	l = a.getLayer(tstart, tstop, level)
	if l == nil {
		return nil, nil, nil, fmt.Errorf("resnetapp: no layer at tstart=%f tstop=%f level=%d", tstart, tstop, level)
	}
	idx := a.localIndex(tstart)
	if idx < 0 || idx >= len(a.primalStore) || a.primalStore[idx] == nil {
		return nil, nil, nil, fmt.Errorf("resnetapp: no stored primal input at tstart=%f", tstart)
	}
	x = a.primalStore[idx].Copy()
	y = l.Forward(x)
	return y, x, l, nil
}

// NewCore builds the xbraid.Core this ForwardApp drives, with a time grid
// spanning the full global step count across every rank.
func (a *ForwardApp) NewCore(opts xbraid.Options) (*xbraid.Core, error) {
	n := a.localSteps * a.Comm.Size()
	return xbraid.NewCore(a, a.Comm, 0, a.Tf, n, opts)
}

// Run executes the forward solve: if training, refreshes the boundary
// exchange first since parameters may have changed since construction.
func (a *ForwardApp) Run(core *xbraid.Core, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if training {
		a.UpdateParallelWeights()
	}
	var v *vector.Vector
	if x != nil {
		v = vector.New(x)
	}
	out, err := core.Drive(v)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Tensors[0], nil
}
