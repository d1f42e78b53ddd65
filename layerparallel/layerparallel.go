package layerparallel

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/resnetapp"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/timer"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// DtRatioFunc is the per-level dt blending hook, taking the level and the
// step's [tstart, tstop) span against the fine step size. LayerParallel
// stores whatever is set via SetDtRatio on DtRatio; xbraid.Core's
// re-discretized coarse operator does not call it.
type DtRatioFunc func(level int, tstart, tstop, fineDt float64) float64

// LayerParallel is the ResNet variant of a layer-parallel module, wrapping
// resnetapp's ForwardApp/BackwardApp pair, the multigrid options both apps
// are driven with, and a per-rank timer registry.
type LayerParallel struct {
	base

	Log     *slog.Logger
	Layers  []layer.Layer
	Fwd     *resnetapp.ForwardApp
	Bwd     *resnetapp.BackwardApp
	Opts    xbraid.Options
	DtRatio DtRatioFunc
}

// NewLayerParallel builds the ResNet LayerParallel for one rank: factory(i)
// instantiates the rank's local layers at global indices
// [rank*localSteps, (rank+1)*localSteps).
func NewLayerParallel(c *comm.Communicator, factory layer.Factory, localSteps int, tf float64, reg prometheus.Registerer, log *slog.Logger) *LayerParallel {
	if log == nil {
		log = slog.Default()
	}
	layers := make([]layer.Layer, localSteps)
	offset := c.Rank() * localSteps
	for i := range layers {
		layers[i] = factory(offset + i)
	}

	fwd := resnetapp.NewForwardApp(c, layers, tf, log)
	bwd := resnetapp.NewBackwardApp(fwd, log)

	return &LayerParallel{
		base:   base{Comm: c, Timers: timer.New(reg)},
		Log:    log,
		Layers: layers,
		Fwd:    fwd,
		Bwd:    bwd,
		Opts:   xbraid.DefaultOptions(),
	}
}

// ---- configuration setters, mirroring torchbraid's LayerParallel setters ----

func (m *LayerParallel) SetPrintLevel(level int) { m.Opts.PrintLevel = level }
func (m *LayerParallel) SetMaxLevels(n int)      { m.Opts.MaxLevels = n }
func (m *LayerParallel) SetMaxIters(n int)       { m.Opts.MaxIters = n }
func (m *LayerParallel) SetAbsTol(tol float64)   { m.Opts.AbsTol = tol }
func (m *LayerParallel) SetSkipDowncycle(skip bool) {
	m.Opts.SkipDowncycle = skip
}

// SetNumRelax sets the FCF sweep count for level; level -1 applies to every
// level without an explicit override.
func (m *LayerParallel) SetNumRelax(n, level int) {
	if m.Opts.NRelax == nil {
		m.Opts.NRelax = map[int]int{}
	}
	m.Opts.NRelax[level] = n
}

// SetCFactor sets the coarsening factor; cf<2 is rejected at Core
// construction time, not here.
func (m *LayerParallel) SetCFactor(cf int) { m.Opts.CFactor = cf }

func (m *LayerParallel) SetDtRatio(fn DtRatioFunc) { m.DtRatio = fn }

// RegisterShape records the input tensor's shape with the forward app.
func (m *LayerParallel) RegisterShape(shapes [][]int) { m.Fwd.RegisterShape(shapes) }

// ZeroGrad clears every local layer's accumulated gradients.
func (m *LayerParallel) ZeroGrad() {
	for _, l := range m.Layers {
		l.ZeroGradients()
	}
}

// Parameters returns the nested per-layer parameter list: an outer list of
// local layers, each holding its own inner list of parameters, restricted
// to this rank's real (non-ghost) layers.
func (m *LayerParallel) Parameters() [][]*tensor.Tensor {
	out := make([][]*tensor.Tensor, 0, len(m.Layers))
	for _, l := range m.Layers {
		out = append(out, l.Parameters())
	}
	return out
}
