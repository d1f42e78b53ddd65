package layerparallel

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/rnnapp"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/timer"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// RNNParallel is the RNN variant of a layer-parallel module, wrapping
// rnnapp's ForwardApp and its unimplemented BackwardApp stub, ported from
// torchbraid's RNN_Parallel.
type RNNParallel struct {
	base

	Log  *slog.Logger
	Fwd  *rnnapp.ForwardApp
	Bwd  *rnnapp.BackwardApp
	Opts xbraid.Options
}

// NewRNNParallel builds the RNN LayerParallel for one rank's input chunk.
func NewRNNParallel(c *comm.Communicator, cell *layer.Cell, xLocal *tensor.Tensor, tf float64, reg prometheus.Registerer, log *slog.Logger) *RNNParallel {
	if log == nil {
		log = slog.Default()
	}
	fwd := rnnapp.NewForwardApp(c, cell, xLocal, tf, log)
	bwd := rnnapp.NewBackwardApp(fwd)

	return &RNNParallel{
		base: base{Comm: c, Timers: timer.New(reg)},
		Log:  log,
		Fwd:  fwd,
		Bwd:  bwd,
		Opts: xbraid.DefaultOptions(),
	}
}

func (m *RNNParallel) SetPrintLevel(level int)      { m.Opts.PrintLevel = level }
func (m *RNNParallel) SetMaxLevels(n int)           { m.Opts.MaxLevels = n }
func (m *RNNParallel) SetMaxIters(n int)            { m.Opts.MaxIters = n }
func (m *RNNParallel) SetAbsTol(tol float64)        { m.Opts.AbsTol = tol }
func (m *RNNParallel) SetSkipDowncycle(skip bool)   { m.Opts.SkipDowncycle = skip }
func (m *RNNParallel) SetCFactor(cf int)            { m.Opts.CFactor = cf }

func (m *RNNParallel) SetNumRelax(n, level int) {
	if m.Opts.NRelax == nil {
		m.Opts.NRelax = map[int]int{}
	}
	m.Opts.NRelax[level] = n
}

// Forward drives the RNN forward solve. h0/c0 are only consulted on the rank
// owning time 0; the driver ignores them on every other rank.
func (m *RNNParallel) Forward(h0, c0 *tensor.Tensor) (h, c *tensor.Tensor, err error) {
	core, err := m.Fwd.NewCore(m.Opts)
	if err != nil {
		return nil, nil, err
	}
	return m.Fwd.Run(core, h0, c0)
}

// Backward always fails: the RNN adjoint is unimplemented.
func (m *RNNParallel) Backward(gradH, gradC *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return m.Bwd.Run(nil, nil)
}
