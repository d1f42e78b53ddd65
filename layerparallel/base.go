// Package layerparallel implements the user-facing LayerParallelModule and
// its autograd bridge: the wrapper that owns a ForwardApp/BackwardApp pair,
// its timer registry and multigrid options, and the cross-rank collectives
// the bridge needs around a training step, ported from torchbraid's
// rnn_layer_parallel.py (ExecLP, config setters,
// getFinalOnRoot/copyVectorFromRoot, getTimersString).
package layerparallel

import (
	"fmt"
	"strings"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/timer"
)

const finalValueTag = 99

// base holds the collectives and timer registry shared by LayerParallel and
// RNNParallel, kept as an embeddable type rather than duplicated per
// variant.
type base struct {
	Comm   *comm.Communicator
	Timers *timer.Registry
}

// CompOp runs fn only on rank 0 and returns nil elsewhere, the same
// rank-0-only composite-op short-circuit as torchbraid's ExecLP.
func (b *base) CompOp(fn func() any) any {
	if b.Comm.Rank() == 0 {
		return fn()
	}
	return nil
}

// CopyVectorFromRoot broadcasts x from rank 0 to every rank; on P=1 it is a
// no-op.
func (b *base) CopyVectorFromRoot(x *tensor.Tensor) *tensor.Tensor {
	if b.Comm.Size() == 1 {
		return x
	}
	return b.Comm.Bcast(x, 0).(*tensor.Tensor)
}

// GetFinalOnRoot ships the terminal rank's tensor back to rank 0; on P=1 it
// is a no-op since rank 0 already holds it.
func (b *base) GetFinalOnRoot(x *tensor.Tensor) *tensor.Tensor {
	size := b.Comm.Size()
	if size == 1 {
		return x
	}
	rank := b.Comm.Rank()
	if rank == size-1 {
		b.Comm.Send(x, 0, finalValueTag)
	}
	if rank == 0 {
		return b.Comm.Recv(size-1, finalValueTag).(*tensor.Tensor)
	}
	return nil
}

// GetTimersString gathers every rank's formatted timer summary onto rank 0
// and renders one "*** Proc = N ***" section per rank. Returns "" on
// non-root ranks.
func (b *base) GetTimersString() string {
	local := b.Timers.GetResultString()
	gathered := b.Comm.Gather(local, 0)
	if b.Comm.Rank() != 0 {
		return ""
	}
	var out strings.Builder
	for r, v := range gathered {
		fmt.Fprintf(&out, "\n   *** Proc = %-8d ***\n", r)
		out.WriteString(v.(string))
	}
	return out.String()
}
