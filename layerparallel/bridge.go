package layerparallel

import (
	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/vector"
)

// cotangentTag is the point-to-point tag for the rank-0 -> terminal-rank
// cotangent handoff at the start of Backward, ported from
// rnn_braid_function.py's BraidFunction.backward Isend/Irecv.
const cotangentTag = 77

// BridgeContext realizes BraidFunction as an explicit Forward/Backward
// method pair on a per-call context, since go/neuro has no dynamic autograd
// tape (torch.autograd.Function) to hook a custom Function into (see
// DESIGN.md Open Question 4). Forward returns the context a caller must
// pass back into Backward.
type BridgeContext struct {
	m *LayerParallel
}

// Forward runs the broadcast-shape / run-the-solve sequence of
// BraidFunction.forward: broadcast the input's shape from rank 0 so every
// rank's vector allocator agrees, register it with the forward app, then
// drive the forward solve.
func (m *LayerParallel) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, *BridgeContext, error) {
	shape := m.Comm.Bcast(x.Shape, 0).([]int)
	m.Fwd.RegisterShape([][]int{shape})

	core, err := m.Fwd.NewCore(m.Opts)
	if err != nil {
		return nil, nil, err
	}
	y, err := m.Fwd.Run(core, x, training)
	if err != nil {
		return nil, nil, err
	}
	return y, &BridgeContext{m: m}, nil
}

// Backward runs BraidFunction.backward: hand the upstream cotangent from
// rank 0 to the terminal rank over a non-blocking send/recv with an explicit
// wait, drive the adjoint solve on every rank with the cotangent supplied
// only on the terminal rank, then
// all-reduce the parameter-gradient ledger so every rank ends up with the
// same gradients.
func (ctx *BridgeContext) Backward(gradOutput *tensor.Tensor) (gradX *tensor.Tensor, grads vector.Ledger, err error) {
	m := ctx.m
	c := m.Comm
	size := c.Size()
	rank := c.Rank()

	var local *tensor.Tensor
	switch {
	case size == 1:
		local = gradOutput
	case rank == 0:
		req := c.Isend(gradOutput, size-1, cotangentTag)
		req.Wait()
	case rank == size-1:
		req := c.Irecv(0, cotangentTag)
		local = req.Wait().(*tensor.Tensor)
	}

	bwdCore, err := m.Bwd.NewCore(m.Opts)
	if err != nil {
		return nil, nil, err
	}

	var w *vector.Vector
	if rank == size-1 {
		w = vector.New(local)
	}
	gradX, err = m.Bwd.Run(bwdCore, w)
	if err != nil {
		return nil, nil, err
	}

	bufSize := m.Bwd.Grads.BufferSize()
	buf := make([]float64, bufSize)
	m.Bwd.Grads.Pack(buf)

	req := c.IallreduceVec(buf, comm.SumOp)
	reduced := req.Wait().([]float64)

	grads = vector.UnpackLedger(reduced, m.Bwd.Grads)
	return gradX, grads, nil
}
