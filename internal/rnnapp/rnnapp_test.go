package rnnapp

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/tensor"
	"github.com/layerparallel/braidnet/internal/vector"
	"github.com/layerparallel/braidnet/internal/xbraid"
)

// A single-rank RNN solve matches a manual timestep-by-timestep loop over
// the same shared cell.
func TestForwardRNNSingleRankMatchesManualLoop(t *testing.T) {
	const batch, seqLen, inputSize, hiddenSize = 1, 6, 4, 3

	world := comm.NewWorld(1, slog.Default())
	c := world.Rank(0)
	cell := layer.NewCell(inputSize, hiddenSize)
	xLocal := tensor.Random(batch, seqLen, inputSize)

	app := NewForwardApp(c, cell, xLocal, 1.0, slog.Default())
	core, err := app.NewCore(xbraid.DefaultOptions())
	require.NoError(t, err)

	h0 := tensor.Zeros(batch, hiddenSize)
	c0 := tensor.Zeros(batch, hiddenSize)
	h, cState, err := app.Run(core, h0, c0)
	require.NoError(t, err)

	wantH, wantC := h0, c0
	for t := 0; t < seqLen; t++ {
		x := extractTimestep(xLocal, t)
		wantH, wantC = cell.Step(x, wantH, wantC)
	}

	assert.InDeltaSlice(t, wantH.Data, h.Data, 1e-9)
	assert.InDeltaSlice(t, wantC.Data, cState.Data, 1e-9)
}

// Splitting the input chunk across two ranks and driving two ForwardApps
// with the same shared cell reproduces the single-shot result on the
// terminal rank.
func TestForwardRNNChunkedMatchesSingleShot(t *testing.T) {
	const batch, seqLen, inputSize, hiddenSize = 1, 8, 4, 3
	const chunk = seqLen / 2

	cell := layer.NewCell(inputSize, hiddenSize)
	xFull := tensor.Random(batch, seqLen, inputSize)

	h0 := tensor.Zeros(batch, hiddenSize)
	c0 := tensor.Zeros(batch, hiddenSize)
	wantH, wantC := h0, c0
	for t := 0; t < seqLen; t++ {
		x := extractTimestep(xFull, t)
		wantH, wantC = cell.Step(x, wantH, wantC)
	}

	xLeft := extractChunk(xFull, 0, chunk)
	xRight := extractChunk(xFull, chunk, seqLen)

	world := comm.NewWorld(2, slog.Default())
	app0 := NewForwardApp(world.Rank(0), cell, xLeft, 1.0, slog.Default())
	app1 := NewForwardApp(world.Rank(1), cell, xRight, 1.0, slog.Default())

	opts := xbraid.DefaultOptions()
	core0, err := app0.NewCore(opts)
	require.NoError(t, err)
	core1, err := app1.NewCore(opts)
	require.NoError(t, err)

	results := make(chan *vector.Vector, 2)
	go func() {
		out, err := core0.Drive(vector.New(tensor.Zeros(batch, hiddenSize), tensor.Zeros(batch, hiddenSize)))
		require.NoError(t, err)
		results <- out
	}()
	go func() {
		out, err := core1.Drive(nil)
		require.NoError(t, err)
		results <- out
	}()

	var final *vector.Vector
	for i := 0; i < 2; i++ {
		if v := <-results; v != nil {
			final = v
		}
	}
	require.NotNil(t, final)
	assert.InDeltaSlice(t, wantH.Data, final.Tensors[0].Data, 1e-6)
	assert.InDeltaSlice(t, wantC.Data, final.Tensors[1].Data, 1e-6)
}

func extractChunk(x *tensor.Tensor, start, end int) *tensor.Tensor {
	batch, seqLen, inputSize := x.Shape[0], x.Shape[1], x.Shape[2]
	n := end - start
	out := tensor.Zeros(batch, n, inputSize)
	for b := 0; b < batch; b++ {
		for t := 0; t < n; t++ {
			for f := 0; f < inputSize; f++ {
				out.Data[b*n*inputSize+t*inputSize+f] = x.Data[b*seqLen*inputSize+(start+t)*inputSize+f]
			}
		}
	}
	return out
}

func TestBackwardStubReturnsNotImplemented(t *testing.T) {
	world := comm.NewWorld(1, slog.Default())
	cell := layer.NewCell(2, 2)
	x := tensor.Zeros(1, 1, 2)
	fwd := NewForwardApp(world.Rank(0), cell, x, 1.0, slog.Default())
	bwd := NewBackwardApp(fwd)

	_, _, err := bwd.Run(nil, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)

	err = bwd.Step(nil, nil, 0, 1, 0)
	assert.ErrorIs(t, err, ErrNotImplemented)
}
