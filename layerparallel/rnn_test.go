package layerparallel

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layerparallel/braidnet/internal/comm"
	"github.com/layerparallel/braidnet/internal/layer"
	"github.com/layerparallel/braidnet/internal/rnnapp"
	"github.com/layerparallel/braidnet/internal/tensor"
)

func TestRNNParallelForwardSingleRank(t *testing.T) {
	world := comm.NewWorld(1, slog.Default())
	cell := layer.NewCell(3, 2)
	xLocal := tensor.Random(1, 4, 3)
	rp := NewRNNParallel(world.Rank(0), cell, xLocal, 1.0, nil, nil)

	h0 := tensor.Zeros(1, 2)
	c0 := tensor.Zeros(1, 2)
	h, c, err := rp.Forward(h0, c0)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NotNil(t, c)
}

func TestRNNParallelBackwardNotImplemented(t *testing.T) {
	world := comm.NewWorld(1, slog.Default())
	cell := layer.NewCell(2, 2)
	x := tensor.Zeros(1, 1, 2)
	rp := NewRNNParallel(world.Rank(0), cell, x, 1.0, nil, nil)

	_, _, err := rp.Backward(nil, nil)
	assert.ErrorIs(t, err, rnnapp.ErrNotImplemented)
}
