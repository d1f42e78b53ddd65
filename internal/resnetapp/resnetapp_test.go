package resnetapp

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

// Identity layers on a single rank pass the input straight through.
func TestForwardIdentitySingleRank(t *testing.T) {
	world := comm.NewWorld(1, slog.Default())
	c := world.Rank(0)

	layers := []layer.Layer{
		layer.NewIdentityLayer(8),
		layer.NewIdentityLayer(8),
		layer.NewIdentityLayer(8),
		layer.NewIdentityLayer(8),
	}
	app := NewForwardApp(c, layers, 1.0, slog.Default())
	app.RegisterShape([][]int{{2, 8}})

	core, err := app.NewCore(xbraid.DefaultOptions())
	require.NoError(t, err)

	x := tensor.Ones(2, 8)
	y, err := app.Run(core, x, false)
	require.NoError(t, err)
	require.NotNil(t, y)
	assert.Equal(t, x.Data, y.Data)
}

// A cotangent of ones yields x.grad = ones and zero parameter grads
// (IdentityLayer has none).
func TestBackwardIdentitySingleRank(t *testing.T) {
	world := comm.NewWorld(1, slog.Default())
	c := world.Rank(0)

	layers := []layer.Layer{
		layer.NewIdentityLayer(8),
		layer.NewIdentityLayer(8),
	}
	fwd := NewForwardApp(c, layers, 1.0, slog.Default())
	fwd.RegisterShape([][]int{{2, 8}})

	fwdCore, err := fwd.NewCore(xbraid.DefaultOptions())
	require.NoError(t, err)
	x := tensor.Ones(2, 8)
	_, err = fwd.Run(fwdCore, x, false)
	require.NoError(t, err)

	bwd := NewBackwardApp(fwd, slog.Default())
	bwdCore, err := bwd.NewCore(xbraid.DefaultOptions())
	require.NoError(t, err)

	cotangent := vector.New(tensor.Ones(2, 8))
	result, err := bwd.Run(bwdCore, cotangent)
	require.NoError(t, err)
	require.False(t, bwd.Failed)
	require.NotNil(t, result)
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, result.Data)

	for _, layerGrads := range bwd.Grads {
		assert.Empty(t, layerGrads)
	}
}
