package layer

import (
	"math"
	"testing"

	"github.com/layerparallel/braidnet/internal/tensor"
)

func TestCellStepShape(t *testing.T) {
	inputSize, hiddenSize, batch := 5, 8, 2

	cell := NewCell(inputSize, hiddenSize)
	x := tensor.Random(batch, inputSize)
	h := tensor.Zeros(batch, hiddenSize)
	c := tensor.Zeros(batch, hiddenSize)

	hNext, cNext := cell.Step(x, h, c)

	if hNext.Shape[0] != batch || hNext.Shape[1] != hiddenSize {
		t.Fatalf("unexpected hNext shape %v", hNext.Shape)
	}
	if cNext.Shape[0] != batch || cNext.Shape[1] != hiddenSize {
		t.Fatalf("unexpected cNext shape %v", cNext.Shape)
	}
	for _, v := range hNext.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("hNext contains NaN/Inf")
		}
		if math.Abs(v) > 1.0 {
			t.Fatalf("hNext should stay within tanh*sigmoid range [-1,1], got %f", v)
		}
	}
}

func TestCellStepIsDeterministicGivenSameWeights(t *testing.T) {
	inputSize, hiddenSize, batch := 4, 4, 1
	cell := NewCell(inputSize, hiddenSize)

	x := tensor.FromData([]float64{0.1, 0.2, 0.3, 0.4}, batch, inputSize)
	h0 := tensor.Zeros(batch, hiddenSize)
	c0 := tensor.Zeros(batch, hiddenSize)

	h1, c1 := cell.Step(x, h0, c0)
	h2, c2 := cell.Step(x, h0, c0)

	for i := range h1.Data {
		if h1.Data[i] != h2.Data[i] {
			t.Fatalf("Step is not deterministic for identical inputs/weights")
		}
	}
	for i := range c1.Data {
		if c1.Data[i] != c2.Data[i] {
			t.Fatalf("Step is not deterministic for identical inputs/weights")
		}
	}
}

func TestCellSerializeRoundTrip(t *testing.T) {
	cell := NewCell(3, 5)
	data, err := cell.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	cell2 := NewCell(3, 5)
	if err := cell2.Deserialize(data); err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	for i := range cell.WeightIH.Data {
		if cell.WeightIH.Data[i] != cell2.WeightIH.Data[i] {
			t.Fatalf("WeightIH mismatch at %d after round trip", i)
		}
	}
}
