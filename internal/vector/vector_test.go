package vector

import (
	"testing"

	"github.com/layerparallel/braidnet/internal/tensor"
)

func TestCloneIsDeepCopy(t *testing.T) {
	v := New(tensor.FromData([]float64{1, 2, 3}, 3))
	clone := v.Clone()

	clone.Tensors[0].Data[0] = 99

	if v.Tensors[0].Data[0] == 99 {
		t.Fatalf("mutating a clone must not mutate the original")
	}
	if !v.Equal(v.Clone()) {
		t.Fatalf("a vector should equal its own clone")
	}
}

func TestSumInPlace(t *testing.T) {
	v := New(tensor.FromData([]float64{1, 1}, 2))
	w := New(tensor.FromData([]float64{2, 2}, 2))

	Sum(2.0, v, 3.0, w)

	expected := []float64{8, 8} // 2*1 + 3*2
	for i, e := range expected {
		if w.Tensors[0].Data[i] != e {
			t.Errorf("at %d: expected %f, got %f", i, e, w.Tensors[0].Data[i])
		}
	}
}

func TestSpatialNorm(t *testing.T) {
	v := New(tensor.FromData([]float64{3, 4}, 2))
	if got := v.SpatialNorm(); got != 5.0 {
		t.Errorf("expected norm 5.0, got %f", got)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	v := New(tensor.FromData([]float64{1, 2, 3, 4}, 2, 2), tensor.FromData([]float64{5, 6}, 2))

	buf := make([]float64, v.BufSize())
	v.Pack(buf)

	shapes := [][]int{{2, 2}, {2}}
	roundTripped := Unpack(buf, shapes)

	if !v.Equal(roundTripped) {
		t.Fatalf("pack/unpack round trip did not reproduce the original vector")
	}
}

func TestLedgerBufferSizeMatchesAcrossRanks(t *testing.T) {
	shapeA := []int{2, 2}
	shapeB := []int{2}

	rankOneLedger := Ledger{
		{Required(tensor.Zeros(shapeA...)), Required(tensor.Zeros(shapeB...))},
	}
	rankTwoLedger := Ledger{
		{NotRequired(shapeA), NotRequired(shapeB)},
	}

	if rankOneLedger.BufferSize() != rankTwoLedger.BufferSize() {
		t.Fatalf("buffer size must be identical on every rank after harvest")
	}
}

func TestLedgerPackUnpackRoundTrip(t *testing.T) {
	ledger := Ledger{
		{Required(tensor.FromData([]float64{1, 2}, 2))},
	}

	buf := make([]float64, ledger.BufferSize())
	ledger.Pack(buf)

	roundTripped := UnpackLedger(buf, ledger)
	for i := range ledger[0][0].Tensor.Data {
		if roundTripped[0][0].Tensor.Data[i] != ledger[0][0].Tensor.Data[i] {
			t.Fatalf("ledger pack/unpack round trip mismatch at %d", i)
		}
	}
}
