package tensor

import (
	"math"
	"testing"
)

func TestNew(t *testing.T) {
	ts := New(2, 3, 4)

	if len(ts.Shape) != 3 {
		t.Errorf("expected shape length 3, got %d", len(ts.Shape))
	}
	if ts.Size() != 24 {
		t.Errorf("expected size 24, got %d", ts.Size())
	}
}

func TestGetSet(t *testing.T) {
	ts := New(2, 3)

	ts.Set(5.0, 1, 2)
	if got := ts.Get(1, 2); got != 5.0 {
		t.Errorf("expected 5.0, got %f", got)
	}
}

func TestAdd(t *testing.T) {
	a := FromData([]float64{1, 2, 3, 4}, 2, 2)
	b := FromData([]float64{5, 6, 7, 8}, 2, 2)

	result := a.Add(b)

	expected := []float64{6, 8, 10, 12}
	for i, v := range expected {
		if math.Abs(result.Data[i]-v) > 1e-6 {
			t.Errorf("at index %d: expected %f, got %f", i, v, result.Data[i])
		}
	}
}

func TestMatMul(t *testing.T) {
	a := FromData([]float64{1, 2, 3, 4}, 2, 2)
	b := FromData([]float64{5, 6, 7, 8}, 2, 2)

	result := a.MatMul(b)

	expected := []float64{19, 22, 43, 50}
	for i, v := range expected {
		if math.Abs(result.Data[i]-v) > 1e-6 {
			t.Errorf("at index %d: expected %f, got %f", i, v, result.Data[i])
		}
	}
}

func TestTranspose(t *testing.T) {
	ts := FromData([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	result := ts.Transpose()

	if result.Shape[0] != 3 || result.Shape[1] != 2 {
		t.Errorf("expected shape [3,2], got %v", result.Shape)
	}

	expected := []float64{1, 4, 2, 5, 3, 6}
	for i, v := range expected {
		if math.Abs(result.Data[i]-v) > 1e-6 {
			t.Errorf("at index %d: expected %f, got %f", i, v, result.Data[i])
		}
	}
}

func TestReshape(t *testing.T) {
	ts := FromData([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	result := ts.Reshape(3, 2)

	if result.Shape[0] != 3 || result.Shape[1] != 2 {
		t.Errorf("expected shape [3,2], got %v", result.Shape)
	}
	for i := range ts.Data {
		if result.Data[i] != ts.Data[i] {
			t.Errorf("data mismatch at index %d", i)
		}
	}
}

func TestXavierInit(t *testing.T) {
	ts := XavierInit(100, 50)

	mean := ts.Mean()
	if math.Abs(mean) > 0.1 {
		t.Errorf("xavier init mean too far from 0: %f", mean)
	}
}

func TestNorm(t *testing.T) {
	ts := FromData([]float64{3, 4}, 2)
	if got := ts.Norm(); math.Abs(got-5.0) > 1e-9 {
		t.Errorf("expected norm 5.0, got %f", got)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	ts := FromData([]float64{1, 2, 3}, 3)
	cp := ts.Copy()
	cp.Data[0] = 99

	if ts.Data[0] == 99 {
		t.Errorf("Copy should not alias the original backing array")
	}
}
