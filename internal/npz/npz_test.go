package npz

import (
	"math"
	"path/filepath"
	"testing"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.npz")

	a := []float64{1, 2, 3, 4, 5, 6}
	b := []float64{0.5, -0.5, 0.25, -0.25}
	err := Write(path, []Entry{
		{Name: "first", Rows: 2, Cols: 3, Data: a},
		{Name: "second", Rows: 2, Cols: 2, Data: b},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	f, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if len(f.Keys) != 2 || f.Keys[0] != "first" || f.Keys[1] != "second" {
		t.Errorf("unexpected keys %v", f.Keys)
	}

	got := f.Arrays["first"]
	if got == nil {
		t.Fatal("array 'first' missing")
	}
	if len(got.Shape) != 2 || got.Shape[0] != 2 || got.Shape[1] != 3 {
		t.Errorf("unexpected shape %v", got.Shape)
	}
	if !got.Real {
		t.Error("float array should be flagged as real")
	}
	for i, want := range a {
		if math.Abs(real(got.Data[i])-want) > 1e-12 {
			t.Errorf("value %d: got %v, want %v", i, got.Data[i], want)
		}
		if imag(got.Data[i]) != 0 {
			t.Errorf("value %d has nonzero imaginary part", i)
		}
	}
}

func TestWriteShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npz")
	err := Write(path, []Entry{{Name: "x", Rows: 2, Cols: 2, Data: []float64{1, 2, 3}}})
	if err == nil {
		t.Error("expected error for mismatched shape")
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.npz")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestArrayFloats(t *testing.T) {
	a := &Array{Shape: []int{3}, Data: []complex128{1 + 2i, 3, -1}}
	got := a.Floats()
	want := []float64{1, 3, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Floats()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if a.Len() != 3 {
		t.Errorf("Len() = %d, want 3", a.Len())
	}
}
