// Package npz reads and writes NumPy .npz archives. An .npz file is a
// zip container holding one .npy entry per named array; the entries
// themselves are parsed and written with the npyio codec.
package npz

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Array holds one named array from an .npz archive. Values are widened
// to complex128 regardless of the stored dtype; Real records whether the
// source carried an imaginary component at all.
type Array struct {
	Shape []int
	Data  []complex128
	Real  bool
}

// Len returns the total number of elements.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Floats returns the real parts of the array as a fresh slice.
func (a *Array) Floats() []float64 {
	out := make([]float64, len(a.Data))
	for i, v := range a.Data {
		out[i] = real(v)
	}
	return out
}

// File is the parsed content of an .npz archive. Keys preserves the
// order of the entries in the container.
type File struct {
	Keys   []string
	Arrays map[string]*Array
}

// Read parses all arrays from the .npz file at path.
func Read(path string) (*File, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("error opening npz file: %w", err)
	}
	defer zr.Close()

	f := &File{Arrays: make(map[string]*Array)}
	for _, entry := range zr.File {
		name := strings.TrimSuffix(entry.Name, ".npy")
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("error opening npz entry %s: %w", entry.Name, err)
		}
		arr, err := readArray(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading npz entry %s: %w", entry.Name, err)
		}
		f.Keys = append(f.Keys, name)
		f.Arrays[name] = arr
	}
	if len(f.Keys) == 0 {
		return nil, fmt.Errorf("npz file %s contains no arrays", path)
	}
	return f, nil
}

// readArray parses a single .npy stream into an Array.
func readArray(r io.Reader) (*Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}
	h := nr.Header
	if h.Descr.Fortran {
		return nil, fmt.Errorf("fortran-ordered arrays are not supported")
	}

	arr := &Array{Shape: append([]int(nil), h.Descr.Shape...)}
	dtype := h.Descr.Type
	switch {
	case strings.Contains(dtype, "c16"):
		var v []complex128
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		arr.Data = v
	case strings.Contains(dtype, "c8"):
		var v []complex64
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		arr.Data = make([]complex128, len(v))
		for i, c := range v {
			arr.Data[i] = complex128(c)
		}
	case strings.Contains(dtype, "f8"):
		var v []float64
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		arr.Data = make([]complex128, len(v))
		for i, f := range v {
			arr.Data[i] = complex(f, 0)
		}
		arr.Real = true
	case strings.Contains(dtype, "f4"):
		var v []float32
		if err := nr.Read(&v); err != nil {
			return nil, err
		}
		arr.Data = make([]complex128, len(v))
		for i, f := range v {
			arr.Data[i] = complex(float64(f), 0)
		}
		arr.Real = true
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	if want := arr.Len(); want != len(arr.Data) {
		return nil, fmt.Errorf("shape %v does not match %d stored elements", arr.Shape, len(arr.Data))
	}
	return arr, nil
}

// Entry describes one 2D float array to store in an .npz archive.
type Entry struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Write stores the given arrays as an .npz archive at path, writing
// entries in the order supplied.
func Write(path string, entries []Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating npz file: %w", err)
	}
	zw := zip.NewWriter(f)
	defer func() {
		// Close the zip writer before the file so the central directory
		// is flushed; keep the first error.
		if cerr := zw.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, e := range entries {
		if e.Rows*e.Cols != len(e.Data) {
			return fmt.Errorf("entry %s: %dx%d does not match %d values", e.Name, e.Rows, e.Cols, len(e.Data))
		}
		w, err := zw.Create(e.Name + ".npy")
		if err != nil {
			return fmt.Errorf("error creating npz entry %s: %w", e.Name, err)
		}
		m := mat.NewDense(e.Rows, e.Cols, e.Data)
		if err := npyio.Write(w, m); err != nil {
			return fmt.Errorf("error writing npz entry %s: %w", e.Name, err)
		}
	}
	return nil
}
