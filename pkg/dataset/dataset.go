// Package dataset loads the .npz image volumes used for prior training
// and turns them into normalized 2D training slices.
package dataset

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"mriprior/internal/models"
	"mriprior/internal/npz"
	"mriprior/pkg/kspace"
)

// Slice is one 2D training example in the plane-major channel layout
// the score network consumes.
type Slice struct {
	Data     []float64 // Channel-major pixel data, len = Channels*Width*Height
	Width    int
	Height   int
	Channels int
	Source   string // File the slice was loaded from
	Index    int    // Slice index within its volume
}

// Dataset is an in-memory collection of training slices.
type Dataset struct {
	Slices []*Slice
}

// Len returns the number of slices.
func (d *Dataset) Len() int {
	return len(d.Slices)
}

// LoadDir loads every .npz volume in a directory. Each volume is
// normalized to unit peak magnitude when normalize is set, then split
// into slices with the requested channel representation (1 for
// magnitude, 2 for real and imaginary parts).
func LoadDir(dir string, channels int, normalize bool) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading data directory: %w", err)
	}

	d := &Dataset{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".npz") {
			continue
		}
		slices, err := LoadFile(filepath.Join(dir, entry.Name()), channels, normalize)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", entry.Name(), err)
		}
		d.Slices = append(d.Slices, slices...)
	}

	if len(d.Slices) == 0 {
		return nil, fmt.Errorf("no training slices found in %s", dir)
	}
	return d, nil
}

// LoadFile loads all arrays of one .npz volume file. 2D arrays become
// single slices, 3D arrays are read as slice stacks; other shapes are
// ignored.
func LoadFile(path string, channels int, normalize bool) ([]*Slice, error) {
	f, err := npz.Read(path)
	if err != nil {
		return nil, err
	}

	var out []*Slice
	for _, key := range f.Keys {
		arr := f.Arrays[key]
		if len(arr.Shape) != 2 && len(arr.Shape) != 3 {
			continue
		}
		vol, err := VolumeFromArray(arr)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", key, err)
		}
		slices, err := SlicesFromVolume(vol, channels, normalize, path)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", key, err)
		}
		out = append(out, slices...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable arrays in %s", path)
	}
	return out, nil
}

// VolumeFromArray converts a parsed .npz array into a volume. 3D arrays
// are interpreted with the slice dimension first.
func VolumeFromArray(arr *npz.Array) (*models.Volume, error) {
	var width, height, depth int
	switch len(arr.Shape) {
	case 2:
		depth, height, width = 1, arr.Shape[0], arr.Shape[1]
	case 3:
		depth, height, width = arr.Shape[0], arr.Shape[1], arr.Shape[2]
	default:
		return nil, fmt.Errorf("unsupported array rank %d", len(arr.Shape))
	}
	if width < 1 || height < 1 || depth < 1 {
		return nil, fmt.Errorf("degenerate array shape %v", arr.Shape)
	}

	vol := models.NewVolume(width, height, depth)
	copy(vol.Data, arr.Data)
	vol.Magnitude = arr.Real
	return vol, nil
}

// SlicesFromVolume extracts every slice of a volume in the requested
// channel representation. Normalization divides the whole volume by its
// peak magnitude so slice intensities stay mutually consistent.
func SlicesFromVolume(vol *models.Volume, channels int, normalize bool, source string) ([]*Slice, error) {
	scale := 1.0
	if normalize {
		max := 0.0
		for _, v := range vol.Data {
			if a := cmplx.Abs(v); a > max {
				max = a
			}
		}
		if max == 0 {
			return nil, fmt.Errorf("volume is identically zero")
		}
		scale = 1 / max
	}

	out := make([]*Slice, 0, vol.Depth)
	for z := 0; z < vol.Depth; z++ {
		im := &kspace.ComplexImage{
			Data:   vol.Slice(z),
			Width:  vol.Width,
			Height: vol.Height,
		}
		if scale != 1 {
			im.Scale(scale)
		}
		data, err := im.Channels(channels)
		if err != nil {
			return nil, err
		}
		out = append(out, &Slice{
			Data:     data,
			Width:    vol.Width,
			Height:   vol.Height,
			Channels: channels,
			Source:   source,
			Index:    z,
		})
	}
	return out, nil
}

// Split partitions the dataset into training and validation subsets.
// The assignment is a deterministic function of the seed.
func (d *Dataset) Split(valFraction float64, seed int64) (train, val *Dataset) {
	n := len(d.Slices)
	nv := int(math.Round(valFraction * float64(n)))
	if nv >= n {
		nv = n - 1
	}
	if nv < 0 {
		nv = 0
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	train = &Dataset{}
	val = &Dataset{}
	for i, idx := range perm {
		if i < nv {
			val.Slices = append(val.Slices, d.Slices[idx])
		} else {
			train.Slices = append(train.Slices, d.Slices[idx])
		}
	}
	return train, val
}

// Batches shuffles the slice indices and chunks them into batches. The
// final short batch is kept so every slice is visited each epoch.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand) [][]int {
	perm := rng.Perm(len(d.Slices))
	var out [][]int
	for start := 0; start < len(perm); start += batchSize {
		end := start + batchSize
		if end > len(perm) {
			end = len(perm)
		}
		out = append(out, perm[start:end])
	}
	return out
}

// NoiseLevelIndices pairs a batch with uniform random schedule indices,
// one per element.
func NoiseLevelIndices(n, levels int, rng *rand.Rand) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(levels)
	}
	return out
}

// SaveVolume writes the magnitude of a volume as an .npz archive with
// one 2D array per slice, named slice_000 onward. Per-slice storage
// means later normalization happens per slice rather than per volume.
func SaveVolume(path string, vol *models.Volume) error {
	entries := make([]npz.Entry, 0, vol.Depth)
	for z := 0; z < vol.Depth; z++ {
		plane := vol.Slice(z)
		mag := make([]float64, len(plane))
		for i, v := range plane {
			mag[i] = cmplx.Abs(v)
		}
		entries = append(entries, npz.Entry{
			Name: fmt.Sprintf("slice_%03d", z),
			Rows: vol.Height,
			Cols: vol.Width,
			Data: mag,
		})
	}
	return npz.Write(path, entries)
}
